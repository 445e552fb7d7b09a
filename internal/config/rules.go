package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RuleAction is what a triggered rule does to the transaction verdict.
const (
	RuleActionReject = "reject"
)

// AuditRule is one entry of the audit rule catalog. A rule triggers when the
// named signal is present on a record of one of the listed streams with at
// least the minimum confidence.
type AuditRule struct {
	ID            string   `mapstructure:"id"`
	AppliesTo     []string `mapstructure:"applies_to"`
	Signal        string   `mapstructure:"signal"`
	MinConfidence float64  `mapstructure:"min_confidence"`
	Action        string   `mapstructure:"action"`
	Message       string   `mapstructure:"message"`
}

// RuleCatalog is the full rule set evaluated by the decision synthesizer.
type RuleCatalog struct {
	Rules []AuditRule `mapstructure:"rules"`
}

// DefaultRuleCatalog returns the built-in rule set used when no rules file
// is mounted.
func DefaultRuleCatalog() RuleCatalog {
	return RuleCatalog{
		Rules: []AuditRule{
			{
				ID:            "hazardous_contamination",
				AppliesTo:     []string{"general", "organic", "recyclable"},
				Signal:        "hazardous_items",
				MinConfidence: 0.6,
				Action:        RuleActionReject,
				Message:       "Hazardous material such as batteries, chemicals or paint detected in the %s container; remove it before the next collection",
			},
			{
				ID:            "electronic_waste",
				AppliesTo:     []string{"general", "organic", "recyclable"},
				Signal:        "electronics",
				MinConfidence: 0.65,
				Action:        RuleActionReject,
				Message:       "Electronic waste detected in the %s container; e-waste must be dropped off at a collection point",
			},
			{
				ID:            "organic_contamination",
				AppliesTo:     []string{"recyclable"},
				Signal:        "organics",
				MinConfidence: 0.7,
				Action:        RuleActionReject,
				Message:       "Food or garden waste detected in the %s container; organics belong in the organic stream",
			},
			{
				ID:            "recyclable_contamination",
				AppliesTo:     []string{"organic"},
				Signal:        "recyclables",
				MinConfidence: 0.7,
				Action:        RuleActionReject,
				Message:       "Recyclable packaging detected in the %s container; move it to the recyclable stream",
			},
			{
				ID:            "liquid_waste",
				AppliesTo:     []string{"general", "recyclable"},
				Signal:        "liquids",
				MinConfidence: 0.75,
				Action:        RuleActionReject,
				Message:       "Liquid waste detected in the %s container; containers must be emptied before disposal",
			},
		},
	}
}

var knownStreams = map[string]struct{}{
	"general":    {},
	"organic":    {},
	"recyclable": {},
	"hazardous":  {},
}

// RuleCatalogHolder keeps the current catalog behind an atomic swap so the
// engine always reads a validated snapshot.
type RuleCatalogHolder struct {
	current atomic.Value // holds RuleCatalog
}

// NewRuleCatalogHolder loads audit rules from audit_rules.yml and watches the
// file for changes. Invalid updates are ignored and logged.
func NewRuleCatalogHolder() (*RuleCatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("audit_rules")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/binsight/config") // Volume-mounted config
	v.AddConfigPath("/etc/binsight")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("BINSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fromFile = false
	}

	cfg := DefaultRuleCatalog()
	if fromFile {
		cfg = RuleCatalog{}
		if err := v.UnmarshalKey("audit", &cfg); err != nil {
			return nil, err
		}
	}
	if err := validateRuleCatalog(cfg); err != nil {
		return nil, err
	}

	holder := &RuleCatalogHolder{}
	holder.current.Store(cfg)

	if fromFile {
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated RuleCatalog
			if err := v.UnmarshalKey("audit", &updated); err != nil {
				log.Printf("[audit-rules] reload failed: %v", err)
				return
			}
			if err := validateRuleCatalog(updated); err != nil {
				log.Printf("[audit-rules] invalid catalog ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[audit-rules] reloaded from %s", e.Name)
		})
		v.WatchConfig()
	}

	return holder, nil
}

// NewStaticRuleCatalogHolder wraps a fixed catalog without file watching,
// for tests and embedded callers that bring their own rule source.
func NewStaticRuleCatalogHolder(cfg RuleCatalog) (*RuleCatalogHolder, error) {
	if err := validateRuleCatalog(cfg); err != nil {
		return nil, err
	}
	holder := &RuleCatalogHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

// Get returns the current validated catalog snapshot.
func (h *RuleCatalogHolder) Get() RuleCatalog {
	return h.current.Load().(RuleCatalog)
}

func validateRuleCatalog(cfg RuleCatalog) error {
	if len(cfg.Rules) == 0 {
		return errors.New("audit.rules cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			return errors.New("audit.rules entries require an id")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("audit.rules duplicate id %q", id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(rule.Signal) == "" {
			return fmt.Errorf("audit rule %q requires a signal", id)
		}
		if len(rule.AppliesTo) == 0 {
			return fmt.Errorf("audit rule %q requires at least one stream", id)
		}
		for _, stream := range rule.AppliesTo {
			if _, ok := knownStreams[strings.ToLower(strings.TrimSpace(stream))]; !ok {
				return fmt.Errorf("audit rule %q references unknown stream %q", id, stream)
			}
		}
		if rule.MinConfidence < 0 || rule.MinConfidence > 1 {
			return fmt.Errorf("audit rule %q min_confidence must be within [0,1]", id)
		}
		if rule.Action != RuleActionReject {
			return fmt.Errorf("audit rule %q has unsupported action %q", id, rule.Action)
		}
	}
	return nil
}
