// Package synthesis folds extraction evidence into one audit verdict using
// the configured rule catalog.
package synthesis

import (
	"fmt"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/wasteworks/binsight/internal/audit/domain"
	"github.com/wasteworks/binsight/internal/audit/extraction"
	"github.com/wasteworks/binsight/internal/config"
	transactiondomain "github.com/wasteworks/binsight/internal/transaction/domain"
)

// violationWordLimit caps violation messages. Longer messages are cut at the
// nearest word boundary.
const violationWordLimit = 30

// Params collects the synthesizer dependencies.
type Params struct {
	fx.In

	Rules *config.RuleCatalogHolder
	Log   *zap.Logger
}

// Synthesizer evaluates the rule catalog against per-record evidence.
type Synthesizer struct {
	rules func() config.RuleCatalog
	log   *zap.Logger
}

// NewSynthesizer builds a synthesizer over the hot-reloaded rule catalog.
func NewSynthesizer(p Params) *Synthesizer {
	return &Synthesizer{
		rules: p.Rules.Get,
		log:   p.Log.Named("audit.synthesis"),
	}
}

// Synthesize derives the verdict for one transaction. A rule triggers only
// against evidence from a stream it names, with a matching signal at or above
// its confidence floor; evidence from one material record never feeds a rule
// evaluated against another. The verdict is rejected when at least one rule
// triggered, approved when assessable evidence produced no trigger, and
// no_action when nothing was assessable. Confidence is the strongest
// triggering signal for rejections and the weakest assessable reading for
// approvals. Token usage aggregates every model call behind the evidence.
func (s *Synthesizer) Synthesize(evidence []extraction.Evidence) domain.Result {
	catalog := s.rules()

	var violations []domain.Violation
	var rejectedConfidence float64
	for _, rule := range catalog.Rules {
		for _, ev := range evidence {
			if !ev.Assessable() {
				continue
			}
			if !ruleAppliesTo(rule, ev.MaterialType) {
				continue
			}
			for _, signal := range ev.Signals {
				if signal.Name != rule.Signal || signal.Confidence < rule.MinConfidence {
					continue
				}
				violations = append(violations, domain.Violation{
					RuleID:  rule.ID,
					Message: renderMessage(rule.Message, ev.MaterialType, signal.Note),
				})
				if signal.Confidence > rejectedConfidence {
					rejectedConfidence = signal.Confidence
				}
				s.log.Debug("audit rule triggered",
					zap.String("rule_id", rule.ID),
					zap.String("stream", ev.MaterialType),
					zap.Float64("confidence", signal.Confidence))
			}
		}
	}

	res := domain.Result{Violations: violations}
	for _, ev := range evidence {
		res.TokenUsage.Add(ev.TokenUsage)
	}

	if len(violations) > 0 {
		res.Status = string(transactiondomain.AuditStatusRejected)
		res.Confidence = rejectedConfidence
		return res
	}

	assessableConfidence, assessable := 0.0, false
	for _, ev := range evidence {
		if !ev.Assessable() {
			continue
		}
		if !assessable || ev.Confidence < assessableConfidence {
			assessableConfidence = ev.Confidence
		}
		assessable = true
	}
	if !assessable {
		res.Status = string(transactiondomain.AuditStatusNoAction)
		return res
	}

	res.Status = string(transactiondomain.AuditStatusApproved)
	res.Confidence = assessableConfidence
	return res
}

func ruleAppliesTo(rule config.AuditRule, materialType string) bool {
	stream := strings.ToLower(strings.TrimSpace(materialType))
	for _, applies := range rule.AppliesTo {
		if strings.ToLower(strings.TrimSpace(applies)) == stream {
			return true
		}
	}
	return false
}

// renderMessage fills the rule's message template with the stream name,
// appends the observation note, and cuts the result at the word limit.
func renderMessage(template, stream, note string) string {
	msg := template
	if strings.Contains(msg, "%s") {
		msg = fmt.Sprintf(msg, stream)
	}
	if note != "" {
		msg += ": " + note
	}
	return truncateWords(msg, violationWordLimit)
}

func truncateWords(s string, limit int) string {
	words := strings.Fields(s)
	if len(words) <= limit {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:limit], " ") + " ..."
}
