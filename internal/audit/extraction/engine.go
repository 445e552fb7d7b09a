// Package extraction runs the model stages that turn a material record's
// photo into audit evidence: a visibility screen, then a contents
// classification when the photo is readable.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/wasteworks/binsight/internal/audit/domain"
	"github.com/wasteworks/binsight/internal/config"
	obsmetrics "github.com/wasteworks/binsight/internal/observability/metrics"
	transactiondomain "github.com/wasteworks/binsight/internal/transaction/domain"
	"github.com/wasteworks/binsight/internal/vision"
)

// Visibility is the stage-one verdict on a record's photo. no_image is
// decided locally when the record has no URL; the model never returns it.
type Visibility string

const (
	VisibilityClear            Visibility = "clear"
	VisibilityPartiallyVisible Visibility = "partially_visible"
	VisibilityOpaque           Visibility = "opaque"
	VisibilityNoImage          Visibility = "no_image"
)

const (
	stageVisibility     = "visibility"
	stageClassification = "classification"
)

const (
	outcomeOK             = "ok"
	outcomeTransportError = "transport_error"
	outcomeParseFailure   = "parse_failure"
)

// ErrParseFailure marks a model reply that did not carry the expected tags.
// It counts as a model failure for retry and classification purposes.
var ErrParseFailure = fmt.Errorf("%w: unparseable model reply", domain.ErrModelFailure)

// Signal is one observation reported by the classification stage.
type Signal struct {
	Name       string
	Confidence float64
	Note       string
}

// Evidence is everything extraction produced for one material record. Err is
// set when a stage failed after its retries; such records contribute
// no-action evidence instead of aborting their siblings.
type Evidence struct {
	MaterialType string
	Visibility   Visibility
	Signals      []Signal
	Confidence   float64
	TokenUsage   domain.TokenUsage
	Err          error
}

// Assessable reports whether the photo yielded reviewable content.
func (e Evidence) Assessable() bool {
	if e.Err != nil {
		return false
	}
	return e.Visibility == VisibilityClear || e.Visibility == VisibilityPartiallyVisible
}

// Params collects the extraction engine dependencies.
type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Client  vision.Client
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Engine drives the two extraction stages against the vision model.
type Engine struct {
	client    vision.Client
	log       *zap.Logger
	metrics   *obsmetrics.Metrics
	mode      Mode
	retries   int
	maxTokens int
}

// NewEngine builds the extraction engine from configuration. An unrecognized
// prompt mode falls back to detailed.
func NewEngine(p Params) *Engine {
	mode := resolveMode(p.Config.Vision.PromptMode)
	if raw := strings.ToLower(strings.TrimSpace(p.Config.Vision.PromptMode)); raw != "" && raw != string(mode) {
		p.Log.Warn("unrecognized prompt mode, using detailed",
			zap.String("prompt_mode", p.Config.Vision.PromptMode))
	}
	retries := p.Config.Audit.ExtractionRetries
	if retries < 0 {
		retries = 0
	}
	return &Engine{
		client:    p.Client,
		log:       p.Log.Named("audit.extraction"),
		metrics:   p.Metrics,
		mode:      mode,
		retries:   retries,
		maxTokens: p.Config.Vision.MaxOutputTokens,
	}
}

// ExtractRecord runs the extraction stages for one material record. Records
// without an image are settled locally without a model call; opaque photos
// skip the classification stage.
func (e *Engine) ExtractRecord(ctx context.Context, rec transactiondomain.MaterialRecord) Evidence {
	ev := Evidence{MaterialType: rec.MaterialType}

	if rec.ImageURL == nil || strings.TrimSpace(*rec.ImageURL) == "" {
		ev.Visibility = VisibilityNoImage
		ev.Confidence = 1
		return ev
	}
	imageURL := strings.TrimSpace(*rec.ImageURL)

	vis, usage, err := e.assessVisibility(ctx, imageURL)
	ev.TokenUsage.Add(usage)
	if err != nil {
		ev.Err = err
		return ev
	}
	ev.Visibility = Visibility(vis.Visibility)
	ev.Confidence = vis.Confidence
	if ev.Visibility == VisibilityOpaque {
		return ev
	}

	cls, usage, err := e.classifyContents(ctx, rec.MaterialType, imageURL)
	ev.TokenUsage.Add(usage)
	if err != nil {
		ev.Err = err
		return ev
	}
	ev.Signals = cls.Signals
	ev.Confidence = cls.Confidence
	return ev
}

type visibilityReply struct {
	Visibility string  `json:"visibility"`
	Confidence float64 `json:"confidence"`
}

func (e *Engine) assessVisibility(ctx context.Context, imageURL string) (visibilityReply, domain.TokenUsage, error) {
	var reply visibilityReply
	usage, err := e.runStage(ctx, stageVisibility, visibilityPrompt, imageURL, func(content string) error {
		parsed, err := parseVisibilityReply(content)
		if err != nil {
			return err
		}
		reply = parsed
		return nil
	})
	return reply, usage, err
}

type classification struct {
	Signals    []Signal
	Confidence float64
}

func (e *Engine) classifyContents(ctx context.Context, materialType, imageURL string) (classification, domain.TokenUsage, error) {
	var cls classification
	prompt := classificationPrompt(e.mode, materialType)
	usage, err := e.runStage(ctx, stageClassification, prompt, imageURL, func(content string) error {
		signals, confidence, err := parseClassificationReply(content, e.mode)
		if err != nil {
			return err
		}
		cls = classification{Signals: signals, Confidence: confidence}
		return nil
	})
	return cls, usage, err
}

// runStage calls the model and parses its reply, retrying transport and
// parse failures alike up to the configured retry count. Token usage from
// every attempt is counted; context errors pass through unwrapped.
func (e *Engine) runStage(ctx context.Context, stage, prompt, imageURL string, parse func(content string) error) (domain.TokenUsage, error) {
	var usage domain.TokenUsage
	var lastErr error

	for attempt := 0; attempt <= e.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return usage, err
		}

		resp, err := e.client.Complete(ctx, vision.Request{
			Messages: []vision.Message{{
				Role: "user",
				Content: []vision.ContentPart{
					vision.TextPart(prompt),
					vision.ImagePart(imageURL),
				},
			}},
			Temperature: 0,
			MaxTokens:   e.maxTokens,
		})
		if resp != nil {
			usage.Add(domain.TokenUsage{
				Input:  int64(resp.Usage.PromptTokens),
				Output: int64(resp.Usage.CompletionTokens),
				Total:  int64(resp.Usage.TotalTokens),
			})
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return usage, ctxErr
			}
			e.recordCall(ctx, stage, outcomeTransportError)
			e.log.Warn("model call failed",
				zap.String("stage", stage),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			lastErr = errors.Join(domain.ErrModelFailure, err)
			continue
		}

		if err := parse(resp.Content); err != nil {
			e.recordCall(ctx, stage, outcomeParseFailure)
			e.log.Warn("model reply rejected",
				zap.String("stage", stage),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			lastErr = err
			continue
		}

		e.recordCall(ctx, stage, outcomeOK)
		return usage, nil
	}

	return usage, fmt.Errorf("%s stage failed after %d attempts: %w", stage, e.retries+1, lastErr)
}

func (e *Engine) recordCall(ctx context.Context, stage, outcome string) {
	e.metrics.RecordVisionCall(ctx, stage, outcome)
}

func parseVisibilityReply(content string) (visibilityReply, error) {
	raw := vision.ExtractJSON(content)
	if raw == "" {
		return visibilityReply{}, fmt.Errorf("%w: no json object in visibility reply", ErrParseFailure)
	}
	var reply visibilityReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return visibilityReply{}, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	switch Visibility(reply.Visibility) {
	case VisibilityClear, VisibilityPartiallyVisible, VisibilityOpaque:
	default:
		return visibilityReply{}, fmt.Errorf("%w: unknown visibility %q", ErrParseFailure, reply.Visibility)
	}
	if reply.Confidence < 0 || reply.Confidence > 1 {
		return visibilityReply{}, fmt.Errorf("%w: confidence %v out of range", ErrParseFailure, reply.Confidence)
	}
	return reply, nil
}

func parseClassificationReply(content string, mode Mode) ([]Signal, float64, error) {
	raw := vision.ExtractJSON(content)
	if raw == "" {
		return nil, 0, fmt.Errorf("%w: no json object in classification reply", ErrParseFailure)
	}

	var reply struct {
		Observations []struct {
			Signal     string  `json:"signal"`
			Confidence float64 `json:"confidence"`
			Note       string  `json:"note"`
		} `json:"observations"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	if reply.Confidence < 0 || reply.Confidence > 1 {
		return nil, 0, fmt.Errorf("%w: confidence %v out of range", ErrParseFailure, reply.Confidence)
	}

	known := signalsForMode(mode)
	signals := make([]Signal, 0, len(reply.Observations))
	for _, obs := range reply.Observations {
		name := strings.ToLower(strings.TrimSpace(obs.Signal))
		if name == "" {
			return nil, 0, fmt.Errorf("%w: observation missing signal tag", ErrParseFailure)
		}
		if obs.Confidence < 0 || obs.Confidence > 1 {
			return nil, 0, fmt.Errorf("%w: observation confidence %v out of range", ErrParseFailure, obs.Confidence)
		}
		if _, ok := known[name]; !ok {
			// category outside the mode's catalog
			continue
		}
		signals = append(signals, Signal{Name: name, Confidence: obs.Confidence, Note: strings.TrimSpace(obs.Note)})
	}
	if len(signals) == 0 {
		return nil, reply.Confidence, nil
	}
	return signals, reply.Confidence, nil
}
