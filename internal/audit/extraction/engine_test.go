package extraction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/wasteworks/binsight/internal/audit/domain"
	"github.com/wasteworks/binsight/internal/config"
	transactiondomain "github.com/wasteworks/binsight/internal/transaction/domain"
	"github.com/wasteworks/binsight/internal/vision"
)

type stubReply struct {
	content string
	usage   vision.TokenUsage
	err     error
}

type stubVision struct {
	mu      sync.Mutex
	calls   []vision.Request
	replies []stubReply
}

func (s *stubVision) Complete(ctx context.Context, req vision.Request) (*vision.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.replies) == 0 {
		return nil, errors.New("stub out of replies")
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &vision.Response{Content: next.content, Usage: next.usage}, nil
}

func newTestEngine(client vision.Client, mode string, retries int) *Engine {
	return NewEngine(Params{
		Config: config.Config{
			Vision: config.VisionConfig{PromptMode: mode, MaxOutputTokens: 256},
			Audit:  config.AuditConfig{ExtractionRetries: retries},
		},
		Log:    zap.NewNop(),
		Client: client,
	})
}

func imageRecord(materialType, url string) transactiondomain.MaterialRecord {
	return transactiondomain.MaterialRecord{MaterialType: materialType, ImageURL: &url}
}

func TestExtractRecordWithoutImageDecidesLocally(t *testing.T) {
	stub := &stubVision{}
	engine := newTestEngine(stub, "detailed", 1)

	ev := engine.ExtractRecord(context.Background(), transactiondomain.MaterialRecord{MaterialType: "general"})
	if ev.Err != nil {
		t.Fatalf("unexpected error: %v", ev.Err)
	}
	if ev.Visibility != VisibilityNoImage {
		t.Fatalf("expected no_image, got %s", ev.Visibility)
	}
	if len(stub.calls) != 0 {
		t.Fatalf("no model call expected, saw %d", len(stub.calls))
	}
	if ev.TokenUsage.Total != 0 {
		t.Fatalf("no tokens should be spent: %+v", ev.TokenUsage)
	}
	if ev.Assessable() {
		t.Fatal("no_image evidence must not be assessable")
	}
}

func TestExtractRecordOpaqueSkipsClassification(t *testing.T) {
	stub := &stubVision{replies: []stubReply{
		{content: `{"visibility": "opaque", "confidence": 0.91}`, usage: vision.TokenUsage{PromptTokens: 80, CompletionTokens: 10, TotalTokens: 90}},
	}}
	engine := newTestEngine(stub, "detailed", 1)

	ev := engine.ExtractRecord(context.Background(), imageRecord("general", "https://img.example/closed-lid.jpg"))
	if ev.Err != nil {
		t.Fatalf("unexpected error: %v", ev.Err)
	}
	if ev.Visibility != VisibilityOpaque {
		t.Fatalf("expected opaque, got %s", ev.Visibility)
	}
	if len(stub.calls) != 1 {
		t.Fatalf("classification must be skipped for opaque photos, saw %d calls", len(stub.calls))
	}
	if len(ev.Signals) != 0 {
		t.Fatalf("opaque evidence carries no signals: %+v", ev.Signals)
	}
	if ev.TokenUsage.Total != 90 {
		t.Fatalf("usage mismatch: %+v", ev.TokenUsage)
	}
}

func TestExtractRecordRunsBothStages(t *testing.T) {
	stub := &stubVision{replies: []stubReply{
		{content: `{"visibility": "clear", "confidence": 0.97}`, usage: vision.TokenUsage{PromptTokens: 80, CompletionTokens: 12, TotalTokens: 92}},
		{
			content: "```json\n{\"observations\": [{\"signal\": \"hazardous_items\", \"confidence\": 0.8, \"note\": \"two AA batteries by the rim\"}, {\"signal\": \"plastic_bags\", \"confidence\": 0.9}], \"confidence\": 0.88}\n```",
			usage:   vision.TokenUsage{PromptTokens: 700, CompletionTokens: 60, TotalTokens: 760},
		},
	}}
	engine := newTestEngine(stub, "detailed", 1)

	ev := engine.ExtractRecord(context.Background(), imageRecord("general", "https://img.example/bin.jpg"))
	if ev.Err != nil {
		t.Fatalf("unexpected error: %v", ev.Err)
	}
	if len(stub.calls) != 2 {
		t.Fatalf("expected 2 model calls, saw %d", len(stub.calls))
	}
	for i, call := range stub.calls {
		if call.Temperature != 0 {
			t.Fatalf("call %d temperature must be 0, got %v", i, call.Temperature)
		}
	}
	if prompt := stub.calls[1].Messages[0].Content[0].Text; !strings.Contains(prompt, `"general"`) {
		t.Fatalf("classification prompt must name the stream: %s", prompt)
	}

	if len(ev.Signals) != 1 || ev.Signals[0].Name != "hazardous_items" {
		t.Fatalf("unknown categories must be dropped, got %+v", ev.Signals)
	}
	if ev.Signals[0].Confidence != 0.8 {
		t.Fatalf("signal confidence mismatch: %+v", ev.Signals[0])
	}
	if ev.Confidence != 0.88 {
		t.Fatalf("classification confidence should win: %v", ev.Confidence)
	}
	if ev.TokenUsage.Total != 852 {
		t.Fatalf("usage must aggregate both stages: %+v", ev.TokenUsage)
	}
	if !ev.Assessable() {
		t.Fatal("clear evidence must be assessable")
	}
}

func TestExtractRecordRetriesOnceThenRecovers(t *testing.T) {
	stub := &stubVision{replies: []stubReply{
		{err: errors.New("upstream 503")},
		{content: `{"visibility": "opaque", "confidence": 0.7}`, usage: vision.TokenUsage{TotalTokens: 50}},
	}}
	engine := newTestEngine(stub, "detailed", 1)

	ev := engine.ExtractRecord(context.Background(), imageRecord("organic", "https://img.example/bin.jpg"))
	if ev.Err != nil {
		t.Fatalf("retry should have recovered: %v", ev.Err)
	}
	if len(stub.calls) != 2 {
		t.Fatalf("expected 2 attempts, saw %d", len(stub.calls))
	}
	if ev.Visibility != VisibilityOpaque {
		t.Fatalf("unexpected visibility %s", ev.Visibility)
	}
}

func TestExtractRecordFailsAfterRetries(t *testing.T) {
	stub := &stubVision{replies: []stubReply{
		{content: "I can't tell what is in this bin.", usage: vision.TokenUsage{PromptTokens: 10, TotalTokens: 10}},
		{content: "Still not JSON.", usage: vision.TokenUsage{PromptTokens: 10, TotalTokens: 10}},
	}}
	engine := newTestEngine(stub, "detailed", 1)

	ev := engine.ExtractRecord(context.Background(), imageRecord("general", "https://img.example/bin.jpg"))
	if ev.Err == nil {
		t.Fatal("expected failure after retries")
	}
	if !errors.Is(ev.Err, domain.ErrModelFailure) {
		t.Fatalf("failure must classify as model failure: %v", ev.Err)
	}
	if len(stub.calls) != 2 {
		t.Fatalf("expected 2 attempts, saw %d", len(stub.calls))
	}
	if ev.TokenUsage.Total != 20 {
		t.Fatalf("failed attempts still spend tokens: %+v", ev.TokenUsage)
	}
	if ev.Assessable() {
		t.Fatal("failed evidence must not be assessable")
	}
}

func TestExtractRecordStopsOnContextCancel(t *testing.T) {
	stub := &stubVision{}
	engine := newTestEngine(stub, "detailed", 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := engine.ExtractRecord(ctx, imageRecord("general", "https://img.example/bin.jpg"))
	if !errors.Is(ev.Err, context.Canceled) {
		t.Fatalf("expected context error, got %v", ev.Err)
	}
	if len(stub.calls) != 0 {
		t.Fatalf("cancelled context must not reach the model, saw %d calls", len(stub.calls))
	}
}

func TestMinimalModeFiltersDetailedOnlyCategories(t *testing.T) {
	stub := &stubVision{replies: []stubReply{
		{content: `{"visibility": "clear", "confidence": 0.9}`},
		{content: `{"observations": [{"signal": "medical_waste", "confidence": 0.9}, {"signal": "organics", "confidence": 0.75, "note": "food scraps on top"}], "confidence": 0.8}`},
	}}
	engine := newTestEngine(stub, "minimal", 0)

	ev := engine.ExtractRecord(context.Background(), imageRecord("recyclable", "https://img.example/bin.jpg"))
	if ev.Err != nil {
		t.Fatalf("unexpected error: %v", ev.Err)
	}
	if prompt := stub.calls[1].Messages[0].Content[0].Text; !strings.Contains(prompt, "exactly these four") {
		t.Fatalf("minimal mode must use the minimal prompt: %s", prompt)
	}
	if len(ev.Signals) != 1 || ev.Signals[0].Name != "organics" {
		t.Fatalf("minimal mode keeps only its four categories: %+v", ev.Signals)
	}
}

func TestUnrecognizedPromptModeFallsBackToDetailed(t *testing.T) {
	engine := newTestEngine(&stubVision{}, "exhaustive", 0)
	if engine.mode != ModeDetailed {
		t.Fatalf("expected detailed fallback, got %s", engine.mode)
	}
}
