package codec

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"gorm.io/datatypes"

	"github.com/wasteworks/binsight/internal/audit/domain"
)

func TestTransactionResultRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		res  domain.Result
	}{
		{
			name: "rejected with violations",
			res: domain.Result{
				Status:     "rejected",
				Confidence: 0.82,
				Violations: []domain.Violation{
					{RuleID: "hazardous_contamination", Message: "Hazardous material detected in the general container"},
					{RuleID: "liquid_waste", Message: "Liquid waste detected in the general container"},
				},
				TokenUsage: domain.TokenUsage{Input: 812, Output: 96, Total: 908},
			},
		},
		{
			name: "approved clean",
			res: domain.Result{
				Status:     "approved",
				Confidence: 0.95,
				TokenUsage: domain.TokenUsage{Input: 640, Output: 44, Total: 684},
			},
		},
		{
			name: "no action without model evidence",
			res:  domain.Result{Status: "no_action"},
		},
		{
			name: "recorded error entry",
			res:  domain.Result{Err: "model_failure", TokenUsage: domain.TokenUsage{Input: 30, Total: 30}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			note, err := Encode(tc.res)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := Decode(note)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tc.res) {
				t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, tc.res)
			}
		})
	}
}

func TestEncodeWritesShortKeysOnly(t *testing.T) {
	note, err := Encode(domain.Result{
		Status:     "rejected",
		Confidence: 0.7,
		Violations: []domain.Violation{{RuleID: "electronic_waste", Message: "Electronic waste detected"}},
		TokenUsage: domain.TokenUsage{Input: 100, Output: 20, Total: 120},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(note), &raw); err != nil {
		t.Fatalf("note is not json: %v", err)
	}
	for _, key := range []string{"v", "s", "c", "x", "ti", "to", "tt"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing short key %q in %s", key, note)
		}
	}
	for _, key := range []string{"status", "confidence", "violations", "tokens"} {
		if _, ok := raw[key]; ok {
			t.Errorf("verbose key %q leaked into %s", key, note)
		}
	}

	var violations []map[string]json.RawMessage
	if err := json.Unmarshal(raw["x"], &violations); err != nil {
		t.Fatalf("violations: %v", err)
	}
	if _, ok := violations[0]["r"]; !ok {
		t.Errorf("violation should reference the rule under %q: %s", "r", note)
	}
	if _, ok := violations[0]["rule_id"]; ok {
		t.Errorf("violation re-embedded verbose rule key: %s", note)
	}
}

func TestDecodeLegacyVerboseNote(t *testing.T) {
	note := `{
		"status": "rejected",
		"confidence": 0.66,
		"violations": [{"rule_id": "organic_contamination", "message": "Food waste detected in the recyclable container"}],
		"tokens": {"input": 512, "output": 64, "total": 576}
	}`

	got, err := Decode(note)
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	want := domain.Result{
		Status:     "rejected",
		Confidence: 0.66,
		Violations: []domain.Violation{{RuleID: "organic_contamination", Message: "Food waste detected in the recyclable container"}},
		TokenUsage: domain.TokenUsage{Input: 512, Output: 64, Total: 576},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("legacy decode mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := []struct {
		name string
		note string
	}{
		{name: "not json", note: "ai_audit_note"},
		{name: "empty", note: ""},
		{name: "empty object", note: "{}"},
		{name: "future schema", note: `{"v": 99, "s": "approved"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.note)
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
		})
	}
}

func TestBatchResultRoundTrip(t *testing.T) {
	res := domain.BatchResult{
		Transactions: map[string]domain.Result{
			"1930001": {Status: "approved", Confidence: 0.9, TokenUsage: domain.TokenUsage{Input: 700, Output: 50, Total: 750}},
			"1930002": {
				Status:     "rejected",
				Confidence: 0.8,
				Violations: []domain.Violation{{RuleID: "hazardous_contamination", Message: "Hazardous material detected in the organic container"}},
				TokenUsage: domain.TokenUsage{Input: 820, Output: 77, Total: 897},
			},
			"1930003": {Err: "model_failure"},
		},
		Approved:   1,
		Rejected:   1,
		Errors:     1,
		TokenUsage: domain.TokenUsage{Input: 1520, Output: 127, Total: 1647},
	}

	stored, err := EncodeBatch(res)
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	got, err := DecodeBatch(stored)
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if !reflect.DeepEqual(got, res) {
		t.Fatalf("batch round trip mismatch:\n got  %+v\n want %+v", got, res)
	}
}

func TestBatchShapeNestsAggregateTokens(t *testing.T) {
	stored, err := EncodeBatch(domain.BatchResult{
		Transactions: map[string]domain.Result{
			"42": {Status: "approved", TokenUsage: domain.TokenUsage{Input: 10, Output: 2, Total: 12}},
		},
		Approved:   1,
		TokenUsage: domain.TokenUsage{Input: 10, Output: 2, Total: 12},
	})
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}

	usage, ok := stored["u"].(map[string]any)
	if !ok {
		t.Fatalf("batch aggregate tokens should nest under %q: %v", "u", stored)
	}
	if usage["t"] != float64(12) {
		t.Fatalf("aggregate total mismatch: %v", usage)
	}

	entries, ok := stored["t"].(map[string]any)
	if !ok {
		t.Fatalf("entries should nest under %q: %v", "t", stored)
	}
	entry, ok := entries["42"].(map[string]any)
	if !ok {
		t.Fatalf("entry 42 missing: %v", entries)
	}
	if _, ok := entry["tt"]; !ok {
		t.Fatalf("per-transaction token keys must stay flat: %v", entry)
	}
}

func TestDecodeBatchMarksCorruptEntries(t *testing.T) {
	stored := datatypes.JSONMap{
		"v": 1,
		"t": map[string]any{
			"1": map[string]any{"s": "approved", "c": 0.9},
			"2": "truncated by a failed migration",
		},
		"a": 1,
	}

	got, err := DecodeBatch(stored)
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if got.Transactions["1"].Status != "approved" {
		t.Fatalf("healthy entry lost: %+v", got.Transactions["1"])
	}
	if !got.Transactions["2"].Corrupt {
		t.Fatalf("expected corrupt marker for entry 2: %+v", got.Transactions["2"])
	}
}

func TestDecodeBatchLegacyKeys(t *testing.T) {
	stored := datatypes.JSONMap{
		"transactions": map[string]any{
			"7": map[string]any{"status": "no_action"},
		},
		"approved":  0,
		"no_action": 1,
		"tokens":    map[string]any{"input": 5, "output": 1, "total": 6},
	}

	got, err := DecodeBatch(stored)
	if err != nil {
		t.Fatalf("decode legacy batch: %v", err)
	}
	if got.NoAction != 1 || got.TokenUsage.Total != 6 {
		t.Fatalf("legacy aggregates mismatch: %+v", got)
	}
	if got.Transactions["7"].Status != "no_action" {
		t.Fatalf("legacy entry mismatch: %+v", got.Transactions["7"])
	}
}
