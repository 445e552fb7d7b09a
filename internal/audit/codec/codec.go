// Package codec persists audit results in a compact, queryable encoding.
// Two shapes share the short-key scheme: a flat per-transaction note stored
// on the transaction row and a per-batch object nesting those notes under
// batch aggregates. Rows written before the schema tag existed used verbose
// keys; those still decode.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/datatypes"

	"github.com/wasteworks/binsight/internal/audit/domain"
)

// SchemaVersion tags every encoded result. Decoders accept any version up
// to the current one; rows without a tag are the legacy verbose format.
const SchemaVersion = 1

// DecodeError reports a stored result that no longer decodes. It stays on
// the read path: callers surface a corrupt marker and keep listing.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audit codec: %s: %v", e.Reason, e.Err)
	}
	return "audit codec: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Corrupt is the marker read paths substitute for an undecodable result.
func Corrupt() domain.Result {
	return domain.Result{Corrupt: true}
}

// violationBlob carries one triggered rule. The rule text lives in the rule
// catalog; only the reference is stored.
type violationBlob struct {
	R string `json:"r,omitempty"`
	M string `json:"m,omitempty"`

	LegacyRuleID  string `json:"rule_id,omitempty"`
	LegacyMessage string `json:"message,omitempty"`
}

// usageBlob is the nested token aggregate used by the batch shape.
type usageBlob struct {
	I int64 `json:"i,omitempty"`
	O int64 `json:"o,omitempty"`
	T int64 `json:"t,omitempty"`

	LegacyInput  int64 `json:"input,omitempty"`
	LegacyOutput int64 `json:"output,omitempty"`
	LegacyTotal  int64 `json:"total,omitempty"`
}

func (u *usageBlob) toUsage() domain.TokenUsage {
	if u == nil {
		return domain.TokenUsage{}
	}
	usage := domain.TokenUsage{Input: u.I, Output: u.O, Total: u.T}
	if usage == (domain.TokenUsage{}) {
		usage = domain.TokenUsage{Input: u.LegacyInput, Output: u.LegacyOutput, Total: u.LegacyTotal}
	}
	return usage
}

// txBlob is the flat per-transaction shape. Token counts are inline short
// keys, unlike the batch shape which nests its aggregate.
type txBlob struct {
	Version    int             `json:"v,omitempty"`
	Status     string          `json:"s,omitempty"`
	Confidence float64         `json:"c,omitempty"`
	Violations []violationBlob `json:"x,omitempty"`
	TokensIn   int64           `json:"ti,omitempty"`
	TokensOut  int64           `json:"to,omitempty"`
	TokensTot  int64           `json:"tt,omitempty"`
	Err        string          `json:"e,omitempty"`

	LegacyStatus     string          `json:"status,omitempty"`
	LegacyConfidence float64         `json:"confidence,omitempty"`
	LegacyViolations []violationBlob `json:"violations,omitempty"`
	LegacyTokens     *usageBlob      `json:"tokens,omitempty"`
	LegacyError      string          `json:"error,omitempty"`
}

// batchBlob nests per-transaction shapes under batch aggregates. Entry
// values stay raw so one corrupt entry never sinks the rest.
type batchBlob struct {
	Version  int                        `json:"v,omitempty"`
	Entries  map[string]json.RawMessage `json:"t,omitempty"`
	Approved int                        `json:"a,omitempty"`
	Rejected int                        `json:"j,omitempty"`
	NoAction int                        `json:"n,omitempty"`
	Errors   int                        `json:"e,omitempty"`
	Usage    *usageBlob                 `json:"u,omitempty"`

	LegacyEntries  map[string]json.RawMessage `json:"transactions,omitempty"`
	LegacyApproved int                        `json:"approved,omitempty"`
	LegacyRejected int                        `json:"rejected,omitempty"`
	LegacyNoAction int                        `json:"no_action,omitempty"`
	LegacyErrors   int                        `json:"errors,omitempty"`
	LegacyUsage    *usageBlob                 `json:"tokens,omitempty"`
}

// Encode serializes one per-transaction result as the compact note. The
// read-path Corrupt marker is never persisted.
func Encode(res domain.Result) (string, error) {
	blob, err := encodeTx(res)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses a compact note back into the result it encoded. Verbose
// legacy notes decode onto the same shape.
func Decode(note string) (domain.Result, error) {
	if strings.TrimSpace(note) == "" {
		return domain.Result{}, &DecodeError{Reason: "empty note"}
	}
	return decodeTx([]byte(note))
}

// EncodeBatch serializes a batch result for the audit_batches.results
// column.
func EncodeBatch(res domain.BatchResult) (datatypes.JSONMap, error) {
	blob := batchBlob{
		Version:  SchemaVersion,
		Approved: res.Approved,
		Rejected: res.Rejected,
		NoAction: res.NoAction,
		Errors:   res.Errors,
	}
	if res.TokenUsage != (domain.TokenUsage{}) {
		blob.Usage = &usageBlob{I: res.TokenUsage.Input, O: res.TokenUsage.Output, T: res.TokenUsage.Total}
	}
	if len(res.Transactions) > 0 {
		blob.Entries = make(map[string]json.RawMessage, len(res.Transactions))
		for id, tx := range res.Transactions {
			entry, err := encodeTx(tx)
			if err != nil {
				return nil, fmt.Errorf("encode batch entry %s: %w", id, err)
			}
			raw, err := json.Marshal(entry)
			if err != nil {
				return nil, fmt.Errorf("encode batch entry %s: %w", id, err)
			}
			blob.Entries[id] = raw
		}
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return nil, err
	}
	out := datatypes.JSONMap{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeBatch parses a stored batch result. Entries that no longer decode
// come back as corrupt markers; only an unreadable envelope fails the call.
func DecodeBatch(stored datatypes.JSONMap) (domain.BatchResult, error) {
	if stored == nil {
		return domain.BatchResult{}, &DecodeError{Reason: "empty batch results"}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return domain.BatchResult{}, &DecodeError{Reason: "unreadable batch results", Err: err}
	}

	var blob batchBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return domain.BatchResult{}, &DecodeError{Reason: "malformed batch results", Err: err}
	}
	if blob.Version > SchemaVersion {
		return domain.BatchResult{}, &DecodeError{Reason: fmt.Sprintf("unsupported schema version %d", blob.Version)}
	}

	entries := blob.Entries
	if len(entries) == 0 {
		entries = blob.LegacyEntries
	}

	res := domain.BatchResult{
		Approved:   firstNonZero(blob.Approved, blob.LegacyApproved),
		Rejected:   firstNonZero(blob.Rejected, blob.LegacyRejected),
		NoAction:   firstNonZero(blob.NoAction, blob.LegacyNoAction),
		Errors:     firstNonZero(blob.Errors, blob.LegacyErrors),
		TokenUsage: blob.Usage.toUsage(),
	}
	if res.TokenUsage == (domain.TokenUsage{}) {
		res.TokenUsage = blob.LegacyUsage.toUsage()
	}
	if len(entries) > 0 {
		res.Transactions = make(map[string]domain.Result, len(entries))
		for id, raw := range entries {
			entry, err := decodeTx(raw)
			if err != nil {
				entry = Corrupt()
			}
			res.Transactions[id] = entry
		}
	}
	return res, nil
}

func encodeTx(res domain.Result) (txBlob, error) {
	if res.Status == "" && res.Err == "" {
		return txBlob{}, fmt.Errorf("audit codec: result has neither status nor error")
	}
	blob := txBlob{
		Version:    SchemaVersion,
		Status:     res.Status,
		Confidence: res.Confidence,
		TokensIn:   res.TokenUsage.Input,
		TokensOut:  res.TokenUsage.Output,
		TokensTot:  res.TokenUsage.Total,
		Err:        res.Err,
	}
	for _, v := range res.Violations {
		blob.Violations = append(blob.Violations, violationBlob{R: v.RuleID, M: v.Message})
	}
	return blob, nil
}

func decodeTx(raw []byte) (domain.Result, error) {
	var blob txBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return domain.Result{}, &DecodeError{Reason: "malformed note", Err: err}
	}
	if blob.Version > SchemaVersion {
		return domain.Result{}, &DecodeError{Reason: fmt.Sprintf("unsupported schema version %d", blob.Version)}
	}

	res := domain.Result{
		Status:     blob.Status,
		Confidence: blob.Confidence,
		Err:        blob.Err,
		TokenUsage: domain.TokenUsage{Input: blob.TokensIn, Output: blob.TokensOut, Total: blob.TokensTot},
	}
	if res.Status == "" {
		res.Status = blob.LegacyStatus
	}
	if res.Confidence == 0 {
		res.Confidence = blob.LegacyConfidence
	}
	if res.Err == "" {
		res.Err = blob.LegacyError
	}
	if res.TokenUsage == (domain.TokenUsage{}) {
		res.TokenUsage = blob.LegacyTokens.toUsage()
	}

	violations := blob.Violations
	if len(violations) == 0 {
		violations = blob.LegacyViolations
	}
	for _, v := range violations {
		ruleID := v.R
		if ruleID == "" {
			ruleID = v.LegacyRuleID
		}
		message := v.M
		if message == "" {
			message = v.LegacyMessage
		}
		res.Violations = append(res.Violations, domain.Violation{RuleID: ruleID, Message: message})
	}

	if res.Status == "" && res.Err == "" {
		return domain.Result{}, &DecodeError{Reason: "note carries neither status nor error"}
	}
	return res, nil
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
