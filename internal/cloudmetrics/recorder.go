// Package cloudmetrics pushes usage accounting (transactions created, audits
// admitted, tokens consumed) from self-hosted installs to the hosted control
// plane. Everything here is best effort and must never block domain writes.
package cloudmetrics

import (
	"strings"
	"sync"
)

type Recorder interface {
	RecordTransactionsCreated(orgID string, count int)
	RecordAuditsAdmitted(orgID string, count int)
	RecordAuditTokens(orgID string, input, output int64)
	RecordEngineError(orgID, operation string)
}

type recorder struct {
	metrics      *metrics
	defaultOrgID string
}

type noopRecorder struct{}

func (noopRecorder) RecordTransactionsCreated(string, int)  {}
func (noopRecorder) RecordAuditsAdmitted(string, int)       {}
func (noopRecorder) RecordAuditTokens(string, int64, int64) {}
func (noopRecorder) RecordEngineError(string, string)       {}

var (
	activeRecorder Recorder = noopRecorder{}
	recorderMu     sync.RWMutex
)

func setRecorder(rec Recorder) {
	if rec == nil {
		return
	}
	recorderMu.Lock()
	activeRecorder = rec
	recorderMu.Unlock()
}

// RecordTransactionsCreated counts newly created transactions. A noop until
// cloud accounting is registered.
func RecordTransactionsCreated(orgID string, count int) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordTransactionsCreated(orgID, count)
}

// RecordAuditsAdmitted counts transactions admitted into an audit batch.
func RecordAuditsAdmitted(orgID string, count int) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordAuditsAdmitted(orgID, count)
}

// RecordAuditTokens counts model tokens consumed by a finished batch.
func RecordAuditTokens(orgID string, input, output int64) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordAuditTokens(orgID, input, output)
}

// RecordEngineError counts engine failures worth surfacing to the control
// plane.
func RecordEngineError(orgID, operation string) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordEngineError(orgID, operation)
}

func (r *recorder) RecordTransactionsCreated(orgID string, count int) {
	if r == nil || r.metrics == nil || count <= 0 {
		return
	}
	r.metrics.transactionsCreated.WithLabelValues(r.normalizeOrg(orgID)).Add(float64(count))
}

func (r *recorder) RecordAuditsAdmitted(orgID string, count int) {
	if r == nil || r.metrics == nil || count <= 0 {
		return
	}
	r.metrics.auditsAdmitted.WithLabelValues(r.normalizeOrg(orgID)).Add(float64(count))
}

func (r *recorder) RecordAuditTokens(orgID string, input, output int64) {
	if r == nil || r.metrics == nil {
		return
	}
	org := r.normalizeOrg(orgID)
	if input > 0 {
		r.metrics.auditTokens.WithLabelValues(org, "input").Add(float64(input))
	}
	if output > 0 {
		r.metrics.auditTokens.WithLabelValues(org, "output").Add(float64(output))
	}
}

func (r *recorder) RecordEngineError(orgID, operation string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.engineErrors.WithLabelValues(r.normalizeOrg(orgID), normalizeLabel(operation)).Inc()
}

func (r *recorder) normalizeOrg(orgID string) string {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		orgID = strings.TrimSpace(r.defaultOrgID)
	}
	if orgID == "" {
		return "unknown"
	}
	return orgID
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
