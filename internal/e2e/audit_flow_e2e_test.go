package e2e

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	activitydomain "github.com/wasteworks/binsight/internal/activity/domain"
	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
	transactiondomain "github.com/wasteworks/binsight/internal/transaction/domain"
)

func ingestPayload(version, origin string, houses map[string]transactiondomain.IngestItem) transactiondomain.IngestRequest {
	return transactiondomain.IngestRequest{
		Batch: map[string]map[string]map[string]transactiondomain.IngestItem{
			version: {origin: houses},
		},
	}
}

func ingestItem(ts time.Time, materials map[string]string) transactiondomain.IngestItem {
	item := transactiondomain.IngestItem{
		Timestamp: ts.Format(time.RFC3339),
		Material:  make(map[string]transactiondomain.IngestMaterial, len(materials)),
	}
	for stream, imageURL := range materials {
		item.Material[stream] = transactiondomain.IngestMaterial{ImageURL: imageURL}
	}
	return item
}

func mustIngest(t *testing.T, payload transactiondomain.IngestRequest) transactiondomain.IngestResult {
	t.Helper()
	resp, body := doJSON(t, newHTTPClient(), http.MethodPost, env.baseURL+"/v1/transactions", payload, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest failed: %d: %s", resp.StatusCode, string(body))
	}
	var result transactiondomain.IngestResult
	decodeJSON(t, body, &result)
	return result
}

func mustEnqueue(t *testing.T) auditdomain.EnqueueResult {
	t.Helper()
	resp, body := doJSON(t, newHTTPClient(), http.MethodPost, env.baseURL+"/v1/audit/queue", nil, authHeaders())
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue failed: %d: %s", resp.StatusCode, string(body))
	}
	var result auditdomain.EnqueueResult
	decodeJSON(t, body, &result)
	return result
}

func getBatch(t *testing.T, id fmt.Stringer) auditdomain.BatchView {
	t.Helper()
	resp, body := doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/v1/audit/batches/"+id.String(), nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get batch failed: %d: %s", resp.StatusCode, string(body))
	}
	var view auditdomain.BatchView
	decodeJSON(t, body, &view)
	return view
}

func getTransaction(t *testing.T, version, houseID string) transactiondomain.TransactionView {
	t.Helper()
	reqURL := fmt.Sprintf("%s/v1/transactions/%s/%s", env.baseURL, version, houseID)
	resp, body := doJSON(t, newHTTPClient(), http.MethodGet, reqURL, nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get transaction failed: %d: %s", resp.StatusCode, string(body))
	}
	var view transactiondomain.TransactionView
	decodeJSON(t, body, &view)
	return view
}

func getUsage(t *testing.T) subscriptiondomain.UsageSnapshot {
	t.Helper()
	resp, body := doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/v1/usage", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get usage failed: %d: %s", resp.StatusCode, string(body))
	}
	var snapshot subscriptiondomain.UsageSnapshot
	decodeJSON(t, body, &snapshot)
	return snapshot
}

func TestE2E_TransactionIngest(t *testing.T) {
	resetDatabase(t, env.db)
	now := time.Now().UTC()

	result := mustIngest(t, ingestPayload("2026-08", "route-7", map[string]transactiondomain.IngestItem{
		"house-001": ingestItem(now, map[string]string{
			"organic": "https://img.example.test/clean-001.jpg",
		}),
		"house-002": ingestItem(now, map[string]string{
			"organic":    "https://img.example.test/clean-002.jpg",
			"recyclable": "https://img.example.test/clean-003.jpg",
		}),
	}))
	if result.Processed != 2 || result.Created != 2 || result.Updated != 0 {
		t.Fatalf("unexpected ingest result: %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected ingest errors: %+v", result.Errors)
	}

	// Same keys again: upsert, not duplicate.
	again := mustIngest(t, ingestPayload("2026-08", "route-7", map[string]transactiondomain.IngestItem{
		"house-001": ingestItem(now, map[string]string{
			"organic": "https://img.example.test/clean-001b.jpg",
		}),
	}))
	if again.Created != 0 || again.Updated != 1 {
		t.Fatalf("expected upsert on re-ingest, got %+v", again)
	}
	if countRows(t, env.db, "transactions", "external_version = ?", "2026-08") != 2 {
		t.Fatalf("expected two transactions after re-ingest")
	}

	view := getTransaction(t, "2026-08", "house-002")
	if len(view.Materials) != 2 {
		t.Fatalf("expected two material records, got %+v", view.Materials)
	}
	if view.AIAuditStatus != nil {
		t.Fatalf("expected no audit status before enqueue, got %v", *view.AIAuditStatus)
	}

	usage := getUsage(t)
	if usage.CreateTransactionUsage != 2 {
		t.Fatalf("expected creation usage 2, got %d", usage.CreateTransactionUsage)
	}
	if usage.AIAuditUsage != 0 {
		t.Fatalf("expected audit usage 0, got %d", usage.AIAuditUsage)
	}
}

func TestE2E_AuditApproveFlow(t *testing.T) {
	resetDatabase(t, env.db)
	now := time.Now().UTC()

	mustIngest(t, ingestPayload("2026-08", "route-7", map[string]transactiondomain.IngestItem{
		"house-010": ingestItem(now, map[string]string{
			"organic": "https://img.example.test/clean-010.jpg",
		}),
	}))

	enq := mustEnqueue(t)
	if enq.Queued != 1 || enq.BatchID == 0 {
		t.Fatalf("unexpected enqueue result: %+v", enq)
	}

	queued := getTransaction(t, "2026-08", "house-010")
	if queued.AIAuditStatus == nil || *queued.AIAuditStatus != transactiondomain.AuditStatusQueued {
		t.Fatalf("expected queued audit status, got %+v", queued.AIAuditStatus)
	}

	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("engine run: %v", err)
	}

	batch := getBatch(t, enq.BatchID)
	if batch.Status != auditdomain.BatchStatusCompleted {
		t.Fatalf("expected completed batch, got %s", batch.Status)
	}
	if batch.ApprovedCount != 1 || batch.RejectedCount != 0 || batch.ErrorCount != 0 {
		t.Fatalf("unexpected batch counts: %+v", batch.BatchSummary)
	}
	if batch.TokenUsageTotal == 0 {
		t.Fatalf("expected token usage recorded on the batch")
	}

	view := getTransaction(t, "2026-08", "house-010")
	if view.AIAuditStatus == nil || *view.AIAuditStatus != transactiondomain.AuditStatusApproved {
		t.Fatalf("expected approved, got %+v", view.AIAuditStatus)
	}
	if view.AuditDate == nil {
		t.Fatalf("expected audit date set")
	}

	usage := getUsage(t)
	if usage.AIAuditUsage != 1 {
		t.Fatalf("expected audit usage 1, got %d", usage.AIAuditUsage)
	}
}

func TestE2E_AuditRejectFlow(t *testing.T) {
	resetDatabase(t, env.db)
	now := time.Now().UTC()

	mustIngest(t, ingestPayload("2026-08", "route-7", map[string]transactiondomain.IngestItem{
		"house-020": ingestItem(now, map[string]string{
			"organic": "https://img.example.test/loose-batteries-020.jpg",
		}),
	}))

	enq := mustEnqueue(t)
	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("engine run: %v", err)
	}

	batch := getBatch(t, enq.BatchID)
	if batch.Status != auditdomain.BatchStatusCompleted {
		t.Fatalf("expected completed batch, got %s", batch.Status)
	}
	if batch.RejectedCount != 1 {
		t.Fatalf("expected one rejection, got %+v", batch.BatchSummary)
	}

	view := getTransaction(t, "2026-08", "house-020")
	if view.AIAuditStatus == nil || *view.AIAuditStatus != transactiondomain.AuditStatusRejected {
		t.Fatalf("expected rejected, got %+v", view.AIAuditStatus)
	}
	if view.AIAuditNote == nil || !strings.Contains(*view.AIAuditNote, "Hazardous material") {
		t.Fatalf("expected hazardous violation note, got %+v", view.AIAuditNote)
	}

	// The stored result for the transaction carries the violation.
	res, ok := batch.Results[view.ID.String()]
	if !ok {
		t.Fatalf("expected batch result entry for transaction %s", view.ID)
	}
	if len(res.Violations) == 0 {
		t.Fatalf("expected violations in the stored result")
	}
}

func TestE2E_AuditNoActionFlow(t *testing.T) {
	resetDatabase(t, env.db)
	now := time.Now().UTC()

	mustIngest(t, ingestPayload("2026-08", "route-7", map[string]transactiondomain.IngestItem{
		"house-030": ingestItem(now, map[string]string{
			"organic": "https://img.example.test/opaque-lid-030.jpg",
		}),
	}))

	enq := mustEnqueue(t)
	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("engine run: %v", err)
	}

	batch := getBatch(t, enq.BatchID)
	if batch.NoActionCount != 1 {
		t.Fatalf("expected one no_action outcome, got %+v", batch.BatchSummary)
	}

	view := getTransaction(t, "2026-08", "house-030")
	if view.AIAuditStatus == nil || *view.AIAuditStatus != transactiondomain.AuditStatusNoAction {
		t.Fatalf("expected no_action, got %+v", view.AIAuditStatus)
	}
}

func TestE2E_EmptyQueueEnqueue(t *testing.T) {
	resetDatabase(t, env.db)

	enq := mustEnqueue(t)
	if enq.Queued != 0 || enq.BatchID != 0 {
		t.Fatalf("expected empty admission, got %+v", enq)
	}
}

func TestE2E_ActivityTrail(t *testing.T) {
	resetDatabase(t, env.db)
	now := time.Now().UTC()

	mustIngest(t, ingestPayload("2026-08", "route-7", map[string]transactiondomain.IngestItem{
		"house-040": ingestItem(now, map[string]string{
			"organic": "https://img.example.test/clean-040.jpg",
		}),
	}))
	mustEnqueue(t)

	resp, body := doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/v1/activities", nil, authHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list activities failed: %d: %s", resp.StatusCode, string(body))
	}

	var list activitydomain.ListActivityResponse
	decodeJSON(t, body, &list)

	actions := make(map[string]bool, len(list.Activities))
	for _, entry := range list.Activities {
		actions[entry.Action] = true
	}
	if !actions[activitydomain.ActionTransactionIngested] {
		t.Fatalf("expected %s in trail, got %v", activitydomain.ActionTransactionIngested, actions)
	}
	if !actions[activitydomain.ActionAuditEnqueued] {
		t.Fatalf("expected %s in trail, got %v", activitydomain.ActionAuditEnqueued, actions)
	}
}
