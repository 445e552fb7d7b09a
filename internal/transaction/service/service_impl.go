package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	activitydomain "github.com/wasteworks/binsight/internal/activity/domain"
	"github.com/wasteworks/binsight/internal/clock"
	"github.com/wasteworks/binsight/internal/cloudmetrics"
	"github.com/wasteworks/binsight/internal/config"
	obsmetrics "github.com/wasteworks/binsight/internal/observability/metrics"
	"github.com/wasteworks/binsight/internal/orgcontext"
	subscriptiondomain "github.com/wasteworks/binsight/internal/subscription/domain"
	"github.com/wasteworks/binsight/internal/transaction/domain"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        config.Config
	Repo          domain.Repository
	Subscriptions subscriptiondomain.Service
	Activities    activitydomain.Service
	Metrics       *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	allowedOrigin string
	repo          domain.Repository
	subscriptions subscriptiondomain.Service
	activities    activitydomain.Service
	metrics       *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("transaction.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		allowedOrigin: strings.TrimSpace(p.Config.Ingest.AllowedOrigin),
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		activities:    p.Activities,
		metrics:       p.Metrics,
	}
}

// flatItem is one observation unit pulled out of the nested submission.
type flatItem struct {
	version string
	origin  string
	house   string
	item    domain.IngestItem
}

// workItem is a validated flatItem with its resolved transaction date.
type workItem struct {
	flat flatItem
	date time.Time
}

// writePlan pairs a validated item with the transaction it resolves to, if
// one already exists.
type writePlan struct {
	work     workItem
	existing *domain.Transaction
}

func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest) (*domain.IngestResult, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	items := flatten(req)
	if len(items) == 0 {
		return nil, domain.ErrEmptySubmission
	}

	result := &domain.IngestResult{Errors: []domain.IngestItemError{}}
	now := s.clock.Now().UTC()

	valid := make([]workItem, 0, len(items))
	for _, it := range items {
		if it.origin != s.allowedOrigin {
			result.Errors = append(result.Errors, itemError(it, domain.ErrInvalidOrigin.Error(),
				fmt.Sprintf("origin %q is not the allowed collection origin", it.origin)))
			continue
		}
		if unknown := firstUnknownMaterial(it.item.Material); unknown != "" {
			result.Errors = append(result.Errors, itemError(it, domain.ErrInvalidMaterialType.Error(),
				fmt.Sprintf("unknown material type %q", unknown)))
			continue
		}
		date, err := parseTimestamp(it.item.Timestamp)
		if err != nil {
			date = now
			result.Warnings = append(result.Warnings, domain.IngestWarning{
				ExternalVersion: it.version,
				OriginID:        it.origin,
				ExternalHouseID: it.house,
				Message:         "timestamp did not parse; recorded with processing time",
			})
			s.log.Warn("timestamp parse failed, falling back to processing time",
				zap.String("transaction_version", it.version),
				zap.String("house_id", it.house),
				zap.Error(err),
			)
		}
		valid = append(valid, workItem{flat: it, date: date})
	}

	if len(valid) > 0 {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			plans := make([]writePlan, 0, len(valid))
			newCount := 0
			for _, w := range valid {
				existing, err := s.repo.FindByVersionAndHouse(ctx, tx, orgID, w.flat.version, w.flat.house)
				if err != nil {
					return err
				}
				if existing == nil {
					newCount++
				}
				plans = append(plans, writePlan{work: w, existing: existing})
			}

			// Quota covers every new transaction in the submission or the
			// whole submission fails before any write.
			if newCount > 0 {
				if err := s.subscriptions.ReserveCreations(ctx, tx, orgID, int64(newCount)); err != nil {
					return err
				}
			}

			for _, plan := range plans {
				if plan.existing == nil {
					created, err := s.createTransaction(ctx, tx, orgID, plan.work)
					if err != nil {
						return err
					}
					if created {
						result.Created++
					} else {
						result.Updated++
					}
					continue
				}
				if err := s.updateTransaction(ctx, tx, orgID, plan.existing, plan.work); err != nil {
					return err
				}
				result.Updated++
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	result.Processed = result.Created + result.Updated

	for i := 0; i < result.Created; i++ {
		s.metrics.RecordTransactionIngested(ctx, "created")
	}
	for i := 0; i < result.Updated; i++ {
		s.metrics.RecordTransactionIngested(ctx, "updated")
	}
	cloudmetrics.RecordTransactionsCreated(orgID.String(), result.Created)

	if usage, err := s.subscriptions.Usage(ctx); err == nil {
		result.Usage = &usage
	}

	if result.Processed > 0 {
		_ = s.activities.Record(ctx, &orgID, "", nil, activitydomain.ActionTransactionIngested,
			"transaction", nil, map[string]any{
				"processed": result.Processed,
				"created":   result.Created,
				"updated":   result.Updated,
				"errors":    len(result.Errors),
			})
	}

	return result, nil
}

// createTransaction inserts a new transaction with its material records. A
// concurrent submission of the same tuple may land first; the unique index
// rejects the insert inside a savepoint and the item is applied as an
// update instead. The reported bool is false on that conversion.
func (s *Service) createTransaction(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, w workItem) (bool, error) {
	now := s.clock.Now().UTC()
	record := &domain.Transaction{
		ID:              s.genID.Generate(),
		OrgID:           orgID,
		ExternalVersion: w.flat.version,
		ExternalHouseID: w.flat.house,
		OriginID:        w.flat.origin,
		Status:          domain.TransactionStatusPending,
		TransactionDate: w.date,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	insertErr := tx.Transaction(func(inner *gorm.DB) error {
		return s.repo.Insert(ctx, inner, record)
	})
	if insertErr != nil {
		if !isDuplicateKey(insertErr) {
			return false, insertErr
		}
		existing, err := s.repo.FindByVersionAndHouse(ctx, tx, orgID, w.flat.version, w.flat.house)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, insertErr
		}
		s.log.Warn("create raced a concurrent submission, applying as update",
			zap.String("transaction_version", w.flat.version),
			zap.String("house_id", w.flat.house),
		)
		return false, s.updateTransaction(ctx, tx, orgID, existing, w)
	}

	for _, materialType := range sortedKeys(w.flat.item.Material) {
		material := w.flat.item.Material[materialType]
		entry := domain.MaterialCatalog[materialType]
		rec := &domain.MaterialRecord{
			ID:            s.genID.Generate(),
			OrgID:         orgID,
			TransactionID: record.ID,
			MaterialType:  materialType,
			MaterialCode:  entry.MaterialCode,
			CategoryCode:  entry.CategoryCode,
			ImageURL:      optionalString(material.ImageURL),
			Quantity:      quantityOrZero(material.Quantity),
			Unit:          unitOrDefault(material.Unit),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.repo.InsertMaterial(ctx, tx, rec); err != nil {
			return false, err
		}
	}
	return true, nil
}

// updateTransaction refreshes the transaction row and reconciles material
// records: a submitted material that already exists has its image URL
// replaced in place, a new material type gets a new record. Nothing is
// appended for a material type that already has a record.
func (s *Service) updateTransaction(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, existing *domain.Transaction, w workItem) error {
	existing.OriginID = w.flat.origin
	existing.TransactionDate = w.date
	existing.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.Update(ctx, tx, existing); err != nil {
		return err
	}

	records, err := s.repo.FindMaterialsByTransactionID(ctx, tx, existing.ID)
	if err != nil {
		return err
	}
	byType := make(map[string]domain.MaterialRecord, len(records))
	for _, rec := range records {
		byType[rec.MaterialType] = rec
	}

	for _, materialType := range sortedKeys(w.flat.item.Material) {
		material := w.flat.item.Material[materialType]
		if rec, ok := byType[materialType]; ok {
			if err := s.repo.UpdateMaterialImage(ctx, tx, rec.ID, optionalString(material.ImageURL), material.Quantity); err != nil {
				return err
			}
			continue
		}
		entry := domain.MaterialCatalog[materialType]
		now := s.clock.Now().UTC()
		rec := &domain.MaterialRecord{
			ID:            s.genID.Generate(),
			OrgID:         orgID,
			TransactionID: existing.ID,
			MaterialType:  materialType,
			MaterialCode:  entry.MaterialCode,
			CategoryCode:  entry.CategoryCode,
			ImageURL:      optionalString(material.ImageURL),
			Quantity:      quantityOrZero(material.Quantity),
			Unit:          unitOrDefault(material.Unit),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.repo.InsertMaterial(ctx, tx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.TransactionView, int64, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, 0, domain.ErrInvalidOrganization
	}

	txs, total, err := s.repo.List(ctx, s.db, orgID, req.Filter, req.Page)
	if err != nil {
		return nil, 0, err
	}
	if len(txs) == 0 {
		return []domain.TransactionView{}, total, nil
	}

	ids := make([]snowflake.ID, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	records, err := s.repo.FindMaterialsByTransactionIDs(ctx, s.db, ids)
	if err != nil {
		return nil, 0, err
	}
	byTx := make(map[snowflake.ID][]domain.MaterialRecord, len(txs))
	for _, rec := range records {
		byTx[rec.TransactionID] = append(byTx[rec.TransactionID], rec)
	}

	views := make([]domain.TransactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, toView(tx, byTx[tx.ID]))
	}
	return views, total, nil
}

func (s *Service) GetByVersionAndHouse(ctx context.Context, externalVersion, externalHouseID string) (*domain.TransactionView, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	tx, err := s.repo.FindByVersionAndHouse(ctx, s.db, orgID, strings.TrimSpace(externalVersion), strings.TrimSpace(externalHouseID))
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, domain.ErrTransactionNotFound
	}
	return s.viewWithMaterials(ctx, tx)
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.TransactionView, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	tx, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if tx == nil || tx.OrgID != orgID {
		return nil, domain.ErrTransactionNotFound
	}
	return s.viewWithMaterials(ctx, tx)
}

func (s *Service) viewWithMaterials(ctx context.Context, tx *domain.Transaction) (*domain.TransactionView, error) {
	records, err := s.repo.FindMaterialsByTransactionID(ctx, s.db, tx.ID)
	if err != nil {
		return nil, err
	}
	view := toView(*tx, records)
	return &view, nil
}

func toView(tx domain.Transaction, records []domain.MaterialRecord) domain.TransactionView {
	materials := make([]domain.MaterialRecordView, 0, len(records))
	for _, rec := range records {
		materials = append(materials, domain.MaterialRecordView{
			MaterialType: rec.MaterialType,
			MaterialCode: rec.MaterialCode,
			CategoryCode: rec.CategoryCode,
			ImageURL:     rec.ImageURL,
			Quantity:     rec.Quantity,
			Unit:         rec.Unit,
		})
	}
	return domain.TransactionView{
		ID:              tx.ID,
		ExternalVersion: tx.ExternalVersion,
		ExternalHouseID: tx.ExternalHouseID,
		OriginID:        tx.OriginID,
		Status:          tx.Status,
		TransactionDate: tx.TransactionDate,
		AIAuditStatus:   tx.AIAuditStatus,
		AIAuditNote:     tx.AIAuditNote,
		AuditDate:       tx.AuditDate,
		Materials:       materials,
		CreatedAt:       tx.CreatedAt,
		UpdatedAt:       tx.UpdatedAt,
	}
}

// flatten walks the nested submission in deterministic key order.
func flatten(req domain.IngestRequest) []flatItem {
	out := make([]flatItem, 0)
	for _, version := range sortedKeys(req.Batch) {
		origins := req.Batch[version]
		for _, origin := range sortedKeys(origins) {
			houses := origins[origin]
			for _, house := range sortedKeys(houses) {
				out = append(out, flatItem{
					version: strings.TrimSpace(version),
					origin:  strings.TrimSpace(origin),
					house:   strings.TrimSpace(house),
					item:    houses[house],
				})
			}
		}
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, trimmed, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func firstUnknownMaterial(materials map[string]domain.IngestMaterial) string {
	for _, materialType := range sortedKeys(materials) {
		if !domain.KnownMaterialType(materialType) {
			return materialType
		}
	}
	return ""
}

func itemError(it flatItem, code, message string) domain.IngestItemError {
	return domain.IngestItemError{
		ExternalVersion: it.version,
		OriginID:        it.origin,
		ExternalHouseID: it.house,
		Code:            code,
		Message:         message,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func quantityOrZero(value *float64) float64 {
	if value == nil {
		return 0
	}
	return *value
}

func unitOrDefault(unit string) string {
	trimmed := strings.TrimSpace(unit)
	if trimmed == "" {
		return "kg"
	}
	return trimmed
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	// sqlite reports constraint violations as plain text errors
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
