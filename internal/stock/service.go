package stock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rentalpos/rentalpos/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListMovements(ctx context.Context, ref ProductRef, limit int) ([]Movement, error)
	ListProductCounters(ctx context.Context) ([]ProductCounters, error)
	LedgerTotals(ctx context.Context) ([]LedgerTotal, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards receipts against double posting.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ReportCachePort caches the mismatch report between stock mutations.
type ReportCachePort interface {
	BuildKey(ctx context.Context, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context) error
}

// Service coordinates the movement ledger, counter maintenance, bundle
// assembly and reconciliation.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	cache       ReportCachePort
	metrics     *Metrics
	logger      *slog.Logger
	clock       func() time.Time
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Logger  *slog.Logger
	Cache   ReportCachePort
	Metrics *Metrics
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		cache:       cfg.Cache,
		metrics:     cfg.Metrics,
		logger:      logger.With(slog.String("module", "stock")),
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *Service) now() time.Time {
	return s.clock()
}

// inTx runs fn in one transaction and folds driver errors into PersistenceError.
func (s *Service) inTx(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	if err := s.repo.WithTx(ctx, fn); err != nil {
		return wrapPersistence(op, err)
	}
	return nil
}

// committed runs the post-commit side effects of a stock mutation. None of
// them can fail the operation.
func (s *Service) committed(ctx context.Context, action string, actorID int64, movements []Movement, meta map[string]any) {
	for _, mv := range movements {
		s.metrics.movement(mv)
	}
	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Warn("bump stock report cache", slog.Any("error", err))
		}
	}
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	ids := make([]int64, 0, len(movements))
	for _, mv := range movements {
		ids = append(ids, mv.ID)
	}
	meta["movement_ids"] = ids
	entityID := action
	if len(movements) > 0 {
		entityID = fmt.Sprintf("%s:%d", movements[0].Product, movements[0].ID)
	} else if id, ok := meta["movement_id"].(int64); ok {
		entityID = fmt.Sprintf("movement:%d", id)
	} else if product, ok := meta["product"].(string); ok {
		entityID = product
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "stock:" + action,
		Entity:   "stock_movement",
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("record stock audit", slog.String("action", action), slog.Any("error", err))
	}
}
