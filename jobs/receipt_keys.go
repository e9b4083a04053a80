package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/rentalpos/rentalpos/internal/jobs"
)

const receiptKeyModule = "stock"

// KeyCleaner drops expired idempotency keys of one module.
type KeyCleaner interface {
	Cleanup(ctx context.Context, module string, olderThan time.Duration) (int64, error)
}

// ReceiptKeyCleanupJob expires receipt idempotency keys so the table stays small.
type ReceiptKeyCleanupJob struct {
	Store      KeyCleaner
	DefaultTTL time.Duration
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// Handle removes keys older than the payload's retention.
func (j *ReceiptKeyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Store == nil {
		return errors.New("receipt key cleanup: handler not configured")
	}
	var payload ReceiptKeyCleanupPayload
	if err := decodePayload(t, &payload); err != nil {
		return fmt.Errorf("receipt key cleanup: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	olderThan := payload.OlderThan
	if olderThan <= 0 {
		olderThan = j.DefaultTTL
	}
	if olderThan <= 0 {
		return fmt.Errorf("receipt key cleanup: retention must be positive: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskStockReceiptKeyCleanup)
	defer func() {
		err = tracker.End(err)
	}()

	removed, err := j.Store.Cleanup(ctx, receiptKeyModule, olderThan)
	if err != nil {
		return err
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("receipt keys expired", slog.Int64("removed", removed), slog.Duration("older_than", olderThan))
	return nil
}
