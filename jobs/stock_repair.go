package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/rentalpos/rentalpos/internal/jobs"
	"github.com/rentalpos/rentalpos/internal/stock"
)

// StockRepairer is the slice of the stock service the repair jobs drive.
type StockRepairer interface {
	RepairMismatched(ctx context.Context) ([]stock.RepairResult, error)
	RepairProduct(ctx context.Context, ref stock.ProductRef) (stock.RepairResult, error)
}

// RepairJob rebuilds stock counters from the movement ledger.
type RepairJob struct {
	Service StockRepairer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewRepairJob initialises the repair handlers.
func NewRepairJob(service StockRepairer, logger *slog.Logger, metrics *jobmetrics.Metrics) *RepairJob {
	return &RepairJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// HandleMismatched repairs every drifted product. Per-product failures are
// logged and counted; only a failure to scan fails the task.
func (j *RepairJob) HandleMismatched(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("stock repair: handler not configured")
	}
	var payload RepairMismatchedPayload
	if err := decodePayload(t, &payload); err != nil {
		return fmt.Errorf("stock repair: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	start := j.now()
	tracker := j.Metrics.Track(TaskStockRepairMismatched)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.Int64("requested_by", payload.RequestedBy))
	logger.Info("starting stock repair")

	results, err := j.Service.RepairMismatched(ctx)
	if err != nil {
		logger.Error("stock repair failed", slog.Any("error", err))
		return err
	}

	var repaired, unchanged, failed int
	for _, result := range results {
		switch {
		case result.Error != "":
			failed++
			logger.Warn("product not repaired",
				slog.String("product", result.Product.String()),
				slog.String("error", result.Error))
		case result.Changed:
			repaired++
		default:
			unchanged++
		}
	}
	j.Metrics.AddRepairedProducts("repaired", repaired)
	j.Metrics.AddRepairedProducts("unchanged", unchanged)
	j.Metrics.AddRepairedProducts("failed", failed)

	logger.Info("completed stock repair",
		slog.Int("repaired", repaired),
		slog.Int("unchanged", unchanged),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// HandleProduct repairs the product named in the payload.
func (j *RepairJob) HandleProduct(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("stock repair: handler not configured")
	}
	var payload RepairProductPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("stock repair: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	ref, err := payload.Ref()
	if err != nil {
		return fmt.Errorf("stock repair: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskStockRepairProduct)
	defer func() {
		err = tracker.End(err)
	}()

	result, err := j.Service.RepairProduct(ctx, ref)
	if err != nil {
		if errors.Is(err, stock.ErrValidation) || errors.Is(err, stock.ErrNotFound) {
			// the ledger or product needs a human, retrying cannot help
			j.Metrics.AddRepairedProducts("failed", 1)
			return fmt.Errorf("stock repair %s: %v: %w", ref, err, asynq.SkipRetry)
		}
		return err
	}
	outcome := "unchanged"
	if result.Changed {
		outcome = "repaired"
	}
	j.Metrics.AddRepairedProducts(outcome, 1)
	j.logger().Info("product repair finished",
		slog.String("product", ref.String()),
		slog.Bool("changed", result.Changed))
	return nil
}

func (j *RepairJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *RepairJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
