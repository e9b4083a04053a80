package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/hibiken/asynq"

	"github.com/rentalpos/rentalpos/internal/stock"
	"github.com/rentalpos/rentalpos/jobs"
)

// Enqueuer submits tasks. *asynq.Client satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// StockCLI wraps manual operations on the stock maintenance jobs.
type StockCLI struct {
	client    Enqueuer
	inspector jobs.QueueInspector
	closers   []io.Closer
}

// NewStockCLI initialises the helpers using the provided Redis address.
func NewStockCLI(redisAddr string) *StockCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client := asynq.NewClient(opts)
	inspector := asynq.NewInspector(opts)
	return &StockCLI{client: client, inspector: inspector, closers: []io.Closer{inspector, client}}
}

// Close releases underlying resources.
func (c *StockCLI) Close() error {
	var errs []error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ParseTarget reads "all" or a product written as type:id, e.g. bundle:4.
func ParseTarget(target string) (stock.ProductRef, bool, error) {
	target = strings.TrimSpace(target)
	if target == "" || strings.EqualFold(target, "all") {
		return stock.ProductRef{}, true, nil
	}
	kind, rawID, ok := strings.Cut(target, ":")
	if !ok {
		return stock.ProductRef{}, false, fmt.Errorf("stock cli: target %q must be all or type:id", target)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return stock.ProductRef{}, false, fmt.Errorf("stock cli: invalid product id %q", rawID)
	}
	ref, err := stock.NewProductRef(stock.ProductType(strings.ToLower(kind)), id)
	if err != nil {
		return stock.ProductRef{}, false, err
	}
	return ref, false, nil
}

// TriggerRepair enqueues a bulk repair for "all" or a single product repair.
func (c *StockCLI) TriggerRepair(ctx context.Context, target string, requestedBy int64) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("stock cli: client not configured")
	}
	ref, all, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	var task *asynq.Task
	if all {
		task, err = jobs.NewRepairMismatchedTask(jobs.RepairMismatchedPayload{RequestedBy: requestedBy})
	} else {
		task, err = jobs.NewRepairProductTask(ref)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// QueueStats summarises one queue.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueues reports the state of every stock queue.
func (c *StockCLI) InspectQueues() ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("stock cli: inspector not configured")
	}
	stats := make([]QueueStats, 0, 2)
	for _, queue := range []string{jobs.QueueDefault, jobs.QueueMaintenance} {
		info, err := c.inspector.GetQueueInfo(queue)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, fmt.Errorf("stock cli: inspect %s: %w", queue, err)
		}
		entry := QueueStats{Queue: queue}
		if info != nil {
			entry.Pending = info.Pending
			entry.Active = info.Active
			entry.Scheduled = info.Scheduled
			entry.Retry = info.Retry
			entry.Archived = info.Archived
		}
		stats = append(stats, entry)
	}
	return stats, nil
}

// WriteQueueStats prints stats as an aligned table.
func WriteQueueStats(w io.Writer, stats []QueueStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
	}
	return tw.Flush()
}
