package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/rentalpos/rentalpos/internal/jobs"
	"github.com/rentalpos/rentalpos/internal/stock"
	_ "github.com/rentalpos/rentalpos/testing"
)

type fakeRepairer struct {
	results  []stock.RepairResult
	err      error
	products []stock.ProductRef
}

func (f *fakeRepairer) RepairMismatched(ctx context.Context) ([]stock.RepairResult, error) {
	return f.results, f.err
}

func (f *fakeRepairer) RepairProduct(ctx context.Context, ref stock.ProductRef) (stock.RepairResult, error) {
	f.products = append(f.products, ref)
	if f.err != nil {
		return stock.RepairResult{Product: ref, Error: f.err.Error()}, f.err
	}
	return stock.RepairResult{Product: ref, Changed: true}, nil
}

func TestRepairJobHandleMismatched(t *testing.T) {
	reg := prometheus.NewRegistry()
	repairer := &fakeRepairer{results: []stock.RepairResult{
		{Product: stock.ItemRef(1), Changed: true},
		{Product: stock.ItemRef(2)},
		{Product: stock.AccessoryRef(3), Error: "unknown reference type"},
	}}
	job := NewRepairJob(repairer, nil, jobmetrics.NewMetrics(reg))

	task, err := NewRepairMismatchedTask(RepairMismatchedPayload{RequestedBy: 4, ScheduledFor: time.Now()})
	require.NoError(t, err)
	require.Equal(t, TaskStockRepairMismatched, task.Type())
	require.NoError(t, job.HandleMismatched(context.Background(), task))

	count, err := testutil.GatherAndCount(reg, "rentalpos_stock_repair_products_total")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	// cron tasks carry no payload
	require.NoError(t, job.HandleMismatched(context.Background(), asynq.NewTask(TaskStockRepairMismatched, nil)))

	repairer.err = errors.New("connection refused")
	require.Error(t, job.HandleMismatched(context.Background(), task))

	err = job.HandleMismatched(context.Background(), asynq.NewTask(TaskStockRepairMismatched, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRepairJobHandleProduct(t *testing.T) {
	repairer := &fakeRepairer{}
	job := NewRepairJob(repairer, nil, nil)

	task, err := NewRepairProductTask(stock.ItemRef(3))
	require.NoError(t, err)
	require.NoError(t, job.HandleProduct(context.Background(), task))
	require.Equal(t, []stock.ProductRef{stock.ItemRef(3)}, repairer.products)

	var payload RepairProductPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, stock.ProductItem, payload.ProductType)

	repairer.err = stock.ErrValidation
	require.ErrorIs(t, job.HandleProduct(context.Background(), task), asynq.SkipRetry)

	repairer.err = errors.New("connection refused")
	err = job.HandleProduct(context.Background(), task)
	require.Error(t, err)
	require.False(t, errors.Is(err, asynq.SkipRetry))

	bad := asynq.NewTask(TaskStockRepairProduct, []byte(`{"product_type":"widget","product_id":1}`))
	require.ErrorIs(t, job.HandleProduct(context.Background(), bad), asynq.SkipRetry)

	_, err = NewRepairProductTask(stock.ProductRef{})
	require.ErrorIs(t, err, stock.ErrValidation)
}

type fakeCleaner struct {
	module    string
	olderThan time.Duration
}

func (f *fakeCleaner) Cleanup(ctx context.Context, module string, olderThan time.Duration) (int64, error) {
	f.module = module
	f.olderThan = olderThan
	return 7, nil
}

func TestReceiptKeyCleanup(t *testing.T) {
	cleaner := &fakeCleaner{}
	job := &ReceiptKeyCleanupJob{Store: cleaner, DefaultTTL: 90 * 24 * time.Hour}

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskStockReceiptKeyCleanup, nil)))
	require.Equal(t, "stock", cleaner.module)
	require.Equal(t, 90*24*time.Hour, cleaner.olderThan)

	task, err := NewReceiptKeyCleanupTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Hour, cleaner.olderThan)

	job.DefaultTTL = 0
	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskStockReceiptKeyCleanup, nil)), asynq.SkipRetry)
}

func TestNewWorkerValidatesConfiguration(t *testing.T) {
	redisOpts := asynq.RedisClientOpt{Addr: "127.0.0.1:6379"}
	noop := func(context.Context, *asynq.Task) error { return nil }

	_, err := NewWorker(WorkerConfig{RedisOpts: redisOpts})
	require.Error(t, err)

	task, err := NewRepairMismatchedTask(RepairMismatchedPayload{})
	require.NoError(t, err)
	_, err = NewWorker(WorkerConfig{
		RedisOpts: redisOpts,
		Handlers:  []TaskHandler{{Type: TaskStockRepairMismatched, Handler: noop}},
		Cron:      []CronRegistration{{Spec: "every tuesday-ish", Task: task}},
	})
	require.Error(t, err)

	worker, err := NewWorker(WorkerConfig{
		RedisOpts: redisOpts,
		Handlers:  []TaskHandler{{Type: TaskStockRepairMismatched, Handler: noop}},
		Cron:      []CronRegistration{{Spec: "0 3 * * *", Task: task}},
	})
	require.NoError(t, err)
	require.NotNil(t, worker)
}

type fakeInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (f *fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestJobsHealth(t *testing.T) {
	inspector := &fakeInspector{infos: map[string]*asynq.QueueInfo{
		QueueDefault: {Queue: QueueDefault, Pending: 2, Retry: 1},
	}}
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(inspector, nil).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Queues []queueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Queues, 2)
	require.Equal(t, 2, body.Queues[0].Pending)
	require.Equal(t, QueueMaintenance, body.Queues[1].Queue)

	inspector.err = errors.New("redis down")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
