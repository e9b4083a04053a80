package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/rentalpos/rentalpos/internal/stock"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMaintenance holds low priority housekeeping work.
	QueueMaintenance = "maintenance"

	// TaskStockRepairMismatched repairs every product whose counters drifted from the ledger.
	TaskStockRepairMismatched = "stock:repair_mismatched"
	// TaskStockRepairProduct repairs a single product.
	TaskStockRepairProduct = "stock:repair_product"
	// TaskStockReceiptKeyCleanup expires old receipt idempotency keys.
	TaskStockReceiptKeyCleanup = "stock:receipt_key_cleanup"
)

// RepairMismatchedPayload carries scheduling metadata for a bulk repair.
type RepairMismatchedPayload struct {
	RequestedBy  int64     `json:"requested_by,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// RepairProductPayload names the product to repair.
type RepairProductPayload struct {
	ProductType stock.ProductType `json:"product_type"`
	ProductID   int64             `json:"product_id"`
}

// Ref converts the payload into a product reference.
func (p RepairProductPayload) Ref() (stock.ProductRef, error) {
	return stock.NewProductRef(p.ProductType, p.ProductID)
}

// ReceiptKeyCleanupPayload configures receipt key expiry.
type ReceiptKeyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewRepairMismatchedTask constructs a bulk repair task. Only one bulk repair
// may be queued at a time.
func NewRepairMismatchedTask(payload RepairMismatchedPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockRepairMismatched, body,
		asynq.Queue(QueueDefault),
		asynq.Unique(time.Hour),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
	), nil
}

// NewRepairProductTask constructs a single product repair task.
func NewRepairProductTask(ref stock.ProductRef) (*asynq.Task, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(RepairProductPayload{ProductType: ref.Type(), ProductID: ref.ID()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockRepairProduct, body,
		asynq.Queue(QueueDefault),
		asynq.TaskID(fmt.Sprintf("repair-%s-%s", ref, uuid.NewString())),
		asynq.MaxRetry(5),
	), nil
}

// NewReceiptKeyCleanupTask constructs the receipt key housekeeping task.
func NewReceiptKeyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(ReceiptKeyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockReceiptKeyCleanup, body, asynq.Queue(QueueMaintenance), asynq.MaxRetry(1)), nil
}
