package stock

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPostReceiptRejectsDuplicateReference(t *testing.T) {
	f := newFixture(ServiceConfig{})
	ctx := context.Background()
	item := ItemRef(1)
	f.repo.seed(item, Counters{})

	_, err := f.svc.PostReceipt(ctx, ReceiptInput{Product: item, Quantity: 5, ReferenceID: "PO-1"})
	require.NoError(t, err)
	_, err = f.svc.PostReceipt(ctx, ReceiptInput{Product: item, Quantity: 5, ReferenceID: "PO-1"})
	require.ErrorIs(t, err, ErrDuplicateReceipt)
	require.Equal(t, Counters{Stock: 5, Available: 5}, f.repo.get(item))

	// A failed receipt releases its reference.
	_, err = f.svc.PostReceipt(ctx, ReceiptInput{Product: ItemRef(9), Quantity: 1, ReferenceID: "PO-2"})
	require.ErrorIs(t, err, ErrNotFound)
	f.repo.seed(ItemRef(9), Counters{})
	_, err = f.svc.PostReceipt(ctx, ReceiptInput{Product: ItemRef(9), Quantity: 1, ReferenceID: "PO-2"})
	require.NoError(t, err)

	// Without a reference every receipt posts.
	_, err = f.svc.PostReceipt(ctx, ReceiptInput{Product: item, Quantity: 1})
	require.NoError(t, err)
	_, err = f.svc.PostReceipt(ctx, ReceiptInput{Product: item, Quantity: 1})
	require.NoError(t, err)
	require.Equal(t, Counters{Stock: 7, Available: 7}, f.repo.get(item))
}

func TestPostReceiptForBundleAssembles(t *testing.T) {
	f := newFixture(ServiceConfig{})
	seedBundle(t, f, 1, map[ProductRef]int64{ItemRef(1): 4}, []CompositionLine{{ItemID: 1, Quantity: 2}})

	result, err := f.svc.PostReceipt(context.Background(), ReceiptInput{Product: BundleRef(1), Quantity: 2, ReferenceID: "PO-7"})
	require.NoError(t, err)
	require.NotNil(t, result.Bundle)
	require.Equal(t, Counters{Stock: 2, Available: 2}, result.Counters["bundle:1"])
	require.Equal(t, Counters{}, f.repo.get(ItemRef(1)))
	last := result.Movements[len(result.Movements)-1]
	require.Equal(t, CauseReceipt, last.Cause)
	require.Equal(t, "PO-7", last.ReferenceID)
}

func TestPostAdjustment(t *testing.T) {
	f := newFixture(ServiceConfig{})
	ctx := context.Background()
	item := ItemRef(1)
	f.repo.seed(item, Counters{})

	_, err := f.svc.PostAdjustment(ctx, AdjustmentInput{Product: item, Delta: 5})
	require.NoError(t, err)
	_, err = f.svc.RentalCheckout(ctx, TransactionInput{TransactionID: "R-9", Lines: []LineInput{{Product: item, Quantity: 3}}})
	require.NoError(t, err)
	require.Equal(t, Counters{Stock: 5, Available: 2}, f.repo.get(item))
	count := f.repo.movementCount()

	_, err = f.svc.PostAdjustment(ctx, AdjustmentInput{Product: item, Delta: -3})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, Counters{Stock: 5, Available: 2}, f.repo.get(item))
	require.Equal(t, count, f.repo.movementCount())

	result, err := f.svc.PostAdjustment(ctx, AdjustmentInput{Product: item, Delta: -2})
	require.NoError(t, err)
	require.Equal(t, Counters{Stock: 3, Available: 0}, result.Counters["item:1"])

	_, err = f.svc.PostAdjustment(ctx, AdjustmentInput{Product: item})
	require.ErrorIs(t, err, ErrValidation)
}

func TestRentalAndSaleFlows(t *testing.T) {
	f := newFixture(ServiceConfig{})
	ctx := context.Background()
	item, acc := ItemRef(1), AccessoryRef(1)
	f.repo.seed(item, Counters{Stock: 10, Available: 10})
	f.repo.seed(acc, Counters{Stock: 4, Available: 4})
	f.repo.appendRaw(Movement{Product: item, Type: MovementIn, Cause: CauseReceipt, Quantity: 10})
	f.repo.appendRaw(Movement{Product: acc, Type: MovementIn, Cause: CauseReceipt, Quantity: 4})

	rental := TransactionInput{TransactionID: "R-1", Lines: []LineInput{{Product: item, Quantity: 2}, {Product: acc, Quantity: 1}}}
	result, err := f.svc.RentalCheckout(ctx, rental)
	require.NoError(t, err)
	require.Len(t, result.Movements, 2)
	require.Equal(t, Counters{Stock: 10, Available: 8}, result.Counters["item:1"])
	require.Equal(t, Counters{Stock: 4, Available: 3}, result.Counters["accessory:1"])

	_, err = f.svc.RentalCancellation(ctx, rental)
	require.NoError(t, err)
	require.Equal(t, Counters{Stock: 10, Available: 10}, f.repo.get(item))
	require.Equal(t, Counters{Stock: 4, Available: 4}, f.repo.get(acc))

	_, err = f.svc.RentalReturn(ctx, TransactionInput{TransactionID: "R-1", Lines: []LineInput{{Product: item, Quantity: 1}}})
	require.ErrorIs(t, err, ErrValidation, "nothing is checked out")

	_, err = f.svc.SaleCheckout(ctx, TransactionInput{TransactionID: "S-1", Lines: []LineInput{{Product: item, Quantity: 3}}})
	require.NoError(t, err)
	require.Equal(t, Counters{Stock: 7, Available: 7}, f.repo.get(item))

	_, err = f.svc.SaleCancellation(ctx, TransactionInput{TransactionID: "S-1", Lines: []LineInput{{Product: item, Quantity: 3}}})
	require.NoError(t, err)
	require.Equal(t, Counters{Stock: 10, Available: 10}, f.repo.get(item))

	for _, p := range []ProductRef{item, acc} {
		report, err := f.svc.ValidateConsistency(ctx, p)
		require.NoError(t, err)
		require.True(t, report.IsValid, p.String())
	}
	require.Contains(t, f.audit.actions(), "stock:sale_cancellation")
}

func TestTransactionLinesAreAtomic(t *testing.T) {
	f := newFixture(ServiceConfig{})
	ctx := context.Background()
	f.repo.seed(ItemRef(1), Counters{Stock: 10, Available: 10})
	f.repo.seed(ItemRef(2), Counters{Stock: 10, Available: 10})

	_, err := f.svc.SaleCheckout(ctx, TransactionInput{TransactionID: "S-2", Lines: []LineInput{
		{Product: ItemRef(1), Quantity: 2},
		{Product: ItemRef(2), Quantity: 50},
	}})
	var insufficient *InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, ItemRef(2), insufficient.Product)
	require.Equal(t, Counters{Stock: 10, Available: 10}, f.repo.get(ItemRef(1)))
	require.Zero(t, f.repo.movementCount())

	_, err = f.svc.SaleCheckout(ctx, TransactionInput{TransactionID: "S-3"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestMetricsRecordCommittedAndRejected(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	f := newFixture(ServiceConfig{Metrics: metrics})
	ctx := context.Background()
	item := ItemRef(1)
	f.repo.seed(item, Counters{})

	_, err := f.svc.PostReceipt(ctx, ReceiptInput{Product: item, Quantity: 3})
	require.NoError(t, err)
	_, err = f.svc.SaleCheckout(ctx, TransactionInput{TransactionID: "S-1", Lines: []LineInput{{Product: item, Quantity: 4}}})
	require.ErrorIs(t, err, ErrInsufficientStock)

	require.InDelta(t, 1, testutil.ToFloat64(metrics.movements.WithLabelValues("IN", "stock_receipt")), 0.001)
	require.InDelta(t, 3, testutil.ToFloat64(metrics.units.WithLabelValues("IN", "item")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(metrics.rejections.WithLabelValues("insufficient_stock")), 0.001)
}

func TestRentalReturnIsBoundToItsRental(t *testing.T) {
	f := newFixture(ServiceConfig{})
	ctx := context.Background()
	item := ItemRef(1)
	f.repo.seed(item, Counters{Stock: 10, Available: 10})

	_, err := f.svc.RentalCheckout(ctx, TransactionInput{TransactionID: "R-1", Lines: []LineInput{{Product: item, Quantity: 5}}})
	require.NoError(t, err)
	_, err = f.svc.RentalCheckout(ctx, TransactionInput{TransactionID: "R-2", Lines: []LineInput{{Product: item, Quantity: 1}}})
	require.NoError(t, err)
	require.Equal(t, Counters{Stock: 10, Available: 4}, f.repo.get(item))

	_, err = f.svc.RentalReturn(ctx, TransactionInput{TransactionID: "R-2", Lines: []LineInput{{Product: item, Quantity: 5}}})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, Counters{Stock: 10, Available: 4}, f.repo.get(item))

	_, err = f.svc.RentalReturn(ctx, TransactionInput{TransactionID: "R-2", Lines: []LineInput{{Product: item, Quantity: 1}}})
	require.NoError(t, err)
	_, err = f.svc.RentalCancellation(ctx, TransactionInput{TransactionID: "R-2", Lines: []LineInput{{Product: item, Quantity: 1}}})
	require.ErrorIs(t, err, ErrValidation, "R-2 has nothing left out")

	// Split lines of one return add up against the same rental.
	_, err = f.svc.RentalReturn(ctx, TransactionInput{TransactionID: "R-1", Lines: []LineInput{
		{Product: item, Quantity: 3},
		{Product: item, Quantity: 3},
	}})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, Counters{Stock: 10, Available: 5}, f.repo.get(item))

	_, err = f.svc.RentalReturn(ctx, TransactionInput{TransactionID: "R-1", Lines: []LineInput{{Product: item, Quantity: 3}}})
	require.NoError(t, err)
	_, err = f.svc.RentalCancellation(ctx, TransactionInput{TransactionID: "R-1", Lines: []LineInput{{Product: item, Quantity: 2}}})
	require.NoError(t, err)
	require.Equal(t, Counters{Stock: 10, Available: 10}, f.repo.get(item))

	_, err = f.svc.RentalReturn(ctx, TransactionInput{Lines: []LineInput{{Product: item, Quantity: 1}}})
	require.ErrorIs(t, err, ErrValidation)
}
