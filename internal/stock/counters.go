package stock

import (
	"context"
)

// ApplyDelta computes the counters after one movement. It never mutates state;
// the error is returned before anything is written.
//
// IN adds to available_quantity, and to stock_quantity when affectsTotal.
// OUT removes from available_quantity, and from stock_quantity when affectsTotal.
func ApplyDelta(ref ProductRef, current Counters, qty int64, mt MovementType, affectsTotal bool) (Counters, error) {
	if qty <= 0 {
		return current, validationf("quantity must be positive")
	}
	if !mt.Valid() {
		return current, validationf("movement type must be IN or OUT")
	}
	next := current
	switch mt {
	case MovementIn:
		next.Available += qty
		if affectsTotal {
			next.Stock += qty
		}
		if next.Available > next.Stock {
			return current, validationf("%s: restoring %d units exceeds the %d units checked out",
				ref, qty, current.Stock-current.Available)
		}
	case MovementOut:
		if current.Available < qty {
			return current, &InsufficientStockError{Product: ref, Requested: qty, Available: current.Available, Limit: current.Available}
		}
		if affectsTotal && current.Stock < qty {
			return current, &InsufficientStockError{Product: ref, Requested: qty, Available: current.Available, Limit: current.Stock}
		}
		next.Available -= qty
		if affectsTotal {
			next.Stock -= qty
		}
	}
	if !next.Valid() {
		return current, validationf("%s: counters %d/%d would break 0 <= available <= stock, repair the product first",
			ref, next.Available, next.Stock)
	}
	return next, nil
}

// applyMovement locks the product counters, applies the delta, appends the
// ledger row and writes the counters back. It must run inside WithTx.
func (s *Service) applyMovement(ctx context.Context, tx TxRepository, in MovementInput) (Movement, Counters, error) {
	if err := in.Validate(); err != nil {
		return Movement{}, Counters{}, err
	}
	current, err := tx.GetCountersForUpdate(ctx, in.Product)
	if err != nil {
		return Movement{}, Counters{}, err
	}
	next, err := ApplyDelta(in.Product, current, in.Quantity, in.Type, in.Cause.AffectsTotalStock())
	if err != nil {
		s.metrics.rejected(err)
		return Movement{}, current, err
	}
	mv := Movement{
		Product:     in.Product,
		Type:        in.Type,
		Cause:       in.Cause,
		ReferenceID: in.ReferenceID,
		Quantity:    in.Quantity,
		StockBefore: current.Available,
		StockAfter:  next.Available,
		UserID:      in.UserID,
		Notes:       in.Notes,
		CreatedAt:   s.now(),
	}
	id, err := tx.InsertMovement(ctx, mv)
	if err != nil {
		return Movement{}, current, err
	}
	mv.ID = id
	if err := tx.UpdateCounters(ctx, in.Product, next); err != nil {
		return Movement{}, current, err
	}
	return mv, next, nil
}
