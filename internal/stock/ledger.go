package stock

import (
	"context"
	"log/slog"
)

// RecordMovement appends one movement and applies its delta to the product
// counters in the same transaction.
//
// A bundle receipt or adjustment IN is an assembly: it consumes components
// through IncreaseBundleStock and the bundle's own IN movement is returned.
// Restorative causes on a bundle post directly.
func (s *Service) RecordMovement(ctx context.Context, in MovementInput) (Movement, error) {
	if err := in.Validate(); err != nil {
		return Movement{}, err
	}
	if in.Product.Type() == ProductBundle && in.Type == MovementIn {
		switch in.Cause {
		case CauseReceipt, CauseAdjustment:
			result, err := s.IncreaseBundleStock(ctx, BundleIncrease{
				BundleID:    in.Product.BundleID,
				Quantity:    in.Quantity,
				Cause:       in.Cause,
				ReferenceID: in.ReferenceID,
				UserID:      in.UserID,
				Notes:       in.Notes,
			})
			if err != nil {
				return Movement{}, err
			}
			return result.Movements[len(result.Movements)-1], nil
		case CauseBundleAssembly:
			return Movement{}, validationf("%s: bundle_assembly only consumes components", in.Product)
		}
	}
	var mv Movement
	err := s.inTx(ctx, "record movement", func(ctx context.Context, tx TxRepository) error {
		var err error
		mv, _, err = s.applyMovement(ctx, tx, in)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	s.committed(ctx, "record", in.UserID, []Movement{mv}, map[string]any{
		"product":        mv.Product.String(),
		"movement_type":  string(mv.Type),
		"reference_type": string(mv.Cause),
		"quantity":       mv.Quantity,
	})
	return mv, nil
}

// UndoMovement reverses the counter effect of a movement and deletes it.
// The reversal uses the movement's own cause, so a rental checkout undo only
// restores availability while a receipt undo removes owned units as well.
func (s *Service) UndoMovement(ctx context.Context, movementID int64, actorID int64) (Counters, error) {
	if movementID <= 0 {
		return Counters{}, validationf("movement id must be positive")
	}
	var (
		mv   Movement
		next Counters
	)
	err := s.inTx(ctx, "undo movement", func(ctx context.Context, tx TxRepository) error {
		var err error
		mv, err = tx.GetMovementForUpdate(ctx, movementID)
		if err != nil {
			return err
		}
		if !mv.Cause.Valid() {
			return validationf("movement %d has unknown reference type %q", mv.ID, mv.Cause)
		}
		current, err := tx.GetCountersForUpdate(ctx, mv.Product)
		if err != nil {
			return err
		}
		next, err = ApplyDelta(mv.Product, current, mv.Quantity, mv.Type.inverse(), mv.Cause.AffectsTotalStock())
		if err != nil {
			s.metrics.rejected(err)
			return err
		}
		if err := tx.UpdateCounters(ctx, mv.Product, next); err != nil {
			return err
		}
		return tx.DeleteMovement(ctx, mv.ID)
	})
	if err != nil {
		return Counters{}, err
	}
	s.logger.Info("movement undone",
		slog.Int64("movement_id", mv.ID),
		slog.String("product", mv.Product.String()),
		slog.String("reference_type", string(mv.Cause)))
	s.committed(ctx, "undo", actorID, nil, map[string]any{
		"movement_id":    mv.ID,
		"product":        mv.Product.String(),
		"movement_type":  string(mv.Type),
		"reference_type": string(mv.Cause),
		"quantity":       mv.Quantity,
	})
	return next, nil
}

// ListMovements returns the newest movements of a product first.
func (s *Service) ListMovements(ctx context.Context, ref ProductRef, limit int) ([]Movement, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	movements, err := s.repo.ListMovements(ctx, ref, limit)
	if err != nil {
		return nil, wrapPersistence("list movements", err)
	}
	return movements, nil
}

// Counters returns the live counters of a product.
func (s *Service) Counters(ctx context.Context, ref ProductRef) (Counters, error) {
	if err := ref.Validate(); err != nil {
		return Counters{}, err
	}
	var c Counters
	err := s.inTx(ctx, "get counters", func(ctx context.Context, tx TxRepository) error {
		var err error
		c, err = tx.GetCounters(ctx, ref)
		return err
	})
	return c, err
}
