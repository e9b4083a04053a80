package stock

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
)

// componentNeed is the aggregated per-bundle requirement of one component.
type componentNeed struct {
	Product   ProductRef
	PerBundle int64
}

// aggregateComposition sums duplicate lines per component and orders the
// result so component rows are always locked in the same order.
func aggregateComposition(lines []CompositionLine) ([]componentNeed, error) {
	if len(lines) == 0 {
		return nil, validationf("bundle has no composition")
	}
	perBundle := make(map[ProductRef]int64, len(lines))
	for _, line := range lines {
		if err := line.validate(); err != nil {
			return nil, err
		}
		perBundle[line.Component()] += line.Quantity
	}
	needs := make([]componentNeed, 0, len(perBundle))
	for ref, qty := range perBundle {
		needs = append(needs, componentNeed{Product: ref, PerBundle: qty})
	}
	sort.Slice(needs, func(i, j int) bool { return needs[i].Product.less(needs[j].Product) })
	return needs, nil
}

// bundleCeiling returns min(floor(available / perBundle)) across components and
// the component that binds it.
func bundleCeiling(needs []componentNeed, available map[ProductRef]int64) Ceiling {
	var ceiling Ceiling
	for i, need := range needs {
		possible := available[need.Product] / need.PerBundle
		if possible < 0 {
			possible = 0
		}
		if i == 0 || possible < ceiling.Max {
			ceiling = Ceiling{Max: possible, Limiting: need.Product}
		}
	}
	return ceiling
}

// IncreaseBundleStock assembles bundles out of component stock. Components are
// consumed with bundle_assembly OUT movements and the bundle receives one IN
// movement, all in one transaction. Requests above the assembly ceiling are
// rejected whole.
func (s *Service) IncreaseBundleStock(ctx context.Context, in BundleIncrease) (BundleResult, error) {
	if in.BundleID <= 0 {
		return BundleResult{}, validationf("bundle id must be positive")
	}
	if in.Quantity <= 0 {
		return BundleResult{}, validationf("quantity must be positive")
	}
	if in.Cause == "" {
		in.Cause = CauseAdjustment
	}
	if in.Cause != CauseAdjustment && in.Cause != CauseReceipt {
		return BundleResult{}, validationf("bundle stock can only increase through a receipt or an adjustment")
	}
	var result BundleResult
	err := s.inTx(ctx, "increase bundle stock", func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = s.assemble(ctx, tx, in)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			s.logger.Info("bundle assembly rejected",
				slog.Int64("bundle_id", in.BundleID),
				slog.Int64("requested", in.Quantity),
				slog.Any("error", err))
		}
		return BundleResult{}, err
	}
	s.committed(ctx, "bundle_assembly", in.UserID, result.Movements, map[string]any{
		"bundle_id": in.BundleID,
		"quantity":  in.Quantity,
		"cause":     string(in.Cause),
	})
	return result, nil
}

func (s *Service) assemble(ctx context.Context, tx TxRepository, in BundleIncrease) (BundleResult, error) {
	bundle := BundleRef(in.BundleID)
	if _, err := tx.GetCounters(ctx, bundle); err != nil {
		return BundleResult{}, err
	}
	lines, err := tx.ListComposition(ctx, in.BundleID)
	if err != nil {
		return BundleResult{}, err
	}
	needs, err := aggregateComposition(lines)
	if err != nil {
		return BundleResult{}, err
	}

	// Same lock order as postLines: every row sorted by ProductRef.
	locks := make([]ProductRef, 0, len(needs)+1)
	locks = append(locks, bundle)
	for _, need := range needs {
		locks = append(locks, need.Product)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].less(locks[j]) })
	available := make(map[ProductRef]int64, len(needs))
	for _, ref := range locks {
		c, err := tx.GetCountersForUpdate(ctx, ref)
		if err != nil {
			return BundleResult{}, err
		}
		if ref != bundle {
			available[ref] = c.Available
		}
	}
	ceiling := bundleCeiling(needs, available)
	if in.Quantity > ceiling.Max {
		err := &InsufficientStockError{
			Product:    bundle,
			Requested:  in.Quantity,
			Available:  available[ceiling.Limiting],
			Limit:      ceiling.Max,
			Constraint: ceiling.Limiting,
		}
		s.metrics.rejected(err)
		return BundleResult{}, err
	}

	referenceID := in.ReferenceID
	if referenceID == "" {
		referenceID = "bundle:" + strconv.FormatInt(in.BundleID, 10)
	}
	result := BundleResult{Movements: make([]Movement, 0, len(needs)+1)}
	for _, need := range needs {
		mv, _, err := s.applyMovement(ctx, tx, MovementInput{
			Product:     need.Product,
			Type:        MovementOut,
			Cause:       CauseBundleAssembly,
			ReferenceID: referenceID,
			Quantity:    need.PerBundle * in.Quantity,
			UserID:      in.UserID,
			Notes:       in.Notes,
		})
		if err != nil {
			return BundleResult{}, err
		}
		result.Movements = append(result.Movements, mv)
	}
	mv, counters, err := s.applyMovement(ctx, tx, MovementInput{
		Product:     bundle,
		Type:        MovementIn,
		Cause:       in.Cause,
		ReferenceID: in.ReferenceID,
		Quantity:    in.Quantity,
		UserID:      in.UserID,
		Notes:       in.Notes,
	})
	if err != nil {
		return BundleResult{}, err
	}
	result.Movements = append(result.Movements, mv)
	result.Available = counters.Available
	result.Stock = counters.Stock
	return result, nil
}

// MaxAssemblable reports how many bundles the current component stock allows.
func (s *Service) MaxAssemblable(ctx context.Context, bundleID int64) (Ceiling, error) {
	if bundleID <= 0 {
		return Ceiling{}, validationf("bundle id must be positive")
	}
	var ceiling Ceiling
	err := s.inTx(ctx, "bundle ceiling", func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetCounters(ctx, BundleRef(bundleID)); err != nil {
			return err
		}
		lines, err := tx.ListComposition(ctx, bundleID)
		if err != nil {
			return err
		}
		needs, err := aggregateComposition(lines)
		if err != nil {
			return err
		}
		available := make(map[ProductRef]int64, len(needs))
		for _, need := range needs {
			c, err := tx.GetCounters(ctx, need.Product)
			if err != nil {
				return err
			}
			available[need.Product] = c.Available
		}
		ceiling = bundleCeiling(needs, available)
		return nil
	})
	return ceiling, err
}

// Composition lists a bundle's bill of materials.
func (s *Service) Composition(ctx context.Context, bundleID int64) ([]CompositionLine, error) {
	if bundleID <= 0 {
		return nil, validationf("bundle id must be positive")
	}
	var lines []CompositionLine
	err := s.inTx(ctx, "list composition", func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetCounters(ctx, BundleRef(bundleID)); err != nil {
			return err
		}
		var err error
		lines, err = tx.ListComposition(ctx, bundleID)
		return err
	})
	return lines, err
}

// SetComposition replaces a bundle's bill of materials.
func (s *Service) SetComposition(ctx context.Context, bundleID int64, lines []CompositionLine, actorID int64) error {
	if bundleID <= 0 {
		return validationf("bundle id must be positive")
	}
	if _, err := aggregateComposition(lines); err != nil {
		return err
	}
	normalised := make([]CompositionLine, len(lines))
	for i, line := range lines {
		line.BundleID = bundleID
		normalised[i] = line
	}
	err := s.inTx(ctx, "set composition", func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetCountersForUpdate(ctx, BundleRef(bundleID)); err != nil {
			return err
		}
		for _, line := range normalised {
			if _, err := tx.GetCounters(ctx, line.Component()); err != nil {
				return err
			}
		}
		return tx.ReplaceComposition(ctx, bundleID, normalised)
	})
	if err != nil {
		return err
	}
	s.committed(ctx, "set_composition", actorID, nil, map[string]any{
		"product": BundleRef(bundleID).String(),
		"lines":   len(normalised),
	})
	return nil
}
