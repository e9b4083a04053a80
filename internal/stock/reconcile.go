package stock

import (
	"context"
	"log/slog"
)

// Replay recomputes counters from a product's movements. Each movement moves
// available_quantity by its signed quantity; stock_quantity moves too only
// when the cause affects total stock. This is the same rule ApplyDelta uses
// live, so an undrifted product always replays to its counters.
func Replay(movements []Movement) (Counters, error) {
	var c Counters
	for _, mv := range movements {
		if err := accumulate(&c, mv.Type, mv.Cause, mv.Quantity); err != nil {
			return Counters{}, validationf("movement %d: %v", mv.ID, err)
		}
	}
	return c, nil
}

func accumulate(c *Counters, mt MovementType, cause Cause, qty int64) error {
	if !mt.Valid() {
		return validationf("movement type %q", mt)
	}
	if !cause.Valid() {
		return validationf("unknown reference type %q", cause)
	}
	delta := mt.sign() * qty
	c.Available += delta
	if cause.AffectsTotalStock() {
		c.Stock += delta
	}
	return nil
}

// replayTotals folds grouped ledger sums into counters per product. A product
// whose ledger cannot be replayed appears only in failures.
func replayTotals(totals []LedgerTotal) (map[ProductRef]Counters, map[ProductRef]error) {
	calculated := make(map[ProductRef]Counters)
	failures := make(map[ProductRef]error)
	for _, total := range totals {
		if _, failed := failures[total.Product]; failed {
			continue
		}
		cause, err := ParseCause(total.Tag)
		if err != nil {
			failures[total.Product] = err
			delete(calculated, total.Product)
			continue
		}
		c := calculated[total.Product]
		if err := accumulate(&c, total.Type, cause, total.Quantity); err != nil {
			failures[total.Product] = err
			delete(calculated, total.Product)
			continue
		}
		calculated[total.Product] = c
	}
	return calculated, failures
}

// RepairProduct overwrites a product's counters with the replay of its ledger.
func (s *Service) RepairProduct(ctx context.Context, ref ProductRef) (RepairResult, error) {
	if err := ref.Validate(); err != nil {
		return RepairResult{}, err
	}
	result := RepairResult{Product: ref}
	err := s.inTx(ctx, "repair product", func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetCountersForUpdate(ctx, ref)
		if err != nil {
			return err
		}
		movements, err := tx.ListProductMovements(ctx, ref)
		if err != nil {
			return err
		}
		calculated, err := Replay(movements)
		if err != nil {
			return err
		}
		if !calculated.Valid() {
			return validationf("%s: ledger replays to %d/%d which breaks 0 <= available <= stock",
				ref, calculated.Available, calculated.Stock)
		}
		result.Before = current
		result.After = calculated
		result.Changed = current != calculated
		if !result.Changed {
			return nil
		}
		return tx.UpdateCounters(ctx, ref, calculated)
	})
	if err != nil {
		s.metrics.repaired(false)
		return RepairResult{Product: ref, Error: err.Error()}, err
	}
	s.metrics.repaired(true)
	if result.Changed {
		s.logger.Info("stock counters repaired",
			slog.String("product", ref.String()),
			slog.Int64("stock_before", result.Before.Stock),
			slog.Int64("stock_after", result.After.Stock),
			slog.Int64("available_before", result.Before.Available),
			slog.Int64("available_after", result.After.Available))
		s.committed(ctx, "repair", 0, nil, map[string]any{
			"product":          ref.String(),
			"stock_before":     result.Before.Stock,
			"stock_after":      result.After.Stock,
			"available_before": result.Before.Available,
			"available_after":  result.After.Available,
		})
	}
	return result, nil
}

// ValidateConsistency replays a product's ledger and compares it with the
// live counters without writing.
func (s *Service) ValidateConsistency(ctx context.Context, ref ProductRef) (ConsistencyReport, error) {
	if err := ref.Validate(); err != nil {
		return ConsistencyReport{}, err
	}
	var report ConsistencyReport
	err := s.inTx(ctx, "validate consistency", func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetCounters(ctx, ref)
		if err != nil {
			return err
		}
		movements, err := tx.ListProductMovements(ctx, ref)
		if err != nil {
			return err
		}
		calculated, err := Replay(movements)
		if err != nil {
			report = newConsistencyReport(ref, current, Counters{})
			report.IsValid = false
			report.ReplayError = err.Error()
			return nil
		}
		report = newConsistencyReport(ref, current, calculated)
		return nil
	})
	return report, err
}

// MismatchedProducts lists every product whose live counters disagree with
// its ledger replay. The report is cached until the next stock mutation.
func (s *Service) MismatchedProducts(ctx context.Context) ([]ConsistencyReport, error) {
	if s.cache == nil {
		return s.scanMismatches(ctx)
	}
	key, err := s.cache.BuildKey(ctx, "stock", "mismatches")
	if err != nil {
		s.logger.Warn("build stock report cache key", slog.Any("error", err))
		return s.scanMismatches(ctx)
	}
	var reports []ConsistencyReport
	err = s.cache.FetchJSON(ctx, key, &reports, func(ctx context.Context) (any, error) {
		return s.scanMismatches(ctx)
	})
	if err != nil {
		return nil, wrapPersistence("mismatched products", err)
	}
	return reports, nil
}

func (s *Service) scanMismatches(ctx context.Context) ([]ConsistencyReport, error) {
	products, err := s.repo.ListProductCounters(ctx)
	if err != nil {
		return nil, wrapPersistence("list product counters", err)
	}
	totals, err := s.repo.LedgerTotals(ctx)
	if err != nil {
		return nil, wrapPersistence("ledger totals", err)
	}
	calculated, failures := replayTotals(totals)
	reports := []ConsistencyReport{}
	for _, pc := range products {
		report := newConsistencyReport(pc.Product, pc.Counters, calculated[pc.Product])
		if err, failed := failures[pc.Product]; failed {
			s.logger.Warn("ledger replay failed",
				slog.String("product", pc.Product.String()),
				slog.Any("error", err))
			report.IsValid = false
			report.ReplayError = err.Error()
		}
		if !report.IsValid {
			reports = append(reports, report)
		}
	}
	return reports, nil
}

// RepairMismatched repairs every mismatched product, each in its own
// transaction. A failure is reported on that product's result and the batch
// carries on.
func (s *Service) RepairMismatched(ctx context.Context) ([]RepairResult, error) {
	mismatched, err := s.scanMismatches(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]RepairResult, 0, len(mismatched))
	failed := 0
	for _, report := range mismatched {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := s.RepairProduct(ctx, report.Product)
		if err != nil {
			failed++
			s.logger.Warn("repair product failed",
				slog.String("product", report.Product.String()),
				slog.Any("error", err))
		}
		results = append(results, result)
	}
	s.logger.Info("bulk stock repair finished",
		slog.Int("products", len(mismatched)),
		slog.Int("failed", failed))
	return results, nil
}
