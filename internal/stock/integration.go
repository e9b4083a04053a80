package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rentalpos/rentalpos/internal/shared"
)

const idempotencyModule = "stock"

// ReceiptInput posts units received from a supplier.
type ReceiptInput struct {
	Product     ProductRef
	Quantity    int64
	ReferenceID string
	UserID      int64
	Notes       string
}

// AdjustmentInput posts a manual correction. Positive deltas add stock,
// negative deltas remove owned units.
type AdjustmentInput struct {
	Product ProductRef
	Delta   int64
	UserID  int64
	Notes   string
}

// LineInput is one product line of a rental or sale transaction.
type LineInput struct {
	Product  ProductRef
	Quantity int64
}

// TransactionInput carries the stock effect of a rental or sale event.
type TransactionInput struct {
	TransactionID string
	Lines         []LineInput
	UserID        int64
	Notes         string
}

// PostingResult lists the movements of one posting and the resulting counters.
type PostingResult struct {
	Movements []Movement          `json:"movements"`
	Counters  map[string]Counters `json:"counters"`
	Bundle    *BundleResult       `json:"bundle,omitempty"`
}

// PostReceipt records a stock receipt. Receipts against bundles assemble
// them out of component stock.
func (s *Service) PostReceipt(ctx context.Context, in ReceiptInput) (PostingResult, error) {
	if err := in.Product.Validate(); err != nil {
		return PostingResult{}, err
	}
	if in.Quantity <= 0 {
		return PostingResult{}, validationf("quantity must be positive")
	}
	key := ""
	if in.ReferenceID != "" && s.idempotency != nil {
		key = fmt.Sprintf("%s:%s:%s", CauseReceipt, in.Product, in.ReferenceID)
		if err := s.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return PostingResult{}, fmt.Errorf("%w: %s", ErrDuplicateReceipt, in.ReferenceID)
			}
			return PostingResult{}, wrapPersistence("receipt idempotency", err)
		}
	}
	result, err := s.postReceipt(ctx, in)
	if err != nil && key != "" {
		if delErr := s.idempotency.Delete(ctx, key); delErr != nil {
			s.logger.Warn("release receipt idempotency key", slog.String("key", key), slog.Any("error", delErr))
		}
	}
	return result, err
}

func (s *Service) postReceipt(ctx context.Context, in ReceiptInput) (PostingResult, error) {
	if in.Product.Type() == ProductBundle {
		bundle, err := s.IncreaseBundleStock(ctx, BundleIncrease{
			BundleID:    in.Product.BundleID,
			Quantity:    in.Quantity,
			UserID:      in.UserID,
			Notes:       in.Notes,
			Cause:       CauseReceipt,
			ReferenceID: in.ReferenceID,
		})
		if err != nil {
			return PostingResult{}, err
		}
		return PostingResult{
			Movements: bundle.Movements,
			Counters:  map[string]Counters{in.Product.String(): {Stock: bundle.Stock, Available: bundle.Available}},
			Bundle:    &bundle,
		}, nil
	}
	return s.postLines(ctx, "receipt", MovementIn, CauseReceipt, TransactionInput{
		TransactionID: in.ReferenceID,
		Lines:         []LineInput{{Product: in.Product, Quantity: in.Quantity}},
		UserID:        in.UserID,
		Notes:         in.Notes,
	})
}

// PostAdjustment applies a manual stock correction. Removing units requires
// them to be both owned and free.
func (s *Service) PostAdjustment(ctx context.Context, in AdjustmentInput) (PostingResult, error) {
	if err := in.Product.Validate(); err != nil {
		return PostingResult{}, err
	}
	if in.Delta == 0 {
		return PostingResult{}, validationf("adjustment must be non zero")
	}
	if in.Delta > 0 && in.Product.Type() == ProductBundle {
		bundle, err := s.IncreaseBundleStock(ctx, BundleIncrease{
			BundleID: in.Product.BundleID,
			Quantity: in.Delta,
			UserID:   in.UserID,
			Notes:    in.Notes,
			Cause:    CauseAdjustment,
		})
		if err != nil {
			return PostingResult{}, err
		}
		return PostingResult{
			Movements: bundle.Movements,
			Counters:  map[string]Counters{in.Product.String(): {Stock: bundle.Stock, Available: bundle.Available}},
			Bundle:    &bundle,
		}, nil
	}
	mt, qty := MovementIn, in.Delta
	if in.Delta < 0 {
		mt, qty = MovementOut, -in.Delta
	}
	return s.postLines(ctx, "adjustment", mt, CauseAdjustment, TransactionInput{
		Lines:  []LineInput{{Product: in.Product, Quantity: qty}},
		UserID: in.UserID,
		Notes:  in.Notes,
	})
}

// RentalCheckout marks units as rented out. They stay owned.
func (s *Service) RentalCheckout(ctx context.Context, in TransactionInput) (PostingResult, error) {
	return s.postLines(ctx, "rental_checkout", MovementOut, CauseRentalCheckout, in)
}

// RentalReturn makes returned units available again.
func (s *Service) RentalReturn(ctx context.Context, in TransactionInput) (PostingResult, error) {
	return s.postLines(ctx, "rental_return", MovementIn, CauseRentalReturn, in)
}

// RentalCancellation releases units of a cancelled rental.
func (s *Service) RentalCancellation(ctx context.Context, in TransactionInput) (PostingResult, error) {
	return s.postLines(ctx, "rental_cancellation", MovementIn, CauseRentalCancellation, in)
}

// SaleCheckout removes sold units from stock.
func (s *Service) SaleCheckout(ctx context.Context, in TransactionInput) (PostingResult, error) {
	return s.postLines(ctx, "sale_checkout", MovementOut, CauseSaleCheckout, in)
}

// SaleCancellation puts the units of a cancelled sale back into stock.
func (s *Service) SaleCancellation(ctx context.Context, in TransactionInput) (PostingResult, error) {
	return s.postLines(ctx, "sale_cancellation", MovementIn, CauseSaleCancellation, in)
}

// postLines applies every line of one business event in a single transaction.
func (s *Service) postLines(ctx context.Context, action string, mt MovementType, cause Cause, in TransactionInput) (PostingResult, error) {
	if len(in.Lines) == 0 {
		return PostingResult{}, validationf("at least one line required")
	}
	for _, line := range in.Lines {
		if err := line.Product.Validate(); err != nil {
			return PostingResult{}, err
		}
		if line.Quantity <= 0 {
			return PostingResult{}, validationf("%s: quantity must be positive", line.Product)
		}
	}
	restoresRental := cause == CauseRentalReturn || cause == CauseRentalCancellation
	if restoresRental && in.TransactionID == "" {
		return PostingResult{}, validationf("transaction id required to return rented units")
	}
	lines := append([]LineInput(nil), in.Lines...)
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Product.less(lines[j].Product) })
	result := PostingResult{Counters: make(map[string]Counters, len(lines))}
	err := s.inTx(ctx, action, func(ctx context.Context, tx TxRepository) error {
		for _, line := range lines {
			if restoresRental {
				if err := s.checkRentalOutstanding(ctx, tx, line, in.TransactionID); err != nil {
					return err
				}
			}
			mv, counters, err := s.applyMovement(ctx, tx, MovementInput{
				Product:     line.Product,
				Type:        mt,
				Cause:       cause,
				ReferenceID: in.TransactionID,
				Quantity:    line.Quantity,
				UserID:      in.UserID,
				Notes:       in.Notes,
			})
			if err != nil {
				return err
			}
			result.Movements = append(result.Movements, mv)
			result.Counters[line.Product.String()] = counters
		}
		return nil
	})
	if err != nil {
		return PostingResult{}, err
	}
	s.committed(ctx, action, in.UserID, result.Movements, map[string]any{
		"reference_type": string(cause),
		"reference_id":   in.TransactionID,
		"lines":          len(in.Lines),
	})
	return result, nil
}

// checkRentalOutstanding rejects restoring more units than the rental still
// has out, so one rental cannot credit units another rental checked out.
func (s *Service) checkRentalOutstanding(ctx context.Context, tx TxRepository, line LineInput, rentalID string) error {
	if _, err := tx.GetCountersForUpdate(ctx, line.Product); err != nil {
		return err
	}
	outstanding, err := tx.RentalOutstanding(ctx, line.Product, rentalID)
	if err != nil {
		return err
	}
	if line.Quantity > outstanding {
		err := validationf("%s: rental %s has %d units out, cannot restore %d",
			line.Product, rentalID, outstanding, line.Quantity)
		s.metrics.rejected(err)
		return err
	}
	return nil
}
