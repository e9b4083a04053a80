package stock

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input. The operation never started.
	ErrValidation = errors.New("stock: validation failed")
	// ErrInsufficientStock marks a failed sufficiency check.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrNotFound marks a missing product, bundle or movement.
	ErrNotFound = errors.New("stock: not found")
	// ErrPersistence marks a storage failure that rolled the operation back.
	ErrPersistence = errors.New("stock: persistence failure")
	// ErrDuplicateReceipt indicates the receipt reference was already posted.
	ErrDuplicateReceipt = errors.New("stock: receipt already recorded")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// InsufficientStockError carries the computed limit so callers can explain the rejection.
type InsufficientStockError struct {
	Product   ProductRef
	Requested int64
	Available int64
	Limit     int64
	// Constraint is the component that bounds a bundle assembly.
	Constraint ProductRef
}

func (e *InsufficientStockError) Error() string {
	if e.Constraint.Type() != "" {
		return fmt.Sprintf("stock: insufficient stock for %s: requested %d, at most %d assemblable (limited by %s, available %d)",
			e.Product, e.Requested, e.Limit, e.Constraint, e.Available)
	}
	return fmt.Sprintf("stock: insufficient stock for %s: requested %d, limit %d", e.Product, e.Requested, e.Limit)
}

// Is matches ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// PersistenceError wraps a storage failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("stock: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// isDomainError reports whether err already belongs to the stock taxonomy.
func isDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPersistence) ||
		errors.Is(err, ErrDuplicateReceipt)
}

func wrapPersistence(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
