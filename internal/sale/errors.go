package sale

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation wraps every error raised before any write is attempted.
	ErrValidation = errors.New("sale validation failed")
	// ErrEmptyCart is returned when completing a sale without lines.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInsufficientCash is returned when cash tendered does not cover the total.
	ErrInsufficientCash = errors.New("cash tendered is less than total")
	// ErrUnknownPaymentMethod is returned for payment methods other than cash or card.
	ErrUnknownPaymentMethod = errors.New("unknown payment method")
	// ErrItemNotFound is returned when a cart references an unknown item.
	ErrItemNotFound = errors.New("item not found")
	// ErrInsufficientStock is returned when a line asks for more than is on hand.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrDuplicateLine is returned when a cart holds two lines for one item.
	ErrDuplicateLine = errors.New("duplicate cart line")
)

// Step names a stage of sale completion.
type Step string

const (
	StepSale      Step = "sale"
	StepSaleItems Step = "sale_items"
	StepInventory Step = "inventory"
	StepSync      Step = "sync"
)

// StepError is a failure in one completion step. Fatal errors abort the sale.
type StepError struct {
	Step   Step
	Fatal  bool
	SaleID string
	Err    error
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	if e.SaleID != "" {
		return fmt.Sprintf("sale %s: %s step failed: %v", e.SaleID, e.Step, e.Err)
	}
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsFatal reports whether err aborted a sale during persistence.
func IsFatal(err error) bool {
	var stepErr *StepError
	return errors.As(err, &stepErr) && stepErr.Fatal
}

func validationError(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}
