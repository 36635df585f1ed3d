package repositories

import "fmt"

// StockErrorCode enumerates stock ledger failure causes.
type StockErrorCode string

const (
	StockErrorUnknown           StockErrorCode = "stock_unknown"
	StockErrorInsufficientStock StockErrorCode = "stock_insufficient"
	StockErrorProductNotFound   StockErrorCode = "stock_product_not_found"
	StockErrorProductInactive   StockErrorCode = "stock_product_inactive"
	StockErrorInvalidQuantity   StockErrorCode = "stock_invalid_quantity"
)

// StockError reports a rejected reservation or release. Available and ProductName are
// filled for insufficient stock so callers can build a user-facing reason.
type StockError struct {
	Op          string
	Code        StockErrorCode
	ProductID   string
	ProductName string
	Requested   int
	Available   int
	Err         error
}

func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Code)
	if e.Code == StockErrorInsufficientStock {
		msg = fmt.Sprintf("insufficient stock for %s, available: %d", e.displayName(), e.Available)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StockError) displayName() string {
	if e.ProductName != "" {
		return e.ProductName
	}
	return e.ProductID
}

// IsNotFound implements RepositoryError.
func (e *StockError) IsNotFound() bool { return e != nil && e.Code == StockErrorProductNotFound }

// IsConflict implements RepositoryError.
func (e *StockError) IsConflict() bool { return e != nil && e.Code == StockErrorInsufficientStock }

// IsUnavailable implements RepositoryError.
func (e *StockError) IsUnavailable() bool { return false }

// NewStockError constructs a typed stock ledger error.
func NewStockError(op string, code StockErrorCode, productID string) *StockError {
	return &StockError{Op: op, Code: code, ProductID: productID}
}
