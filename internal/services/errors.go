package services

import "errors"

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located, or is not visible to the requester.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderNotModifiable indicates the order is outside its edit window or past pending.
	ErrOrderNotModifiable = errors.New("order: not modifiable")
	// ErrOrderInvalidTransition indicates the requested status change is not allowed.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a concurrent write or a duplicate order number.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderIdempotencyRequired is returned when order creation arrives without a client key.
	ErrOrderIdempotencyRequired = errors.New("order: idempotency key required")
	// ErrOrderPermissionDenied is returned for admin-only operations called without the role.
	ErrOrderPermissionDenied = errors.New("order: permission denied")
	// ErrRepositoryUnavailable marks a transient store failure that callers may retry.
	ErrRepositoryUnavailable = errors.New("repository unavailable")

	ErrProductNotFound = errors.New("stock: product not found")
	ErrProductInactive = errors.New("stock: product inactive")
	// ErrOutOfStock carries a user-facing reason such as "insufficient stock for X, available: Y".
	ErrOutOfStock = errors.New("stock: out of stock")
	// ErrInsufficientStockDuringUpdate wraps ErrOutOfStock for the item-update path.
	ErrInsufficientStockDuringUpdate = errors.New("order: insufficient stock during update")
	// ErrStockCompensationFailed means a compensating release could not be applied and
	// stock no longer matches recorded orders. It is escalated, never retried.
	ErrStockCompensationFailed = errors.New("stock: compensation failed")

	ErrPaymentNotCompleted   = errors.New("payment: not completed")
	ErrPaymentIntentMismatch = errors.New("payment: intent mismatch")
	// ErrPaymentInvalidState covers intent creation on orders that cannot take an online payment.
	ErrPaymentInvalidState     = errors.New("payment: invalid state")
	ErrPaymentAlreadySettled   = errors.New("payment: already settled")
	ErrPaymentGateway          = errors.New("payment: gateway failure")
	ErrPaymentInvalidInput     = errors.New("payment: invalid input")
	ErrWebhookInvalidSignature = errors.New("payment: invalid webhook signature")

	errReceiptPublisherUnavailable = errors.New("receipt: publisher not configured")
)
