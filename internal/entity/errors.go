package entity

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable kind of a user-facing failure.
type ErrorCode string

const (
	CodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	CodeProductUnavailable ErrorCode = "PRODUCT_UNAVAILABLE"
	CodeInsufficientStock  ErrorCode = "INSUFFICIENT_STOCK"
	CodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	CodePlacementFailed    ErrorCode = "PLACEMENT_FAILED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
)

// Error is a domain failure with a stable code.
type Error struct {
	Code      ErrorCode
	Message   string
	ProductID string
	Available int
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so callers can write errors.Is(err, &entity.Error{Code: ...}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func InvalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func ProductUnavailable(productID string) *Error {
	return &Error{
		Code:      CodeProductUnavailable,
		Message:   fmt.Sprintf("product %s is not available", productID),
		ProductID: productID,
	}
}

func InsufficientStock(productID string, available int) *Error {
	return &Error{
		Code:      CodeInsufficientStock,
		Message:   fmt.Sprintf("insufficient stock for product %s (available: %d)", productID, available),
		ProductID: productID,
		Available: available,
	}
}

func InvalidTransition(from, to OrderStatus) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cannot move order from %s to %s", from, to),
	}
}

func PlacementFailed(err error) *Error {
	return &Error{Code: CodePlacementFailed, Message: "order could not be placed", Err: err}
}

func NotFound(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", kind, id)}
}
