package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorKind classifies business outcomes so callers can map them to a
// transport status without string matching.
type ErrorKind string

const (
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindAuthorization ErrorKind = "authorization"
	ErrorKindNotFound      ErrorKind = "not_found"
	ErrorKindConflict      ErrorKind = "conflict"
	ErrorKindStorage       ErrorKind = "storage"
)

// StockShortage is one short line of an insufficient-stock conflict.
// A conflict carries every short product of the request, not just the first.
type StockShortage struct {
	ProductId   int             `json:"product_id"`
	ProductName string          `json:"product_name"`
	Requested   decimal.Decimal `json:"requested"`
	Available   decimal.Decimal `json:"available"`
}

type AppError struct {
	Kind      ErrorKind       `json:"kind"`
	Message   string          `json:"message"`
	Shortages []StockShortage `json:"shortages,omitempty"`
}

func (e *AppError) Error() string {
	if len(e.Shortages) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s: requested %s, available %s", s.ProductName, s.Requested, s.Available))
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

func NewValidationError(message string) *AppError {
	return &AppError{Kind: ErrorKindValidation, Message: message}
}

func NewAuthorizationError(message string) *AppError {
	return &AppError{Kind: ErrorKindAuthorization, Message: message}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Kind: ErrorKindNotFound, Message: message}
}

func NewConflictError(message string) *AppError {
	return &AppError{Kind: ErrorKindConflict, Message: message}
}

func NewShortageError(shortages []StockShortage) *AppError {
	return &AppError{Kind: ErrorKindConflict, Message: "insufficient stock", Shortages: shortages}
}

// NewStorageError hides driver detail from the caller; the original error is
// expected to have been logged at the point of failure.
func NewStorageError() *AppError {
	return &AppError{Kind: ErrorKindStorage, Message: "data conflict"}
}

func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, ErrorRecordNotFound) {
		return ErrorKindNotFound
	}
	return ErrorKindStorage
}
