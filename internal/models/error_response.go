package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrTerminalStateViolation = errors.New("request is in a terminal status")
	ErrAlreadyInState         = errors.New("request is already in the requested status")
	ErrUnknownStatus          = errors.New("unknown request status")
	ErrInvalidQuantity        = errors.New("quantity must be positive")
	ErrInvalidPrice           = errors.New("price must be positive")
	ErrInvalidCounterTerms    = errors.New("invalid counter offer terms")
	ErrExpiredRecord          = errors.New("request has expired")
	ErrConflictRetryExhausted = errors.New("concurrent modification retries exhausted")
	ErrVersionConflict        = errors.New("request version conflict")
	ErrNotFound               = errors.New("request not found")
	ErrForbidden              = errors.New("actor is not allowed to perform this action")
	ErrInvalidInput           = errors.New("invalid input")
	ErrListingUnavailable     = errors.New("crop listing is unavailable")
)

// TransitionError описывает отклонённый переход статуса.
type TransitionError struct {
	From RequestStatus
	To   RequestStatus
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// ErrorResponse описывает ошибку с кодом и сообщением.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"reason"`
}

// NewErrorResponse создает новую ошибку с кодом и сообщением.
func NewErrorResponse(statusCode int, message string) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: statusCode,
		Message:    message}
}

// Реализация метода Error() для удовлетворения интерфейса error.
func (e *ErrorResponse) Error() string {
	return e.Message
}
