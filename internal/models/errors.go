package models

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the caller. The HTTP layer maps each kind to a status code.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindProcessing
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindProcessing:
		return "processing"
	default:
		return "internal"
	}
}

// Error is the structured failure returned across component boundaries.
// Message is stable and safe to show to callers; Detail carries the collaborator
// error and is only surfaced when debugging is enabled.
type Error struct {
	Kind    Kind
	Message string
	Detail  error
}

func (e *Error) Error() string {
	if e.Detail != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Detail)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Detail }

func Validation(message string) error {
	return &Error{Kind: KindValidation, Message: message}
}

func NotFound(message string) error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Processing(message string, detail error) error {
	return &Error{Kind: KindProcessing, Message: message, Detail: detail}
}

func Internal(message string, detail error) error {
	return &Error{Kind: KindInternal, Message: message, Detail: detail}
}

// KindOf reports the kind of err. Errors that are not *Error are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the caller-facing message for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}
