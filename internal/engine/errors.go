package engine

import (
	"errors"
	"fmt"

	"cdk/internal/domain"
)

// ValidationError reports a bad input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AuthError means the caller could not be identified.
type AuthError struct {
	Message string
}

func (e AuthError) Error() string {
	if e.Message == "" {
		return "authentication required"
	}
	return e.Message
}

// ForbiddenError means the caller is known but not allowed.
type ForbiddenError struct {
	Reason  domain.Reason
	Message string
}

func (e ForbiddenError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return e.Message
}

type NotFoundError struct {
	What string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.What)
}

// ConflictError means the request clashes with current state.
type ConflictError struct {
	Reason  domain.Reason
	Message string
}

func (e ConflictError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return e.Message
}

type RateLimitError struct {
	Message string
}

func (e RateLimitError) Error() string {
	if e.Message == "" {
		return "rate limit exceeded"
	}
	return e.Message
}

// ReasonOf extracts the refusal reason carried by an engine error.
func ReasonOf(err error) domain.Reason {
	var (
		fe ForbiddenError
		ce ConflictError
		ne NotFoundError
		re RateLimitError
	)
	switch {
	case errors.As(err, &fe):
		return fe.Reason
	case errors.As(err, &ce):
		return ce.Reason
	case errors.As(err, &ne):
		return domain.ReasonNotFound
	case errors.As(err, &re):
		return domain.ReasonRateLimited
	}
	return ""
}

func refusal(reason domain.Reason, msg string) error {
	switch reason {
	case domain.ReasonNotFound:
		return NotFoundError{What: "project"}
	case domain.ReasonAlreadyClaimed, domain.ReasonPoolExhausted, domain.ReasonAlreadyReported,
		domain.ReasonAlreadyDecided, domain.ReasonAlreadyReceived, domain.ReasonTagExists,
		domain.ReasonEmailTaken, domain.ReasonTerminal, domain.ReasonInvalidStatus, domain.ReasonUsernameTaken:
		return ConflictError{Reason: reason, Message: msg}
	}
	return ForbiddenError{Reason: reason, Message: msg}
}
