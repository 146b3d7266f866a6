package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/providers"
)

var (
	// ErrRunInProgress is returned when a conversation already has a run.
	ErrRunInProgress = errors.New("a run is already in progress for this conversation")

	// ErrNoConversation is returned for a run request without a conversation id.
	ErrNoConversation = errors.New("conversation id is required")

	// ErrElicitationUnsupported is returned when no tool registry is wired.
	ErrElicitationUnsupported = errors.New("elicitation responses are not supported")
)

// ErrorKind is a user-facing error category. Raw provider errors never
// leave the orchestrator; only the kind and a fixed message do.
type ErrorKind string

const (
	KindRateLimited        ErrorKind = "rate_limited"
	KindTimeout            ErrorKind = "timeout"
	KindAuthentication     ErrorKind = "authentication"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindContentFiltered    ErrorKind = "content_filtered"
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindCancelled          ErrorKind = "cancelled"
	KindInternal           ErrorKind = "internal"
)

var kindMessages = map[ErrorKind]string{
	KindRateLimited:        "The AI service is receiving too many requests. Please wait a moment and try again.",
	KindTimeout:            "The AI service took too long to respond. Please try again.",
	KindAuthentication:     "The AI service rejected our credentials. Please contact an administrator.",
	KindServiceUnavailable: "The AI service is temporarily unavailable. Please try again later.",
	KindContentFiltered:    "The response was blocked by the AI service's content filter.",
	KindInvalidRequest:     "The AI service could not process this request.",
	KindCancelled:          "The request was cancelled.",
	KindInternal:           "Something went wrong while generating a response.",
}

// UserError is the only error form a run returns to its caller.
type UserError struct {
	Kind    ErrorKind
	Message string

	// cause is kept for logs and errors.Is; Error never prints it.
	cause error
}

// Error implements the error interface.
func (e *UserError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *UserError) Unwrap() error {
	return e.cause
}

// GetUserError extracts a UserError from an error chain.
func GetUserError(err error) (*UserError, bool) {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// ClassifyError maps any run failure to a user-facing category.
func ClassifyError(err error) *UserError {
	if err == nil {
		return nil
	}
	if ue, ok := GetUserError(err); ok {
		return ue
	}
	kind := kindFor(err)
	return &UserError{Kind: kind, Message: kindMessages[kind], cause: err}
}

func kindFor(err error) ErrorKind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, agent.ErrNoProvider):
		return KindInternal
	}

	switch providers.ClassifyError(err) {
	case providers.FailoverRateLimit, providers.FailoverBilling:
		return KindRateLimited
	case providers.FailoverTimeout:
		return KindTimeout
	case providers.FailoverAuth:
		return KindAuthentication
	case providers.FailoverServerError, providers.FailoverModelUnavailable:
		return KindServiceUnavailable
	case providers.FailoverContentFilter:
		return KindContentFiltered
	case providers.FailoverInvalidRequest:
		return KindInvalidRequest
	case providers.FailoverCancelled:
		return KindCancelled
	default:
		return KindInternal
	}
}
