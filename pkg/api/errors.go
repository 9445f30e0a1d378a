package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/artifacts"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/ci"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/runs"
)

// Kind classifies an API error. Each kind maps to exactly one HTTP status.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindInvalidTransition
	KindUpstream
)

// String returns the kind's name as reported to clients.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindAuth:
		return "AuthError"
	case KindNotFound:
		return "NotFoundError"
	case KindInvalidTransition:
		return "InvalidTransitionError"
	case KindUpstream:
		return "UpstreamError"
	default:
		return "InternalError"
	}
}

// Status returns the HTTP status code of the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error with a client-facing kind and message. Err holds the
// underlying cause, which is logged but never sent to clients.
type Error struct {
	Kind    Kind
	Message string
	RunID   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
	RunID string `json:"runId,omitempty"`
}

// toAPIError translates any error into an *Error. Domain errors keep their
// messages; anything unrecognised becomes an internal error with a generic
// message.
func toAPIError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var te *runs.TransitionError

	switch {
	case errors.As(err, &te):
		return &Error{Kind: KindInvalidTransition, Message: te.Error(), Err: err}
	case errors.Is(err, runs.ErrNotFound), errors.Is(err, artifacts.ErrNotFound):
		return &Error{Kind: KindNotFound, Message: "run not found", Err: err}
	case errors.Is(err, runs.ErrInvalidArgument),
		errors.Is(err, runs.ErrInvalidCursor),
		errors.Is(err, artifacts.ErrInvalidName),
		errors.Is(err, artifacts.ErrInvalidKey),
		errors.Is(err, ci.ErrUnknownBrand):
		return &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	case errors.Is(err, artifacts.ErrInvalidSignature), errors.Is(err, ci.ErrInvalidWebhook):
		return &Error{Kind: KindAuth, Message: "invalid signature", Err: err}
	case errors.Is(err, ci.ErrDispatch):
		return &Error{Kind: KindUpstream, Message: "ci dispatch failed", Err: err}
	default:
		return &Error{Kind: KindInternal, Message: "internal error", Err: err}
	}
}

// writeError writes err as a JSON error response. Internal errors are
// logged with their cause.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := toAPIError(err)

	log := s.log.WithField("path", r.URL.Path).WithField("kind", apiErr.Kind.String())
	if apiErr.Err != nil {
		log = log.WithError(apiErr.Err)
	}

	if apiErr.Kind == KindInternal || apiErr.Kind == KindUpstream {
		log.Error("Request failed")
	} else {
		log.Debug("Request rejected")
	}

	writeJSON(w, apiErr.Kind.Status(), errorResponse{
		Error: apiErr.Message,
		Type:  apiErr.Kind.String(),
		RunID: apiErr.RunID,
	})
}
