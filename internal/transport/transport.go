// Package transport defines the boundary to the remote clinical API. The
// cache layer never performs network I/O itself; it calls a Transport.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/clinicsync/clinicsync/internal/query"
)

// Transport executes reads and writes against the remote resource. Errors
// returned are classified by KindOf.
type Transport interface {
	// Fetch reads the resource view identified by key.
	Fetch(ctx context.Context, key query.Key) (json.RawMessage, error)

	// Write performs one mutation.
	Write(ctx context.Context, req WriteRequest) (json.RawMessage, error)
}

// WriteRequest is a mutation as it crosses the wire.
type WriteRequest struct {
	Operation string
	Body      any
}

// TokenSource supplies the bearer credential for outgoing requests. An empty
// token sends the request unauthenticated.
type TokenSource interface {
	Token() string
}

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	NetworkError ErrorKind = iota + 1
	Unauthorized
	ServerError
	ValidationError
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkError:
		return "network"
	case Unauthorized:
		return "unauthorized"
	case ServerError:
		return "server"
	case ValidationError:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the failure type every Transport implementation returns.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%s error (%d): %s", e.Kind, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s error (%d)", e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode supplies the HTTP status used when the error is surfaced by the
// local inspector.
func (e *Error) StatusCode() (int, string) {
	switch e.Kind {
	case Unauthorized:
		return http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized)
	case ValidationError:
		return http.StatusBadRequest, e.Message
	case NetworkError:
		return http.StatusBadGateway, http.StatusText(http.StatusBadGateway)
	default:
		return http.StatusBadGateway, e.Message
	}
}

// KindOf returns the classification of err. Errors that did not originate
// from a Transport are treated as network failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return NetworkError
}

// IsUnauthorized reports whether err terminates the session.
func IsUnauthorized(err error) bool {
	return err != nil && KindOf(err) == Unauthorized
}

// StatusKind maps an HTTP status to the failure classification.
func StatusKind(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Unauthorized
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ValidationError
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return NetworkError
	default:
		return ServerError
	}
}
