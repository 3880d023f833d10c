package mutation

import (
	"fmt"
	"net/http"

	"github.com/clinicsync/clinicsync/internal/transport"
)

// ValidationError is returned when a payload is rejected before any network
// effect.
type ValidationError struct {
	Kind Kind
	Err  error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("mutation %q rejected: %v", e.Kind, e.Err)
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

func (e ValidationError) Status() (int, string) {
	return http.StatusUnprocessableEntity, e.Err.Error()
}

// MutationError wraps the transport failure of a write. The cache is left
// untouched when it is returned.
type MutationError struct {
	Kind Kind
	Err  error
}

func (e MutationError) Error() string {
	return fmt.Sprintf("mutation %q failed: %v", e.Kind, e.Err)
}

func (e MutationError) Unwrap() error {
	return e.Err
}

// Failure classifies the underlying transport error.
func (e MutationError) Failure() transport.ErrorKind {
	return transport.KindOf(e.Err)
}
