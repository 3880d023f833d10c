package observe

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Multiplexer interface {
	Handle(pattern string, handler http.Handler)
	http.Handler
}

// Mux instruments each registered route with a server span named after the
// route rather than the raw request path.
type Mux struct {
	wrapped Multiplexer
	options []otelhttp.Option
}

func NewMux(wrapped Multiplexer, options ...otelhttp.Option) *Mux {
	return &Mux{
		wrapped: wrapped,
		options: options,
	}
}

func (mux *Mux) Handle(pattern string, handler http.Handler) {
	mux.wrapped.Handle(pattern, otelhttp.NewHandler(handler, RouteName(pattern), mux.options...))
}

// HandleUntraced registers a route that produces no telemetry, such as a
// health check polled by infrastructure.
func (mux *Mux) HandleUntraced(pattern string, handler http.Handler) {
	mux.wrapped.Handle(pattern, handler)
}

func (mux *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux.wrapped.ServeHTTP(w, r)
}

// RouteName drops the method from a ServeMux pattern, so "GET /cache/{key}"
// becomes "/cache/{key}". Anything that is not a recognised method is kept.
func RouteName(pattern string) string {
	method, route, found := strings.Cut(pattern, " ")
	if !found {
		return pattern
	}
	switch method {
	case http.MethodConnect, http.MethodDelete, http.MethodGet,
		http.MethodHead, http.MethodOptions, http.MethodPatch,
		http.MethodPost, http.MethodPut, http.MethodTrace:
		return strings.TrimLeft(route, " ")
	}
	return pattern
}
