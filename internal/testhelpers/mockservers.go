package testhelpers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockClinicServer provides a configurable mock clinic API for testing.
// Reads are served from Resources keyed by kind; writes echo their payload.
type MockClinicServer struct {
	Server *httptest.Server

	mu             sync.Mutex
	healthy        bool
	statusCode     int
	resources      map[string]any
	requests       map[string]int
	lastAuthHeader string
}

// SetupMockClinicServer starts a healthy mock clinic API. The server is
// closed automatically when the test completes.
func SetupMockClinicServer(t *testing.T) *MockClinicServer {
	t.Helper()

	mock := &MockClinicServer{
		healthy:    true,
		statusCode: http.StatusOK,
		resources:  map[string]any{},
		requests:   map[string]int{},
	}

	router := http.NewServeMux()

	router.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		healthy := mock.healthy
		mock.mu.Unlock()

		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	router.HandleFunc("GET /{kind}", func(w http.ResponseWriter, r *http.Request) {
		kind := r.PathValue("kind")
		status, body, ok := mock.record(r, kind)

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		if !ok {
			http.Error(w, `{"message":"unknown resource"}`, http.StatusNotFound)
			return
		}
		WriteJSON(w, body)
	})

	router.HandleFunc("POST /mutations/{operation}", func(w http.ResponseWriter, r *http.Request) {
		status, _, _ := mock.record(r, "mutations/"+r.PathValue("operation"))

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}

		payload, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	})

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)

	return mock
}

func (m *MockClinicServer) record(r *http.Request, name string) (int, any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests[name]++
	m.lastAuthHeader = r.Header.Get("Authorization")
	body, ok := m.resources[name]
	return m.statusCode, body, ok
}

// SetResource configures the JSON body returned for a resource kind.
func (m *MockClinicServer) SetResource(kind string, body any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[kind] = body
}

// SetHealthy toggles the health endpoint between 204 and 503.
func (m *MockClinicServer) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// SetStatusCode forces every resource and mutation request to fail with the
// given status. http.StatusOK restores normal behaviour.
func (m *MockClinicServer) SetStatusCode(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCode = status
}

// RequestCount returns the number of requests received for a resource kind,
// or for "mutations/{operation}".
func (m *MockClinicServer) RequestCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[name]
}

// LastAuthHeader returns the Authorization header of the most recent request.
func (m *MockClinicServer) LastAuthHeader() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuthHeader
}

// URL is the base URL of the mock API.
func (m *MockClinicServer) URL() string {
	return m.Server.URL
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
