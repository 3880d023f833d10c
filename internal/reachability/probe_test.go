package reachability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/clinicsync/clinicsync/internal/testhelpers"
	"github.com/stretchr/testify/assert"
)

type scriptedCheck struct {
	mu      sync.Mutex
	results []error
	count   int
}

func (s *scriptedCheck) check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.count
	s.count++
	if i >= len(s.results) {
		return nil
	}
	return s.results[i]
}

func (s *scriptedCheck) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func TestHTTPCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		healthy bool
	}{
		{"no content", http.StatusNoContent, true},
		{"ok", http.StatusOK, true},
		{"unauthorized still reachable", http.StatusUnauthorized, true},
		{"service unavailable", http.StatusServiceUnavailable, false},
		{"internal error", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/health", r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := HTTPCheck(srv.Client(), srv.URL+"/health")(context.Background())
			assert.Equal(t, tt.healthy, err == nil, "err: %v", err)
		})
	}
}

func TestHTTPCheck_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := HTTPCheck(nil, url)(context.Background())
	assert.Error(t, err)
}

func TestHTTPCheck_MockClinicServer(t *testing.T) {
	testhelpers.SetupLogger(t)
	api := testhelpers.SetupMockClinicServer(t)
	m := NewMonitor(false)
	check := HTTPCheck(api.Server.Client(), api.URL()+"/health")

	api.SetHealthy(false)
	probe(context.Background(), m, check)
	assert.False(t, m.State().Online)

	api.SetHealthy(true)
	probe(context.Background(), m, check)
	assert.True(t, m.State().Online)
}

func TestProbe_RecoversPanic(t *testing.T) {
	m := NewMonitor(false)

	assert.NotPanics(t, func() {
		probe(context.Background(), m, func(context.Context) error { panic("boom") })
	})
	assert.True(t, m.State().Online, "a panicking check leaves the state untouched")
}

func TestPeriodicProbe_ImmediateFirstProbe(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		check := &scriptedCheck{results: []error{errors.New("down")}}
		m := NewMonitor(false)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go PeriodicProbe(ctx, m, check.check, time.Minute)

		synctest.Wait()

		assert.Equal(t, 1, check.calls(), "first probe should happen immediately")
		assert.False(t, m.State().Online)
	})
}

func TestPeriodicProbe_MultipleCycles(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		check := &scriptedCheck{results: []error{errors.New("down"), nil, errors.New("down again")}}
		m := NewMonitor(false)

		var transitions int
		m.Subscribe(func(State, State) { transitions++ })

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go PeriodicProbe(ctx, m, check.check, time.Minute)

		synctest.Wait()
		assert.False(t, m.State().Online)

		time.Sleep(time.Minute)
		synctest.Wait()
		assert.True(t, m.State().Online)

		time.Sleep(time.Minute)
		synctest.Wait()
		assert.False(t, m.State().Online)

		assert.Equal(t, 3, check.calls())
		assert.Equal(t, 3, transitions)
	})
}

func TestPeriodicProbe_ContextCancellation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		check := &scriptedCheck{}
		m := NewMonitor(false)

		ctx, cancel := context.WithCancel(context.Background())

		go PeriodicProbe(ctx, m, check.check, time.Minute)

		synctest.Wait()
		assert.Equal(t, 1, check.calls())

		cancel()
		synctest.Wait()

		time.Sleep(5 * time.Minute)
		synctest.Wait()
		assert.Equal(t, 1, check.calls(), "no more probes after cancellation")
	})
}
