// Package reachability tracks whether the clinic API can be reached and
// whether the process runs against local fixtures instead. Readers consult
// State.Allowed before starting a network fetch.
package reachability

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// State is the process-wide connectivity state.
type State struct {
	Online         bool `json:"online"`
	SimulationMode bool `json:"simulationMode"`
}

// Allowed reports whether new fetches may start. Simulation mode bypasses the
// gate because fixtures need no network.
func (s State) Allowed() bool {
	return s.Online || s.SimulationMode
}

type Listener func(previous, current State)

// Monitor holds the State and fans out changes. Simulation mode is fixed at
// construction; only Online changes afterwards.
type Monitor struct {
	mu          sync.RWMutex
	state       State
	subscribers map[uint64]Listener
	nextSubID   uint64
}

// NewMonitor starts optimistic: online until a probe says otherwise.
func NewMonitor(simulation bool) *Monitor {
	return &Monitor{
		state:       State{Online: true, SimulationMode: simulation},
		subscribers: map[uint64]Listener{},
	}
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SetOnline records the outcome of a connectivity check. Listeners are only
// called when the value actually changes; the return value reports whether it
// did.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	previous := m.state
	if previous.Online == online {
		m.mu.Unlock()
		return false
	}
	m.state.Online = online
	current := m.state
	listeners := m.listeners()
	m.mu.Unlock()

	log.Info().
		Bool("online", current.Online).
		Bool("simulation", current.SimulationMode).
		Msg("reachability changed")

	for _, l := range listeners {
		l(previous, current)
	}
	return true
}

// Subscribe registers a listener. The returned function removes it and is
// safe to call more than once.
func (m *Monitor) Subscribe(listener Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSubID++
	id := m.nextSubID
	m.subscribers[id] = listener

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subscribers, id)
		})
	}
}

func (m *Monitor) listeners() []Listener {
	ids := make([]uint64, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.subscribers[id])
	}
	return out
}
