// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/clinicsync/clinicsync/internal/transport"
)

// Response is a scripted reply.
type Response struct {
	Data json.RawMessage
	Err  error
}

// Fake serves scripted responses by key (reads) or operation (writes). An
// unscripted read returns "null"; an unscripted write echoes its body.
type Fake struct {
	mu     sync.Mutex
	reads  map[string]Response
	writes map[string]Response
	gate   chan struct{}

	fetches  []query.Key
	requests []transport.WriteRequest
	started  chan query.Key
}

var _ transport.Transport = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		reads:   map[string]Response{},
		writes:  map[string]Response{},
		started: make(chan query.Key, 64),
	}
}

// SetRead scripts the response for key.
func (f *Fake) SetRead(key query.Key, data string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var raw json.RawMessage
	if data != "" {
		raw = json.RawMessage(data)
	}
	f.reads[key.String()] = Response{Data: raw, Err: err}
}

// SetWrite scripts the response for a mutation operation.
func (f *Fake) SetWrite(operation string, data string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var raw json.RawMessage
	if data != "" {
		raw = json.RawMessage(data)
	}
	f.writes[operation] = Response{Data: raw, Err: err}
}

// Block makes every subsequent Fetch wait until Release is called or its
// context ends.
func (f *Fake) Block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

// Release unblocks fetches held by Block.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Started delivers the key of every Fetch as it begins.
func (f *Fake) Started() <-chan query.Key {
	return f.started
}

func (f *Fake) Fetch(ctx context.Context, key query.Key) (json.RawMessage, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, key)
	gate := f.gate
	f.mu.Unlock()

	select {
	case f.started <- key:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &transport.Error{Kind: transport.NetworkError, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	resp, ok := f.reads[key.String()]
	f.mu.Unlock()

	if !ok {
		return json.RawMessage("null"), nil
	}
	return resp.Data, resp.Err
}

func (f *Fake) Write(_ context.Context, req transport.WriteRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)

	if resp, ok := f.writes[req.Operation]; ok {
		return resp.Data, resp.Err
	}
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, &transport.Error{Kind: transport.ValidationError, Err: err}
	}
	return body, nil
}

// Fetches returns every key fetched so far, in call order.
func (f *Fake) Fetches() []query.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]query.Key(nil), f.fetches...)
}

// FetchCount returns how many times key was fetched.
func (f *Fake) FetchCount(key query.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, k := range f.fetches {
		if k.Equal(key) {
			n++
		}
	}
	return n
}

// Writes returns every write request received, in call order.
func (f *Fake) Writes() []transport.WriteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.WriteRequest(nil), f.requests...)
}
