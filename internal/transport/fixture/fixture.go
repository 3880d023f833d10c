// Package fixture implements the simulation Transport: reads and writes are
// served from a local YAML document instead of the network. It is selected
// once at start-up and never mixed with the network transport.
package fixture

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/clinicsync/clinicsync/internal/transport"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk fixture format.
//
//	latency: 150ms
//	resources:
//	  - kind: prescriptions
//	    params: {patient: P123}
//	    data: [{id: RX1, drug: amoxicillin}]
//	writes:
//	  create-prescription:
//	    data: {id: RX2}
//	  cancel-appointment:
//	    error: {kind: validation, message: appointment already started}
type Document struct {
	Latency   time.Duration      `yaml:"latency"`
	Resources []Resource         `yaml:"resources"`
	Writes    map[string]Outcome `yaml:"writes"`
}

// Resource is one canned read.
type Resource struct {
	Kind   string            `yaml:"kind"`
	Params map[string]string `yaml:"params"`
	Data   any               `yaml:"data"`
	Error  *Failure          `yaml:"error"`
}

// Outcome is the canned response to one mutation operation.
type Outcome struct {
	Data  any      `yaml:"data"`
	Error *Failure `yaml:"error"`
}

// Failure describes a simulated transport error.
type Failure struct {
	Kind    string `yaml:"kind"`
	Message string `yaml:"message"`
}

// Write is a recorded mutation.
type Write struct {
	Operation string
	Body      json.RawMessage
	At        time.Time
}

// Transport serves a Document.
type Transport struct {
	doc Document

	mu     sync.Mutex
	writes []Write
}

var _ transport.Transport = (*Transport)(nil)

// Load reads and parses a fixture file.
func Load(path string) (*Transport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Transport from YAML bytes. Every failure kind is checked up
// front so a typo surfaces at start-up rather than mid-session.
func Parse(data []byte) (*Transport, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing fixture document: %w", err)
	}

	for i, r := range doc.Resources {
		if r.Kind == "" {
			return nil, fmt.Errorf("fixture resource %d: kind is required", i)
		}
		if err := r.Error.validate(); err != nil {
			return nil, fmt.Errorf("fixture resource %d: %w", i, err)
		}
	}
	for op, o := range doc.Writes {
		if err := o.Error.validate(); err != nil {
			return nil, fmt.Errorf("fixture write %q: %w", op, err)
		}
	}

	return &Transport{doc: doc}, nil
}

func (t *Transport) Fetch(ctx context.Context, key query.Key) (json.RawMessage, error) {
	if err := t.delay(ctx); err != nil {
		return nil, err
	}

	params := key.Params()
	for _, r := range t.doc.Resources {
		if r.Kind != string(key.Kind) || !sameParams(r.Params, params) {
			continue
		}
		if r.Error != nil {
			return nil, r.Error.toError()
		}
		return encode(r.Data)
	}

	return nil, &transport.Error{
		Kind:    transport.ServerError,
		Status:  http.StatusNotFound,
		Message: "no fixture for " + key.String(),
	}
}

func (t *Transport) Write(ctx context.Context, req transport.WriteRequest) (json.RawMessage, error) {
	if err := t.delay(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, &transport.Error{Kind: transport.ValidationError, Message: "payload could not be encoded", Err: err}
	}

	outcome, ok := t.doc.Writes[req.Operation]
	if ok && outcome.Error != nil {
		return nil, outcome.Error.toError()
	}

	t.mu.Lock()
	t.writes = append(t.writes, Write{Operation: req.Operation, Body: body, At: time.Now()})
	t.mu.Unlock()

	if !ok || outcome.Data == nil {
		// without a canned response the simulated server echoes the payload
		return body, nil
	}
	return encode(outcome.Data)
}

// Writes returns the mutations accepted so far.
func (t *Transport) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Write(nil), t.writes...)
}

func (t *Transport) delay(ctx context.Context) error {
	if t.doc.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(t.doc.Latency)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return &transport.Error{Kind: transport.NetworkError, Err: ctx.Err()}
	}
}

func sameParams(fixture, requested map[string]string) bool {
	if len(fixture) == 0 && len(requested) == 0 {
		return true
	}
	return maps.Equal(fixture, requested)
}

func encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &transport.Error{Kind: transport.ServerError, Message: "fixture data is not JSON encodable", Err: err}
	}
	return data, nil
}

func (f *Failure) validate() error {
	if f == nil {
		return nil
	}
	if _, err := parseKind(f.Kind); err != nil {
		return err
	}
	return nil
}

func (f *Failure) toError() error {
	kind, _ := parseKind(f.Kind)
	return &transport.Error{Kind: kind, Message: f.Message}
}

func parseKind(s string) (transport.ErrorKind, error) {
	switch strings.ToLower(s) {
	case "network":
		return transport.NetworkError, nil
	case "unauthorized":
		return transport.Unauthorized, nil
	case "server":
		return transport.ServerError, nil
	case "validation":
		return transport.ValidationError, nil
	default:
		return 0, fmt.Errorf("unknown failure kind %q", s)
	}
}
