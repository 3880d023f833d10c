package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/clinicsync/clinicsync/internal/audit"
	"github.com/clinicsync/clinicsync/internal/cache"
	"github.com/clinicsync/clinicsync/internal/loader"
	"github.com/clinicsync/clinicsync/internal/mutation"
	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/clinicsync/clinicsync/internal/reachability"
	"github.com/clinicsync/clinicsync/internal/router"
	"github.com/clinicsync/clinicsync/internal/session"
	"github.com/clinicsync/clinicsync/internal/transport"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// EntryResponse is one cache entry as reported by the inspector.
type EntryResponse struct {
	Key        string           `json:"key"`
	Status     cache.Status     `json:"status"`
	Generation cache.Generation `json:"generation"`
	FetchedAt  *time.Time       `json:"fetchedAt,omitempty"`
	Error      string           `json:"error,omitempty"`
	Data       json.RawMessage  `json:"data,omitempty"`
}

func newEntryResponse(e cache.Entry, withData bool) EntryResponse {
	res := EntryResponse{
		Key:        e.Key.String(),
		Status:     e.Status,
		Generation: e.Generation,
	}
	if !e.FetchedAt.IsZero() {
		res.FetchedAt = &e.FetchedAt
	}
	if e.Err != nil {
		res.Error = e.Err.Error()
	}
	if withData {
		res.Data = e.Data
	}
	return res
}

type CacheResponse struct {
	Entries []EntryResponse `json:"entries"`
	Hits    uint64          `json:"hits"`
	Misses  uint64          `json:"misses"`
	Evicted uint64          `json:"evicted"`
}

type SessionResponse struct {
	SignedIn       bool       `json:"signedIn"`
	Role           string     `json:"role,omitempty"`
	Label          string     `json:"label"`
	UserID         string     `json:"userId,omitempty"`
	Name           string     `json:"name,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Destination    string     `json:"destination"`
	Online         bool       `json:"online"`
	SimulationMode bool       `json:"simulationMode"`
}

func handleCacheSnapshot(c *cache.ResourceCache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entries := c.Snapshot()
		stats := c.Stats()

		res := CacheResponse{
			Entries: make([]EntryResponse, len(entries)),
			Hits:    stats.Hits,
			Misses:  stats.Misses,
			Evicted: stats.Evictions,
		}
		for i, e := range entries {
			res.Entries[i] = newEntryResponse(e, false)
		}

		writeJSON(w, http.StatusOK, res)
	})
}

// handleGetResource reads one resource view through the loader, so the
// request is subject to the same caching and reachability gating as any
// other reader.
func handleGetResource(l *loader.Loader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		key, err := query.ParseKey(r.PathValue("key"))
		if err != nil {
			log.Info().Err(err).Msg("invalid resource key")
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		entry, err := l.Load(r.Context(), key)
		if err != nil && !entry.HasData() {
			status, message := errorStatus(err)
			audit.Log(r.Context()).Error = err.Error()
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, http.StatusOK, newEntryResponse(entry, true))
	})
}

func handlePostMutation(co *mutation.Coordinator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			requestError(w, http.StatusRequestEntityTooLarge)
			return
		}

		m, err := mutation.Decode(mutation.Kind(r.PathValue("kind")), body)
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		// Execute records the outcome on the request's audit entry
		result, err := co.Execute(r.Context(), m)
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(result); err != nil {
			log.Info().Msgf("failed to write response: %v\n", err)
		}
	})
}

func handleGetSession(sessions *session.Store, rt *router.Router, monitor *reachability.Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		state := monitor.State()
		res := SessionResponse{
			Destination:    rt.Destination(),
			Online:         state.Online,
			SimulationMode: state.SimulationMode,
		}

		s, ok := sessions.Current()
		res.Label = router.Label(s.Role)
		if ok {
			res.SignedIn = true
			res.Role = s.Role.String()
			res.UserID = s.Profile.ID
			res.Name = s.Profile.Name
			if exp, ok := s.ExpiresAt(); ok {
				res.ExpiresAt = &exp
			}

			entry := audit.Log(r.Context())
			entry.Role = res.Role
			entry.UserID = res.UserID
		}

		writeJSON(w, http.StatusOK, res)
	})
}

func handlePutSession(sessions *session.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var s session.Session
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed session")
			return
		}

		if err := sessions.Set(r.Context(), s); err != nil {
			log.Info().Err(err).Msg("session rejected")
			status := http.StatusInternalServerError
			if s.Validate() != nil {
				status = http.StatusBadRequest
			}
			writeJSONError(w, status, err.Error())
			return
		}

		entry := audit.Log(r.Context())
		entry.Role = s.Role.String()
		entry.UserID = s.Profile.ID

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleDeleteSession(sessions *session.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		if err := sessions.Clear(r.Context()); err != nil {
			// the in-memory session is gone regardless; report the storage failure
			audit.Log(r.Context()).Error = err.Error()
			writeJSONError(w, http.StatusInternalServerError, "session cleared but could not be removed from storage")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleHealthCheck(monitor *reachability.Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		if !monitor.State().Allowed() {
			w.Header().Set("Clinicsync-Reachability", "offline")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

// errorStatus extracts HTTP status code and message from an error. Transport
// failures map through their classification; anything else is a 500.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5MB max: after this we'll assume the client is broken or malicious
		// and close the connection
		_, _ = io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
