package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/rs/zerolog"
)

// responseLimitBytes caps the size of a response body read from the API.
const responseLimitBytes = 8 << 20 // 8 MB

// HTTP is the network Transport. Reads are issued as
// GET {base}/{kind}?{scope params}; mutations as POST {base}/mutations/{op}
// with a JSON body.
type HTTP struct {
	client  *http.Client
	baseURL *url.URL
	tokens  TokenSource
}

var _ Transport = (*HTTP)(nil)

// NewHTTP creates a transport for the API rooted at baseURL. A nil client uses
// http.DefaultClient, which main configures with telemetry.
func NewHTTP(baseURL string, client *http.Client, tokens TokenSource) (*HTTP, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("API base URL must be absolute: %s", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTP{
		client:  client,
		baseURL: u,
		tokens:  tokens,
	}, nil
}

func (h *HTTP) Fetch(ctx context.Context, key query.Key) (json.RawMessage, error) {
	u := h.baseURL.JoinPath(string(key.Kind))

	values := url.Values{}
	for name, value := range key.Params() {
		values.Set(name, value)
	}
	u.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", key, err)
	}

	return h.do(req)
}

func (h *HTTP) Write(ctx context.Context, wr WriteRequest) (json.RawMessage, error) {
	body, err := json.Marshal(wr.Body)
	if err != nil {
		return nil, &Error{Kind: ValidationError, Message: "payload could not be encoded", Err: err}
	}

	u := h.baseURL.JoinPath("mutations", wr.Operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", wr.Operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return h.do(req)
}

func (h *HTTP) do(req *http.Request) (json.RawMessage, error) {
	req.Header.Set("Accept", "application/json")
	if h.tokens != nil {
		if token := h.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: NetworkError, Err: err}
	}
	defer drain(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseLimitBytes))
	if err != nil {
		return nil, &Error{Kind: NetworkError, Status: resp.StatusCode, Err: err}
	}

	zerolog.Ctx(req.Context()).Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Msg("api request complete")

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &Error{
			Kind:    StatusKind(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: errorMessage(body),
		}
	}

	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, &Error{Kind: ServerError, Status: resp.StatusCode, Message: "response is not valid JSON"}
	}

	return json.RawMessage(body), nil
}

// errorMessage extracts {"error": "..."} or {"message": "..."} from an error
// body, falling back to the trimmed text.
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(body))
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
