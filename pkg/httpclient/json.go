package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/DrorGr/amesaFE-sub002/pkg/logger"
)

// Request describes a JSON call to a backend.
type Request struct {
	Method string
	URL    string
	// Body is marshalled as the JSON request body when non-nil.
	Body any
	// IdempotencyKey is sent as Idempotency-Key when set.
	IdempotencyKey string
	// Bearer is sent as an Authorization bearer token when set.
	Bearer string
	// Header holds extra headers such as provider API keys.
	Header map[string]string
}

// DoJSON sends r through doer and decodes a 2xx body into out (if non-nil).
// Non-2xx responses are translated with ParseResponseError; transport errors
// and an open breaker are returned as-is for the caller to classify.
func DoJSON(ctx context.Context, doer Doer, service string, r Request, out any) error {
	var body *bytes.Reader
	if r.Body != nil {
		payload, err := json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", service, err)
		}
		body = bytes.NewReader(payload)
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, r.Method, r.URL, http.NoBody)
	}
	if err != nil {
		return fmt.Errorf("create %s request: %w", service, err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", r.IdempotencyKey)
	}
	if r.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.Bearer)
	}
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	resp, err := doer.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ParseResponseError(resp, service)
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", service, err)
	}
	return nil
}
