// Package remote is the client side of the remote authority protocol.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/model"
)

const BatchPath = "/api/v1/sync/batch"

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeConflict Outcome = "conflict"
	OutcomeRejected Outcome = "rejected"
	// OutcomeRetry is produced client side for operations that could not be
	// sent this time, such as ones needing credentials the client lacks.
	OutcomeRetry Outcome = "retry"
)

type Request struct {
	OperationID     string              `json:"operationId" validate:"required,max=64"`
	Type            model.OperationType `json:"type" validate:"required,oneof=create update delete"`
	Table           string              `json:"table" validate:"required,max=64"`
	RecordID        string              `json:"recordId" validate:"required,max=191"`
	Payload         json.RawMessage     `json:"payload,omitempty"`
	ClientTimestamp time.Time           `json:"clientTimestamp"`
	// Force overwrites even when the authority holds a newer version.
	Force bool `json:"force,omitempty"`
	// RequiresAuth holds the operation back until a bearer token is available.
	RequiresAuth bool `json:"-"`
}

type Response struct {
	OperationID     string          `json:"operationId"`
	Outcome         Outcome         `json:"outcome"`
	ServerValue     json.RawMessage `json:"serverValue,omitempty"`
	ServerTimestamp time.Time       `json:"serverTimestamp,omitempty"`
	Error           string          `json:"error,omitempty"`
}

type BatchRequest struct {
	Operations []Request `json:"operations" validate:"required,min=1,max=1000"`
}

type BatchResponse struct {
	Results []Response `json:"results"`
}

// Authority applies a batch of operations and reports a per-operation
// outcome. A returned error means the whole batch failed.
type Authority interface {
	Apply(ctx context.Context, reqs []Request) ([]Response, error)
}

// RequestFrom converts a queued operation into its wire form.
func RequestFrom(op model.PendingOperation) Request {
	return Request{
		OperationID:     op.ID,
		Type:            op.Type,
		Table:           op.Table,
		RecordID:        op.RecordID,
		Payload:         op.Payload,
		ClientTimestamp: op.ClientTimestamp,
		Force:           op.Force,
		RequiresAuth:    op.RequiresAuth,
	}
}

// HTTPClient talks to an authority over JSON/HTTP.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
	// Token, when set, supplies a bearer token per request. With no token,
	// operations marked RequiresAuth come back as OutcomeRetry unsent.
	Token func(ctx context.Context) (string, error)
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Apply posts the batch. Network failures, 5xx and 429 are
// *apperr.SyncTransientError; other non-2xx statuses are
// *apperr.SyncPermanentError.
func (c *HTTPClient) Apply(ctx context.Context, reqs []Request) ([]Response, error) {
	var tok string
	if c.Token != nil {
		var err error
		if tok, err = c.Token(ctx); err != nil {
			return nil, &apperr.SyncTransientError{Cause: fmt.Errorf("token: %w", err)}
		}
	}

	var held []Response
	if tok == "" {
		send := reqs[:0:0]
		for _, r := range reqs {
			if r.RequiresAuth {
				held = append(held, Response{OperationID: r.OperationID, Outcome: OutcomeRetry, Error: "authentication required"})
				continue
			}
			send = append(send, r)
		}
		if len(send) == 0 && len(held) > 0 {
			return held, nil
		}
		reqs = send
	}

	body, err := json.Marshal(BatchRequest{Operations: reqs})
	if err != nil {
		return nil, &apperr.SyncPermanentError{Reason: "encode batch", Cause: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+BatchPath, bytes.NewReader(body))
	if err != nil {
		return nil, &apperr.SyncPermanentError{Reason: "build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if tok != "" {
		httpReq.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, &apperr.SyncTransientError{Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &apperr.SyncTransientError{StatusCode: resp.StatusCode, Cause: err}
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return nil, &apperr.SyncTransientError{StatusCode: resp.StatusCode, Cause: errors.New(statusText(resp, raw))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &apperr.SyncPermanentError{Reason: statusText(resp, raw)}
	}

	var out BatchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &apperr.SyncTransientError{StatusCode: resp.StatusCode, Cause: fmt.Errorf("decode response: %w", err)}
	}
	return append(out.Results, held...), nil
}

func statusText(resp *http.Response, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return resp.Status
	}
	return resp.Status + ": " + msg
}
