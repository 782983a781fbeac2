package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/planbookhq/backend/internal/logging"
	"github.com/planbookhq/backend/internal/models"
)

// HTTPClient is the reference API implementation over JSON/HTTP.
//
// Wire contract with the sync server:
//
//	POST {base}/api/sync/mutations
//	Idempotency-Key: <entry id>
//	{"id": ..., "action": ..., "collection": ..., "record_id": ...,
//	 "payload": ..., "base_version": ...}
//
//	200/201 -> {"version": N, "timestamp": T}                      ack
//	409     -> {"server_payload": ..., "server_version": N,
//	            "server_timestamp": T}                              conflict
//	408/429/5xx                                                     transient
//	other 4xx -> {"error": "..."}                                   fatal
type HTTPClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// HTTPConfig configures the HTTP remote client.
type HTTPConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration // per-request bound; a timeout is a transient error
}

// NewHTTPClient creates an HTTP remote client.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// mutationRequest is the wire form of a mutation entry.
type mutationRequest struct {
	ID          string                `json:"id"`
	Action      models.MutationAction `json:"action"`
	Collection  models.Collection     `json:"collection"`
	RecordID    string                `json:"record_id"`
	Payload     models.Payload        `json:"payload,omitempty"`
	BaseVersion int64                 `json:"base_version"`
}

// ackResponse is the wire form of a successful apply.
type ackResponse struct {
	Version   int64 `json:"version"`
	Timestamp int64 `json:"timestamp"`
}

// conflictResponse is the wire form of a 409.
type conflictResponse struct {
	ServerPayload   models.Payload `json:"server_payload"`
	ServerVersion   int64          `json:"server_version"`
	ServerTimestamp int64          `json:"server_timestamp"`
}

// errorResponse is the wire form of a rejection.
type errorResponse struct {
	Error string `json:"error"`
}

// Apply implements API.
func (c *HTTPClient) Apply(ctx context.Context, entry *models.MutationEntry) (*Result, error) {
	body, err := json.Marshal(mutationRequest{
		ID:          entry.ID,
		Action:      entry.Action,
		Collection:  entry.Collection,
		RecordID:    entry.RecordID,
		Payload:     entry.Payload,
		BaseVersion: entry.BaseVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode mutation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/sync/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", entry.ID)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failure: outcome unknown, retried with backoff.
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var ack ackResponse
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, fmt.Errorf("malformed ack response: %w", err)
		}
		return &Result{Status: StatusAck, Version: ack.Version, Timestamp: ack.Timestamp}, nil

	case resp.StatusCode == http.StatusConflict:
		var conflict conflictResponse
		if err := json.Unmarshal(data, &conflict); err != nil {
			return nil, fmt.Errorf("malformed conflict response: %w", err)
		}
		return &Result{
			Status:          StatusConflict,
			ServerPayload:   conflict.ServerPayload,
			ServerVersion:   conflict.ServerVersion,
			ServerTimestamp: conflict.ServerTimestamp,
		}, nil

	case resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500:
		logging.Debug("Transient server response", map[string]interface{}{
			"entry_id":    entry.ID,
			"status_code": resp.StatusCode,
		})
		return &Result{Status: StatusTransient}, nil

	default:
		var rejection errorResponse
		reason := fmt.Sprintf("server rejected mutation with status %d", resp.StatusCode)
		if json.Unmarshal(data, &rejection) == nil && rejection.Error != "" {
			reason = rejection.Error
		}
		return &Result{Status: StatusFatal, Reason: reason}, nil
	}
}
