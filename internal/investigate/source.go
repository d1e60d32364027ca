package investigate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/runforge/internal/model"
)

// ErrUnavailable marks a diagnostic source that could not be reached after
// retries. The workflow fails with reason "investigation_unavailable".
var ErrUnavailable = errors.New("investigation source unavailable")

// Querier fetches diagnostic signals for a target.
type Querier interface {
	QuerySignals(ctx context.Context, target string, window time.Duration) ([]model.Signal, error)
}

// SignalClient queries an HTTP diagnostics endpoint for signals.
type SignalClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewSignalClient constructs a client for the configured diagnostics service.
func NewSignalClient(baseURL string, timeout time.Duration) *SignalClient {
	return &SignalClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// QuerySignals fetches recent signals for the target over the given window.
func (c *SignalClient) QuerySignals(ctx context.Context, target string, window time.Duration) ([]model.Signal, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("diagnostics base URL not configured")
	}

	payload := map[string]interface{}{
		"target": target,
		"start":  time.Now().Add(-window).UTC().Format(time.RFC3339),
		"end":    time.Now().UTC().Format(time.RFC3339),
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/signals", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signals request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signals HTTP %d", resp.StatusCode)
	}

	var response struct {
		Signals []model.Signal `json:"signals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	return response.Signals, nil
}
