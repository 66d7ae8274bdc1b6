// Package probe checks upstream task status out of band. The watcher uses
// it before re-attaching recovered tasks so that work which finished while
// we were away is reconciled instead of re-subscribed.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SolaceLabs/taskwatch/internal/metrics"
)

// Statuses that mean the upstream task will emit no further events.
var terminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
	"canceled":  true,
}

// Result is the outcome of one status probe.
type Result struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Terminal bool   `json:"terminal"`
	Gone     bool   `json:"gone"`
	Error    string `json:"error,omitempty"`
}

// Client queries an upstream task status endpoint.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a probe client for the given status base URL. The token
// is sent as a bearer credential when non-empty. A nil httpClient gets a
// default with a 30 second timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// Status fetches the current status of taskID. A 404 from upstream is not
// an error: it reports the task as gone, which callers treat like a
// terminal status. Transport failures and other non-200 responses return an
// error and leave the caller to decide.
func (c *Client) Status(ctx context.Context, taskID string) (*Result, error) {
	start := time.Now()
	res, err := c.status(ctx, taskID)
	metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	metrics.ProbesTotal.WithLabelValues(outcome(res, err)).Inc()
	return res, err
}

func (c *Client) status(ctx context.Context, taskID string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &Result{TaskID: taskID, Status: "gone", Terminal: true, Gone: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("probe %s: status %d: %s", taskID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("probe %s: decode response: %w", taskID, err)
	}

	status := strings.ToLower(strings.TrimSpace(payload.Status))
	return &Result{
		TaskID:   taskID,
		Status:   status,
		Terminal: terminalStatuses[status],
		Error:    payload.Error,
	}, nil
}

func outcome(res *Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.Gone:
		return "gone"
	case res.Terminal:
		return "terminal"
	default:
		return "active"
	}
}
