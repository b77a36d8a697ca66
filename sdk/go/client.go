package venturegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Venturegate HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	ID             string  `json:"id"`
	OwnerID        string  `json:"owner_id"`
	Idea           string  `json:"idea"`
	Phase          int     `json:"phase"`
	State          string  `json:"state"`
	Status         string  `json:"status"`
	HITLState      string  `json:"hitl_state,omitempty"`
	FinalDecision  *string `json:"final_decision,omitempty"`
	PivotType      *string `json:"pivot_type,omitempty"`
	PivotRationale *string `json:"pivot_rationale,omitempty"`
	Caution        bool    `json:"caution"`
	Version        int     `json:"version"`
	Attempts       int     `json:"attempts"`
	LastError      *string `json:"last_error,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

// Checkpoint represents a human approval record.
type Checkpoint struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload"`
	Feedback   *string         `json:"feedback,omitempty"`
	CreatedAt  string          `json:"created_at"`
	ResolvedAt *string         `json:"resolved_at,omitempty"`
}

// PhaseState is one accumulated evidence payload.
type PhaseState struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt string          `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts"`
	Type    string          `json:"type"`
	RunID   string          `json:"run_id,omitempty"`
	ActorID string          `json:"actor_id"`
	Payload json.RawMessage `json:"payload"`
}

// Resolution is returned from resolving a checkpoint.
type Resolution struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	Run        Run        `json:"run"`
	Duplicate  bool       `json:"duplicate"`
}

// PaginatedRuns wraps list responses with cursors.
type PaginatedRuns struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRun starts a validation run for an idea.
func (c *Client) CreateRun(ctx context.Context, ownerID, idea string) (Run, error) {
	body := map[string]any{
		"owner_id": ownerID,
		"idea":     idea,
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs", body, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Runs returns a paginated run listing.
func (c *Client) Runs(ctx context.Context, status string, limit int, cursor string) (PaginatedRuns, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/runs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRuns
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunState returns the accumulated evidence for a run.
func (c *Client) RunState(ctx context.Context, id string) ([]PhaseState, error) {
	var resp []PhaseState
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id)+"/state", nil, &resp)
	return resp, err
}

// Advance drives one orchestration step.
func (c *Client) Advance(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs/"+url.PathEscape(id)+"/advance", nil, &resp)
	return resp, err
}

// CancelRun archives a run.
func (c *Client) CancelRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// RetryRun returns a failed run to running.
func (c *Client) RetryRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs/"+url.PathEscape(id)+"/retry", nil, &resp)
	return resp, err
}

// PendingCheckpoints lists unresolved checkpoints, optionally run-scoped.
func (c *Client) PendingCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	q := url.Values{}
	q.Set("status", "pending")
	if runID != "" {
		q.Set("run_id", runID)
	}
	var resp []Checkpoint
	err := c.do(ctx, http.MethodGet, "v0/checkpoints?"+q.Encode(), nil, &resp)
	return resp, err
}

// ResolveCheckpoint applies a decision (approve, reject, regenerate).
func (c *Client) ResolveCheckpoint(ctx context.Context, id, decision, feedback string, edits map[string]any) (Resolution, error) {
	body := map[string]any{
		"decision": decision,
	}
	if feedback != "" {
		body["feedback"] = feedback
	}
	if len(edits) > 0 {
		body["edits"] = edits
	}
	var resp Resolution
	err := c.do(ctx, http.MethodPost, "v0/checkpoints/"+url.PathEscape(id)+"/resolve", body, &resp)
	return resp, err
}

// RunEvents returns recent events for a run.
func (c *Client) RunEvents(ctx context.Context, id string, limit int) ([]Event, error) {
	endpoint := "v0/runs/" + url.PathEscape(id) + "/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
