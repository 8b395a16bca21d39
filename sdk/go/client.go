// Package storylinesdk is a minimal Storyline HTTP API client.
package storylinesdk

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

// Client talks to a Storyline API server.
type Client struct {
	BaseURL     string
	BearerToken string
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

// Run is the API run model (summary view).
type Run struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	CurrentGate int      `json:"current_gate"`
	Domains     []string `json:"domains,omitempty"`
	TokensUsed  int64    `json:"tokens_used"`
	CostUsedUSD float64  `json:"cost_used_usd"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// DomainState is one domain's progress within a run.
type DomainState struct {
	RunID      string   `json:"run_id"`
	Name       string   `json:"name"`
	Layer      int      `json:"layer"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Status     string   `json:"status"`
	LastResult string   `json:"last_result,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
}

// Escalation is a pause awaiting a human decision.
type Escalation struct {
	ID       string `json:"id"`
	RunID    string `json:"run_id"`
	Domain   string `json:"domain"`
	Reason   string `json:"reason"`
	Status   string `json:"status"`
	Feedback string `json:"feedback,omitempty"`
}

// RunView is the full externally visible state of a run.
type RunView struct {
	Run         Run            `json:"run"`
	Gates       map[string]any `json:"gates"`
	Domains     []DomainState  `json:"domains,omitempty"`
	Escalations []Escalation   `json:"escalations,omitempty"`
}

// Event is one run event log row.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Seq     int64          `json:"seq"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Domain  string         `json:"domain,omitempty"`
	Payload map[string]any `json:"payload"`
}

// StartRunOptions are parameters for starting a run.
type StartRunOptions struct {
	ID                 string              `json:"id,omitempty"`
	Name               string              `json:"name"`
	Task               string              `json:"task"`
	Domains            []string            `json:"domains,omitempty"`
	Dependencies       map[string][]string `json:"dependencies,omitempty"`
	AcceptanceCriteria []string            `json:"acceptance_criteria,omitempty"`
	TokenLimit         int64               `json:"token_limit,omitempty"`
	CostLimitUSD       float64             `json:"cost_limit_usd,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartRun creates a run; the server drives it in the background.
func (c *Client) StartRun(ctx context.Context, opts StartRunOptions) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs", opts, &resp)
	return resp, err
}

// ListRuns returns all runs.
func (c *Client) ListRuns(ctx context.Context) ([]Run, error) {
	var resp []Run
	err := c.do(ctx, http.MethodGet, "runs", nil, &resp)
	return resp, err
}

// GetRun returns the full run view.
func (c *Client) GetRun(ctx context.Context, runID string) (RunView, error) {
	var resp RunView
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// GetDomain returns one domain's state within a run.
func (c *Client) GetDomain(ctx context.Context, runID, domain string) (DomainState, error) {
	var resp DomainState
	endpoint := fmt.Sprintf("runs/%s/domains/%s", url.PathEscape(runID), url.PathEscape(domain))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Advance supplies gate data for a manual gate.
func (c *Client) Advance(ctx context.Context, runID string, gateData map[string]any) (RunView, error) {
	var resp RunView
	body := map[string]any{"gate_data": gateData}
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(runID)+"/advance", body, &resp)
	return resp, err
}

// Resume resolves the run's open escalation.
func (c *Client) Resume(ctx context.Context, runID string, approved bool, feedback string) (RunView, error) {
	var resp RunView
	body := map[string]any{"approved": approved, "feedback": feedback}
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(runID)+"/resume", body, &resp)
	return resp, err
}

// Cancel cancels a run.
func (c *Client) Cancel(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(runID)+"/cancel", nil, &resp)
	return resp, err
}

// Events returns the run's event log, oldest first.
func (c *Client) Events(ctx context.Context, runID string, limit int) ([]Event, error) {
	endpoint := "runs/" + url.PathEscape(runID) + "/events"
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
	u := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
