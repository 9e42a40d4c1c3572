package siteforgesdk

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

// Client is a minimal Siteforge HTTP API client.
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

// AgentStep represents one pipeline stage of a build.
type AgentStep struct {
	JobID      string `json:"job_id"`
	Ordinal    int    `json:"ordinal"`
	AgentType  string `json:"agent_type"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Message    string `json:"message"`
	BaseCost   int    `json:"base_cost"`
	ActualCost *int   `json:"actual_cost,omitempty"`
}

// BuildJob represents the API build job model.
type BuildJob struct {
	ID            string      `json:"id"`
	ProjectID     string      `json:"project_id"`
	UserID        string      `json:"user_id"`
	Prompt        string      `json:"prompt"`
	Status        string      `json:"status"`
	Steps         []AgentStep `json:"steps,omitempty"`
	EstimatedCost int         `json:"estimated_cost"`
	ActualCost    *int        `json:"actual_cost,omitempty"`
	CostOverrun   bool        `json:"cost_overrun,omitempty"`
	Result        *string     `json:"result,omitempty"`
	Error         *string     `json:"error,omitempty"`
	CreatedAt     string      `json:"created_at"`
	StartedAt     *string     `json:"started_at,omitempty"`
	EndedAt       *string     `json:"ended_at,omitempty"`
}

// Transaction represents one credit ledger entry.
type Transaction struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Type      string  `json:"type"`
	Amount    int     `json:"amount"`
	JobID     *string `json:"job_id,omitempty"`
	Note      string  `json:"note,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// StartedBuild is the response to a build start.
type StartedBuild struct {
	JobID         string `json:"job_id"`
	EstimatedCost int    `json:"estimated_cost"`
	StreamPath    string `json:"stream_path"`
}

// JobSnapshot is a job with the stream sequence it is consistent with.
type JobSnapshot struct {
	Job BuildJob `json:"job"`
	Seq uint64   `json:"seq"`
}

// Balance is the credit balance response.
type Balance struct {
	UserID  string `json:"user_id"`
	Balance int    `json:"balance"`
}

// History is the paginated credit transaction listing.
type History struct {
	Balance      int           `json:"balance"`
	Transactions []Transaction `json:"transactions"`
	Limit        int           `json:"limit"`
	Offset       int           `json:"offset"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// BuildOptions tune the pipeline for a build request.
type BuildOptions struct {
	InputAssets []string
	WithBackend bool
	WithImages  bool
}

// StartBuild starts a build for a project.
func (c *Client) StartBuild(ctx context.Context, projectID, prompt string, opts BuildOptions) (StartedBuild, error) {
	body := map[string]any{
		"prompt":       prompt,
		"input_assets": opts.InputAssets,
		"with_backend": opts.WithBackend,
		"with_images":  opts.WithImages,
	}
	var resp StartedBuild
	endpoint := fmt.Sprintf("v1/projects/%s/build", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ProjectSnapshot returns the latest build for a project.
func (c *Client) ProjectSnapshot(ctx context.Context, projectID string) (JobSnapshot, error) {
	var resp JobSnapshot
	endpoint := fmt.Sprintf("v1/projects/%s/build", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ProjectBuilds lists a project's recent builds, newest first.
func (c *Client) ProjectBuilds(ctx context.Context, projectID string, limit int) ([]BuildJob, error) {
	endpoint := fmt.Sprintf("v1/projects/%s/builds", url.PathEscape(projectID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Jobs  []BuildJob `json:"jobs"`
		Limit int        `json:"limit"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Jobs, err
}

// JobSnapshot returns a build job with all its steps.
func (c *Client) JobSnapshot(ctx context.Context, jobID string) (JobSnapshot, error) {
	var resp JobSnapshot
	endpoint := fmt.Sprintf("v1/jobs/%s", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Cancel requests cancellation of a queued or running build.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	endpoint := fmt.Sprintf("v1/jobs/%s/cancel", url.PathEscape(jobID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// CreditBalance returns the caller's credit balance.
func (c *Client) CreditBalance(ctx context.Context) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, "v1/credits/balance", nil, &resp)
	return resp, err
}

// CreditHistory returns a page of credit transactions, newest first.
func (c *Client) CreditHistory(ctx context.Context, limit, offset int) (History, error) {
	endpoint := "v1/credits/history"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d&offset=%d", endpoint, limit, offset)
	}
	var resp History
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddCredits adds credits to the caller's account.
func (c *Client) AddCredits(ctx context.Context, amount int, note string) (Balance, error) {
	body := map[string]any{"amount": amount, "note": note}
	var resp Balance
	err := c.do(ctx, http.MethodPost, "v1/credits/add", body, &resp)
	return resp, err
}

// DevLogin mints a development token and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, userID string) (string, error) {
	body := map[string]any{"user_id": userID}
	var resp struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	if err := c.do(ctx, http.MethodPost, "v1/auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// StreamURL returns the websocket URL for a project's build stream, with the
// client's bearer token in the query since browsers cannot set ws headers.
func (c *Client) StreamURL(projectID string) string {
	base := c.base()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u := fmt.Sprintf("%s/v1/ws/build/%s", base, url.PathEscape(projectID))
	if c.BearerToken != "" {
		u += "?token=" + url.QueryEscape(c.BearerToken)
	}
	return u
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
