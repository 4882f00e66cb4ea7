// Package agent is the worker runtime: it registers with the control
// plane, heartbeats, polls for dispatched jobs and runs them through
// the pipeline executor.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"forgeci/internal/api"
	"forgeci/internal/core"
)

// Client talks to the control-plane HTTP API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Register announces the agent and returns its assigned ID.
func (c *Client) Register(ctx context.Context, labels []string, capacity int) (string, error) {
	var agent core.Agent
	err := c.do(ctx, http.MethodPost, "/agents/register",
		api.RegisterRequest{Labels: labels, Capacity: capacity}, &agent)
	if err != nil {
		return "", err
	}
	return agent.ID, nil
}

// Deregister announces a clean shutdown so the server releases the
// agent right away instead of waiting out the heartbeat timeout.
func (c *Client) Deregister(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+agentID, nil, nil)
}

// Heartbeat pings liveness and returns any pending abort requests.
func (c *Client) Heartbeat(ctx context.Context, agentID string) ([]string, error) {
	var resp api.HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/agents/"+agentID+"/heartbeat", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Abort, nil
}

// NextJob polls for a dispatched job. Returns nil when none is waiting.
func (c *Client) NextJob(ctx context.Context, agentID string) (*core.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/agents/"+agentID+"/jobs/next", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var job core.Job
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		return &job, nil
	default:
		return nil, apiError(resp)
	}
}

// ReportStage sends one stage result as it lands.
func (c *Client) ReportStage(ctx context.Context, jobID string, res core.StageResult) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+jobID+"/stages", res, nil)
}

// ReportResult sends the terminal outcome.
func (c *Client) ReportResult(ctx context.Context, jobID string, outcome core.Outcome) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+jobID+"/result", outcome, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var apiErr api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("server: %s (%s)", apiErr.Error, resp.Status)
	}
	return fmt.Errorf("server: %s", resp.Status)
}
