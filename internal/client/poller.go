package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Job is one row of the authoritative REST job list.
type Job struct {
	ID     string `json:"job_id"`
	Status string `json:"status"`
	Name   string `json:"name,omitempty"`
}

// JobLister fetches the authoritative job list for the polling fallback.
type JobLister interface {
	ListJobs(ctx context.Context, token string) ([]Job, error)
}

// HTTPJobLister hits the REST list-jobs endpoint with the same bearer-token
// scheme as normal API calls.
type HTTPJobLister struct {
	URL    string
	Client *http.Client
}

// ListJobs implements JobLister.
func (l *HTTPJobLister) ListJobs(ctx context.Context, token string) ([]Job, error) {
	httpClient := l.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build list jobs request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list jobs: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Jobs []Job `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}
	return body.Jobs, nil
}

// poll is the degraded mode: re-fetch the authoritative job list on a fixed
// interval and synthesize events of the same shape as the socket delivers,
// so downstream consumers are transport-agnostic. It runs until the context
// ends; a fresh Connect cancels it before dialing.
func (c *Client) poll(ctx context.Context) {
	if c.cfg.Jobs == nil {
		c.cfg.Logger.Warn("no job lister configured, polling unavailable")
		c.setState(StateClosed)
		return
	}

	c.setState(StatePolling)
	known := make(map[string]string)

	// First poll seeds the snapshot immediately instead of waiting a tick.
	c.pollOnce(ctx, known, true)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx, known, false)
		}
	}
}

// pollOnce fetches the job list and buffers a synthesized status event for
// every job whose status changed since the previous poll. The seed pass only
// records the snapshot: statuses that predate the fallback are not news.
func (c *Client) pollOnce(ctx context.Context, known map[string]string, seed bool) {
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.cfg.Logger.Warn("fetch token for poll failed", zap.Error(err))
		}
		return
	}
	jobs, err := c.cfg.Jobs.ListJobs(ctx, token)
	if err != nil {
		if ctx.Err() == nil {
			c.cfg.Logger.Warn("poll job list failed", zap.Error(err))
		}
		return
	}

	for _, job := range jobs {
		prev, seen := known[job.ID]
		known[job.ID] = job.Status
		if seed || (seen && prev == job.Status) {
			continue
		}
		frame, err := json.Marshal(map[string]any{
			"type": "job:status",
			"data": map[string]any{
				"job_id": job.ID,
				"status": job.Status,
			},
		})
		if err != nil {
			continue
		}
		c.bufferMessage(frame)
	}
}
