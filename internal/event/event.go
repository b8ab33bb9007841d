// Package event defines the outbound job-lifecycle events fanned out to
// sockets and webhooks.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job lifecycle event types. Webhook subscriptions filter on these names.
const (
	TypeJobCreated   = "job.created"
	TypeJobStarted   = "job.started"
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
	TypeJobCancelled = "job.cancelled"
	TypeJobStatus    = "job:status"
)

// ChannelAllJobs receives every job event for the owning user session.
const ChannelAllJobs = "jobs:all"

// JobChannel returns the channel key scoped to a single job.
func JobChannel(jobID string) string {
	return "job:" + jobID
}

// UserChannel returns the channel key covering all of a user's connections.
func UserChannel(userID string) string {
	return "user:" + userID
}

// Event is a single outbound notification. It is ephemeral: it lives only for
// the duration of the fan-out attempt, the REST job store remains the system
// of record.
type Event struct {
	Type       string         `json:"type"`
	Channel    string         `json:"-"`
	Data       map[string]any `json:"data,omitempty"`
	ProducedAt time.Time      `json:"-"`
}

// Validate performs coarse validation before fan-out.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("event type is required")
	}
	if strings.TrimSpace(e.Channel) == "" {
		return errors.New("event channel is required")
	}
	if e.ProducedAt.IsZero() {
		return errors.New("produced_at is required")
	}
	return nil
}

// Frame serializes the event into the wire shape sent to sockets:
// {"type": <event-name>, "data": {...}}.
func (e Event) Frame() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event frame: %w", err)
	}
	return data, nil
}

// JobStatus builds the standard status-change event published to a job's
// channels when its lifecycle advances.
func JobStatus(jobID, status string, extra map[string]any) Event {
	data := map[string]any{
		"job_id": jobID,
		"status": status,
	}
	for k, v := range extra {
		data[k] = v
	}
	return Event{
		Type:       TypeJobStatus,
		Channel:    JobChannel(jobID),
		Data:       data,
		ProducedAt: time.Now().UTC(),
	}
}
