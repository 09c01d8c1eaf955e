// Package automation carries auto-reply work from the ingestion pipeline to
// the reply gateway through a queue.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatdesk/chatdesk/internal/conversation"
)

var (
	// ErrQueueFull is returned by Enqueue when the buffer has no room.
	ErrQueueFull = errors.New("automation queue full")
	// ErrQueueClosed is returned by Enqueue after Stop.
	ErrQueueClosed = errors.New("automation queue closed")
)

// Job asks a worker to answer one client message.
type Job struct {
	ConversationID string               `json:"conversationId"`
	MessageID      string               `json:"messageId"`
	Content        string               `json:"content"`
	Channel        conversation.Channel `json:"channel"`
	ReplyTarget    string               `json:"replyTarget,omitempty"`
	EnqueuedAt     time.Time            `json:"enqueuedAt"`
}

// Validate reports whether the job carries enough to be processed.
func (j Job) Validate() error {
	if strings.TrimSpace(j.ConversationID) == "" {
		return errors.New("conversation id is required")
	}
	if strings.TrimSpace(j.MessageID) == "" {
		return errors.New("message id is required")
	}
	return nil
}

// Handler processes a job.
type Handler func(ctx context.Context, job Job) error

// Queue accepts jobs without blocking the caller.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Runner is a queue that also owns the consuming workers.
type Runner interface {
	Queue
	Start(ctx context.Context, handler Handler) error
	Stop(ctx context.Context) error
}

func encodeJob(job Job) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	return string(payload), nil
}

func decodeJob(values map[string]any) (Job, error) {
	raw, ok := values["data"].(string)
	if !ok {
		return Job{}, errors.New("stream entry has no data field")
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}
