// Package store provides the JobRepo interface and model for durable job dispatch.
package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultMaxAttempts is the retry ceiling applied when EnqueueParams leaves
// MaxAttempts unset.
const DefaultMaxAttempts = 3

// Job represents a durable job record.
type Job struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	RunAt           time.Time  `json:"run_at"`
	PayloadJSON     string     `json:"payload_json"`
	Status          JobStatus  `json:"status"`
	Priority        int        `json:"priority"`
	Attempt         int        `json:"attempt"`
	MaxAttempts     int        `json:"max_attempts"`
	LastError       string     `json:"last_error"`
	LockedAt        *time.Time `json:"locked_at"`
	DedupeKey       string     `json:"dedupe_key"`
	ConversationKey string     `json:"conversation_key"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EnqueueParams describes a job to enqueue.
type EnqueueParams struct {
	Kind        string
	RunAt       time.Time
	PayloadJSON string
	// DedupeKey is the idempotency key. A non-empty key that matches any
	// existing non-canceled job (including completed ones) makes the enqueue a
	// no-op returning the existing job ID: a given key must never produce two
	// externally visible effects.
	DedupeKey string
	// Priority orders dispatch: lower values first, FIFO within a priority.
	Priority int
	// ConversationKey links the job to a conversation for the in-flight guard.
	ConversationKey string
	// MaxAttempts overrides DefaultMaxAttempts when > 0.
	MaxAttempts int
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job, honoring DedupeKey semantics. It returns
	// the job ID (existing ID on a dedupe hit).
	EnqueueJob(p EnqueueParams) (string, error)

	// ClaimDueJobs marks up to limit queued jobs of the given kind whose
	// run_at <= now as running and returns them, ordered by priority then
	// enqueue time.
	ClaimDueJobs(now time.Time, kind string, limit int) ([]Job, error)

	// CompleteJob marks a job as done.
	CompleteJob(id string) error

	// FailJob marks a job as failed, stores the error, and reschedules for
	// retry at nextRunAt if attempt < max_attempts; otherwise marks it
	// permanently failed.
	FailJob(id string, errMsg string, nextRunAt time.Time) error

	// CancelJob marks a job as canceled.
	CancelJob(id string) error

	// RequeueStaleRunningJobs resets jobs that have been running since before
	// staleBefore back to queued status (crash recovery).
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	// GetJob retrieves a single job by ID.
	GetJob(id string) (*Job, error)

	// HasActiveJobForConversation reports whether any queued or running job of
	// the given kind exists for the conversation. The recovery sweep uses this
	// to avoid double-processing a message that the normal path is still
	// working on.
	HasActiveJobForConversation(conversationKey string, kind string) (bool, error)
}
