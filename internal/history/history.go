// Package history records submitted analyses and their eventual outcomes,
// so past results can be listed without re-running the scoring pipeline.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/degenlabs/degenshield/internal/pagination"
)

var (
	ErrNotFound      = errors.New("history: analysis not found")
	ErrAlreadyClosed = errors.New("history: analysis already completed or timed out")
)

// Status of a tracked analysis.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
)

// Analysis is one submitted work item tracked from submission to result.
type Analysis struct {
	ID          string          `json:"id"`      // host-issued work-item id
	Kind        string          `json:"kind"`    // operation tag that was submitted
	Subject     string          `json:"subject"` // token address or pool id
	Requester   string          `json:"requester"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"` // decoded notice payload
	SubmittedAt time.Time       `json:"submittedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Store persists analyses.
type Store interface {
	// Create records a newly submitted analysis in StatusSubmitted.
	Create(ctx context.Context, a *Analysis) error
	// Get returns one analysis by work-item id.
	Get(ctx context.Context, id string) (*Analysis, error)
	// Complete attaches the result and moves the analysis to StatusCompleted.
	Complete(ctx context.Context, id string, result json.RawMessage, at time.Time) error
	// MarkTimeout moves the analysis to StatusTimeout.
	MarkTimeout(ctx context.Context, id string, at time.Time) error
	// ListBySubject returns analyses for a token or pool, newest first.
	// A non-nil before cursor resumes the listing after that position.
	ListBySubject(ctx context.Context, subject string, limit int, before *pagination.Cursor) ([]*Analysis, error)
	// ListRecent returns the latest analyses across all subjects.
	ListRecent(ctx context.Context, limit int, before *pagination.Cursor) ([]*Analysis, error)
}

// closed reports whether the analysis reached a terminal status.
func (a *Analysis) closed() bool {
	return a.Status == StatusCompleted || a.Status == StatusTimeout
}
