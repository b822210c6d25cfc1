package gateway

import (
	"context"
	"time"

	"github.com/user/selecta/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks one queued question from a channel against a session key.
type Run struct {
	ID         types.RunID
	SessionKey types.SessionKey
	Event      *types.InboundEvent
	Status     RunStatus
	Attempts   int
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
	Message    *types.Message
	Error      error
	OnComplete func(response string)
	// OnDone is called after every attempt, successful or not.
	OnDone func(run *Run)

	// Ctx is set by the queue when the run is dequeued.
	Ctx context.Context
}

// NewRun creates a Run in the Queued state for the given event.
func NewRun(event *types.InboundEvent) *Run {
	return &Run{
		ID:         types.NewRunID(),
		SessionKey: event.SessionKey,
		Event:      event,
		Status:     RunStatusQueued,
		CreatedAt:  time.Now(),
	}
}

func (r *Run) start() {
	now := time.Now()
	r.Status = RunStatusRunning
	r.StartedAt = &now
	r.Attempts++
}

func (r *Run) finish(err error) {
	now := time.Now()
	r.EndedAt = &now
	r.Error = err
	if err != nil {
		r.Status = RunStatusFailed
		return
	}
	r.Status = RunStatusComplete
}
