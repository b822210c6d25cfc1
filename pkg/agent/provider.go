package agent

import (
	"context"
	"time"
)

// Runner opens streaming runs against an agent backend.
// Implementations handle protocol-specific details such as request formatting
// and response framing.
type Runner interface {
	// RunSSE starts a streaming run and returns the event stream for it.
	RunSSE(ctx context.Context, req RunRequest) (*Stream, error)
}

// SessionService manages remote sessions for an app and user.
type SessionService interface {
	CreateSession(ctx context.Context, userID, sessionID string) (*Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// Config holds the connection settings for an agent backend.
type Config struct {
	BaseURL string
	AppName string
	UserID  string
	RunPath string
	Timeout time.Duration
}
