// internal/types/interfaces.go
package types

import (
	"context"

	"github.com/user/selecta/pkg/agent"
)

type SessionStore interface {
	ResolveOrCreate(ctx context.Context, key SessionKey, userID string) (SessionID, error)
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
	Delete(ctx context.Context, id SessionID) error
}

// HistoryStore persists committed messages and finalized results.
type HistoryStore interface {
	AppendMessage(ctx context.Context, msg *Message) error
	Messages(ctx context.Context, sessionID SessionID, limit int) ([]*Message, error)
	CountMessages(ctx context.Context, sessionID SessionID) (int64, error)
	PutResult(ctx context.Context, sessionID SessionID, result *agent.Result) error
	Results(ctx context.Context, sessionID SessionID) ([]*agent.Result, error)
}
