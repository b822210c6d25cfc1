// Package store holds the chat state of one conversation: committed
// messages, the streaming preview, the displayed result or error, and the
// result and error caches.
package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/user/selecta/internal/result"
	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/pkg/agent"
)

// Snapshot is a point-in-time copy of the conversation state.
type Snapshot struct {
	Seq           uint64              `json:"seq"`
	SessionID     types.SessionID     `json:"session_id"`
	Messages      []*types.Message    `json:"messages"`
	IsStreaming   bool                `json:"is_streaming"`
	StreamingText string              `json:"streaming_text"`
	ActiveResult  *agent.Result       `json:"active_result,omitempty"`
	ActiveError   *agent.QueryError   `json:"active_error,omitempty"`
	ResultHistory []*agent.Result     `json:"result_history"`
	ErrorHistory  []*agent.QueryError `json:"error_history"`
	ModelMetrics  map[string]any      `json:"model_metrics,omitempty"`
}

// Store is the state container mutated by the turn accumulator. All
// methods are safe for concurrent use; readers get deep copies.
type Store struct {
	mu      sync.RWMutex
	state   Snapshot
	history types.HistoryStore

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// New creates an empty store for a session. history may be nil, in which
// case committed messages are kept in memory only.
func New(sessionID types.SessionID, history types.HistoryStore) *Store {
	return &Store{
		state: Snapshot{
			SessionID:     sessionID,
			Messages:      []*types.Message{},
			ResultHistory: []*agent.Result{},
			ErrorHistory:  []*agent.QueryError{},
		},
		history: history,
		subs:    map[int]func(Snapshot){},
	}
}

// SessionID returns the session the store belongs to.
func (s *Store) SessionID() types.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.SessionID
}

// SetSessionID switches the store to another session and clears its state.
func (s *Store) SetSessionID(id types.SessionID) {
	s.update(func(st *Snapshot) {
		seq := st.Seq
		*st = Snapshot{
			Seq:           seq,
			SessionID:     id,
			Messages:      []*types.Message{},
			ResultHistory: []*agent.Result{},
			ErrorHistory:  []*agent.QueryError{},
		}
	})
}

// IsStreaming reports whether a turn is writing to the store.
func (s *Store) IsStreaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsStreaming
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.state)
}

// Messages returns copies of the committed messages.
func (s *Store) Messages() []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.state.Messages)
}

// Result returns the cached result with the given id, falling back to the
// active result.
func (s *Store) Result(id string) *agent.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.findResult(id); r != nil {
		return r.Clone()
	}
	return nil
}

// AddMessage commits a message, clears the streaming preview and records the
// message and its result in durable history.
func (s *Store) AddMessage(ctx context.Context, msg *types.Message) {
	msg = msg.Clone()
	var sessionID types.SessionID
	s.update(func(st *Snapshot) {
		if msg.SessionID == "" {
			msg.SessionID = st.SessionID
		}
		sessionID = st.SessionID
		st.Messages = append(st.Messages, msg)
		st.StreamingText = ""
	})

	if s.history == nil {
		return
	}
	if err := s.history.AppendMessage(ctx, msg); err != nil {
		slog.Error("record message", "session_id", sessionID, "message_id", msg.ID, "error", err)
	}
	if msg.Result != nil {
		if err := s.history.PutResult(ctx, sessionID, msg.Result); err != nil {
			slog.Error("record result", "session_id", sessionID, "result_id", msg.Result.ID, "error", err)
		}
	}
}

// LoadMessages replaces the committed messages, for example after fetching a
// session from the backend. Results carried by the messages are cached.
func (s *Store) LoadMessages(msgs []*types.Message) {
	loaded := cloneMessages(msgs)
	s.update(func(st *Snapshot) {
		st.Messages = loaded
		st.StreamingText = ""
		for _, m := range loaded {
			if m.Result != nil && m.Result.ID != "" {
				upsertResult(st, m.Result)
			}
		}
	})
}

// ClearMessages drops all committed messages and the streaming preview.
func (s *Store) ClearMessages() {
	s.update(func(st *Snapshot) {
		st.Messages = []*types.Message{}
		st.StreamingText = ""
	})
}

// UpdateStreamingText sets the transient preview text of the active turn.
func (s *Store) UpdateStreamingText(text string) {
	s.update(func(st *Snapshot) {
		st.StreamingText = text
	})
}

// SetStreaming sets whether a turn is in flight.
func (s *Store) SetStreaming(streaming bool) {
	s.update(func(st *Snapshot) {
		st.IsStreaming = streaming
	})
}

// SetActiveResult sets the displayed result. A non-nil result replaces any
// displayed error; nil clears the slot.
func (s *Store) SetActiveResult(r *agent.Result) {
	r = r.Clone()
	s.update(func(st *Snapshot) {
		st.ActiveResult = r
		if r != nil {
			st.ActiveError = nil
		}
	})
}

// CacheResult upserts a result into the result cache, merging it with any
// cached entry of the same id. Results without an id are ignored.
func (s *Store) CacheResult(r *agent.Result) *agent.Result {
	if r == nil || r.ID == "" {
		return nil
	}
	var merged *agent.Result
	s.update(func(st *Snapshot) {
		merged = upsertResult(st, r).Clone()
	})
	return merged
}

// CacheError normalizes and caches a query error. When setActive is true it
// becomes the displayed error and the displayed result is cleared.
func (s *Store) CacheError(e *agent.QueryError, ec result.ErrorContext, setActive bool) *agent.QueryError {
	normalized := result.NormalizeError(e, ec)
	if normalized == nil {
		return nil
	}
	s.update(func(st *Snapshot) {
		replaced := false
		for i, existing := range st.ErrorHistory {
			if existing.ID == normalized.ID {
				st.ErrorHistory[i] = normalized
				replaced = true
				break
			}
		}
		if !replaced {
			st.ErrorHistory = append(st.ErrorHistory, normalized)
		}
		if setActive {
			st.ActiveError = normalized
			st.ActiveResult = nil
		}
	})
	return cloneError(normalized)
}

// SetActiveError sets or clears the displayed error.
func (s *Store) SetActiveError(e *agent.QueryError) {
	e = cloneError(e)
	s.update(func(st *Snapshot) {
		st.ActiveError = e
	})
}

// SetModelMetrics replaces the metrics side channel. nil clears it.
func (s *Store) SetModelMetrics(m map[string]any) {
	m = cloneMap(m)
	s.update(func(st *Snapshot) {
		st.ModelMetrics = m
	})
}

// IngestModelMetrics merges metrics into the side channel key by key.
func (s *Store) IngestModelMetrics(m map[string]any) {
	if len(m) == 0 {
		return
	}
	s.update(func(st *Snapshot) {
		if st.ModelMetrics == nil {
			st.ModelMetrics = make(map[string]any, len(m))
		}
		for k, v := range m {
			st.ModelMetrics[k] = v
		}
	})
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) update(fn func(st *Snapshot)) {
	s.mu.Lock()
	fn(&s.state)
	s.state.Seq++
	s.mu.Unlock()
	s.notify()
}

func (s *Store) notify() {
	s.subMu.Lock()
	if len(s.subs) == 0 {
		s.subMu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	snap := s.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Store) findResult(id string) *agent.Result {
	if id == "" {
		return nil
	}
	for _, r := range s.state.ResultHistory {
		if r.ID == id {
			return r
		}
	}
	if s.state.ActiveResult != nil && s.state.ActiveResult.ID == id {
		return s.state.ActiveResult
	}
	return nil
}

func upsertResult(st *Snapshot, r *agent.Result) *agent.Result {
	for i, existing := range st.ResultHistory {
		if existing.ID == r.ID {
			st.ResultHistory[i] = result.Merge(existing, r)
			return st.ResultHistory[i]
		}
	}
	merged := r.Clone()
	st.ResultHistory = append(st.ResultHistory, merged)
	return merged
}
