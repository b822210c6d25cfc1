// Package chat drives streamed turns against the agent and assembles them
// into committed messages and results in a store.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/selecta/internal/metrics"
	"github.com/user/selecta/internal/store"
	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/pkg/agent"
)

var (
	// ErrNoSession is returned by Send when the store has no session.
	ErrNoSession = errors.New("no active session")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("conversation closed")
	// ErrSuperseded reports a turn that was dropped for a newer send.
	ErrSuperseded = errors.New("turn superseded")
)

// Options configures a Conversation.
type Options struct {
	AppName string
	UserID  string
	// Anchor separates reasoning from the final answer. Defaults to
	// DefaultAnchor.
	Anchor string
	// Tokens estimates output tokens when the backend reports none.
	Tokens TokenCounter
	Logger *slog.Logger
}

// Conversation runs one turn at a time against a runner and records the
// outcome in a store. A new Send supersedes the turn in flight.
type Conversation struct {
	runner agent.Runner
	store  *store.Store
	opts   Options

	mu       sync.Mutex
	active   *Turn
	cancel   context.CancelFunc
	loopDone chan struct{}
	closed   bool
}

// NewConversation creates a conversation bound to st.
func NewConversation(runner agent.Runner, st *store.Store, opts Options) *Conversation {
	if opts.Anchor == "" {
		opts.Anchor = DefaultAnchor
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Conversation{runner: runner, store: st, opts: opts}
}

// Store returns the store the conversation writes to.
func (c *Conversation) Store() *store.Store {
	return c.store
}

// Send commits the user message and starts a new streamed turn. Any turn
// still in flight is abandoned first and never commits. If the stream
// cannot be opened the returned turn is already finalized and its Err
// reports why.
func (c *Conversation) Send(ctx context.Context, text string) (*Turn, error) {
	sessionID := c.store.SessionID()
	if sessionID == "" {
		return nil, ErrNoSession
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.stopActive()

	c.store.AddMessage(ctx, &types.Message{
		ID:        types.NewMessageID(),
		SessionID: sessionID,
		Role:      types.RoleUser,
		Text:      text,
		Timestamp: types.NowSeconds(),
	})
	c.store.SetActiveError(nil)
	c.store.SetModelMetrics(nil)

	logger := c.opts.Logger.With("session_id", string(sessionID))
	turn := newTurn(c.store, c.opts.Anchor, c.opts.Tokens, logger)
	c.store.UpdateStreamingText("")
	c.store.SetStreaming(true)

	// the turn outlives the caller's request; it ends on completion,
	// supersede or Close
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req := agent.NewRunRequest(c.opts.AppName, c.opts.UserID, string(sessionID), text)
	stream, err := c.runner.RunSSE(runCtx, req)
	if err != nil {
		cancel()
		metrics.TransportErrors.WithLabelValues("open").Inc()
		logger.Error("open agent stream", "error", err)
		turn.fail(ctx, err)
		return turn, nil
	}

	loopDone := make(chan struct{})
	c.active = turn
	c.cancel = cancel
	c.loopDone = loopDone
	go c.consume(runCtx, turn, stream, loopDone)
	return turn, nil
}

// Ask sends text and blocks until the turn commits its message.
func (c *Conversation) Ask(ctx context.Context, text string) (*types.Message, error) {
	turn, err := c.Send(ctx, text)
	if err != nil {
		return nil, err
	}
	select {
	case <-turn.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if turn.Abandoned() {
		return nil, ErrSuperseded
	}
	msg := turn.Message()
	if msg != nil && strings.TrimSpace(msg.Text) == "" && turn.Err() != nil {
		return msg, turn.Err()
	}
	return msg, nil
}

// Close abandons the turn in flight and rejects further sends.
func (c *Conversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.stopActive() {
		c.store.UpdateStreamingText("")
		c.store.SetStreaming(false)
	}
}

// stopActive abandons the current turn, aborts its stream and waits for its
// consumer to exit. It reports whether a turn was still streaming.
func (c *Conversation) stopActive() bool {
	if c.active == nil {
		return false
	}
	// mark the turn done before aborting so the consumer cannot finalize it
	abandoned := c.active.abandon()
	c.cancel()
	<-c.loopDone
	c.active, c.cancel, c.loopDone = nil, nil, nil
	return abandoned
}

func (c *Conversation) consume(ctx context.Context, turn *Turn, stream *agent.Stream, done chan struct{}) {
	defer close(done)
	defer stream.Close()

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	for item := range stream.Events() {
		if item.Err != nil {
			metrics.DecodeErrors.Inc()
			turn.logger.Warn("skipping undecodable event", "error", item.Err)
			continue
		}
		if turn.HandleEvent(ctx, item.Event) || turn.Completed() {
			return
		}
	}

	if err := stream.Err(); err != nil {
		metrics.TransportErrors.WithLabelValues("stream").Inc()
		turn.logger.Error("agent stream failed", "error", err)
		turn.fail(ctx, err)
		return
	}
	turn.Finalize(ctx, 0)
}
