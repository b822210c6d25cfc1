package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/user/selecta/internal/chat"
	"github.com/user/selecta/internal/store"
	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/pkg/agent"
	"github.com/user/selecta/pkg/agent/adk"
)

// ErrClosed is returned once the gateway has been stopped.
var ErrClosed = errors.New("gateway closed")

const maxTitleLen = 60

// Options configures a Gateway.
type Options struct {
	AppName string
	// UserID is used for keys whose caller supplies none.
	UserID        string
	Anchor        string
	Tokens        chat.TokenCounter
	MaxConcurrent int64
	Retry         *RetryPolicy
	Logger        *slog.Logger
}

// Gateway owns one conversation per session key. It resolves (or creates)
// the local session, makes sure the agent knows it, restores its history
// into a fresh store, and routes questions to the conversation.
//
// Interactive callers use Send and Ask directly; a newer question
// supersedes the one in flight. Channel events go through HandleInbound,
// which queues them per session key so each gets an answer.
type Gateway struct {
	runner   agent.Runner
	remote   agent.SessionService
	sessions types.SessionStore
	history  types.HistoryStore
	opts     Options
	Queue    *Queue
	retry    *RetryPolicy
	logger   *slog.Logger

	mu     sync.Mutex
	convs  map[types.SessionKey]*chat.Conversation
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway. remote and history may be nil; without remote the
// agent is assumed to create sessions on first use, without history
// nothing survives a restart.
func New(runner agent.Runner, remote agent.SessionService, sessions types.SessionStore, history types.HistoryStore, opts Options) *Gateway {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.Anchor == "" {
		opts.Anchor = chat.DefaultAnchor
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	retry := opts.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	g := &Gateway{
		runner:   runner,
		remote:   remote,
		sessions: sessions,
		history:  history,
		opts:     opts,
		Queue:    NewQueue(opts.MaxConcurrent),
		retry:    retry,
		logger:   opts.Logger,
		convs:    make(map[types.SessionKey]*chat.Conversation),
	}
	g.Queue.SetProcessor(g.processRun)
	return g
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context, stops the queue, and closes every
// conversation. Turns still streaming are abandoned.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()

	g.mu.Lock()
	g.closed = true
	convs := g.convs
	g.convs = make(map[types.SessionKey]*chat.Conversation)
	g.mu.Unlock()

	for _, conv := range convs {
		conv.Close()
	}
}

// Activity counts the work in flight on a gateway.
type Activity struct {
	Running   int64 `json:"running"`
	Queued    int   `json:"queued"`
	Streaming int   `json:"streaming"`
}

// Idle reports whether nothing is queued, running or streaming.
func (a Activity) Idle() bool {
	return a.Running == 0 && a.Queued == 0 && a.Streaming == 0
}

// Activity returns the queued and running channel runs and the number of
// conversations with a turn streaming, interactive ones included.
func (g *Gateway) Activity() Activity {
	a := Activity{Running: g.Queue.Active(), Queued: g.Queue.Pending()}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, conv := range g.convs {
		if conv.Store().IsStreaming() {
			a.Streaming++
		}
	}
	return a
}

// Drain waits for queued runs and streaming turns to finish, up to timeout.
// It reports whether the gateway went idle.
func (g *Gateway) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	if !g.Queue.WaitIdle(timeout) {
		return false
	}
	for {
		if g.Activity().Idle() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the run produces a final response.
func WithOnComplete(fn func(string)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// WithOnDone sets a callback invoked with the finished run.
func WithOnDone(fn func(*Run)) RunOption {
	return func(r *Run) { r.OnDone = fn }
}

// HandleInbound wraps the event in a Run and enqueues it on its session
// key's lane.
func (g *Gateway) HandleInbound(_ context.Context, event *types.InboundEvent, opts ...RunOption) error {
	if strings.TrimSpace(event.Text) == "" {
		return fmt.Errorf("empty question from %s", event.Source)
	}
	run := NewRun(event)
	for _, opt := range opts {
		opt(run)
	}
	return g.Queue.Enqueue(run)
}

func (g *Gateway) processRun(run *Run) error {
	msg, err := g.Ask(run.Ctx, run.SessionKey, run.Event.UserID, run.Event.Text)
	run.Message = msg
	if err != nil {
		return err
	}
	if run.OnComplete != nil && msg != nil {
		run.OnComplete(msg.Text)
	}
	return nil
}

// Send starts a turn on the key's conversation and returns without waiting
// for the answer.
func (g *Gateway) Send(ctx context.Context, key types.SessionKey, userID, text string) (*chat.Turn, error) {
	conv, err := g.Conversation(ctx, key, userID)
	if err != nil {
		return nil, err
	}
	turn, err := conv.Send(ctx, text)
	if err != nil {
		return nil, err
	}
	g.touch(ctx, conv.Store(), text)
	return turn, nil
}

// Ask sends text on the key's conversation and blocks until the answer is
// committed.
func (g *Gateway) Ask(ctx context.Context, key types.SessionKey, userID, text string) (*types.Message, error) {
	conv, err := g.Conversation(ctx, key, userID)
	if err != nil {
		return nil, err
	}
	msg, err := conv.Ask(ctx, text)
	g.touch(ctx, conv.Store(), text)
	return msg, err
}

// Store returns the store of the key's conversation, or nil if the key has
// not been used since start.
func (g *Gateway) Store(key types.SessionKey) *store.Store {
	g.mu.Lock()
	defer g.mu.Unlock()
	if conv, ok := g.convs[key]; ok {
		return conv.Store()
	}
	return nil
}

// Reset drops the key's conversation and forgets its session so the next
// question starts a fresh one. Stored history is kept.
func (g *Gateway) Reset(ctx context.Context, key types.SessionKey, userID string) error {
	g.mu.Lock()
	conv, ok := g.convs[key]
	delete(g.convs, key)
	g.mu.Unlock()

	if ok {
		conv.Close()
	}

	sid, err := g.sessions.ResolveOrCreate(ctx, key, g.userID(userID))
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	if err := g.sessions.Delete(ctx, sid); err != nil {
		return fmt.Errorf("delete session index: %w", err)
	}
	g.logger.Info("session reset", "session_key", string(key), "session_id", string(sid))
	return nil
}

// Conversation returns the key's conversation, bootstrapping it on first
// use.
func (g *Gateway) Conversation(ctx context.Context, key types.SessionKey, userID string) (*chat.Conversation, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	if conv, ok := g.convs[key]; ok {
		g.mu.Unlock()
		return conv, nil
	}
	g.mu.Unlock()

	conv, err := g.bootstrap(ctx, key, g.userID(userID))
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		conv.Close()
		return nil, ErrClosed
	}
	if existing, ok := g.convs[key]; ok {
		conv.Close()
		return existing, nil
	}
	g.convs[key] = conv
	return conv, nil
}

func (g *Gateway) bootstrap(ctx context.Context, key types.SessionKey, userID string) (*chat.Conversation, error) {
	sid, err := g.sessions.ResolveOrCreate(ctx, key, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	logger := g.logger.With("session_key", string(key))

	remote, err := g.ensureRemote(ctx, userID, sid)
	if err != nil {
		return nil, err
	}

	st := store.New(sid, g.history)
	msgs, err := g.restore(ctx, sid, remote)
	if err != nil {
		return nil, err
	}
	st.LoadMessages(msgs)
	logger.Debug("conversation ready", "session_id", string(sid), "messages", len(msgs))

	return chat.NewConversation(g.runner, st, chat.Options{
		AppName: g.opts.AppName,
		UserID:  userID,
		Anchor:  g.opts.Anchor,
		Tokens:  g.opts.Tokens,
		Logger:  logger,
	}), nil
}

// ensureRemote fetches the agent's copy of the session, creating it when
// the agent has never seen it.
func (g *Gateway) ensureRemote(ctx context.Context, userID string, sid types.SessionID) (*agent.Session, error) {
	if g.remote == nil {
		return nil, nil
	}
	var sess *agent.Session
	err := g.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		sess, err = g.remote.GetSession(ctx, userID, string(sid))
		if isNotFound(err) {
			sess, err = g.remote.CreateSession(ctx, userID, string(sid))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ensure agent session %s: %w", sid, err)
	}
	return sess, nil
}

// restore prefers the local history, which keeps finalized results, and
// falls back to the events the agent recorded.
func (g *Gateway) restore(ctx context.Context, sid types.SessionID, remote *agent.Session) ([]*types.Message, error) {
	if g.history != nil {
		msgs, err := g.history.Messages(ctx, sid, 0)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		if len(msgs) > 0 {
			results, err := g.history.Results(ctx, sid)
			if err != nil {
				return nil, fmt.Errorf("load results: %w", err)
			}
			return attachResults(msgs, results), nil
		}
	}
	if remote != nil {
		return chat.MessagesFromSession(remote, g.opts.Anchor), nil
	}
	return nil, nil
}

// touch refreshes the session index after a question.
func (g *Gateway) touch(ctx context.Context, st *store.Store, question string) {
	sess, err := g.sessions.Get(ctx, st.SessionID())
	if err != nil {
		g.logger.Warn("session index lookup failed", "session_id", string(st.SessionID()), "error", err)
		return
	}
	if sess.Title == "" {
		sess.Title = title(question)
	}
	sess.MessageCount = int64(len(st.Messages()))
	if err := g.sessions.Update(ctx, sess); err != nil {
		g.logger.Warn("session index update failed", "session_id", string(sess.SessionID), "error", err)
	}
}

func (g *Gateway) userID(userID string) string {
	if userID != "" {
		return userID
	}
	if g.opts.UserID != "" {
		return g.opts.UserID
	}
	return "default"
}

// attachResults links stored results back to the messages that reference
// them.
func attachResults(msgs []*types.Message, results []*agent.Result) []*types.Message {
	byID := make(map[string]*agent.Result, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	for _, m := range msgs {
		if m.Result == nil && m.ResultID != "" {
			m.Result = byID[m.ResultID]
		}
	}
	return msgs
}

func isNotFound(err error) bool {
	var statusErr *adk.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

func title(question string) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(question), "\n", 2)[0])
	runes := []rune(line)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen-1]) + "…"
	}
	return line
}
