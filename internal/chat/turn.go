package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/selecta/internal/markdown"
	"github.com/user/selecta/internal/metrics"
	"github.com/user/selecta/internal/result"
	"github.com/user/selecta/internal/store"
	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/pkg/agent"
)

// TokenCounter estimates the token count of a text.
type TokenCounter interface {
	Count(text string) int
}

// outputTokenKeys are metric keys under which backends report output usage.
var outputTokenKeys = []string{"outputTokens", "output_tokens", "candidatesTokenCount", "completionTokens"}

// Turn accumulates the streamed events of one send and commits the model
// message exactly once.
type Turn struct {
	store   *store.Store
	anchor  string
	tokens  TokenCounter
	logger  *slog.Logger
	started time.Time

	mu        sync.Mutex
	text      strings.Builder
	resultID  string
	messageID types.MessageID
	completed bool
	abandoned bool
	latest    *agent.Result
	metrics   map[string]any
	message   *types.Message
	err       error

	done chan struct{}
}

func newTurn(st *store.Store, anchor string, tokens TokenCounter, logger *slog.Logger) *Turn {
	return &Turn{
		store:     st,
		anchor:    anchor,
		tokens:    tokens,
		logger:    logger,
		started:   time.Now(),
		messageID: types.NewMessageID(),
		done:      make(chan struct{}),
	}
}

// MessageID is the id the model message will be committed under.
func (t *Turn) MessageID() types.MessageID {
	return t.messageID
}

// Done is closed once the turn is finalized or abandoned.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Message returns the committed model message, or nil while the turn is in
// flight or when it was abandoned.
func (t *Turn) Message() *types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.message == nil {
		return nil
	}
	return t.message.Clone()
}

// Err returns the transport error that ended the turn, if any.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Completed reports whether the turn no longer accepts events.
func (t *Turn) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Abandoned reports whether the turn ended without committing a message.
func (t *Turn) Abandoned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abandoned
}

// HandleEvent applies one event to the turn. It reports whether the event
// finalized the turn. Events arriving after completion are ignored.
func (t *Turn) HandleEvent(ctx context.Context, ev *agent.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed || ev == nil {
		return false
	}

	if delta := ev.Delta(); delta != nil {
		t.applyDelta(ev, delta)
	}

	if len(ev.Metrics) > 0 {
		metrics.StreamEvents.WithLabelValues("metrics").Inc()
		t.store.IngestModelMetrics(ev.Metrics)
		if t.metrics == nil {
			t.metrics = make(map[string]any, len(ev.Metrics))
		}
		for k, v := range ev.Metrics {
			t.metrics[k] = v
		}
	}

	if chunk := ev.Text(); chunk != "" {
		metrics.StreamEvents.WithLabelValues("text").Inc()
		t.text.WriteString(chunk)
		t.store.UpdateStreamingText(preview(t.text.String(), t.anchor))
	}

	if ev.HasToolInvocation() {
		metrics.StreamEvents.WithLabelValues("tool").Inc()
	}

	if ev.IsTerminal() {
		t.finalize(ctx, ev.Timestamp, metrics.ReasonTerminal)
		return true
	}
	return false
}

func (t *Turn) applyDelta(ev *agent.Event, delta *agent.StateDelta) {
	for _, r := range delta.ResultsHistory {
		t.store.CacheResult(r)
	}
	for _, e := range delta.ErrorsHistory {
		t.store.CacheError(e, result.ErrorContext{Timestamp: ev.Timestamp}, false)
	}

	if delta.LatestResult != nil || delta.HasResultFields() {
		metrics.StreamEvents.WithLabelValues("result").Inc()
		t.applyResult(ev, delta)
	}

	if delta.LatestError != nil {
		metrics.StreamEvents.WithLabelValues("error").Inc()
		metrics.QueryErrors.Inc()
		qe := t.store.CacheError(delta.LatestError, result.ErrorContext{Timestamp: ev.Timestamp}, true)
		t.logger.Info("agent reported query error", "error_id", qe.ID, "message", qe.Message)
	}
}

// applyResult binds the turn result id on first sighting and merges the
// fragment into the cached result under that id.
func (t *Turn) applyResult(ev *agent.Event, delta *agent.StateDelta) {
	fragment := delta.LatestResult.Clone()
	if fragment == nil {
		fragment = &agent.Result{}
	}
	if t.resultID == "" {
		t.resultID = result.ResultID(fragment)
	}

	fragment.ID = t.resultID
	fragment.MessageID = string(t.messageID)
	if fragment.CreatedAt == 0 {
		fragment.CreatedAt = eventMillis(ev.Timestamp)
	}
	if fragment.Summary == "" && delta.Summary != nil {
		fragment.Summary = *delta.Summary
	}
	if fragment.ResultsMarkdown == "" && delta.ResultsMarkdown != nil {
		fragment.ResultsMarkdown = *delta.ResultsMarkdown
	}
	if fragment.BusinessInsights.IsZero() && delta.BusinessInsights != nil {
		fragment.BusinessInsights = *delta.BusinessInsights
	}

	merged := t.store.CacheResult(fragment)
	t.store.SetActiveResult(merged)
	t.latest = merged
}

// Finalize commits the model message for the turn. Only the first call
// commits; later calls, and calls on an abandoned turn, do nothing.
// ts is the producer timestamp of the terminal event in seconds, or 0.
func (t *Turn) Finalize(ctx context.Context, ts float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalize(ctx, ts, metrics.ReasonEnd)
}

func (t *Turn) fail(ctx context.Context, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		return
	}
	t.err = err
	t.finalize(ctx, 0, metrics.ReasonTransport)
}

func (t *Turn) finalize(ctx context.Context, ts float64, reason string) {
	if t.completed {
		return
	}
	t.completed = true

	raw := strings.TrimSpace(t.text.String())
	reasoning, final := SplitReasoning(raw, t.anchor)
	reasoning = CleanReasoning(reasoning)
	reasoning, final = promote(reasoning, markdown.Normalize(final))

	t.estimateTokens(raw)

	var bound *agent.Result
	if t.resultID != "" {
		merged := result.ApplySections(t.store.Result(t.resultID), markdown.Extract(final))
		if merged != nil {
			merged.ID = t.resultID
			merged.MessageID = string(t.messageID)
			if merged.CreatedAt == 0 {
				merged.CreatedAt = eventMillis(ts)
			}
			if len(t.metrics) > 0 {
				merged.ModelMetrics = mergeMetrics(merged.ModelMetrics, t.metrics)
			}
			merged = t.store.CacheResult(merged)
			t.store.SetActiveResult(merged)
			bound = merged
			t.latest = merged
		}
	}

	display := bound
	if display == nil {
		display = t.latest
	}
	if structured := markdown.Structured(display); structured != "" && !markdown.HasStructuredHeadings(final) {
		final = structured
	}
	if final != "" {
		final = markdown.EnsureSpacing(final)
	}

	msg := &types.Message{
		ID:        t.messageID,
		Role:      types.RoleModel,
		Text:      final,
		Thinking:  reasoning,
		Timestamp: types.NowSeconds(),
		Result:    bound,
	}
	if bound != nil {
		msg.ResultID = bound.ID
	}
	t.store.AddMessage(ctx, msg)
	t.store.UpdateStreamingText("")
	t.store.SetStreaming(false)

	t.message = msg
	t.resultID = ""
	t.latest = nil
	t.text.Reset()

	metrics.TurnsFinalized.WithLabelValues(reason).Inc()
	metrics.TurnDuration.Observe(time.Since(t.started).Seconds())
	t.logger.Info("turn finalized", "message_id", msg.ID, "result_id", msg.ResultID, "reason", reason, "chars", len(final))
	close(t.done)
}

// abandon ends the turn without committing anything.
func (t *Turn) abandon() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		return false
	}
	t.completed = true
	t.abandoned = true
	close(t.done)
	metrics.TurnsAbandoned.Inc()
	return true
}

// estimateTokens adds an output token estimate when the backend reported no
// output usage for the turn.
func (t *Turn) estimateTokens(raw string) {
	if t.tokens == nil || raw == "" {
		return
	}
	for _, key := range outputTokenKeys {
		if _, ok := t.metrics[key]; ok {
			return
		}
	}
	estimate := map[string]any{"estimatedOutputTokens": t.tokens.Count(raw)}
	t.metrics = mergeMetrics(t.metrics, estimate)
	t.store.IngestModelMetrics(estimate)
}

func mergeMetrics(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func eventMillis(ts float64) int64 {
	if ms := result.EpochMillis(ts); ms > 0 {
		return ms
	}
	return time.Now().UnixMilli()
}
