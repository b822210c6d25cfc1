package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/selecta/internal/store"
	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/pkg/agent"
)

func event(t *testing.T, payload string) *agent.Event {
	t.Helper()
	var ev agent.Event
	require.NoError(t, json.Unmarshal([]byte(payload), &ev))
	return &ev
}

func textEvent(t *testing.T, text string) *agent.Event {
	t.Helper()
	b, err := json.Marshal(text)
	require.NoError(t, err)
	return event(t, `{"author":"agent","partial":true,"content":{"role":"model","parts":[{"text":`+string(b)+`}]}}`)
}

func newTestTurn(st *store.Store) *Turn {
	return newTurn(st, DefaultAnchor, nil, slog.Default())
}

func modelMessages(st *store.Store) []*types.Message {
	var out []*types.Message
	for _, m := range st.Messages() {
		if m.Role == types.RoleModel {
			out = append(out, m)
		}
	}
	return out
}

func TestSplitReasoning(t *testing.T) {
	reasoning, final := SplitReasoning("thinking...\n### Summary\nDone.", DefaultAnchor)
	assert.Equal(t, "thinking...", CleanReasoning(reasoning))
	assert.Equal(t, "### Summary\nDone.", final)

	reasoning, final = SplitReasoning("  just an answer  ", DefaultAnchor)
	assert.Equal(t, "", reasoning)
	assert.Equal(t, "just an answer", final)

	reasoning, final = SplitReasoning("", DefaultAnchor)
	assert.Empty(t, reasoning)
	assert.Empty(t, final)
}

func TestCleanReasoning(t *testing.T) {
	assert.Equal(t, "look at orders", CleanReasoning("  THOUGHT look at orders "))
	assert.Equal(t, "ful", CleanReasoning("thoughtful"))
	assert.Equal(t, "plain", CleanReasoning("plain"))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "partial answ", preview("partial answ", DefaultAnchor))
	assert.Equal(t, "checking tables", preview("Thought checking tables\n### Summary\nx", DefaultAnchor))
	assert.Equal(t, "", preview("### Summary\nx", DefaultAnchor))
}

func TestFinalizeIsIdempotent(t *testing.T) {
	st := store.New("s", nil)
	turn := newTestTurn(st)
	ctx := context.Background()

	turn.HandleEvent(ctx, textEvent(t, "hello"))
	assert.True(t, turn.HandleEvent(ctx, event(t, `{"author":"agent","finishReason":"STOP"}`)))
	turn.Finalize(ctx, 0)
	turn.Finalize(ctx, 0)

	msgs := modelMessages(st)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, turn.MessageID(), msgs[0].ID)

	// events after completion are ignored
	assert.False(t, turn.HandleEvent(ctx, textEvent(t, "late")))
	assert.Len(t, modelMessages(st), 1)
}

func TestStableResultIdentity(t *testing.T) {
	st := store.New("s", nil)
	turn := newTestTurn(st)
	ctx := context.Background()

	turn.HandleEvent(ctx, event(t, `{"author":"agent","timestamp":1700000000,"actions":{"stateDelta":{"summary":"A"}}}`))
	first := st.Snapshot().ActiveResult
	require.NotNil(t, first)
	id := first.ID
	assert.NotEmpty(t, id)
	assert.Equal(t, int64(1700000000000), first.CreatedAt)

	turn.HandleEvent(ctx, event(t, `{"author":"agent","actions":{"stateDelta":{"resultsMarkdown":"B"}}}`))
	turn.HandleEvent(ctx, event(t, `{"author":"agent","actions":{"stateDelta":{"latest_result":{"id":"server-id","summary":"C"}}}}`))

	snap := st.Snapshot()
	require.Len(t, snap.ResultHistory, 1)
	got := snap.ResultHistory[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "C", got.Summary)
	assert.Equal(t, "B", got.ResultsMarkdown)
	assert.Equal(t, int64(1700000000000), got.CreatedAt)
	assert.Equal(t, string(turn.MessageID()), got.MessageID)
}

func TestResultIDFromPayload(t *testing.T) {
	st := store.New("s", nil)
	turn := newTestTurn(st)
	turn.HandleEvent(context.Background(), event(t, `{"author":"agent","actions":{"stateDelta":{"latest_result":{"resultId":"r-42","sql":"SELECT 1"}}}}`))
	require.NotNil(t, st.Result("r-42"))
	assert.Equal(t, "SELECT 1", st.Snapshot().ActiveResult.SQL)
}

func TestToolCallDefersCompletion(t *testing.T) {
	st := store.New("s", nil)
	turn := newTestTurn(st)
	ctx := context.Background()

	finalized := turn.HandleEvent(ctx, event(t, `{"author":"agent","finishReason":"STOP","content":{"parts":[{"functionCall":{"name":"execute_sql","args":{"q":"SELECT 1"}}}]}}`))
	assert.False(t, finalized)
	assert.False(t, turn.Completed())
	assert.Empty(t, modelMessages(st))

	finalized = turn.HandleEvent(ctx, event(t, `{"author":"agent","finishReason":"STOP","content":{"parts":[{"text":"done"}]}}`))
	assert.True(t, finalized)
	require.Len(t, modelMessages(st), 1)
}

func TestEmptyFinalPromotion(t *testing.T) {
	reasoning, final := promote("The answer is 42.", "")
	assert.Equal(t, "", reasoning)
	assert.Equal(t, "The answer is 42.", final)

	reasoning, final = promote("why", "what")
	assert.Equal(t, "why", reasoning)
	assert.Equal(t, "what", final)

	// an HTML answer that converts to nothing falls back to the reasoning
	st := store.New("s", nil)
	turn := newTestTurn(st)
	turn.anchor = "<div>"
	ctx := context.Background()
	turn.HandleEvent(ctx, textEvent(t, "thought The answer is 42.<div></div>"))
	turn.Finalize(ctx, 0)

	msgs := modelMessages(st)
	require.Len(t, msgs, 1)
	assert.Equal(t, "The answer is 42.", msgs[0].Text)
	assert.Empty(t, msgs[0].Thinking)
}

func TestFinalizeWithoutAnchor(t *testing.T) {
	st := store.New("s", nil)
	turn := newTestTurn(st)
	ctx := context.Background()

	turn.HandleEvent(ctx, textEvent(t, "Thought"))
	turn.Finalize(ctx, 0)
	msgs := modelMessages(st)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Thought", msgs[0].Text)
	assert.Empty(t, msgs[0].Thinking)
}

func TestFinalizeWithNoTextCommitsEmptyMessage(t *testing.T) {
	st := store.New("s", nil)
	st.SetStreaming(true)
	turn := newTestTurn(st)
	turn.Finalize(context.Background(), 0)

	msgs := modelMessages(st)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Text)
	assert.False(t, st.Snapshot().IsStreaming)
}

func TestFinalizeSplitsReasoningAndMergesSections(t *testing.T) {
	st := store.New("s", nil)
	turn := newTestTurn(st)
	ctx := context.Background()

	turn.HandleEvent(ctx, event(t, `{"author":"agent","actions":{"stateDelta":{"latest_result":{"id":"r1","sql":"SELECT region, total FROM sales","columns":["region","total"],"rows":[{"region":"EMEA","total":1200}]}}}}`))
	turn.HandleEvent(ctx, textEvent(t, "Thought checking sales\n### Summary\nEMEA leads.\n"))
	assert.Equal(t, "checking sales", st.Snapshot().StreamingText)
	turn.HandleEvent(ctx, textEvent(t, "### Business Insights\n- Expand EMEA"))
	turn.HandleEvent(ctx, event(t, `{"author":"agent","partial":false}`))

	msgs := modelMessages(st)
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "checking sales", msg.Thinking)
	assert.Equal(t, "### Summary\n\nEMEA leads.\n### Business Insights\n\n- Expand EMEA", msg.Text)
	assert.Equal(t, "r1", msg.ResultID)
	require.NotNil(t, msg.Result)
	assert.Equal(t, "EMEA leads.", msg.Result.Summary)
	assert.Equal(t, []string{"- Expand EMEA"}, msg.Result.BusinessInsights.Lines())
	assert.Equal(t, "SELECT region, total FROM sales", msg.Result.SQL)

	snap := st.Snapshot()
	assert.False(t, snap.IsStreaming)
	assert.Equal(t, "", snap.StreamingText)
	assert.Equal(t, "EMEA leads.", snap.ActiveResult.Summary)
}

func TestFinalizeSubstitutesStructuredMarkdown(t *testing.T) {
	st := store.New("s", nil)
	turn := newTestTurn(st)
	ctx := context.Background()

	turn.HandleEvent(ctx, event(t, `{"author":"agent","actions":{"stateDelta":{
		"latest_result":{"id":"r1","columns":["n"],"rows":[{"n":1500}]},
		"summary":"Fifteen hundred orders.",
		"businessInsights":["Staff up"]}}}`))
	turn.HandleEvent(ctx, textEvent(t, "Here is what I found."))
	turn.HandleEvent(ctx, event(t, `{"author":"agent","type":"complete"}`))

	msgs := modelMessages(st)
	require.Len(t, msgs, 1)
	want := "### Summary\n\nFifteen hundred orders.\n\n### Results\n\n| n |\n| --- |\n| 1,500 |\n\n### Business Insights\n\n- Staff up"
	assert.Equal(t, want, msgs[0].Text)
}

func TestExplicitHeadingsTakePrecedence(t *testing.T) {
	st := store.New("s", nil)
	turn := newTestTurn(st)
	ctx := context.Background()

	turn.HandleEvent(ctx, event(t, `{"author":"agent","actions":{"stateDelta":{"latest_result":{"id":"r1","summary":"server summary"}}}}`))
	turn.HandleEvent(ctx, textEvent(t, "### Results\n| a |\n| - |\n| 1 |"))
	turn.Finalize(ctx, 0)

	msg := modelMessages(st)[0]
	assert.Equal(t, "### Results\n\n| a |\n| - |\n| 1 |", msg.Text)
	assert.Equal(t, "server summary", msg.Result.Summary)
	assert.Equal(t, "| a |\n| - |\n| 1 |", msg.Result.ResultsMarkdown)
}

func TestErrorDeltaClearsResult(t *testing.T) {
	st := store.New("s", nil)
	turn := newTestTurn(st)
	ctx := context.Background()

	turn.HandleEvent(ctx, event(t, `{"author":"agent","actions":{"stateDelta":{"latest_result":{"id":"r1"}}}}`))
	turn.HandleEvent(ctx, event(t, `{"author":"agent","timestamp":1700000000,"actions":{"stateDelta":{"latest_error":{"message":"Unrecognized name: regon","sql":"SELECT regon"}}}}`))

	snap := st.Snapshot()
	assert.Nil(t, snap.ActiveResult)
	require.NotNil(t, snap.ActiveError)
	assert.Equal(t, "Unrecognized name: regon", snap.ActiveError.Message)
	assert.Equal(t, int64(1700000000000), snap.ActiveError.Timestamp)

	turn.HandleEvent(ctx, event(t, `{"author":"agent","actions":{"stateDelta":{"latest_result":{"id":"r2","summary":"fixed"}}}}`))
	snap = st.Snapshot()
	assert.Nil(t, snap.ActiveError)
	assert.Equal(t, "r1", snap.ActiveResult.ID, "turn id stays bound")
}

func TestHistoryDeltasAreCachedNotActive(t *testing.T) {
	st := store.New("s", nil)
	turn := newTestTurn(st)
	turn.HandleEvent(context.Background(), event(t, `{"author":"agent","timestamp":1700000000,"actions":{"stateDelta":{
		"results_history":[{"id":"old-1","sql":"SELECT 1"},{"id":"old-2"}],
		"errors_history":[{"message":"boom","jobId":"j9"}]}}}`))

	snap := st.Snapshot()
	assert.Len(t, snap.ResultHistory, 2)
	assert.Nil(t, snap.ActiveResult)
	require.Len(t, snap.ErrorHistory, 1)
	assert.Equal(t, "job-j9", snap.ErrorHistory[0].ID)
	assert.Nil(t, snap.ActiveError)
}

type fixedCounter int

func (f fixedCounter) Count(string) int { return int(f) }

func TestMetricsAttachedToResult(t *testing.T) {
	st := store.New("s", nil)
	turn := newTurn(st, DefaultAnchor, fixedCounter(7), slog.Default())
	ctx := context.Background()

	turn.HandleEvent(ctx, event(t, `{"author":"agent","metrics":{"inputTokens":120,"latencyMs":900},"actions":{"stateDelta":{"latest_result":{"id":"r1"}}}}`))
	turn.HandleEvent(ctx, textEvent(t, "answer"))
	turn.Finalize(ctx, 0)

	msg := modelMessages(st)[0]
	require.NotNil(t, msg.Result)
	assert.Equal(t, float64(120), msg.Result.ModelMetrics["inputTokens"])
	assert.Equal(t, 7, msg.Result.ModelMetrics["estimatedOutputTokens"])
	assert.Equal(t, 7, st.Snapshot().ModelMetrics["estimatedOutputTokens"])
}

func TestReportedOutputTokensSkipEstimate(t *testing.T) {
	st := store.New("s", nil)
	turn := newTurn(st, DefaultAnchor, fixedCounter(7), slog.Default())
	ctx := context.Background()

	turn.HandleEvent(ctx, event(t, `{"author":"agent","metrics":{"outputTokens":3}}`))
	turn.HandleEvent(ctx, textEvent(t, "answer"))
	turn.Finalize(ctx, 0)

	_, ok := st.Snapshot().ModelMetrics["estimatedOutputTokens"]
	assert.False(t, ok)
}

func TestAbandonSuppressesCommit(t *testing.T) {
	st := store.New("s", nil)
	turn := newTestTurn(st)
	ctx := context.Background()

	turn.HandleEvent(ctx, textEvent(t, "half an ans"))
	assert.True(t, turn.abandon())
	assert.False(t, turn.abandon())
	turn.Finalize(ctx, 0)

	assert.Empty(t, modelMessages(st))
	assert.True(t, turn.Abandoned())
	assert.Nil(t, turn.Message())
	select {
	case <-turn.Done():
	default:
		t.Fatal("abandoned turn should be done")
	}
}

func TestMessagesFromSession(t *testing.T) {
	var session agent.Session
	require.NoError(t, json.Unmarshal([]byte(`{
		"id":"s1","appName":"data_agent","userId":"u1",
		"events":[
			{"id":"e1","author":"user","timestamp":1700000000,"content":{"role":"user","parts":[{"text":"top regions?"}]}},
			{"id":"e2","author":"data_agent","timestamp":1700000001,"content":{"parts":[{"functionCall":{"name":"execute_sql"}}]}},
			{"id":"e3","author":"data_agent","timestamp":1700000002,
			 "content":{"role":"model","parts":[{"text":"thought scanning\n### Summary\nEMEA"}]},
			 "actions":{"stateDelta":{"latest_result":{"id":"r1","sql":"SELECT 1"}}}}
		]}`), &session))

	msgs := MessagesFromSession(&session, "")
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, "top regions?", msgs[0].Text)
	assert.Equal(t, types.MessageID("e1"), msgs[0].ID)
	assert.Equal(t, types.RoleModel, msgs[1].Role)
	assert.Equal(t, "### Summary\nEMEA", msgs[1].Text)
	assert.Equal(t, "scanning", msgs[1].Thinking)
	assert.Equal(t, "r1", msgs[1].ResultID)
	assert.Equal(t, types.SessionID("s1"), msgs[1].SessionID)

	assert.Nil(t, MessagesFromSession(nil, ""))
}
