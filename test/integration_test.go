//go:build integration

package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/selecta/internal/gateway"
	"github.com/user/selecta/internal/httpapi"
	"github.com/user/selecta/internal/state"
	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/pkg/agent"
	"github.com/user/selecta/pkg/agent/adk"
)

// fakeAgent serves the session REST API and a run_sse endpoint that answers
// every question with reasoning, a structured answer and a result.
type fakeAgent struct {
	mu       sync.Mutex
	sessions map[string]bool
	runs     int
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/run_sse":
		f.run(w, r)
	case strings.HasPrefix(r.URL.Path, "/apps/"):
		f.session(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAgent) session(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	id := parts[len(parts)-1]

	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		if !f.sessions[id] {
			http.Error(w, `{"detail":"Session not found"}`, http.StatusNotFound)
			return
		}
	case http.MethodPost:
		f.sessions[id] = true
	case http.MethodDelete:
		delete(f.sessions, id)
		return
	}
	json.NewEncoder(w).Encode(agent.Session{ID: id, AppName: "sales", UserID: "analyst"})
}

func (f *fakeAgent) run(w http.ResponseWriter, r *http.Request) {
	var req agent.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.runs++
	n := f.runs
	known := f.sessions[req.SessionID]
	f.mu.Unlock()
	if !known {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	question := req.NewMessage.Parts[0].Text
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	send := func(payload string) {
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	send(`{"author":"data_agent","content":{"role":"model","parts":[{"text":"Looking at the orders table. "}]},"partial":true}`)
	send(`{"author":"data_agent","content":{"role":"model","parts":[{"functionCall":{"name":"run_query","args":{}}}]}}`)
	send(fmt.Sprintf(`{"author":"data_agent","actions":{"stateDelta":{"latest_result":{"resultId":"res-%d","sql":"SELECT region, SUM(total) AS revenue FROM orders GROUP BY region","columns":["region","revenue"],"rows":[{"region":"EU","revenue":1200},{"region":"US","revenue":3400}]}}}}`, n))
	send(fmt.Sprintf(`{"author":"data_agent","content":{"role":"model","parts":[{"text":"### Summary\nRevenue by region for %s"}]},"partial":true}`, jsonText(question)))
	send(`{"author":"data_agent","content":{"role":"model","parts":[{"text":"\n### Business Insights\n- US leads EU"}]},"partial":true}`)
	send(`{"author":"data_agent","finishReason":"STOP","metrics":{"output_tokens":42}}`)
}

func jsonText(s string) string {
	b, _ := json.Marshal(s)
	return strings.Trim(string(b), `"`)
}

func newStack(t *testing.T, dir, agentURL string) (*gateway.Gateway, *httpapi.Server, *state.HistoryStore) {
	t.Helper()
	client := adk.New(&agent.Config{BaseURL: agentURL, AppName: "sales", UserID: "analyst", Timeout: 5 * time.Second})
	sessions := state.NewSessionStore(dir)
	history := state.NewHistoryStore(dir)
	gw := gateway.New(client, client, sessions, history, gateway.Options{
		AppName:       "sales",
		UserID:        "analyst",
		MaxConcurrent: 2,
	})
	api := httpapi.NewServer(gw, state.NewTaskStore(dir+"/tasks.json"), sessions, history)
	return gw, api, history
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeAgent{sessions: make(map[string]bool)}
	agentSrv := httptest.NewServer(fake)
	defer agentSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, api, history := newStack(t, dir, agentSrv.URL)
	gw.Start(ctx)

	body, _ := json.Marshal(map[string]any{"session_key": "web:analyst", "user_id": "analyst", "question": "last quarter"})
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var answer types.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
	assert.Equal(t, types.RoleModel, answer.Role)
	assert.Contains(t, answer.Text, "Revenue by region for last quarter")
	assert.Contains(t, answer.Thinking, "orders table")
	require.NotNil(t, answer.Result)
	assert.Equal(t, "res-1", answer.Result.ID)
	assert.Contains(t, answer.Result.Summary, "Revenue by region")

	// channel events queue per key and each gets an answer
	var mu sync.Mutex
	var replies []string
	done := make(chan struct{}, 2)
	for _, q := range []string{"this week", "this month"} {
		ev := &types.InboundEvent{Source: "test", SessionKey: "telegram:1:1", UserID: "analyst", Text: q}
		require.NoError(t, gw.HandleInbound(ctx, ev, gateway.WithOnComplete(func(text string) {
			mu.Lock()
			replies = append(replies, text)
			mu.Unlock()
			done <- struct{}{}
		})))
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for queued answers")
		}
	}
	mu.Lock()
	require.Len(t, replies, 2)
	assert.Contains(t, replies[0], "this week")
	assert.Contains(t, replies[1], "this month")
	mu.Unlock()

	gw.Stop()

	// a fresh gateway restores the web session from local history
	sessions := state.NewSessionStore(dir)
	list, err := sessions.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	var webSID types.SessionID
	for _, s := range list {
		if s.SessionKey == "web:analyst" {
			webSID = s.SessionID
			assert.Equal(t, "last quarter", s.Title)
			assert.Equal(t, int64(2), s.MessageCount)
		}
	}
	require.NotEmpty(t, webSID)

	msgs, err := history.Messages(ctx, webSID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "res-1", msgs[1].ResultID)

	gw2, _, _ := newStack(t, dir, agentSrv.URL)
	gw2.Start(ctx)
	defer gw2.Stop()

	conv, err := gw2.Conversation(ctx, "web:analyst", "analyst")
	require.NoError(t, err)
	snap := conv.Store().Snapshot()
	require.Len(t, snap.Messages, 2)
	require.NotNil(t, snap.Messages[1].Result)
	assert.Equal(t, []string{"region", "revenue"}, snap.Messages[1].Result.Columns)
}
