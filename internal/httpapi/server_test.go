package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/selecta/internal/chat"
	"github.com/user/selecta/internal/gateway"
	"github.com/user/selecta/internal/state"
	"github.com/user/selecta/internal/store"
	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/pkg/agent"
)

type fakeGateway struct {
	mu    sync.Mutex
	reply *types.Message
	err   error
	asked []string
	keys  []types.SessionKey
	sent  chan string
	conv  *chat.Conversation
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		reply: &types.Message{ID: "m1", Role: types.RoleModel, Text: "### Summary\n\nDone.", ResultID: "r1"},
		sent:  make(chan string, 4),
		conv:  chat.NewConversation(nil, store.New("sess-1", nil), chat.Options{}),
	}
}

func (f *fakeGateway) Ask(_ context.Context, key types.SessionKey, _ string, text string) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, text)
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeGateway) Send(_ context.Context, _ types.SessionKey, _ string, text string) (*chat.Turn, error) {
	f.sent <- text
	return nil, nil
}

func (f *fakeGateway) Conversation(context.Context, types.SessionKey, string) (*chat.Conversation, error) {
	return f.conv, nil
}

func (f *fakeGateway) Activity() gateway.Activity {
	return gateway.Activity{Running: 1, Queued: 2}
}

func (f *fakeGateway) HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) error {
	run := gateway.NewRun(event)
	for _, opt := range opts {
		opt(run)
	}
	go func() {
		run.Ctx = ctx
		run.Message, run.Error = f.Ask(ctx, event.SessionKey, event.UserID, event.Text)
		run.Status = gateway.RunStatusComplete
		if run.Error != nil {
			run.Status = gateway.RunStatusFailed
		}
		if run.OnDone != nil {
			run.OnDone(run)
		}
	}()
	return nil
}

// slowRunner answers every question after a delay so that requests for the
// same key overlap.
type slowRunner struct {
	delay time.Duration
}

func (r slowRunner) RunSSE(ctx context.Context, req agent.RunRequest) (*agent.Stream, error) {
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	body := "data: {\"author\":\"agent\",\"partial\":true,\"content\":{\"parts\":[{\"text\":\"### Summary\\nok\"}]}}\n\n" +
		"data: {\"author\":\"agent\",\"finishReason\":\"STOP\"}\n\n"
	return agent.NewStream(ctx, io.NopCloser(strings.NewReader(body))), nil
}

type fixture struct {
	srv      *Server
	gw       *fakeGateway
	tasks    *state.TaskStore
	sessions *state.SessionStore
	history  *state.HistoryStore
}

func setup(t *testing.T, tasks ...*state.Task) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		gw:       newFakeGateway(),
		tasks:    state.NewTaskStore(filepath.Join(dir, "tasks.json")),
		sessions: state.NewSessionStore(dir),
		history:  state.NewHistoryStore(dir),
	}
	for _, task := range tasks {
		require.NoError(t, f.tasks.Add(task))
	}
	f.srv = NewServer(f.gw, f.tasks, f.sessions, f.history)
	return f
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	f := setup(t)
	w := do(t, f.srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","activity":{"running":1,"queued":2,"streaming":0}}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := setup(t)
	w := do(t, f.srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "selecta_streams_active")
}

func TestChatAnswers(t *testing.T) {
	f := setup(t)
	w := do(t, f.srv, http.MethodPost, "/api/chat",
		`{"session_key":"web:alice","question":"How many orders?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var msg types.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, "### Summary\n\nDone.", msg.Text)
	assert.Equal(t, []string{"How many orders?"}, f.gw.asked)
	assert.Equal(t, []types.SessionKey{"web:alice"}, f.gw.keys)
}

func TestChatValidation(t *testing.T) {
	f := setup(t)
	for _, body := range []string{`not json`, `{"session_key":"k"}`, `{"question":"q"}`, `{"session_key":"k","question":"   "}`} {
		w := do(t, f.srv, http.MethodPost, "/api/chat", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, f.gw.asked)
}

func TestChatSupersededIsConflict(t *testing.T) {
	f := setup(t)
	f.gw.err = chat.ErrSuperseded
	w := do(t, f.srv, http.MethodPost, "/api/chat", `{"session_key":"k","question":"q"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSessionHistoryRoutes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sid, err := f.sessions.ResolveOrCreate(ctx, "web:bob", "bob")
	require.NoError(t, err)
	require.NoError(t, f.history.AppendMessage(ctx, &types.Message{
		ID: "m1", SessionID: sid, Role: types.RoleUser, Text: "revenue?", Timestamp: 1,
	}))
	require.NoError(t, f.history.PutResult(ctx, sid, &agent.Result{ID: "r1", SQL: "SELECT 1"}))

	w := do(t, f.srv, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []types.SessionIndex
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, sid, sessions[0].SessionID)

	w = do(t, f.srv, http.MethodGet, "/api/sessions/"+string(sid)+"/messages?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []types.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "revenue?", msgs[0].Text)

	w = do(t, f.srv, http.MethodGet, "/api/sessions/"+string(sid)+"/results", "")
	require.Equal(t, http.StatusOK, w.Code)
	var results []agent.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "SELECT 1", results[0].SQL)

	w = do(t, f.srv, http.MethodGet, "/api/sessions/unknown/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestSessionHistoryRejectsUnsafeID(t *testing.T) {
	f := setup(t)
	w := do(t, f.srv, http.MethodGet, "/api/sessions/../messages", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	w = do(t, f.srv, http.MethodGet, "/api/sessions/../results", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestStateRoute(t *testing.T) {
	f := setup(t)
	f.gw.conv.Store().UpdateStreamingText("thinking")

	w := do(t, f.srv, http.MethodGet, "/api/state/web:carol", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap store.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, types.SessionID("sess-1"), snap.SessionID)
	assert.Equal(t, "thinking", snap.StreamingText)
}

func TestWebhookAdHoc(t *testing.T) {
	f := setup(t)
	w := do(t, f.srv, http.MethodPost, "/webhook", `{"question":"Top products?","session_key":"hook:1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"response":"### Summary\n\nDone.","result_id":"r1"}`, w.Body.String())

	w = do(t, f.srv, http.MethodPost, "/webhook", `{"question":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookSameKeyRunsInOrder(t *testing.T) {
	dir := t.TempDir()
	sessions := state.NewSessionStore(dir)
	gw := gateway.New(slowRunner{delay: 300 * time.Millisecond}, nil, sessions, nil, gateway.Options{
		AppName:       "analytics",
		UserID:        "analyst",
		MaxConcurrent: 2,
	})
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)
	srv := NewServer(gw, state.NewTaskStore(filepath.Join(dir, "tasks.json")), sessions, nil)

	codes := make([]int, 2)
	bodies := make([]string, 2)
	var wg sync.WaitGroup
	for i, q := range []string{"Revenue this week?", "Revenue this month?"} {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			w := do(t, srv, http.MethodPost, "/webhook", `{"session_key":"hook:1","question":"`+q+`"}`)
			codes[i] = w.Code
			bodies[i] = w.Body.String()
		}(i, q)
		time.Sleep(50 * time.Millisecond)
	}
	wg.Wait()

	for i := range codes {
		assert.Equal(t, http.StatusOK, codes[i], bodies[i])
		assert.Contains(t, bodies[i], "ok")
	}
}

func TestWebhookNamedTask(t *testing.T) {
	f := setup(t,
		&state.Task{Name: "daily", Question: "Daily revenue?", SessionKey: "task:daily", Enabled: true},
		&state.Task{Name: "off", Question: "Unused", SessionKey: "task:off", Enabled: false},
	)

	w := do(t, f.srv, http.MethodPost, "/webhook/daily", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Daily revenue?", f.gw.asked[0])
	assert.Equal(t, types.SessionKey("task:daily"), f.gw.keys[0])

	w = do(t, f.srv, http.MethodPost, "/webhook/daily", `{"question":"Revenue by region?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Revenue by region?", f.gw.asked[1])

	w = do(t, f.srv, http.MethodPost, "/webhook/off", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, f.srv, http.MethodPost, "/webhook/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebSocketStreamsSnapshots(t *testing.T) {
	f := setup(t)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/web:dave"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() store.Snapshot {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var snap store.Snapshot
		require.NoError(t, conn.ReadJSON(&snap))
		return snap
	}

	first := read()
	assert.Equal(t, types.SessionID("sess-1"), first.SessionID)

	f.gw.conv.Store().UpdateStreamingText("partial answer")
	var latest store.Snapshot
	for latest.StreamingText != "partial answer" {
		latest = read()
	}
	assert.Greater(t, latest.Seq, first.Seq)

	require.NoError(t, conn.WriteJSON(clientFrame{Question: "Orders by week?"}))
	select {
	case q := <-f.gw.sent:
		assert.Equal(t, "Orders by week?", q)
	case <-time.After(5 * time.Second):
		t.Fatal("question was not forwarded")
	}
}

func TestOfferKeepsNewest(t *testing.T) {
	ch := make(chan store.Snapshot, 1)
	offer(ch, store.Snapshot{Seq: 1})
	offer(ch, store.Snapshot{Seq: 2})
	assert.Equal(t, uint64(2), (<-ch).Seq)
}
