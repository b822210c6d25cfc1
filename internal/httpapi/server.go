// Package httpapi serves the chat over HTTP: questions, session history,
// live store snapshots over WebSocket, task webhooks and metrics.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/selecta/internal/chat"
	"github.com/user/selecta/internal/gateway"
	"github.com/user/selecta/internal/state"
	"github.com/user/selecta/internal/types"
)

const defaultMessageLimit = 200

// Gateway is the part of the gateway the API drives.
type Gateway interface {
	Ask(ctx context.Context, key types.SessionKey, userID, text string) (*types.Message, error)
	Send(ctx context.Context, key types.SessionKey, userID, text string) (*chat.Turn, error)
	Conversation(ctx context.Context, key types.SessionKey, userID string) (*chat.Conversation, error)
	HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) error
	Activity() gateway.Activity
}

// Server routes HTTP requests to the gateway and the stores.
type Server struct {
	router   *gin.Engine
	gateway  Gateway
	tasks    *state.TaskStore
	sessions types.SessionStore
	history  types.HistoryStore
	logger   *slog.Logger
}

// NewServer creates the API server. history may be nil, in which case the
// history routes answer 503.
func NewServer(gw Gateway, tasks *state.TaskStore, sessions types.SessionStore, history types.HistoryStore) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		router:   r,
		gateway:  gw,
		tasks:    tasks,
		sessions: sessions,
		history:  history,
		logger:   slog.Default().With("component", "httpapi"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	api.POST("/chat", s.handleChat)
	api.GET("/sessions", s.handleSessions)
	api.GET("/sessions/:id/messages", s.handleMessages)
	api.GET("/sessions/:id/results", s.handleResults)
	api.GET("/state/:key", s.handleState)

	s.router.GET("/ws/:key", s.handleWS)
	s.router.POST("/webhook", s.handleAdHoc)
	s.router.POST("/webhook/:name", s.handleNamedTask)
}

// ServeHTTP delegates to the router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealth reports liveness and the work in flight, which `selecta
// stop` reads before signalling the daemon.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "activity": s.gateway.Activity()})
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	SessionKey string `json:"session_key"`
	UserID     string `json:"user_id"`
	Question   string `json:"question"`
	// Async returns as soon as the turn has started.
	Async bool `json:"async"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Question) == "" || req.SessionKey == "" {
		badRequest(c, "question and session_key are required")
		return
	}
	key := types.SessionKey(req.SessionKey)

	if req.Async {
		turn, err := s.gateway.Send(c.Request.Context(), key, req.UserID, req.Question)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message_id": turn.MessageID()})
		return
	}

	msg, err := s.gateway.Ask(c.Request.Context(), key, req.UserID, req.Question)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions, err := s.sessions.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleMessages(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history not configured"})
		return
	}
	limit := defaultMessageLimit
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.history.Messages(c.Request.Context(), types.SessionID(c.Param("id")), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleResults(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history not configured"})
		return
	}
	results, err := s.history.Results(c.Request.Context(), types.SessionID(c.Param("id")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleState(c *gin.Context) {
	conv, err := s.gateway.Conversation(c.Request.Context(), types.SessionKey(c.Param("key")), c.Query("user_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv.Store().Snapshot())
}

// adHocRequest is the JSON body for POST /webhook.
type adHocRequest struct {
	Question   string `json:"question"`
	SessionKey string `json:"session_key"`
	UserID     string `json:"user_id"`
}

func (s *Server) handleAdHoc(c *gin.Context) {
	var req adHocRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	if req.Question == "" || req.SessionKey == "" {
		badRequest(c, "question and session_key are required")
		return
	}
	s.answer(c, types.SessionKey(req.SessionKey), req.UserID, req.Question)
}

// namedTaskRequest is the optional JSON body for POST /webhook/:name.
type namedTaskRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleNamedTask(c *gin.Context) {
	name := c.Param("name")
	task, err := s.tasks.Get(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if !task.Enabled {
		c.JSON(http.StatusForbidden, gin.H{"error": "task is disabled"})
		return
	}

	question := task.Question
	// Allow body to override the question
	var body namedTaskRequest
	if err := c.ShouldBindJSON(&body); err == nil && body.Question != "" {
		question = body.Question
	}

	s.answer(c, types.SessionKey(task.SessionKey), task.UserID, question)
}

// answer queues the question on the key's lane so webhooks for one session
// run in order, then waits for the run or the client to go away.
func (s *Server) answer(c *gin.Context, key types.SessionKey, userID, question string) {
	event := &types.InboundEvent{
		Source:     "webhook",
		SessionKey: key,
		UserID:     userID,
		Text:       question,
	}
	done := make(chan *gateway.Run, 1)
	err := s.gateway.HandleInbound(c.Request.Context(), event, gateway.WithOnDone(func(run *gateway.Run) {
		done <- run
	}))
	if err != nil {
		s.fail(c, err)
		return
	}

	var run *gateway.Run
	select {
	case run = <-done:
	case <-c.Request.Context().Done():
		s.logger.Warn("webhook client gone before answer", "session_key", string(key))
		return
	}
	if run.Error != nil {
		s.fail(c, run.Error)
		return
	}
	resp := gin.H{"response": ""}
	if msg := run.Message; msg != nil {
		resp["response"] = msg.Text
		if msg.ResultID != "" {
			resp["result_id"] = msg.ResultID
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, state.ErrInvalidID):
		badRequest(c, err.Error())
	case errors.Is(err, chat.ErrSuperseded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, gateway.ErrClosed), errors.Is(err, chat.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}
