package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/user/selecta/internal/store"
	"github.com/user/selecta/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientFrame is a message sent by the browser over the socket.
type clientFrame struct {
	Question string `json:"question"`
}

// handleWS streams store snapshots for a session key. The first frame is
// the current state; later frames follow every change, coalesced so a slow
// client only ever sees the newest state. Frames sent by the client with a
// question start a turn.
func (s *Server) handleWS(c *gin.Context) {
	key := types.SessionKey(c.Param("key"))
	userID := c.Query("user_id")

	conv, err := s.gateway.Conversation(c.Request.Context(), key, userID)
	if err != nil {
		s.fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	st := conv.Store()
	updates := make(chan store.Snapshot, 1)
	unsubscribe := st.Subscribe(func(snap store.Snapshot) { offer(updates, snap) })
	defer unsubscribe()
	offer(updates, st.Snapshot())

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()
	go s.readLoop(ctx, cancel, conn, key, userID)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snap := <-updates:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				s.logger.Debug("websocket write failed", "session_key", string(key), "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, key types.SessionKey, userID string) {
	defer cancel()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", "session_key", string(key), "error", err)
			}
			return
		}
		if strings.TrimSpace(frame.Question) == "" {
			continue
		}
		if _, err := s.gateway.Send(ctx, key, userID, frame.Question); err != nil {
			s.logger.Warn("websocket question rejected", "session_key", string(key), "error", err)
		}
	}
}

// offer replaces any pending snapshot with snap without blocking.
func offer(ch chan store.Snapshot, snap store.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
