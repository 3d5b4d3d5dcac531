package realtime

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // observers connect from the admin origin or runners; auth happens below
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// WSHandler upgrades observer connections and speaks the room protocol:
// join/leave requests in, subscribed/unsubscribed acks and event frames out.
type WSHandler struct {
	hub        *Hub
	logger     *zap.Logger
	adminToken string
	authFn     func(ctx context.Context, apiKey, authorization string) (string, error)
}

// NewWSHandler builds the websocket endpoint. authFn validates runner
// credentials and returns the runner name; adminToken is the equivalent
// admin-session check for UI observers. Either may be empty, disabling that path.
func NewWSHandler(hub *Hub, logger *zap.Logger, adminToken string, authFn func(ctx context.Context, apiKey, authorization string) (string, error)) *WSHandler {
	return &WSHandler{hub: hub, logger: logger, adminToken: adminToken, authFn: authFn}
}

type wsRequest struct {
	Action string `json:"action"` // join or leave
	Room   string `json:"room"`
}

// ServeHTTP authenticates once at connection time, then runs the room
// protocol until the client disconnects. Failed auth terminates the attempt
// before any join is possible.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := h.hub.subscribe()
	go h.writePump(conn, sub)
	h.hub.offer(sub, encodeFrame(frameStatus(h.hub.Mode())))
	h.readPump(conn, sub)
}

func (h *WSHandler) authorized(r *http.Request) bool {
	if h.adminToken != "" {
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			token = r.URL.Query().Get("admin_token")
		}
		if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1 {
			return true
		}
	}
	if h.authFn != nil {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}
		if _, err := h.authFn(r.Context(), apiKey, r.Header.Get("Authorization")); err == nil {
			return true
		}
	}
	return false
}

func (h *WSHandler) readPump(conn *websocket.Conn, sub *subscriber) {
	defer func() {
		h.hub.drop(sub)
		_ = conn.Close()
	}()

	conn.SetReadLimit(4 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if !validRoom(req.Room) {
			h.hub.offer(sub, encodeFrame(frame{Type: "error", Room: req.Room}))
			continue
		}
		switch req.Action {
		case "join":
			h.hub.join(sub, req.Room)
			h.hub.offer(sub, encodeFrame(frame{Type: "subscribed", Room: req.Room}))
		case "leave":
			h.hub.leave(sub, req.Room)
			h.hub.offer(sub, encodeFrame(frame{Type: "unsubscribed", Room: req.Room}))
		}
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func validRoom(room string) bool {
	rest, ok := strings.CutPrefix(room, "job:")
	if !ok {
		rest, ok = strings.CutPrefix(room, "test:")
	}
	return ok && rest != ""
}
