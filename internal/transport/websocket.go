package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/anthropics/agentd/internal/convo"
	"github.com/anthropics/agentd/internal/replyloop"
)

const (
	wsReadLimit  = 1 << 20
	wsPongWait   = 45 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 256
)

// WSTokenIssuer mints and validates the short-lived ws_token spec.md §6.3
// gates WebSocket connections with. Grounded on internal/auth/jwt.go's
// JWTService, but scoped to a session id rather than a models.User —
// the teacher's token authenticates a human account that then picks a
// session; this one authenticates possession of one already-created
// session, handed out alongside the page that opens the socket.
type WSTokenIssuer struct {
	secret []byte
	expiry time.Duration
}

func NewWSTokenIssuer(secret string, expiry time.Duration) *WSTokenIssuer {
	if expiry == 0 {
		expiry = 5 * time.Minute
	}
	return &WSTokenIssuer{secret: []byte(secret), expiry: expiry}
}

func (i *WSTokenIssuer) Issue(sessionID string) (string, error) {
	if len(i.secret) == 0 {
		return "", errors.New("transport: ws token signing disabled")
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("transport: session id required")
	}
	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.expiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func (i *WSTokenIssuer) sessionID(token string) (string, error) {
	if len(i.secret) == 0 {
		return "", errors.New("transport: ws token validation disabled")
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.New("transport: invalid ws token")
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("transport: invalid ws token")
	}
	return claims.Subject, nil
}

// wsMessage is the wire shape spec.md §6.3 names: a JSON object tagged by
// type. Client-originated types are "message", "cancel", and
// "tool_confirmation"; every other type is server-to-client only.
type wsMessage struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Decision  string          `json:"decision,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// WSServer implements spec.md §6.3: a token-gated WebSocket carrying one
// session's turns as tagged JSON frames, in place of the request/response
// JSON-RPC envelope the other two transports use. Grounded on
// internal/gateway/ws_control_plane.go's upgrade/read-loop/write-loop
// split (ping/pong keep-alive, a buffered send channel drained by a
// dedicated writer goroutine so writes never block the reader).
type WSServer struct {
	handler  Handler
	tokens   *WSTokenIssuer
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSServer(handler Handler, tokens *WSTokenIssuer, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSServer{
		handler: handler,
		tokens:  tokens,
		logger:  logger.With("component", "transport.websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	sessionID, err := s.tokens.sessionID(token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		server:    s,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, wsSendBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	go c.writeLoop()
	c.readLoop()
}

type wsConn struct {
	server    *WSServer
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
}

func (c *wsConn) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(wsMessage{Type: "error", Message: "invalid frame: " + err.Error()})
			continue
		}
		c.handle(msg)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) close() {
	c.cancel()
	_ = c.conn.Close()
}

func (c *wsConn) handle(msg wsMessage) {
	switch msg.Type {
	case "message":
		events, err := c.server.handler.Prompt(c.ctx, c.sessionID, msg.Text)
		if err != nil {
			c.enqueue(wsMessage{Type: "error", Message: err.Error()})
			return
		}
		go c.forwardEvents(events)

	case "cancel":
		if err := c.server.handler.CancelPrompt(c.ctx, c.sessionID); err != nil {
			c.enqueue(wsMessage{Type: "error", Message: err.Error()})
		}

	case "tool_confirmation":
		decision, err := parseDecision(msg.Decision)
		if err != nil {
			c.enqueue(wsMessage{Type: "error", Message: err.Error()})
			return
		}
		if err := c.server.handler.ApproveTool(c.ctx, msg.RequestID, decision); err != nil {
			c.enqueue(wsMessage{Type: "error", Message: err.Error()})
		}

	default:
		c.enqueue(wsMessage{Type: "error", Message: "unsupported frame type: " + msg.Type})
	}
}

// forwardEvents drains one turn's AgentEvent stream, translating each into
// the tagged frame shape spec.md §6.3 names. The reply loop only emits a
// terminal system_notification when a turn ends abnormally (cancelled,
// context exceeded, provider error, repetition guard); a turn that simply
// runs out of tool calls closes the channel with no such notification, so
// a "complete" frame is synthesized here if none was seen.
func (c *wsConn) forwardEvents(events <-chan *replyloop.AgentEvent) {
	sawTerminal := false
	for ev := range events {
		out, ok := translateEvent(ev)
		if !ok {
			continue
		}
		switch out.Type {
		case "cancelled", "context_exceeded", "error", "complete":
			sawTerminal = true
		}
		c.enqueue(out)
	}
	if !sawTerminal {
		c.enqueue(wsMessage{Type: "complete"})
	}
}

func translateEvent(ev *replyloop.AgentEvent) (wsMessage, bool) {
	if ev.Message == nil || len(ev.Message.Content) == 0 {
		return wsMessage{}, false
	}
	content := ev.Message.Content[0]
	switch content.Kind {
	case convo.KindText:
		return wsMessage{Type: "message", Text: content.Text}, true
	case convo.KindThinking:
		return wsMessage{Type: "thinking", Text: content.Thinking}, true
	case convo.KindToolRequest:
		return wsMessage{
			Type:      "tool_request",
			RequestID: content.ToolCallID,
			ToolName:  content.ToolName,
			ToolInput: content.ToolInput,
		}, true
	case convo.KindToolResponse:
		return wsMessage{
			Type:      "tool_response",
			RequestID: content.ToolCallID,
			Result:    content.ToolResultText,
			IsError:   content.ToolIsError,
		}, true
	case convo.KindToolConfirmationRequest, convo.KindFrontendToolRequest:
		return wsMessage{
			Type:      "tool_confirmation",
			RequestID: content.ConfirmationID,
			ToolName:  content.ToolName,
			Message:   content.Reason,
		}, true
	case convo.KindSystemNotification:
		return wsMessage{Type: notificationType(content.Notification), Message: content.Notification}, true
	default:
		return wsMessage{}, false
	}
}

// notificationType buckets the reply loop's free-text terminal
// notifications (see replyloop.Loop.emitNotification) into the closed set
// of terminal frame types spec.md §6.3 names.
func notificationType(text string) string {
	switch {
	case strings.Contains(text, "cancelled"):
		return "cancelled"
	case strings.Contains(text, "max turns"):
		return "context_exceeded"
	case strings.Contains(text, "provider error"), strings.Contains(text, "detected loop"):
		return "error"
	default:
		return "complete"
	}
}

func (c *wsConn) enqueue(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.logger.Warn("transport: ws send buffer full, dropping frame", "session_id", c.sessionID, "type", msg.Type)
	}
}
