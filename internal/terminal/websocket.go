package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/shsh-gateway/internal/identity"
	"github.com/ashureev/shsh-gateway/internal/shell"
)

const (
	defaultPingInterval = 10 * time.Second
	defaultPingTimeout  = 30 * time.Second
	writeTimeout        = 10 * time.Second

	// logoutReason is the close-frame reason a client uses to end its
	// session deliberately.
	logoutReason = "logout"
)

// WebSocketHandler serves terminal sessions over WebSocket.
type WebSocketHandler struct {
	registry      *Registry
	coord         *Coordinator
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger

	PingInterval time.Duration
	PingTimeout  time.Duration
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(registry *Registry, coord *Coordinator, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		registry:      registry,
		coord:         coord,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
		PingInterval:  defaultPingInterval,
		PingTimeout:   defaultPingTimeout,
	}
}

// wsMessage is the JSON envelope for client and server control messages.
type wsMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Error     string `json:"error,omitempty"`
}

type commandStatusMessage struct {
	Type string `json:"type"`
	CommandStatus
}

type exitMessage struct {
	Type     string `json:"type"`
	ExitCode int    `json:"exitCode"`
}

// wsSink delivers session events to one WebSocket connection. Terminal bytes
// go out as binary frames, everything else as JSON text frames.
type wsSink struct {
	conn   *websocket.Conn
	logger *slog.Logger
}

func (s *wsSink) Attached(sessionID string, pid int) error {
	if err := writeJSON(s.conn, wsMessage{Type: "session", SessionID: sessionID}); err != nil {
		return err
	}
	return writeJSON(s.conn, wsMessage{Type: "pid", PID: pid})
}

func (s *wsSink) Send(ev Event) error {
	switch ev.Kind {
	case EventPassthrough, EventOutput:
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return s.conn.Write(ctx, websocket.MessageBinary, ev.Data)
	case EventStatus:
		return writeJSON(s.conn, commandStatusMessage{Type: "commandStatus", CommandStatus: ev.Status})
	case EventExit:
		return writeJSON(s.conn, exitMessage{Type: "exit", ExitCode: ev.ExitCode})
	default:
		return nil
	}
}

func (s *wsSink) Close(reason string) {
	if err := s.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		s.logger.Debug("Failed to close websocket", "reason", reason, "error", err)
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	transportID := identity.ConnectionIDFromContext(r.Context())
	if transportID == "" {
		transportID = identity.NewConnectionID()
	}
	logger := h.logger.With("transport_id", transportID)
	logger.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := &wsSink{conn: ws, logger: logger}

	var (
		wg          sync.WaitGroup
		pingTimeout bool
		pingMu      sync.Mutex
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if h.heartbeat(ctx, ws) {
			pingMu.Lock()
			pingTimeout = true
			pingMu.Unlock()
			cancel()
		}
	}()

	reason := h.readLoop(ctx, ws, transportID, sink, logger)
	cancel()
	wg.Wait()

	pingMu.Lock()
	if pingTimeout {
		reason = ReasonPingTimeout
	}
	pingMu.Unlock()

	h.coord.Disconnected(transportID, reason)
	logger.Info("WebSocket connection closed", "reason", string(reason))
}

// heartbeat pings the peer until ctx ends. It returns true if a ping went
// unanswered.
func (h *WebSocketHandler) heartbeat(ctx context.Context, ws *websocket.Conn) bool {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.PingTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return ctx.Err() == nil
			}
		}
	}
}

//nolint:gocognit // Message dispatch must coordinate websocket and session state.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, transportID string, sink *wsSink, logger *slog.Logger) DisconnectReason {
	for {
		typ, message, err := ws.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				logger.Debug("WebSocket closed by client", "code", closeErr.Code, "reason", closeErr.Reason)
				if closeErr.Code == websocket.StatusNormalClosure && closeErr.Reason == logoutReason {
					return ReasonLogout
				}
			} else if ctx.Err() == nil {
				logger.Warn("WebSocket read error", "error", err)
			}
			return ReasonTransportClose
		}

		if typ == websocket.MessageBinary {
			h.input(transportID, message, logger)
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			// Fallback to raw data.
			h.input(transportID, message, logger)
			continue
		}

		switch msg.Type {
		case "init":
			res, err := h.registry.Attach(ctx, msg.SessionID, transportID, sink)
			if err != nil {
				frame, ok := attachErrorFrame(err)
				if !ok {
					logger.Warn("Terminal attach failed", "session_id", msg.SessionID, "error", err)
					continue
				}
				logger.Error("Failed to initialize terminal", "error", err)
				if err := writeJSON(ws, frame); err != nil {
					logger.Debug("Failed to send error", "error", err)
				}
				continue
			}
			logger.Info("Terminal attached", "session_id", res.Session.ID, "pid", res.Session.PID(), "new", res.IsNew)
		case "input":
			h.input(transportID, []byte(msg.Data), logger)
		case "resize":
			if s, ok := h.registry.ByTransport(transportID); ok {
				s.Resize(msg.Cols, msg.Rows)
			}
		case "ping":
			h.registry.Touch(transportID)
			if err := writeJSON(ws, wsMessage{Type: "pong"}); err != nil {
				logger.Debug("Failed to send pong", "error", err)
			}
		case "logout":
			logger.Info("Client logged out")
			return ReasonLogout
		default:
			logger.Debug("Ignoring unknown message type", "type", msg.Type)
		}
	}
}

func (h *WebSocketHandler) input(transportID string, data []byte, logger *slog.Logger) {
	s, ok := h.registry.ByTransport(transportID)
	if !ok {
		logger.Debug("Input before init, dropping", "bytes", len(data))
		return
	}
	s.Input(data)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// attachErrorFrame returns the frame telling the client its shell could not
// be started. Other attach failures, such as the session closing mid-attach,
// are not reported to the client.
func attachErrorFrame(err error) (wsMessage, bool) {
	var spawnErr *shell.SpawnError
	if !errors.As(err, &spawnErr) {
		return wsMessage{}, false
	}
	return wsMessage{Type: "error", Error: "Failed to initialize terminal"}, true
}

func writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
