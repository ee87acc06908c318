package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-triage/pkg/gateway/agentproto"
	"github.com/vango-go/vai-triage/pkg/gateway/apierror"
	"github.com/vango-go/vai-triage/pkg/gateway/calls"
	"github.com/vango-go/vai-triage/pkg/gateway/config"
	"github.com/vango-go/vai-triage/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-triage/pkg/gateway/metrics"
	"github.com/vango-go/vai-triage/pkg/gateway/mw"
	"github.com/vango-go/vai-triage/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-triage/pkg/gateway/sessions"
	"github.com/vango-go/vai-triage/pkg/triage"
)

// Close statuses recorded in agent_sessions_total.
const (
	sessionStatusEnded     = "ended"
	sessionStatusClosed    = "closed"
	sessionStatusCancelled = "cancelled"
	sessionStatusError     = "error"
)

// AgentSessionHandler handles /agents/session websocket sessions. Each
// connection drives one session controller on behalf of a dialogue engine.
type AgentSessionHandler struct {
	Config    config.Config
	Scripts   *triage.Scripts
	Calls     *calls.Registry
	Sessions  *sessions.Tracker
	Lifecycle *lifecycle.Lifecycle
	Metrics   *metrics.Metrics
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger
}

func (h AgentSessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		writeAPIErrorJSON(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeAPIErrorJSON(w, reqID, &apierror.Error{Type: apierror.ErrUnavailable, Message: "gateway is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeAPIErrorJSON(w, reqID, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}
	dec := h.Limiter.AcquireAgentSession(mw.PrincipalKey(r), time.Now())
	if !dec.Allowed {
		if dec.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
		}
		writeAPIErrorJSON(w, reqID, &apierror.Error{Type: apierror.ErrRateLimit, Message: "too many agent sessions", Code: "too_many_sessions"}, http.StatusTooManyRequests)
		return
	}
	defer dec.Permit.Release()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.AgentMaxJSONMessageSize > 0 {
		conn.SetReadLimit(h.Config.AgentMaxJSONMessageSize)
	}
	out := &agentConn{conn: conn, writeTimeout: h.Config.AgentWSWriteTimeout}

	hello, ok := h.readHello(out)
	if !ok {
		return
	}
	binding, err := h.bindCall(hello)
	if err != nil {
		apiErr, _ := apierror.FromError(err, reqID)
		out.closeWithError("session", apiErr.Code, apiErr.Message)
		return
	}

	scripts := h.Scripts
	if scripts == nil {
		scripts = triage.DefaultScripts()
	}
	sessionID := "as_" + randHex(8)
	logger := h.logger().With("session_id", sessionID, "call_id", binding.CallID, "room_name", binding.RoomName)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ctrl := triage.NewController(scripts,
		triage.SpeakerFunc(func(ctx context.Context, u triage.Utterance) error {
			return out.send(agentproto.UtteranceFrame(u))
		}),
		triage.WithTransferObserver(h.Metrics.RecordHandoff),
		triage.WithTransferObserver(func(from, to triage.Role) {
			if err := out.send(agentproto.ServerRoleChanged{
				Type:         "role_changed",
				From:         from,
				To:           to,
				Instructions: scripts.Instructions(to),
				Actions:      triage.ActionsFor(to),
			}); err != nil {
				logger.Warn("send role_changed failed", "error", err)
			}
		}),
	)

	if err := out.send(agentproto.ServerSession{
		Type:            "session",
		ProtocolVersion: agentproto.ProtocolVersion1,
		SessionID:       sessionID,
		CallID:          binding.CallID,
		RoomName:        binding.RoomName,
		ActiveRole:      triage.RoleTriage,
		Instructions:    scripts.Instructions(triage.RoleTriage),
		Actions:         triage.ActionsFor(triage.RoleTriage),
		Pipeline:        scripts.Pipeline,
		Limits:          agentproto.SessionLimits{MaxJSONMessageBytes: h.Config.AgentMaxJSONMessageSize},
	}); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var cancelOnce sync.Once
	unregister := h.Sessions.Register(sessionID, sessions.Handle{
		CallID:   binding.CallID,
		RoomName: binding.RoomName,
		Cancel: func() {
			cancelOnce.Do(func() {
				cancel()
				out.closeWithError("session", "session_closed", "session closed by gateway")
				_ = conn.Close()
			})
		},
		Warn: func(code, message string) error {
			return out.send(agentproto.ServerWarning{Type: "warning", Code: code, Message: message})
		},
		ActiveRole: func() string { return string(ctrl.ActiveRole()) },
	})
	defer unregister()

	start := time.Now()
	h.Metrics.RecordAgentSessionStart()
	status := sessionStatusClosed
	defer func() {
		h.Metrics.RecordAgentSessionEnd(status, time.Since(start))
		logger.Info("agent session finished", "status", status, "duration_ms", time.Since(start).Milliseconds())
	}()
	logger.Info("agent session started", "request_id", reqID, "client", hello.Client.Name)

	if err := ctrl.Start(ctx); err != nil {
		logger.Warn("session start failed", "error", err)
		status = sessionStatusError
		return
	}

	status = h.serve(ctx, out, ctrl, logger)
}

// serve runs the read loop until the engine ends the session or the
// connection fails, and returns the close status.
func (h AgentSessionHandler) serve(ctx context.Context, out *agentConn, ctrl *triage.Controller, logger *slog.Logger) string {
	for {
		messageType, data, err := out.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return sessionStatusCancelled
			}
			return sessionStatusClosed
		}
		if messageType != websocket.TextMessage {
			if err := out.sendError("frame", "bad_request", "frames must be JSON text", false); err != nil {
				return sessionStatusClosed
			}
			continue
		}

		decoded, err := agentproto.DecodeClientMessage(data)
		if err != nil {
			var de *agentproto.DecodeError
			code := "bad_request"
			if errors.As(err, &de) && de.Code != "" {
				code = de.Code
			}
			if err := out.sendError("frame", code, err.Error(), false); err != nil {
				return sessionStatusClosed
			}
			continue
		}

		switch msg := decoded.(type) {
		case agentproto.ClientHello:
			err = out.sendError("frame", "bad_request", "hello already received", false)
		case agentproto.ClientInvoke:
			err = h.invoke(ctx, out, ctrl, msg, logger)
		case agentproto.ClientState:
			err = out.send(agentproto.ServerState{Type: "state", Snapshot: ctrl.State()})
		case agentproto.ClientEnd:
			logger.Info("engine ended session", "reason", msg.Reason)
			out.close(websocket.CloseNormalClosure, "session ended")
			return sessionStatusEnded
		}
		if err != nil {
			return sessionStatusClosed
		}
	}
}

func (h AgentSessionHandler) invoke(ctx context.Context, out *agentConn, ctrl *triage.Controller, msg agentproto.ClientInvoke, logger *slog.Logger) error {
	err := ctrl.Invoke(ctx, msg.Action, msg.Arguments)

	label := msg.Action
	if errors.Is(err, triage.ErrUnknownAction) {
		label = "unknown"
	}
	h.Metrics.RecordAgentAction(label, err == nil)

	snap := ctrl.State()
	result := agentproto.ServerResult{
		Type:       "result",
		ID:         msg.ID,
		OK:         err == nil,
		ActiveRole: snap.ActiveRole,
		Data:       snap.Data,
	}
	if err != nil {
		apiErr, _ := apierror.FromError(err, "")
		code := apiErr.Code
		if code == "" {
			code = "internal"
		}
		result.Error = &agentproto.ResultError{Code: code, Message: apiErr.Message}
		logger.Warn("action failed", "action", msg.Action, "error", err)
	}
	return out.send(result)
}

func (h AgentSessionHandler) readHello(out *agentConn) (agentproto.ClientHello, bool) {
	handshakeTimeout := h.Config.AgentHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = out.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := out.conn.ReadMessage()
	if err != nil {
		out.closeWithError("session", "bad_request", "failed to read hello")
		return agentproto.ClientHello{}, false
	}
	if messageType != websocket.TextMessage {
		out.closeWithError("session", "bad_request", "first frame must be hello")
		return agentproto.ClientHello{}, false
	}
	decoded, err := agentproto.DecodeClientMessage(firstFrame)
	if err != nil {
		var de *agentproto.DecodeError
		if errors.As(err, &de) && de.Code == "unsupported" {
			out.closeWithError("session", "unsupported_version", "unsupported protocol_version")
			return agentproto.ClientHello{}, false
		}
		out.closeWithError("session", "bad_request", "invalid hello frame")
		return agentproto.ClientHello{}, false
	}
	hello, ok := decoded.(agentproto.ClientHello)
	if !ok {
		out.closeWithError("session", "bad_request", "first frame must be hello")
		return agentproto.ClientHello{}, false
	}
	return hello, true
}

type callBinding struct {
	CallID   string
	RoomName string
}

// bindCall resolves the call named by hello. A session without call_id or
// room_name runs standalone.
func (h AgentSessionHandler) bindCall(hello agentproto.ClientHello) (callBinding, error) {
	if hello.CallID == "" && hello.RoomName == "" {
		return callBinding{}, nil
	}
	if h.Calls == nil {
		return callBinding{}, calls.ErrNotFound
	}

	var (
		rec calls.CallRecord
		err error
	)
	if hello.CallID != "" {
		rec, err = h.Calls.Get(hello.CallID)
	} else {
		rec, err = h.Calls.GetByRoom(hello.RoomName)
	}
	if err != nil {
		return callBinding{}, err
	}
	if hello.RoomName != "" && hello.RoomName != rec.RoomName {
		return callBinding{}, apierror.InvalidRequest("room_name does not belong to call_id", "room_name")
	}
	if rec.Status == calls.StatusEnded || rec.Status == calls.StatusFailed {
		return callBinding{}, &apierror.Error{
			Type:    apierror.ErrConflict,
			Message: fmt.Sprintf("call is %s", rec.Status),
			Code:    "call_not_active",
		}
	}
	return callBinding{CallID: rec.CallID, RoomName: rec.RoomName}, nil
}

func (h AgentSessionHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if _, ok := h.Config.CORSAllowedOrigins[config.CORSAllowAll]; ok {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h AgentSessionHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// agentConn serializes writes; gorilla/websocket allows one concurrent
// writer.
type agentConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *agentConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(v)
}

func (c *agentConn) sendError(scope, code, message string, close bool) error {
	return c.send(agentproto.ServerError{Type: "error", Scope: scope, Code: code, Message: message, Close: close})
}

func (c *agentConn) closeWithError(scope, code, message string) {
	_ = c.sendError(scope, code, message, true)
	c.close(websocket.ClosePolicyViolation, message)
}

func (c *agentConn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(2*time.Second))
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
