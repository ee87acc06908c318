package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-triage/pkg/gateway/calls"
	"github.com/vango-go/vai-triage/pkg/gateway/config"
	"github.com/vango-go/vai-triage/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-triage/pkg/gateway/metrics"
	"github.com/vango-go/vai-triage/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-triage/pkg/gateway/sessions"
	"github.com/vango-go/vai-triage/pkg/triage"
)

type agentSessionFixture struct {
	handler AgentSessionHandler
	server  *httptest.Server
}

func newAgentSessionFixture(t *testing.T) *agentSessionFixture {
	t.Helper()
	h := AgentSessionHandler{
		Config: config.Config{
			AgentHandshakeTimeout:   2 * time.Second,
			AgentWSWriteTimeout:     2 * time.Second,
			AgentMaxJSONMessageSize: 64 * 1024,
			CORSAllowedOrigins:      map[string]struct{}{"https://console.example.test": {}},
		},
		Scripts:   triage.DefaultScripts(),
		Calls:     calls.NewRegistry(),
		Sessions:  sessions.NewTracker(),
		Lifecycle: &lifecycle.Lifecycle{},
		Metrics:   metrics.NewMetrics("test"),
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &agentSessionFixture{handler: h, server: srv}
}

func (f *agentSessionFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readFrame returns the next JSON frame as a map.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame %s: %v", data, err)
	}
	return frame
}

// readUntil reads frames until one of type typ arrives and returns every
// frame read, that one included.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		frames = append(frames, frame)
		if frame["type"] == typ {
			return frames
		}
	}
	t.Fatalf("no %q frame in %v", typ, frames)
	return nil
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestAgentSession_HandshakeAndGreeting(t *testing.T) {
	f := newAgentSessionFixture(t)
	rec, err := f.handler.Calls.Create(calls.CreateParams{PatientName: "Jane"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	conn := f.dial(t)

	writeFrame(t, conn, `{"type":"hello","protocol_version":"1","room_name":"`+rec.RoomName+`"}`)

	session := readFrame(t, conn)
	if session["type"] != "session" || session["active_role"] != "triage" || session["call_id"] != rec.CallID {
		t.Fatalf("session frame=%v", session)
	}
	if actions, _ := session["actions"].([]any); len(actions) != 3 {
		t.Fatalf("actions=%v", session["actions"])
	}

	greeting := readFrame(t, conn)
	if greeting["type"] != "utterance" || greeting["role"] != "triage" {
		t.Fatalf("greeting=%v", greeting)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.handler.Sessions.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	list := f.handler.Sessions.List()
	if len(list) != 1 || list[0].CallID != rec.CallID || list[0].ActiveRole != "triage" {
		t.Fatalf("tracked sessions=%+v", list)
	}
}

func TestAgentSession_InvokeAndHandoff(t *testing.T) {
	f := newAgentSessionFixture(t)
	conn := f.dial(t)
	writeFrame(t, conn, `{"type":"hello","protocol_version":"1"}`)
	readUntil(t, conn, "utterance")

	writeFrame(t, conn, `{"type":"invoke","id":"1","action":"collect_patient_info","arguments":{"patient_name":"Jane","symptoms":"fever","urgency_level":"high"}}`)
	frames := readUntil(t, conn, "result")
	result := frames[len(frames)-1]
	if result["id"] != "1" || result["ok"] != true {
		t.Fatalf("result=%v", result)
	}
	data, _ := result["data"].(map[string]any)
	if data["patient_name"] != "Jane" {
		t.Fatalf("data=%v", data)
	}

	writeFrame(t, conn, `{"type":"invoke","id":"2","action":"transfer_to_support"}`)
	frames = readUntil(t, conn, "result")
	var sawRoleChanged, sawSupportGreeting bool
	for _, frame := range frames {
		if frame["type"] == "role_changed" && frame["from"] == "triage" && frame["to"] == "support" {
			sawRoleChanged = true
		}
		if frame["type"] == "utterance" && frame["role"] == "support" && strings.Contains(frame["text"].(string), "Jane") {
			sawSupportGreeting = true
		}
	}
	if !sawRoleChanged || !sawSupportGreeting {
		t.Fatalf("frames=%v", frames)
	}
	result = frames[len(frames)-1]
	if result["ok"] != true || result["active_role"] != "support" {
		t.Fatalf("result=%v", result)
	}

	writeFrame(t, conn, `{"type":"invoke","id":"3","action":"transfer_to_support"}`)
	result = readUntil(t, conn, "result")[0]
	if result["ok"] != false {
		t.Fatalf("self transfer result=%v", result)
	}
	if errObj, _ := result["error"].(map[string]any); errObj["code"] != "action_not_permitted" && errObj["code"] != "invalid_transition" {
		t.Fatalf("error=%v", result["error"])
	}

	writeFrame(t, conn, `{"type":"state"}`)
	state := readUntil(t, conn, "state")[0]
	if state["active_role"] != "support" {
		t.Fatalf("state=%v", state)
	}
	if handoffs, _ := state["handoffs"].([]any); len(handoffs) != 1 {
		t.Fatalf("handoffs=%v", state["handoffs"])
	}

	writeFrame(t, conn, `{"type":"end","reason":"done"}`)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read after end err=%v, want normal close", err)
	}
}

func TestAgentSession_RejectsBadHello(t *testing.T) {
	tests := []struct {
		name     string
		hello    string
		wantCode string
	}{
		{name: "not hello", hello: `{"type":"state"}`, wantCode: "bad_request"},
		{name: "bad version", hello: `{"type":"hello","protocol_version":"9"}`, wantCode: "unsupported_version"},
		{name: "unknown call", hello: `{"type":"hello","protocol_version":"1","call_id":"nope"}`, wantCode: "call_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAgentSessionFixture(t)
			conn := f.dial(t)
			writeFrame(t, conn, tt.hello)
			frame := readFrame(t, conn)
			if frame["type"] != "error" || frame["code"] != tt.wantCode || frame["close"] != true {
				t.Fatalf("frame=%v", frame)
			}
		})
	}
}

func TestAgentSession_RejectsEndedCall(t *testing.T) {
	f := newAgentSessionFixture(t)
	rec, _ := f.handler.Calls.Create(calls.CreateParams{})
	_, _ = f.handler.Calls.End(rec.CallID)
	conn := f.dial(t)

	writeFrame(t, conn, `{"type":"hello","protocol_version":"1","call_id":"`+rec.CallID+`"}`)
	frame := readFrame(t, conn)
	if frame["code"] != "call_not_active" {
		t.Fatalf("frame=%v", frame)
	}
}

func TestAgentSession_BadFrameIsNotFatal(t *testing.T) {
	f := newAgentSessionFixture(t)
	conn := f.dial(t)
	writeFrame(t, conn, `{"type":"hello","protocol_version":"1"}`)
	readUntil(t, conn, "utterance")

	writeFrame(t, conn, `{"type":"invoke","action":"transfer_to_billing"}`)
	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["close"] == true {
		t.Fatalf("frame=%v", frame)
	}

	writeFrame(t, conn, `{"type":"state"}`)
	if state := readFrame(t, conn); state["type"] != "state" {
		t.Fatalf("state=%v", state)
	}
}

func TestAgentSession_CancelCallClosesSession(t *testing.T) {
	f := newAgentSessionFixture(t)
	rec, _ := f.handler.Calls.Create(calls.CreateParams{})
	conn := f.dial(t)
	writeFrame(t, conn, `{"type":"hello","protocol_version":"1","call_id":"`+rec.CallID+`"}`)
	readUntil(t, conn, "utterance")

	deadline := time.Now().Add(2 * time.Second)
	for f.handler.Sessions.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := f.handler.Sessions.CancelCall(rec.CallID); n != 1 {
		t.Fatalf("CancelCall=%d, want 1", n)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["code"] != "session_closed" {
		t.Fatalf("frame=%v", frame)
	}
	ctxWait, cancel := contextWithTimeout(2 * time.Second)
	defer cancel()
	if !f.handler.Sessions.Wait(ctxWait) {
		t.Fatalf("session did not unregister")
	}
}

func TestAgentSession_WarnReachesEngine(t *testing.T) {
	f := newAgentSessionFixture(t)
	conn := f.dial(t)
	writeFrame(t, conn, `{"type":"hello","protocol_version":"1"}`)
	readUntil(t, conn, "utterance")

	deadline := time.Now().Add(2 * time.Second)
	for f.handler.Sessions.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sent := f.handler.Sessions.WarnAll("draining", "gateway is shutting down"); sent != 1 {
		t.Fatalf("WarnAll=%d", sent)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "warning" || frame["code"] != "draining" {
		t.Fatalf("frame=%v", frame)
	}
}

func TestAgentSession_RefusedWhileDraining(t *testing.T) {
	f := newAgentSessionFixture(t)
	f.handler.Lifecycle.SetDraining(true)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v", resp)
	}
}

func TestAgentSession_RejectsDisallowedOrigin(t *testing.T) {
	f := newAgentSessionFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := http.Header{"Origin": []string{"https://evil.example.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("err=%v resp=%v, want 403", err, resp)
	}
}

func TestAgentSession_PerKeySessionCap(t *testing.T) {
	f := newAgentSessionFixture(t)
	h := f.handler
	h.Limiter = ratelimit.New(ratelimit.Config{MaxAgentSessions: 1})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()
	writeFrame(t, first, `{"type":"hello","protocol_version":"1"}`)
	if frame := readFrame(t, first); frame["type"] != "session" {
		t.Fatalf("first session frame=%v", frame)
	}

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected second dial to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("resp=%v, want 429", resp)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}
