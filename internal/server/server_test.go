package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uisync/uisync/internal/dispatch"
	"github.com/uisync/uisync/internal/ir"
	"github.com/uisync/uisync/internal/metrics"
	"github.com/uisync/uisync/internal/protocol"
	"github.com/uisync/uisync/internal/session"
)

func newTestServer(t *testing.T, sessOpts session.Options) (*httptest.Server, *session.Registry, *dispatch.Dispatcher) {
	t.Helper()
	reg := session.NewRegistry(sessOpts)
	disp := dispatch.New(reg, dispatch.Options{})
	t.Cleanup(disp.Stop)
	srv := New(Options{}, reg, disp, metrics.New())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, reg, disp
}

func wsURL(ts *httptest.Server, sessionID string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if sessionID != "" {
		u += "?session=" + sessionID
	}
	return u
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendConnect(t *testing.T, conn *websocket.Conn, sessionID, clientVersion string) {
	t.Helper()
	data, err := protocol.Encode(protocol.TypeConnect, sessionID, protocol.Connect{
		DeviceID: "d1", Platform: "ios", ClientVersion: clientVersion,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	f, err := protocol.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// expectClose reads until the peer closes and returns the close code.
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return ce.Code
			}
			t.Fatalf("connection ended without close frame: %v", err)
		}
	}
}

func docJSON(t *testing.T, n int, marker string) []byte {
	t.Helper()
	d := &ir.Document{SchemaVersion: ir.SchemaVersion}
	for i := 0; i < n; i++ {
		d.Nodes = append(d.Nodes, &ir.Node{
			ID: fmt.Sprintf("n%d", i), Type: "text",
			Props: map[string]any{"content": fmt.Sprintf("%s-%d", marker, i)},
		})
	}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestHealthEndpoint(t *testing.T) {
	ts, reg, _ := newTestServer(t, session.Options{})
	reg.CreateSession()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Sessions != 1 {
		t.Errorf("health = %+v", body)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts, _, _ := newTestServer(t, session.Options{})

	resp, err := http.Post(ts.URL+"/session/new", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var created struct {
		SessionID string `json:"sessionId"`
		WsURL     string `json:"wsUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.SessionID == "" {
		t.Fatalf("create: status=%d body=%+v", resp.StatusCode, created)
	}
	if !strings.Contains(created.WsURL, "?session="+created.SessionID) {
		t.Errorf("wsUrl = %s, should embed the session id", created.WsURL)
	}

	resp, err = http.Get(ts.URL + "/session/" + created.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get: status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/session/"+created.SessionID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/session/" + created.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("after delete: status = %d, want 404", resp.StatusCode)
	}
	var errBody struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil || errBody.Error == "" {
		t.Errorf("error envelope missing: %+v err=%v", errBody, err)
	}
}

func TestSendPushesToSession(t *testing.T) {
	ts, reg, _ := newTestServer(t, session.Options{})
	sess := reg.CreateSession()

	resp, err := http.Post(ts.URL+"/send/"+sess.ID, "application/json",
		bytes.NewReader(docJSON(t, 3, "v1")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Success        bool   `json:"success"`
		ClientsUpdated int    `json:"clientsUpdated"`
		UpdateType     string `json:"updateType"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || body.UpdateType != "full" || body.ClientsUpdated != 0 {
		t.Errorf("send = %+v", body)
	}
	if sess.Sequence() != 1 {
		t.Errorf("sequence = %d, want 1", sess.Sequence())
	}
}

func TestSendRejectsInvalidIR(t *testing.T) {
	ts, reg, _ := newTestServer(t, session.Options{})
	sess := reg.CreateSession()

	resp, err := http.Post(ts.URL+"/send/"+sess.ID, "application/json",
		strings.NewReader(`{"schemaVersion":"9.9","nodes":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWS_MissingSessionParam(t *testing.T) {
	ts, _, _ := newTestServer(t, session.Options{})
	conn := dial(t, wsURL(ts, ""))
	if code := expectClose(t, conn); code != protocol.CloseSessionMismatch {
		t.Errorf("close code = %d, want 4400", code)
	}
}

func TestWS_UnknownSession(t *testing.T) {
	ts, _, _ := newTestServer(t, session.Options{})
	conn := dial(t, wsURL(ts, "no-such-session"))
	if code := expectClose(t, conn); code != protocol.CloseUnknownSession {
		t.Errorf("close code = %d, want 4404", code)
	}
}

func TestWS_ExpiredSession(t *testing.T) {
	ts, reg, _ := newTestServer(t, session.Options{SessionTimeout: time.Millisecond})
	sess := reg.CreateSession()
	time.Sleep(10 * time.Millisecond)

	conn := dial(t, wsURL(ts, sess.ID))
	if code := expectClose(t, conn); code != protocol.CloseSessionExpired {
		t.Errorf("close code = %d, want 4410", code)
	}
}

func TestWS_FirstFrameMustBeConnect(t *testing.T) {
	ts, reg, _ := newTestServer(t, session.Options{})
	sess := reg.CreateSession()
	conn := dial(t, wsURL(ts, sess.ID))

	data, err := protocol.Encode(protocol.TypePing, sess.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	if code := expectClose(t, conn); code != protocol.CloseNotAuthenticated {
		t.Errorf("close code = %d, want 4401", code)
	}
}

func TestWS_SessionIDMismatch(t *testing.T) {
	ts, reg, _ := newTestServer(t, session.Options{})
	sess := reg.CreateSession()
	conn := dial(t, wsURL(ts, sess.ID))

	sendConnect(t, conn, "different-session", "1.0.0")
	if code := expectClose(t, conn); code != protocol.CloseSessionMismatch {
		t.Errorf("close code = %d, want 4400", code)
	}
}

func TestWS_UnsupportedVersion(t *testing.T) {
	ts, reg, _ := newTestServer(t, session.Options{})
	sess := reg.CreateSession()
	conn := dial(t, wsURL(ts, sess.ID))

	sendConnect(t, conn, sess.ID, "2.0.0")
	f := readFrame(t, conn)
	if f.Type != protocol.TypeError {
		t.Fatalf("frame type = %s, want error", f.Type)
	}
	var ep protocol.ErrorPayload
	if err := protocol.DecodePayload(f, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Code != protocol.CodeUnsupportedVersion || ep.Severity != protocol.SeverityFatal {
		t.Errorf("error payload = %+v", ep)
	}
	if code := expectClose(t, conn); code != protocol.CloseUnsupportedVersion {
		t.Errorf("close code = %d, want 4426", code)
	}
}

func TestWS_ConnectHandshake(t *testing.T) {
	ts, reg, _ := newTestServer(t, session.Options{})
	sess := reg.CreateSession()
	conn := dial(t, wsURL(ts, sess.ID))

	sendConnect(t, conn, sess.ID, "1.0.0")
	f := readFrame(t, conn)
	if f.Type != protocol.TypeConnected {
		t.Fatalf("frame type = %s, want connected", f.Type)
	}
	var c protocol.Connected
	if err := protocol.DecodePayload(f, &c); err != nil {
		t.Fatal(err)
	}
	if c.ConnectionID == "" {
		t.Error("connected frame must carry a connection id")
	}
	if c.InitialSchema != nil {
		t.Error("initialSchema must be null before any push")
	}

	// Ping → pong keeps the device healthy.
	data, err := protocol.Encode(protocol.TypePing, sess.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, conn); f.Type != protocol.TypePong {
		t.Errorf("frame type = %s, want pong", f.Type)
	}
}

func TestWS_ReconnectReceivesFullSnapshot(t *testing.T) {
	ts, reg, disp := newTestServer(t, session.Options{})
	sess := reg.CreateSession()

	// First connection, then a push at sequence 1.
	conn := dial(t, wsURL(ts, sess.ID))
	sendConnect(t, conn, sess.ID, "1.0.0")
	if f := readFrame(t, conn); f.Type != protocol.TypeConnected {
		t.Fatalf("frame type = %s", f.Type)
	}
	doc, err := ir.Parse(docJSON(t, 5, "v1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := disp.PushUpdateImmediate(sess.ID, doc, false); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, conn); f.Type != protocol.TypeUpdate {
		t.Fatalf("after push: frame type = %s", f.Type)
	}
	conn.Close()

	// Reconnect: connected carries the schema and the next frame is a
	// full update at sequence 2.
	conn2 := dial(t, wsURL(ts, sess.ID))
	sendConnect(t, conn2, sess.ID, "1.0.0")
	f := readFrame(t, conn2)
	if f.Type != protocol.TypeConnected {
		t.Fatalf("frame type = %s", f.Type)
	}
	var c protocol.Connected
	if err := protocol.DecodePayload(f, &c); err != nil {
		t.Fatal(err)
	}
	if c.InitialSchema == nil || len(c.InitialSchema.Nodes) != 5 {
		t.Error("reconnect connected frame should carry the current schema")
	}

	f = readFrame(t, conn2)
	if f.Type != protocol.TypeUpdate {
		t.Fatalf("frame type = %s, want update", f.Type)
	}
	var u protocol.Update
	if err := protocol.DecodePayload(f, &u); err != nil {
		t.Fatal(err)
	}
	if u.Kind != "full" || u.SequenceNumber != 2 || u.Schema == nil {
		t.Errorf("reconnect update = kind=%s seq=%d", u.Kind, u.SequenceNumber)
	}
}

func TestWS_MalformedFrameClosesWithPolicyViolation(t *testing.T) {
	ts, reg, _ := newTestServer(t, session.Options{})
	sess := reg.CreateSession()
	conn := dial(t, wsURL(ts, sess.ID))

	sendConnect(t, conn, sess.ID, "1.0.0")
	if f := readFrame(t, conn); f.Type != protocol.TypeConnected {
		t.Fatalf("frame type = %s", f.Type)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if code := expectClose(t, conn); code != protocol.ClosePolicyViolation {
		t.Errorf("close code = %d, want 1008", code)
	}
}

func TestWS_AckUpdatesDeviceBookkeeping(t *testing.T) {
	ts, reg, disp := newTestServer(t, session.Options{})
	sess := reg.CreateSession()
	conn := dial(t, wsURL(ts, sess.ID))
	sendConnect(t, conn, sess.ID, "1.0.0")
	if f := readFrame(t, conn); f.Type != protocol.TypeConnected {
		t.Fatalf("frame type = %s", f.Type)
	}

	doc, err := ir.Parse(docJSON(t, 2, "v1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := disp.PushUpdateImmediate(sess.ID, doc, false); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, conn); f.Type != protocol.TypeUpdate {
		t.Fatalf("frame type = %s", f.Type)
	}

	data, err := protocol.Encode(protocol.TypeAck, sess.ID, protocol.Ack{
		SequenceNumber: 1, Success: true, ApplyTimeMs: 12,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		devs := sess.Devices()
		if len(devs) == 1 && devs[0].LastAckedSequence() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ack never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
