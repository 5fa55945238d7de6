package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"home-sentinel/internal/agent/agenttest"
	"home-sentinel/internal/device"
	"home-sentinel/internal/device/debug"
	"home-sentinel/internal/device/whip"
	"home-sentinel/internal/jsonrpc"
	"home-sentinel/internal/protocol"
	"home-sentinel/internal/session"
)

type testEnv struct {
	server   *Server
	sessions *session.Registry
	factory  *agenttest.Factory
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	devices := device.NewRegistry()
	devices.RegisterFront(protocol.FrontDebug, debug.NewFrontDevice)
	devices.RegisterSensor(protocol.SensorDebug, debug.SetupSensors)

	factory := agenttest.NewFactory()
	sessions := session.NewRegistry(session.Options{AgentFactory: factory.New, Devices: devices}, 0)
	t.Cleanup(sessions.Shutdown)

	svc := NewService(sessions, nil)
	rpc := jsonrpc.NewServer(nil)
	if err := svc.Register(rpc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	srv := New(Options{Sessions: sessions, RPC: rpc, WHIP: whip.NewHandler(svc, nil)})
	return &testEnv{server: srv, sessions: sessions, factory: factory}
}

func postRPC(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/rpc", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_ListSessionsEmpty(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var sessions []protocol.SessionStatus
	json.NewDecoder(w.Body).Decode(&sessions)
	if len(sessions) != 0 {
		t.Errorf("expected empty list, got %d sessions", len(sessions))
	}
}

func TestServer_GetSessionNotFound(t *testing.T) {
	env := newTestServer(t)
	req := httptest.NewRequest("GET", "/sessions/nonexistent", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_RPCFrontCall(t *testing.T) {
	env := newTestServer(t)
	handler := env.server.Handler()

	body := `{"jsonrpc":"2.0","method":"front_call","params":{"userId":"u1","offer":"v=0\r\n","frontDevice":"debug"},"id":1}`
	w := postRPC(t, handler, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp jsonrpc.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	var answer string
	json.Unmarshal(resp.Result, &answer)
	if answer == "" {
		t.Error("expected non-empty answer")
	}
	if string(resp.ID) != "1" {
		t.Errorf("expected id 1, got %s", resp.ID)
	}

	// Same user reuses the session.
	postRPC(t, handler, strings.Replace(body, `"id":1`, `"id":2`, 1))
	if env.sessions.Len() != 1 {
		t.Errorf("expected 1 session, got %d", env.sessions.Len())
	}

	req := httptest.NewRequest("GET", "/sessions/u1", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	var status protocol.SessionStatus
	json.NewDecoder(w.Body).Decode(&status)
	if status.ID != "u1" || status.FrontDevice != protocol.FrontDebug {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestServer_RPCLegacyOfferAlias(t *testing.T) {
	env := newTestServer(t)
	w := postRPC(t, env.server.Handler(), `{"jsonrpc":"2.0","method":"offer","params":{"userId":"u1","offer":"v=0","frontDevice":"debug"},"id":"a"}`)
	if !strings.Contains(w.Body.String(), `"result"`) {
		t.Errorf("expected result, got %s", w.Body.String())
	}
}

func TestServer_RPCInvalidParams(t *testing.T) {
	env := newTestServer(t)
	w := postRPC(t, env.server.Handler(), `{"jsonrpc":"2.0","method":"front_call","params":{"offer":"v=0"},"id":1}`)
	var resp jsonrpc.Response
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInvalidParams {
		t.Errorf("expected invalid params, got %+v", resp.Error)
	}
}

func TestServer_RPCNotification(t *testing.T) {
	env := newTestServer(t)
	w := postRPC(t, env.server.Handler(), `{"jsonrpc":"2.0","method":"session_status","params":{"userId":"u1"}}`)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for a notification, got %d", w.Code)
	}
}

func TestServer_RPCFrontNegotiationUnknownSession(t *testing.T) {
	env := newTestServer(t)
	w := postRPC(t, env.server.Handler(), `{"jsonrpc":"2.0","method":"front_negotiation","params":{"userId":"ghost","payload":{"candidate":"c"}},"id":1}`)
	var resp jsonrpc.Response
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeServerError {
		t.Fatalf("expected server error, got %+v", resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "session not found") {
		t.Errorf("unexpected message %q", resp.Error.Message)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	env := newTestServer(t)
	req := httptest.NewRequest("OPTIONS", "/sessions", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin header")
	}
	if !strings.Contains(w.Header().Get("Access-Control-Expose-Headers"), "ETag") {
		t.Error("expected ETag to be exposed for WHIP clients")
	}
}

func TestServer_WHIPTrickleUnknownSession(t *testing.T) {
	env := newTestServer(t)
	svc := NewService(env.sessions, nil)
	err := svc.Trickle(context.Background(), "ghost", "cam", json.RawMessage(`{"candidate":"c"}`))
	if !errors.Is(err, whip.ErrResourceNotFound) {
		t.Errorf("expected ErrResourceNotFound, got %v", err)
	}
}

func dialTest(t *testing.T, env *testEnv) (*Conn, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, ts
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer ws.Close()

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}

	var resp jsonrpc.Response
	json.Unmarshal(data, &resp)
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeParseError {
		t.Errorf("expected parse error, got %s", data)
	}
	if string(resp.ID) != "null" {
		t.Errorf("expected null id, got %s", resp.ID)
	}
}

func TestServer_WebSocketScenario(t *testing.T) {
	env := newTestServer(t)
	conn, _ := dialTest(t, env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var answer string
	err := conn.Call(ctx, protocol.MethodFrontCall, protocol.FrontCallParams{
		UserID: "u1", Offer: "v=0\r\n", FrontDevice: protocol.FrontDebug,
	}, &answer)
	if err != nil {
		t.Fatalf("front_call: %v", err)
	}
	if answer == "" {
		t.Fatal("expected non-empty answer")
	}

	var results []protocol.SensorAddResult
	err = conn.Call(ctx, protocol.MethodSensorAdd, protocol.SensorAddParams{
		UserID: "u1",
		Sensor: protocol.SensorInit{protocol.SensorDebug: json.RawMessage(`[{"id":"s1"}]`)},
	}, &results)
	if err != nil {
		t.Fatalf("sensor_add: %v", err)
	}
	if len(results) != 1 || results[0].SensorID != "s1" {
		t.Fatalf("unexpected results %+v", results)
	}

	var negotiation json.RawMessage
	err = conn.Call(ctx, protocol.MethodSensorNegotiation, protocol.SensorNegotiationParams{
		UserID: "u1", SensorID: "s1", Payload: json.RawMessage(`{"candidate":"c"}`),
	}, &negotiation)
	if err != nil {
		t.Fatalf("sensor_negotiation: %v", err)
	}

	err = conn.Call(ctx, protocol.MethodSensorNegotiation, protocol.SensorNegotiationParams{
		UserID: "u1", SensorID: "nope",
	}, nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeServerError {
		t.Errorf("expected server error for unknown sensor, got %v", err)
	}

	var status protocol.SessionStatus
	if err := conn.Call(ctx, protocol.MethodSessionStatus, protocol.SessionStatusParams{UserID: "u1"}, &status); err != nil {
		t.Fatalf("session_status: %v", err)
	}
	if len(status.Devices) != 1 || status.Devices[0] != "DEBUG_s1" {
		t.Errorf("unexpected devices %v", status.Devices)
	}

	err = conn.Call(ctx, "no_such_method", nil, nil)
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("expected method not found, got %v", err)
	}
}

func TestConn_CloseFailsPending(t *testing.T) {
	env := newTestServer(t)
	conn, _ := dialTest(t, env)
	conn.Close()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not done after Close")
	}
	err := conn.Call(context.Background(), protocol.MethodSessionStatus, protocol.SessionStatusParams{UserID: "u1"}, nil)
	if !errors.Is(err, jsonrpc.ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}

func waitForClients(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", want, srv.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_ClientCount(t *testing.T) {
	env := newTestServer(t)
	conn, _ := dialTest(t, env)
	waitForClients(t, env.server, 1)

	conn.Close()
	waitForClients(t, env.server, 0)
}
