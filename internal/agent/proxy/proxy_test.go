package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"google.golang.org/genai"

	"home-sentinel/internal/agent"
	"home-sentinel/internal/clock"
)

func newTestAgent(t *testing.T, cfg agent.Config) (*Agent, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	a, err := New(Options{Endpoint: "http://proxy.invalid/session", Clock: clk}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.pc.Close() })
	return a, clk
}

func TestNew_RequiresEndpoint(t *testing.T) {
	if _, err := New(Options{}, agent.Config{}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestHandleMessage_ToolCall(t *testing.T) {
	a, _ := newTestAgent(t, agent.Config{})

	got := make(chan agent.ToolCall, 1)
	sub := a.ToolCalls().Subscribe(func(c agent.ToolCall) { got <- c })
	defer sub.Unsubscribe()

	a.handleMessage([]byte(`{"call":{"id":"c1","name":"device_list","args":{}}}`))

	select {
	case call := <-got:
		if call.ID != "c1" || call.Name != "device_list" {
			t.Errorf("unexpected call %+v", call)
		}
	case <-time.After(time.Second):
		t.Fatal("tool call not delivered")
	}
}

func TestHandleMessage_CompleteTextUnmutes(t *testing.T) {
	a, clk := newTestAgent(t, agent.Config{})
	a.gate.ShouldMute(clk.Now())
	if !a.gate.Muted() {
		t.Fatal("expected gate muted after agent audio")
	}

	a.handleMessage([]byte(`{"completeText":""}`))
	if a.gate.Muted() {
		t.Error("empty completeText must unmute")
	}
}

func TestHandleMessage_ImageSentClosesReady(t *testing.T) {
	a, _ := newTestAgent(t, agent.Config{})
	a.handleMessage([]byte(`not json`))
	select {
	case <-a.Ready():
		t.Fatal("ready before imageSent")
	default:
	}

	a.handleMessage([]byte(`{"imageSent":true}`))
	a.handleMessage([]byte(`{"imageSent":true}`))
	select {
	case <-a.Ready():
	default:
		t.Fatal("expected ready after imageSent")
	}
}

func TestLiveConfig(t *testing.T) {
	decl := &genai.FunctionDeclaration{Name: "complete"}
	a, _ := newTestAgent(t, agent.Config{
		SystemInstruction: "watch",
		Declarations:      []*genai.FunctionDeclaration{decl},
		Modality:          agent.ModalityText,
	})
	cfg := a.liveConfig()
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityText {
		t.Errorf("unexpected modalities %v", cfg.ResponseModalities)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "watch" {
		t.Error("expected system instruction")
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].FunctionDeclarations[0].Name != "complete" {
		t.Error("expected tool declarations")
	}
	if a.cfg.Model != defaultModel {
		t.Errorf("expected default model, got %s", a.cfg.Model)
	}
}

func TestSendAudio_DroppedWhileMuted(t *testing.T) {
	a, clk := newTestAgent(t, agent.Config{})
	a.gate.ShouldMute(clk.Now())

	a.SendAudio(&rtp.Packet{Payload: []byte{1}})
	a.mu.Lock()
	seq := a.seq
	a.mu.Unlock()
	if seq != 0 {
		t.Errorf("muted audio must not be re-stamped, seq=%d", seq)
	}

	a.gate.Unmute(clk.Now())
	a.SendAudio(&rtp.Packet{Payload: []byte{1}})
	a.SendAudio(&rtp.Packet{Payload: []byte{2}})
	a.mu.Lock()
	seq, ts := a.seq, a.ts
	a.mu.Unlock()
	if seq != 2 || ts != 2*audioTimestampStep {
		t.Errorf("expected seq 2 ts %d, got seq %d ts %d", 2*audioTimestampStep, seq, ts)
	}
}

// proxyServer answers offers with a real pion peer connection and records
// DELETE requests.
type proxyServer struct {
	mu      sync.Mutex
	pcs     []*webrtc.PeerConnection
	auth    string
	deleted bool
}

func (p *proxyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p.mu.Lock()
		p.auth = r.Header.Get("Authorization")
		p.mu.Unlock()

		offer, _ := io.ReadAll(r.Body)
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		p.mu.Lock()
		p.pcs = append(p.pcs, pc)
		p.mu.Unlock()

		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)}); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		gathered := webrtc.GatheringCompletePromise(pc)
		pc.SetLocalDescription(answer)
		<-gathered

		w.Header().Set("Location", "/session/1")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, pc.LocalDescription().SDP)
	case http.MethodDelete:
		p.mu.Lock()
		p.deleted = r.URL.Path == "/session/1"
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (p *proxyServer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.pcs {
		pc.Close()
	}
}

func TestStartAndClose(t *testing.T) {
	proxy := &proxyServer{}
	srv := httptest.NewServer(proxy)
	defer srv.Close()
	defer proxy.close()

	a, err := New(Options{Endpoint: srv.URL + "/session", APIKey: "k"}, agent.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.pc.RemoteDescription() == nil {
		t.Fatal("expected remote description after Start")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	if proxy.auth != "Bearer k" {
		t.Errorf("expected bearer auth, got %q", proxy.auth)
	}
	if !proxy.deleted {
		t.Error("expected DELETE on the session location")
	}
	if err := a.SendText("late"); err != agent.ErrClosed {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestOutboundEncoding(t *testing.T) {
	text := "hello"
	data, _ := json.Marshal(outbound{CompleteText: &text})
	if string(data) != `{"completeText":"hello"}` {
		t.Errorf("unexpected encoding %s", data)
	}
	data, _ = json.Marshal(outbound{Response: &agent.ToolResponse{ID: "c1", Response: map[string]bool{"ok": true}}})
	if string(data) != `{"response":{"id":"c1","response":{"ok":true}}}` {
		t.Errorf("unexpected encoding %s", data)
	}
}
