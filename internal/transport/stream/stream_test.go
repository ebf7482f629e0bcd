package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a2amesh/a2amesh/internal/common/config"
	"github.com/a2amesh/a2amesh/internal/common/errors"
	"github.com/a2amesh/a2amesh/internal/common/logger"
	"github.com/a2amesh/a2amesh/internal/transport"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

type captureHandler struct {
	mu       sync.Mutex
	messages []*v1.Message
}

func (h *captureHandler) HandleMessage(ctx context.Context, msg *v1.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
	return nil
}

func (h *captureHandler) HandleEncrypted(ctx context.Context, env *v1.EncryptedMessage) error {
	return nil
}

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

type tokenAsAgentAuth struct{}

// Validate treats the token string as the agent id; empty means reject.
func (tokenAsAgentAuth) Validate(token string, requiredPermissions []string) (string, error) {
	if token == "reject" {
		return "", errors.AuthFailure("rejected")
	}
	return token, nil
}

type failingHandler struct {
	err error
}

func (h failingHandler) HandleMessage(ctx context.Context, msg *v1.Message) error {
	return h.err
}

func (h failingHandler) HandleEncrypted(ctx context.Context, env *v1.EncryptedMessage) error {
	return h.err
}

func newStreamServer(t *testing.T, handler transport.MessageHandler) (*Server, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	cfg := config.TransportConfig{Host: "127.0.0.1", Port: 0}
	srv := NewServer(cfg, handler, tokenAsAgentAuth{}, log)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	return srv, "ws://" + srv.Addr() + "/a2a/stream"
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDialHandshake(t *testing.T) {
	srv, url := newStreamServer(t, &captureHandler{})

	client, err := Dial(context.Background(), url, "alice", nil, testLogger(t))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	if client.AgentID() != "alice" {
		t.Errorf("expected authenticated agent alice, got %q", client.AgentID())
	}
	waitUntil(t, func() bool { return srv.Hub().ConnCount() == 1 })
}

func TestDialRejected(t *testing.T) {
	_, url := newStreamServer(t, &captureHandler{})

	if _, err := Dial(context.Background(), url, "reject", nil, testLogger(t)); err == nil {
		t.Fatal("expected the handshake to be rejected")
	}
}

func TestSendReachesHandler(t *testing.T) {
	handler := &captureHandler{}
	_, url := newStreamServer(t, handler)

	client, err := Dial(context.Background(), url, "alice", nil, testLogger(t))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	msg := v1.NewMessage("alice", "bob", "ping", map[string]interface{}{"k": "v"})
	if err := client.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitUntil(t, func() bool { return handler.count() == 1 })
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.messages[0].MessageID != msg.MessageID {
		t.Error("message did not survive the stream")
	}
}

func TestBroadcastFansOut(t *testing.T) {
	handler := &captureHandler{}
	_, url := newStreamServer(t, handler)

	var mu sync.Mutex
	var bobGot []*v1.Message
	bob, err := Dial(context.Background(), url, "bob", func(msg *v1.Message) {
		mu.Lock()
		defer mu.Unlock()
		bobGot = append(bobGot, msg)
	}, testLogger(t))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer bob.Close()

	alice, err := Dial(context.Background(), url, "alice", nil, testLogger(t))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer alice.Close()

	msg := v1.NewMessage("alice", "", "agent_presence", nil)
	if err := alice.Broadcast(msg); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	// The server handles the message itself and relays it to bob, not
	// back to alice.
	waitUntil(t, func() bool { return handler.count() == 1 })
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bobGot) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if bobGot[0].MessageID != msg.MessageID {
		t.Error("broadcast did not reach the peer intact")
	}
}

func TestReconnectReplacesConn(t *testing.T) {
	srv, url := newStreamServer(t, &captureHandler{})

	first, err := Dial(context.Background(), url, "alice", nil, testLogger(t))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitUntil(t, func() bool { return srv.Hub().ConnCount() == 1 })

	second, err := Dial(context.Background(), url, "alice", nil, testLogger(t))
	if err != nil {
		t.Fatalf("re-Dial failed: %v", err)
	}
	defer second.Close()
	defer first.Close()

	// The hub keeps one connection per agent id.
	waitUntil(t, func() bool { return srv.Hub().ConnCount() == 1 })
}

func TestFrameRoundTrip(t *testing.T) {
	msg := v1.NewMessage("alice", "bob", "ping", map[string]interface{}{"n": float64(7)})

	frame, err := NewMessageFrame(FrameMessage, msg)
	if err != nil {
		t.Fatalf("NewMessageFrame failed: %v", err)
	}
	if frame.Type != FrameMessage {
		t.Errorf("expected %s, got %s", FrameMessage, frame.Type)
	}

	decoded, err := frame.Message()
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if decoded.MessageID != msg.MessageID || decoded.Payload["n"] != float64(7) {
		t.Error("frame payload did not round-trip")
	}
}

func TestFrameWithoutData(t *testing.T) {
	frame := &Frame{Type: FrameMessage}
	if _, err := frame.Message(); err == nil {
		t.Error("expected an error for a frame without data")
	}
}

// rawDial opens an authenticated connection without the Client wrapper
// so tests can observe individual frames.
func rawDial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	if err := ws.WriteJSON(&Frame{Type: FrameAuth, Token: token}); err != nil {
		t.Fatalf("auth write failed: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Frame
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("no auth response: %v", err)
	}
	if resp.Type != FrameAuthResponse || !resp.Authenticated {
		t.Fatalf("handshake rejected: %+v", resp)
	}
	return ws
}

func TestMessageFrameAcknowledged(t *testing.T) {
	handler := &captureHandler{}
	_, url := newStreamServer(t, handler)
	ws := rawDial(t, url, "alice")

	msg := v1.NewMessage("alice", "bob", "ping", nil)
	frame, err := NewMessageFrame(FrameMessage, msg)
	if err != nil {
		t.Fatalf("NewMessageFrame failed: %v", err)
	}
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Frame
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("no acknowledgement arrived: %v", err)
	}
	if resp.Type != FrameMessageResponse {
		t.Fatalf("expected %s, got %s", FrameMessageResponse, resp.Type)
	}
	if resp.Status != StatusAccepted {
		t.Errorf("expected %s, got %s", StatusAccepted, resp.Status)
	}
	if resp.MessageID != msg.MessageID {
		t.Errorf("acknowledgement names the wrong message: %s", resp.MessageID)
	}
	waitUntil(t, func() bool { return handler.count() == 1 })
}

func TestMessageFrameRejectedOnOverflow(t *testing.T) {
	_, url := newStreamServer(t, failingHandler{err: errors.QueueOverflow(1000)})
	ws := rawDial(t, url, "alice")

	msg := v1.NewMessage("alice", "bob", "ping", nil)
	frame, _ := NewMessageFrame(FrameMessage, msg)
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Frame
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("no acknowledgement arrived: %v", err)
	}
	if resp.Type != FrameMessageResponse || resp.Status != StatusRejected {
		t.Errorf("expected a rejected acknowledgement, got %+v", resp)
	}
}

func TestMessageFrameSignatureFailureLooksAccepted(t *testing.T) {
	_, url := newStreamServer(t, failingHandler{err: errors.SignatureInvalid("m-1")})
	ws := rawDial(t, url, "mallory")

	msg := v1.NewMessage("mallory", "bob", "ping", nil)
	frame, _ := NewMessageFrame(FrameMessage, msg)
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Frame
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("no acknowledgement arrived: %v", err)
	}
	if resp.Type != FrameMessageResponse || resp.Status != StatusAccepted {
		t.Errorf("signature failures must look accepted, got %+v", resp)
	}
}

func TestStopUnblocksHubTeardown(t *testing.T) {
	srv, url := newStreamServer(t, &captureHandler{})

	client, err := Dial(context.Background(), url, "alice", nil, testLogger(t))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	waitUntil(t, func() bool { return srv.Hub().ConnCount() == 1 })

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitUntil(t, func() bool { return srv.Hub().ConnCount() == 0 })

	// Connection teardown after shutdown must not hang on the hub.
	done := make(chan struct{})
	go func() {
		srv.Hub().Unregister(&Conn{AgentID: "ghost", send: make(chan []byte, 1)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unregister blocked after shutdown")
	}
}
