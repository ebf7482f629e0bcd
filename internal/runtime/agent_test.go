package runtime

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/a2amesh/a2amesh/internal/auth"
	"github.com/a2amesh/a2amesh/internal/common/config"
	"github.com/a2amesh/a2amesh/internal/common/errors"
	"github.com/a2amesh/a2amesh/internal/common/logger"
	"github.com/a2amesh/a2amesh/internal/discovery"
	"github.com/a2amesh/a2amesh/internal/discovery/store"
	"github.com/a2amesh/a2amesh/internal/identity"
	"github.com/a2amesh/a2amesh/internal/messaging"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	dir := t.TempDir()
	cfg := &config.Config{
		Identity:  config.IdentityConfig{StorageDir: filepath.Join(dir, "ids"), ValidityDays: 30},
		Messaging: config.MessagingConfig{QueueSize: 100},
		Discovery: config.DiscoveryConfig{
			RegistryFile:  filepath.Join(dir, "registry.json"),
			DefaultTTL:    300,
			SweepInterval: 60,
		},
		Transport: config.TransportConfig{
			Protocol:       "http2",
			Host:           "127.0.0.1",
			Port:           8470,
			Timeout:        1,
			MaxConnections: 10,
		},
	}

	ids, err := identity.NewStore(cfg.Identity.StorageDir, log)
	if err != nil {
		t.Fatalf("failed to create identity store: %v", err)
	}
	secret, err := ids.LoadOrCreateSecret()
	if err != nil {
		t.Fatalf("failed to create secret: %v", err)
	}

	return Deps{
		Config:   cfg,
		Identity: ids,
		Auth:     auth.NewManager(secret, time.Hour, ids, log),
		Registry: discovery.NewRegistry(cfg.Discovery, store.NewFileStore(cfg.Discovery.RegistryFile), log),
		Logger:   log,
	}
}

func TestAgentInitialize(t *testing.T) {
	deps := newTestDeps(t)
	agent := NewAgent(deps, "bank", []string{"banking"}, nil)

	if agent.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", agent.State())
	}

	if err := agent.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if agent.State() != StateInitialized {
		t.Errorf("expected initialized, got %s", agent.State())
	}

	ident := agent.Identity()
	if ident == nil || ident.DID != "did:a2a:bank" {
		t.Fatalf("unexpected identity: %+v", ident)
	}
	if !ident.HasCapability("banking") || !ident.HasCapability("a2a:messaging") {
		t.Error("identity should carry declared and default capabilities")
	}

	token := agent.Token()
	if token == nil {
		t.Fatal("expected a minted token")
	}
	for _, perm := range DefaultPermissions {
		if !token.HasPermission(perm) {
			t.Errorf("token missing default permission %s", perm)
		}
	}

	record := deps.Registry.Get("bank")
	if record == nil {
		t.Fatal("expected a registry record")
	}
	if record.Status != v1.AgentStatusInitializing {
		t.Errorf("expected initializing, got %s", record.Status)
	}
	if pub, _ := record.Metadata["public_key"].(string); pub == "" {
		t.Error("record should advertise the public key")
	}

	if err := agent.Initialize(context.Background()); err == nil {
		t.Error("double Initialize must fail")
	}
}

func TestAgentInitializeReloadsIdentity(t *testing.T) {
	deps := newTestDeps(t)

	first := NewAgent(deps, "bank", []string{"banking"}, nil)
	if err := first.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	firstDID := first.Identity().DID

	second := NewAgent(deps, "bank", []string{"banking"}, nil)
	if err := second.Initialize(context.Background()); err != nil {
		t.Fatalf("re-Initialize failed: %v", err)
	}
	if second.Identity().DID != firstDID {
		t.Error("expected the persisted identity to be reused")
	}
	if second.Identity().PublicKey != first.Identity().PublicKey {
		t.Error("expected the same keypair across restarts")
	}
}

func TestHandleMessageEnqueues(t *testing.T) {
	deps := newTestDeps(t)

	sender := NewAgent(deps, "alice", nil, nil)
	receiver := NewAgent(deps, "bob", nil, nil)
	ctx := context.Background()
	if err := sender.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := receiver.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	signer := messaging.NewSigner(deps.Identity)
	msg := v1.NewMessage("alice", "bob", "market_data", map[string]interface{}{"price": 42.0})
	if err := signer.Sign(msg); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if err := receiver.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	received := receiver.ReceiveMessages()
	if len(received) != 1 || received[0].MessageID != msg.MessageID {
		t.Errorf("unexpected mailbox contents: %v", received)
	}
}

func TestHandleMessageDropsBadSignature(t *testing.T) {
	deps := newTestDeps(t)
	receiver := NewAgent(deps, "bob", nil, nil)
	ctx := context.Background()
	if err := receiver.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	msg := v1.NewMessage("mallory", "bob", "market_data", nil)
	msg.SetSignature("deadbeef")

	err := receiver.HandleMessage(ctx, msg)
	if err == nil {
		t.Fatal("expected a signature error")
	}
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) || appErr.Code != errors.ErrCodeSignatureInvalid {
		t.Errorf("expected SIGNATURE_INVALID, got %v", err)
	}
	if got := receiver.ReceiveMessages(); len(got) != 0 {
		t.Error("forged message must never reach the mailbox")
	}
}

func TestHandleEncrypted(t *testing.T) {
	deps := newTestDeps(t)

	sender := NewAgent(deps, "alice", nil, nil)
	receiver := NewAgent(deps, "bob", nil, nil)
	ctx := context.Background()
	if err := sender.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := receiver.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	msg := v1.NewMessage("alice", "bob", "secret_note", map[string]interface{}{"note": "hi"})
	env, err := sender.messaging.Seal(msg)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if err := receiver.HandleEncrypted(ctx, env); err != nil {
		t.Fatalf("HandleEncrypted failed: %v", err)
	}
	received := receiver.ReceiveMessages()
	if len(received) != 1 || received[0].Payload["note"] != "hi" {
		t.Errorf("unexpected mailbox contents: %v", received)
	}
}

func TestWaitForMessage(t *testing.T) {
	deps := newTestDeps(t)

	sender := NewAgent(deps, "alice", nil, nil)
	receiver := NewAgent(deps, "bob", nil, nil)
	ctx := context.Background()
	if err := sender.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := receiver.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	signer := messaging.NewSigner(deps.Identity)
	go func() {
		time.Sleep(100 * time.Millisecond)
		msg := v1.NewMessage("alice", "bob", "quote_response", nil)
		if err := signer.Sign(msg); err != nil {
			return
		}
		_ = receiver.HandleMessage(ctx, msg)
	}()

	got := receiver.WaitForMessage(ctx, "quote_response", 2*time.Second)
	if got == nil || got.MessageType != "quote_response" {
		t.Errorf("expected quote_response, got %v", got)
	}
}

func TestSendMessageUnknownReceiver(t *testing.T) {
	deps := newTestDeps(t)
	agent := NewAgent(deps, "alice", nil, nil)
	if err := agent.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	_, err := agent.SendMessage(context.Background(), "ghost", "ping", nil, "")
	if !errors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for unknown receiver, got %v", err)
	}
}

func TestDiscoverAgents(t *testing.T) {
	deps := newTestDeps(t)
	agent := NewAgent(deps, "alice", nil, nil)
	ctx := context.Background()
	if err := agent.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	err := deps.Registry.Register(ctx, &v1.AgentRecord{
		AgentID:      "bank",
		AgentDID:     "did:a2a:bank",
		Capabilities: []string{"banking"},
		Endpoints:    []string{"http://127.0.0.1:9999"},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	found := agent.DiscoverAgents([]string{"banking"}, 0)
	if len(found) != 1 || found[0].AgentID != "bank" {
		t.Errorf("unexpected discovery result: %v", found)
	}
}

func TestUpdateCapabilities(t *testing.T) {
	deps := newTestDeps(t)
	agent := NewAgent(deps, "bank", []string{"banking"}, nil)
	ctx := context.Background()
	if err := agent.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := agent.UpdateCapabilities(ctx, []string{"banking", "loans"}); err != nil {
		t.Fatalf("UpdateCapabilities failed: %v", err)
	}

	record := deps.Registry.Get("bank")
	if record == nil || !record.HasCapability("loans") {
		t.Error("registry record should reflect the new capabilities")
	}
	if !agent.Identity().HasCapability("a2a:messaging") {
		t.Error("default capabilities must survive an update")
	}
}

// newNodeAgent builds an agent with its own transport config so two
// nodes can run servers side by side on ephemeral ports.
func newNodeAgent(t *testing.T, log *logger.Logger, ids *identity.Store, authMgr *auth.Manager, reg *discovery.Registry, agentID string) *Agent {
	t.Helper()
	cfg := &config.Config{
		Identity:  config.IdentityConfig{ValidityDays: 30},
		Messaging: config.MessagingConfig{QueueSize: 100},
		Discovery: config.DiscoveryConfig{DefaultTTL: 300, SweepInterval: 60},
		Transport: config.TransportConfig{
			Protocol:       "http2",
			Host:           "127.0.0.1",
			Port:           0,
			Timeout:        5,
			MaxConnections: 10,
		},
	}
	return NewAgent(Deps{
		Config:   cfg,
		Identity: ids,
		Auth:     authMgr,
		Registry: reg,
		Logger:   log,
	}, agentID, nil, nil)
}

func TestPingResponseCarriesCorrelation(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	dir := t.TempDir()
	ids, err := identity.NewStore(filepath.Join(dir, "ids"), log)
	if err != nil {
		t.Fatalf("failed to create identity store: %v", err)
	}
	secret, err := ids.LoadOrCreateSecret()
	if err != nil {
		t.Fatalf("failed to create secret: %v", err)
	}
	authMgr := auth.NewManager(secret, time.Hour, ids, log)
	regCfg := config.DiscoveryConfig{
		RegistryFile:  filepath.Join(dir, "registry.json"),
		DefaultTTL:    300,
		SweepInterval: 60,
	}
	reg := discovery.NewRegistry(regCfg, store.NewFileStore(regCfg.RegistryFile), log)

	ctx := context.Background()
	alice := newNodeAgent(t, log, ids, authMgr, reg, "alice")
	bob := newNodeAgent(t, log, ids, authMgr, reg, "bob")
	for _, agent := range []*Agent{alice, bob} {
		if err := agent.Initialize(ctx); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if err := agent.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		a := agent
		t.Cleanup(func() { _ = a.Stop(context.Background()) })
	}

	msgID, err := alice.SendMessage(ctx, "bob", v1.MessageTypePing, nil, "")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	pong := alice.WaitForMessage(ctx, v1.MessageTypeResponse, 3*time.Second)
	if pong == nil {
		t.Fatal("no response arrived")
	}
	if pong.CorrelationID != msgID {
		t.Errorf("expected correlation id %s, got %s", msgID, pong.CorrelationID)
	}
	if pong.SenderID != "bob" || pong.ReceiverID != "alice" {
		t.Errorf("response routed wrong: %s -> %s", pong.SenderID, pong.ReceiverID)
	}
	if pong.Payload["status"] != "pong" {
		t.Errorf("unexpected payload: %v", pong.Payload)
	}
}

func TestHealthCheck(t *testing.T) {
	deps := newTestDeps(t)
	agent := NewAgent(deps, "bank", nil, nil)
	if err := agent.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	health := agent.HealthCheck()
	if health["agent_id"] != "bank" {
		t.Errorf("unexpected agent_id: %v", health["agent_id"])
	}
	if health["discovery_healthy"] != true {
		t.Error("registered agent should report discovery healthy")
	}
	if health["transport_healthy"] != false {
		t.Error("agent without a running server should report transport unhealthy")
	}
	if health["messaging_healthy"] != true {
		t.Error("empty mailbox should report messaging healthy")
	}
	if health["queue_size"] != 0 {
		t.Errorf("expected empty queue, got %v", health["queue_size"])
	}
}
