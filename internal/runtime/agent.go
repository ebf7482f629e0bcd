// Package runtime glues identity, auth, messaging, discovery, and
// transport into a runnable agent.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a2amesh/a2amesh/internal/auth"
	"github.com/a2amesh/a2amesh/internal/common/config"
	"github.com/a2amesh/a2amesh/internal/common/errors"
	"github.com/a2amesh/a2amesh/internal/common/logger"
	"github.com/a2amesh/a2amesh/internal/discovery"
	"github.com/a2amesh/a2amesh/internal/events/bus"
	"github.com/a2amesh/a2amesh/internal/identity"
	"github.com/a2amesh/a2amesh/internal/messaging"
	"github.com/a2amesh/a2amesh/internal/transport"
	"github.com/a2amesh/a2amesh/internal/transport/httptransport"
	"github.com/a2amesh/a2amesh/internal/transport/stream"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// State is the agent lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateRunning       State = "running"
	StateStopped       State = "stopped"
)

// DefaultPermissions are minted into every agent token at initialize.
var DefaultPermissions = []string{"a2a:messaging", "a2a:discovery"}

// Deps are the shared components an agent runs on. Agents in one process
// share the identity store, auth manager, registry, and event bus.
type Deps struct {
	Config   *config.Config
	Identity *identity.Store
	Auth     *auth.Manager
	Registry *discovery.Registry
	Bus      bus.EventBus
	Logger   *logger.Logger
}

// Agent is one runnable participant in the mesh.
type Agent struct {
	agentID      string
	capabilities []string
	metadata     map[string]interface{}

	cfg       *config.Config
	ids       *identity.Store
	auth      *auth.Manager
	registry  *discovery.Registry
	bus       bus.EventBus
	messaging *messaging.Service
	handlers  *handlerTable
	logger    *logger.Logger

	httpClient *httptransport.Client
	server     transport.Server
	presence   *discovery.PresenceBroadcaster

	mu       sync.RWMutex
	state    State
	identity *identity.AgentIdentity
	token    *auth.Token
	endpoint string
}

// NewAgent creates an agent with the given id and capabilities. The
// default capability namespaces are always included so the minted token
// can carry the default permissions.
func NewAgent(deps Deps, agentID string, capabilities []string, metadata map[string]interface{}) *Agent {
	return &Agent{
		agentID:      agentID,
		capabilities: withDefaultCapabilities(capabilities),
		metadata:     metadata,
		cfg:          deps.Config,
		ids:          deps.Identity,
		auth:         deps.Auth,
		registry:     deps.Registry,
		bus:          deps.Bus,
		messaging:    messaging.NewService(deps.Identity, deps.Config.Messaging.QueueSize, deps.Logger),
		handlers:     newHandlerTable(),
		httpClient:   httptransport.NewClient(deps.Config.Transport),
		logger:       deps.Logger.WithAgentID(agentID),
		state:        StateUninitialized,
	}
}

func withDefaultCapabilities(caps []string) []string {
	out := append([]string(nil), caps...)
	for _, def := range DefaultPermissions {
		found := false
		for _, c := range out {
			if c == def {
				found = true
				break
			}
		}
		if !found {
			out = append(out, def)
		}
	}
	return out
}

// AgentID returns the agent's id.
func (a *Agent) AgentID() string {
	return a.agentID
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Token returns the agent's current bearer token.
func (a *Agent) Token() *auth.Token {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Identity returns the agent's identity document.
func (a *Agent) Identity() *identity.AgentIdentity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity
}

// Initialize loads or creates the identity, mints the bearer token with
// the default permissions, registers with discovery as initializing, and
// installs the default handlers.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateUninitialized {
		a.mu.Unlock()
		return errors.BadRequest(fmt.Sprintf("cannot initialize agent in state %q", a.state))
	}
	a.mu.Unlock()

	ident, err := a.ids.LoadIdentity(a.agentID)
	if err != nil {
		return err
	}
	if ident == nil {
		ident, err = a.ids.CreateIdentity(a.agentID, a.capabilities, a.metadata, a.cfg.Identity.ValidityDays)
		if err != nil {
			return err
		}
	}

	token, err := a.auth.IssueToken(a.agentID, DefaultPermissions)
	if err != nil {
		return err
	}

	record := a.buildRecord(ident, v1.AgentStatusInitializing)
	if err := a.registry.Register(ctx, record); err != nil {
		return err
	}

	a.mu.Lock()
	a.identity = ident
	a.token = token
	a.state = StateInitialized
	a.mu.Unlock()

	a.installDefaultHandlers()
	a.logger.Info("agent initialized", zap.String("did", ident.DID))
	return nil
}

// Start brings up the transport server and the discovery sweeper, then
// flips the agent to active.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateInitialized {
		a.mu.Unlock()
		return errors.BadRequest(fmt.Sprintf("cannot start agent in state %q", a.state))
	}
	a.mu.Unlock()

	var server transport.Server
	switch a.cfg.Transport.Protocol {
	case "stream":
		server = stream.NewServer(a.cfg.Transport, a, a.auth, a.logger)
	default:
		server = httptransport.NewServer(a.cfg.Transport, a, a.auth, a.registry, a.logger)
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	// Advertise the bound address, not the configured one, so a port 0
	// config still registers a reachable endpoint.
	a.mu.Lock()
	a.endpoint = fmt.Sprintf("%s://%s", a.scheme(), server.Addr())
	a.mu.Unlock()

	a.registry.StartSweeper()

	if err := a.registry.Register(ctx, a.buildRecord(a.Identity(), v1.AgentStatusActive)); err != nil {
		return err
	}

	// The broadcaster reads the live record, so it only announces after
	// the registry already shows the agent active.
	if a.bus != nil {
		a.presence = discovery.NewPresenceBroadcaster(
			a.registry, a.bus, a.registry.Get(a.agentID),
			a.cfg.Transport.HeartbeatIntervalDuration(), a.logger)
		if err := a.presence.Start(); err != nil {
			a.logger.Warn("presence overlay unavailable", zap.Error(err))
			a.presence = nil
		}
	}

	a.mu.Lock()
	a.server = server
	a.state = StateRunning
	a.mu.Unlock()

	a.logger.Info("agent started", zap.String("addr", server.Addr()))
	return nil
}

// Stop marks the agent inactive and shuts down the sweeper and transport.
// The token is left to expire; the mailbox is not drained.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return errors.BadRequest(fmt.Sprintf("cannot stop agent in state %q", a.state))
	}
	server := a.server
	a.mu.Unlock()

	if err := a.registry.UpdateStatus(ctx, a.agentID, v1.AgentStatusInactive); err != nil {
		a.logger.Warn("failed to mark agent inactive", zap.Error(err))
	}

	if a.presence != nil {
		a.presence.Stop()
		a.presence = nil
	}
	a.registry.StopSweeper()

	if server != nil {
		if err := server.Stop(ctx); err != nil {
			a.logger.Warn("transport shutdown error", zap.Error(err))
		}
	}

	a.mu.Lock()
	a.state = StateStopped
	a.server = nil
	a.mu.Unlock()

	a.logger.Info("agent stopped")
	return nil
}

func (a *Agent) scheme() string {
	if a.cfg.Transport.SSLEnabled {
		return "https"
	}
	return "http"
}

// buildRecord assembles this agent's registry record. Once the server is
// up the advertised endpoint is the bound address.
func (a *Agent) buildRecord(ident *identity.AgentIdentity, status v1.AgentStatus) *v1.AgentRecord {
	a.mu.RLock()
	endpoint := a.endpoint
	a.mu.RUnlock()
	if endpoint == "" {
		endpoint = fmt.Sprintf("%s://%s:%d", a.scheme(), a.cfg.Transport.Host, a.cfg.Transport.Port)
	}

	return &v1.AgentRecord{
		AgentID:      a.agentID,
		AgentDID:     ident.DID,
		Capabilities: append([]string(nil), ident.Capabilities...),
		Endpoints:    []string{endpoint},
		Metadata: map[string]interface{}{
			"public_key": ident.PublicKey,
		},
		Status: status,
		TTL:    a.cfg.Discovery.DefaultTTL,
	}
}

// RegisterMessageHandler installs a handler for a message type and
// records it with the messaging router.
func (a *Agent) RegisterMessageHandler(messageType string, fn HandlerFunc) {
	a.handlers.set(messageType, fn)
	a.messaging.Router().RegisterHandler(messageType, a.agentID)
}

// SendMessage discovers the receiver and posts a signed message to its
// first endpoint. Returns the message id, or an error if the receiver is
// unknown or the transport fails.
func (a *Agent) SendMessage(ctx context.Context, receiverID, messageType string, payload map[string]interface{}, correlationID string) (string, error) {
	record, err := a.resolveReceiver(receiverID)
	if err != nil {
		return "", err
	}

	msg := v1.NewMessage(a.agentID, receiverID, messageType, payload)
	msg.CorrelationID = correlationID
	if err := a.messaging.Sign(msg); err != nil {
		return "", err
	}
	a.messaging.Router().TrackRequest(msg)

	if err := a.httpClient.SendMessage(ctx, record.Endpoints[0], a.bearer(), msg); err != nil {
		return "", err
	}
	a.logger.Debug("message sent",
		zap.String("message_id", msg.MessageID),
		zap.String("receiver_id", receiverID),
		zap.String("message_type", messageType))
	return msg.MessageID, nil
}

// SendEncryptedMessage seals the payload end-to-end and posts the
// envelope to the receiver.
func (a *Agent) SendEncryptedMessage(ctx context.Context, receiverID, messageType string, payload map[string]interface{}) (string, error) {
	record, err := a.resolveReceiver(receiverID)
	if err != nil {
		return "", err
	}

	msg := v1.NewMessage(a.agentID, receiverID, messageType, payload)
	env, err := a.messaging.Seal(msg)
	if err != nil {
		return "", err
	}

	if err := a.httpClient.SendEncrypted(ctx, record.Endpoints[0], a.bearer(), env); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

// ReceiveMessages drains this agent's mailbox.
func (a *Agent) ReceiveMessages() []*v1.Message {
	return a.messaging.Receive(a.agentID)
}

// WaitForMessage polls the mailbox until a message of the given type
// arrives or the timeout elapses. Returns nil on deadline.
func (a *Agent) WaitForMessage(ctx context.Context, messageType string, timeout time.Duration) *v1.Message {
	return a.messaging.WaitForMessage(ctx, a.agentID, messageType, timeout)
}

// DiscoverAgents queries the registry for agents carrying every listed
// capability.
func (a *Agent) DiscoverAgents(capabilities []string, maxResults int) []*v1.AgentRecord {
	return a.registry.Discover(v1.ServiceQuery{
		Capabilities: capabilities,
		MaxResults:   maxResults,
	})
}

// UpdateCapabilities replaces the identity's capability set and
// re-registers with discovery.
func (a *Agent) UpdateCapabilities(ctx context.Context, capabilities []string) error {
	caps := withDefaultCapabilities(capabilities)
	ident, err := a.ids.UpdateCapabilities(a.agentID, caps)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.identity = ident
	a.capabilities = caps
	status := v1.AgentStatusActive
	if a.state != StateRunning {
		status = v1.AgentStatusInitializing
	}
	a.mu.Unlock()

	return a.registry.Register(ctx, a.buildRecord(ident, status))
}

// Heartbeat refreshes this agent's registry record.
func (a *Agent) Heartbeat(ctx context.Context) error {
	return a.registry.Heartbeat(ctx, a.agentID)
}

// BroadcastMessage sends the same payload to every other active agent.
// Returns the number of successful sends.
func (a *Agent) BroadcastMessage(ctx context.Context, messageType string, payload map[string]interface{}) (int, error) {
	records := a.registry.Discover(v1.ServiceQuery{})
	sent := 0
	for _, record := range records {
		if record.AgentID == a.agentID {
			continue
		}
		if _, err := a.SendMessage(ctx, record.AgentID, messageType, payload, ""); err != nil {
			a.logger.Warn("broadcast send failed",
				zap.String("receiver_id", record.AgentID),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

// HealthCheck reports the health of each subsystem.
func (a *Agent) HealthCheck() map[string]interface{} {
	a.mu.RLock()
	running := a.state == StateRunning
	a.mu.RUnlock()

	queueLen := a.messaging.QueueLen()
	return map[string]interface{}{
		"agent_id":          a.agentID,
		"state":             string(a.State()),
		"discovery_healthy": a.registry.Get(a.agentID) != nil,
		"transport_healthy": running,
		"messaging_healthy": queueLen < a.cfg.Messaging.QueueSize,
		"queue_size":        queueLen,
	}
}

// HandleMessage ingests a message arriving over the transport: verify,
// enqueue, resolve correlation, and dispatch any registered handler.
func (a *Agent) HandleMessage(ctx context.Context, msg *v1.Message) error {
	a.ensureSenderKey(msg.SenderID)

	if err := a.messaging.Deliver(msg); err != nil {
		return err
	}
	a.messaging.Router().ResolveCorrelation(msg.CorrelationID)

	go a.dispatch(msg)
	return nil
}

// HandleEncrypted ingests a sealed envelope.
func (a *Agent) HandleEncrypted(ctx context.Context, env *v1.EncryptedMessage) error {
	a.ensureSenderKey(env.SenderID)
	return a.messaging.DeliverEncrypted(env)
}

// ensureSenderKey caches the sender's public key from its registry
// record so inbound signatures verify across nodes.
func (a *Agent) ensureSenderKey(senderID string) {
	record := a.registry.Get(senderID)
	if record == nil {
		return
	}
	pubPEM, _ := record.Metadata["public_key"].(string)
	if pubPEM == "" {
		return
	}
	if err := a.ids.RegisterPublicKey(senderID, pubPEM); err != nil {
		a.logger.Debug("failed to cache sender key",
			zap.String("sender_id", senderID),
			zap.Error(err))
	}
}

// dispatch runs the registered handler for the message type. A non-nil
// response is always transmitted back to the sender, correlation id set.
func (a *Agent) dispatch(msg *v1.Message) {
	fn := a.handlers.get(msg.MessageType)
	if fn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Transport.TimeoutDuration())
	defer cancel()

	response, err := fn(ctx, msg, a.Token())
	if err != nil {
		a.logger.Error("handler failed",
			zap.String("message_type", msg.MessageType),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return
	}
	if response == nil {
		return
	}
	if response.CorrelationID == "" {
		response.CorrelationID = msg.MessageID
	}

	if _, err := a.SendMessage(ctx, msg.SenderID, response.MessageType, response.Payload, response.CorrelationID); err != nil {
		a.logger.Warn("failed to transmit handler response",
			zap.String("message_id", msg.MessageID),
			zap.String("receiver_id", msg.SenderID),
			zap.Error(err))
	}
}

// resolveReceiver finds a live registry record with at least one endpoint.
func (a *Agent) resolveReceiver(receiverID string) (*v1.AgentRecord, error) {
	record := a.registry.Get(receiverID)
	if record == nil || record.IsExpired(time.Now()) {
		return nil, errors.NotFound("agent", receiverID)
	}
	if len(record.Endpoints) == 0 {
		return nil, errors.TransportError(fmt.Sprintf("agent %s has no endpoints", receiverID), nil)
	}
	return record, nil
}

func (a *Agent) bearer() string {
	token := a.Token()
	if token == nil {
		return ""
	}
	return token.Token
}
