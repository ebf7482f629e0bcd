package messaging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/a2amesh/a2amesh/internal/common/errors"
	"github.com/a2amesh/a2amesh/internal/common/logger"
	"github.com/a2amesh/a2amesh/internal/identity"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// waitPollQuantum is the mailbox poll interval used by WaitForMessage.
const waitPollQuantum = 100 * time.Millisecond

// Service composes the signer, encryptor, router, and mailbox queue into
// the message send and receive paths.
type Service struct {
	queue     *Queue
	router    *Router
	signer    *Signer
	encryptor *Encryptor
	sessions  *SessionTable
	logger    *logger.Logger
}

// NewService creates a messaging service. queueSize caps the mailbox;
// zero selects the default of 1000.
func NewService(store *identity.Store, queueSize int, log *logger.Logger) *Service {
	sessions := NewSessionTable()
	return &Service{
		queue:     NewQueue(queueSize),
		router:    NewRouter(),
		signer:    NewSigner(store),
		encryptor: NewEncryptor(sessions),
		sessions:  sessions,
		logger:    log.WithFields(zap.String("component", "messaging")),
	}
}

// Router exposes the handler registry and correlation map.
func (s *Service) Router() *Router {
	return s.router
}

// QueueLen returns the number of queued messages.
func (s *Service) QueueLen() int {
	return s.queue.Len()
}

// Sign canonicalizes and signs a message in place.
func (s *Service) Sign(msg *v1.Message) error {
	return s.signer.Sign(msg)
}

// Verify checks a message's in-flight signature.
func (s *Service) Verify(msg *v1.Message) bool {
	return s.signer.Verify(msg)
}

// Seal signs the message and encrypts it into an envelope. The signature
// travels in the envelope metadata so the receiver can verify after
// decrypting.
func (s *Service) Seal(msg *v1.Message) (*v1.EncryptedMessage, error) {
	if err := s.signer.Sign(msg); err != nil {
		return nil, err
	}
	env, err := s.encryptor.Encrypt(msg)
	if err != nil {
		return nil, err
	}
	env.Metadata = map[string]interface{}{v1.MetadataSignatureKey: msg.Signature()}
	return env, nil
}

// Open decrypts an envelope and verifies the inner message. Returns nil
// and an error on any tampering, key mismatch, or id mismatch; no partial
// plaintext is ever returned.
func (s *Service) Open(env *v1.EncryptedMessage) (*v1.Message, error) {
	msg, err := s.encryptor.Decrypt(env)
	if err != nil {
		return nil, errors.DecryptionFailed(err)
	}
	if msg.SenderID != env.SenderID || msg.ReceiverID != env.ReceiverID {
		return nil, errors.DecryptionFailed(nil)
	}
	if !s.signer.Verify(msg) {
		return nil, errors.SignatureInvalid(msg.MessageID)
	}
	return msg, nil
}

// Deliver verifies and enqueues an inbound plaintext message. Messages
// with failing signatures are dropped as if never sent; the caller sees
// SignatureInvalid but must not surface it to the sender.
func (s *Service) Deliver(msg *v1.Message) error {
	if !s.signer.Verify(msg) {
		s.logger.Warn("dropping message with invalid signature",
			zap.String("message_id", msg.MessageID),
			zap.String("sender_id", msg.SenderID))
		return errors.SignatureInvalid(msg.MessageID)
	}
	if msg.IsExpired(time.Now()) {
		s.logger.Debug("dropping expired message", zap.String("message_id", msg.MessageID))
		return nil
	}
	if err := s.queue.Enqueue(msg); err != nil {
		return err
	}
	s.logger.Debug("message queued",
		zap.String("message_id", msg.MessageID),
		zap.String("message_type", msg.MessageType),
		zap.String("receiver_id", msg.ReceiverID))
	return nil
}

// DeliverEncrypted opens an envelope and enqueues the inner message.
// Undecryptable envelopes are dropped with a warning.
func (s *Service) DeliverEncrypted(env *v1.EncryptedMessage) error {
	msg, err := s.Open(env)
	if err != nil {
		s.logger.Warn("dropping undecryptable envelope",
			zap.String("sender_id", env.SenderID),
			zap.String("receiver_id", env.ReceiverID),
			zap.Error(err))
		return err
	}
	if msg.IsExpired(time.Now()) {
		return nil
	}
	return s.queue.Enqueue(msg)
}

// Receive drains and returns agentID's mailbox in enqueue order.
func (s *Service) Receive(agentID string) []*v1.Message {
	return s.queue.DequeueFor(agentID)
}

// WaitForMessage polls agentID's mailbox every 100 ms until a message of
// messageType arrives (any type when empty) or the timeout elapses.
// Non-matching messages are returned to the front of the queue.
func (s *Service) WaitForMessage(ctx context.Context, agentID, messageType string, timeout time.Duration) *v1.Message {
	deadline := time.Now().Add(timeout)
	for {
		batch := s.queue.DequeueFor(agentID)
		var match *v1.Message
		var rest []*v1.Message
		for _, msg := range batch {
			if match == nil && (messageType == "" || msg.MessageType == messageType) {
				match = msg
				continue
			}
			rest = append(rest, msg)
		}
		s.queue.requeue(rest)
		if match != nil {
			return match
		}

		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(waitPollQuantum):
		}
	}
}
