// Package transport defines the contracts shared by the HTTP/2 and
// stream transports.
package transport

import (
	"context"

	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// Header names carried on every transport request.
const (
	HeaderMessageType   = "A2A-Message-Type"
	HeaderSender        = "A2A-Sender"
	HeaderReceiver      = "A2A-Receiver"
	HeaderCorrelationID = "A2A-Correlation-ID"
	HeaderEncrypted     = "A2A-Encrypted"
)

// MessageHandler ingests messages a transport server received.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *v1.Message) error
	HandleEncrypted(ctx context.Context, env *v1.EncryptedMessage) error
}

// TokenValidator checks a bearer token and returns the authenticated
// agent id.
type TokenValidator interface {
	Validate(token string, requiredPermissions []string) (string, error)
}

// Server is a running transport endpoint.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Addr() string
}

// MessagingPermissions is required on the bearer token for any inbound
// message delivery.
var MessagingPermissions = []string{"a2a:messaging"}
