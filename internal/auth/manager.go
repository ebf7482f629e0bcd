// Package auth mints and validates bearer tokens for authenticated agents.
package auth

import (
	"bytes"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/a2amesh/a2amesh/internal/common/errors"
	"github.com/a2amesh/a2amesh/internal/common/logger"
	"github.com/a2amesh/a2amesh/internal/identity"
)

const tokenIssuer = "a2a-auth"

// Method selects how an agent proves its identity when requesting a token.
type Method string

const (
	MethodJWT    Method = "jwt"
	MethodMTLS   Method = "mtls"
	MethodOAuth2 Method = "oauth2" // not supported by the core
)

// Coarse actions mapped onto capability namespaces by Authorize.
const (
	ActionSendMessage    = "send_message"
	ActionReceiveMessage = "receive_message"
	ActionDiscoverAgents = "discover_agents"
	ActionManageIdentity = "manage_identity"
)

// Token is an opaque bearer credential with embedded claims.
type Token struct {
	Token       string                 `json:"token"`
	TokenType   string                 `json:"token_type"` // "JWT" or "Bearer"
	ExpiresAt   time.Time              `json:"expires_at"`
	AgentID     string                 `json:"agent_id"`
	Permissions []string               `json:"permissions"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// IsExpired reports whether the token's lifetime has elapsed.
// A token at exactly exp is already invalid.
func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// HasPermission reports whether the token grants the given permission.
func (t *Token) HasPermission(perm string) bool {
	for _, p := range t.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type tokenClaims struct {
	Permissions []string               `json:"permissions"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and validates HS256 tokens over a process-scoped secret.
type Manager struct {
	secret   []byte
	lifetime time.Duration
	store    *identity.Store
	logger   *logger.Logger
}

// NewManager creates an auth manager. The secret must be the persisted
// process-scoped key from the identity store.
func NewManager(secret []byte, lifetime time.Duration, store *identity.Store, log *logger.Logger) *Manager {
	return &Manager{
		secret:   secret,
		lifetime: lifetime,
		store:    store,
		logger:   log.WithFields(zap.String("component", "auth")),
	}
}

// Authenticate verifies the agent with the given method and mints a token
// whose permissions are the agent's capabilities at issuance time.
func (m *Manager) Authenticate(agentID string, method Method, presentedCert []byte) (*Token, error) {
	ident, err := m.store.LoadIdentity(agentID)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, errors.IdentityMissing(agentID)
	}
	if !ident.IsValid(time.Now()) {
		return nil, errors.AuthFailure("identity expired")
	}

	switch method {
	case MethodJWT, "":
		// Possession of the stored identity is the proof.
	case MethodMTLS:
		stored := m.store.Certificate(agentID)
		if stored == nil || !bytes.Equal(stored, presentedCert) {
			return nil, errors.AuthFailure("presented certificate does not match stored certificate")
		}
	case MethodOAuth2:
		return nil, errors.AuthFailure("oauth2 client credentials are not supported")
	default:
		return nil, errors.AuthFailure(fmt.Sprintf("unknown authentication method %q", method))
	}

	return m.mint(agentID, ident.Capabilities, ident.Metadata)
}

// IssueToken mints a token for an agent with an explicit permission set.
// Permissions must be a subset of the agent's capabilities; unknown
// permissions are dropped.
func (m *Manager) IssueToken(agentID string, permissions []string) (*Token, error) {
	ident, err := m.store.LoadIdentity(agentID)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, errors.IdentityMissing(agentID)
	}

	granted := make([]string, 0, len(permissions))
	for _, p := range permissions {
		if ident.HasCapability(p) {
			granted = append(granted, p)
		}
	}
	return m.mint(agentID, granted, nil)
}

func (m *Manager) mint(agentID string, permissions []string, metadata map[string]interface{}) (*Token, error) {
	now := time.Now().UTC()
	expires := now.Add(m.lifetime)

	claims := tokenClaims{
		Permissions: permissions,
		Metadata:    metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	m.logger.Debug("issued token",
		zap.String("agent_id", agentID),
		zap.Time("expires_at", expires),
		zap.Strings("permissions", permissions))

	return &Token{
		Token:       signed,
		TokenType:   "JWT",
		ExpiresAt:   expires,
		AgentID:     agentID,
		Permissions: permissions,
		Metadata:    metadata,
	}, nil
}

// Validate checks a compact token's signature, expiry, and that every
// required permission is present. Returns the authenticated agent id.
func (m *Manager) Validate(token string, requiredPermissions []string) (string, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", errors.AuthFailure("invalid or expired token")
	}

	for _, required := range requiredPermissions {
		found := false
		for _, p := range claims.Permissions {
			if p == required {
				found = true
				break
			}
		}
		if !found {
			return "", errors.AuthFailure(fmt.Sprintf("missing permission %q", required))
		}
	}

	return claims.Subject, nil
}

// Authorize maps coarse actions onto capability namespaces for an agent.
func (m *Manager) Authorize(agentID, action, resource string) bool {
	ident, err := m.store.LoadIdentity(agentID)
	if err != nil || ident == nil {
		return false
	}

	switch action {
	case ActionSendMessage, ActionReceiveMessage:
		return ident.HasCapability("a2a:messaging")
	case ActionDiscoverAgents:
		return ident.HasCapability("a2a:discovery")
	case ActionManageIdentity:
		// Only the agent itself manages its identity.
		return resource == "" || resource == agentID
	default:
		return false
	}
}

// SignChallenge signs an out-of-band handshake challenge for agentID.
func (m *Manager) SignChallenge(agentID string, challenge []byte) (string, error) {
	return m.store.SignData(agentID, challenge)
}

// VerifyChallengeResponse verifies a handshake challenge signature.
func (m *Manager) VerifyChallengeResponse(agentID string, challenge []byte, signature string) bool {
	return m.store.VerifySignature(agentID, challenge, signature)
}
