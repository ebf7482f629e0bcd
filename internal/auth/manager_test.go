package auth

import (
	"testing"
	"time"

	"github.com/a2amesh/a2amesh/internal/common/logger"
	"github.com/a2amesh/a2amesh/internal/identity"
)

func newTestManager(t *testing.T, lifetime time.Duration) (*Manager, *identity.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	ids, err := identity.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("failed to create identity store: %v", err)
	}
	return NewManager([]byte("test-secret-0123456789abcdef0123"), lifetime, ids, log), ids
}

func TestAuthenticateAndValidate(t *testing.T) {
	mgr, ids := newTestManager(t, time.Hour)
	if _, err := ids.CreateIdentity("bank", []string{"banking", "a2a:messaging"}, nil, 30); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	token, err := mgr.Authenticate("bank", MethodJWT, nil)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if token.AgentID != "bank" || token.TokenType != "JWT" {
		t.Errorf("unexpected token: %+v", token)
	}
	if !token.HasPermission("banking") {
		t.Error("token should carry the identity's capabilities")
	}

	agentID, err := mgr.Validate(token.Token, []string{"banking"})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if agentID != "bank" {
		t.Errorf("expected agent bank, got %q", agentID)
	}
}

func TestAuthenticateUnknownAgent(t *testing.T) {
	mgr, _ := newTestManager(t, time.Hour)

	if _, err := mgr.Authenticate("ghost", MethodJWT, nil); err == nil {
		t.Error("expected an error for an unknown agent")
	}
}

func TestAuthenticateOAuth2Unsupported(t *testing.T) {
	mgr, ids := newTestManager(t, time.Hour)
	if _, err := ids.CreateIdentity("bank", nil, nil, 30); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	if _, err := mgr.Authenticate("bank", MethodOAuth2, nil); err == nil {
		t.Error("oauth2 must be rejected")
	}
}

func TestAuthenticateMTLS(t *testing.T) {
	mgr, ids := newTestManager(t, time.Hour)
	if _, err := ids.CreateIdentity("bank", nil, nil, 30); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	cert := ids.Certificate("bank")
	if cert == nil {
		t.Fatal("expected a stored certificate")
	}

	if _, err := mgr.Authenticate("bank", MethodMTLS, cert); err != nil {
		t.Errorf("mtls with the stored certificate should succeed: %v", err)
	}
	if _, err := mgr.Authenticate("bank", MethodMTLS, []byte("forged")); err == nil {
		t.Error("mtls with a mismatched certificate must fail")
	}
}

func TestIssueTokenFiltersPermissions(t *testing.T) {
	mgr, ids := newTestManager(t, time.Hour)
	if _, err := ids.CreateIdentity("bank", []string{"banking"}, nil, 30); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	token, err := mgr.IssueToken("bank", []string{"banking", "admin"})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if !token.HasPermission("banking") {
		t.Error("expected granted permission banking")
	}
	if token.HasPermission("admin") {
		t.Error("permissions outside the capability set must be dropped")
	}
}

func TestValidateRejectsMissingPermission(t *testing.T) {
	mgr, ids := newTestManager(t, time.Hour)
	if _, err := ids.CreateIdentity("bank", []string{"banking"}, nil, 30); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	token, err := mgr.IssueToken("bank", []string{"banking"})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := mgr.Validate(token.Token, []string{"a2a:messaging"}); err == nil {
		t.Error("expected a failure for a missing permission")
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	mgr, ids := newTestManager(t, time.Hour)
	if _, err := ids.CreateIdentity("bank", nil, nil, 30); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	token, err := mgr.Authenticate("bank", MethodJWT, nil)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := mgr.Validate(token.Token+"x", nil); err == nil {
		t.Error("tampered token must not validate")
	}
	if _, err := mgr.Validate("not-a-jwt", nil); err == nil {
		t.Error("garbage token must not validate")
	}
}

func TestTokenExpiry(t *testing.T) {
	mgr, ids := newTestManager(t, -time.Second)
	if _, err := ids.CreateIdentity("bank", nil, nil, 30); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	token, err := mgr.Authenticate("bank", MethodJWT, nil)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if !token.IsExpired(time.Now()) {
		t.Error("token minted with negative lifetime should be expired")
	}
	if _, err := mgr.Validate(token.Token, nil); err == nil {
		t.Error("expired token must not validate")
	}
}

func TestTokenExpiredAtExactBoundary(t *testing.T) {
	token := &Token{ExpiresAt: time.Now()}
	if !token.IsExpired(token.ExpiresAt) {
		t.Error("a token at exactly exp is already invalid")
	}
	if token.IsExpired(token.ExpiresAt.Add(-time.Millisecond)) {
		t.Error("a token just before exp is still valid")
	}
}

func TestAuthorize(t *testing.T) {
	mgr, ids := newTestManager(t, time.Hour)
	if _, err := ids.CreateIdentity("bank", []string{"a2a:messaging"}, nil, 30); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	if !mgr.Authorize("bank", ActionSendMessage, "") {
		t.Error("agent with a2a:messaging should send")
	}
	if mgr.Authorize("bank", ActionDiscoverAgents, "") {
		t.Error("agent without a2a:discovery should not discover")
	}
	if !mgr.Authorize("bank", ActionManageIdentity, "bank") {
		t.Error("agent manages its own identity")
	}
	if mgr.Authorize("bank", ActionManageIdentity, "other") {
		t.Error("agent must not manage another agent's identity")
	}
}

func TestChallengeRoundTrip(t *testing.T) {
	mgr, ids := newTestManager(t, time.Hour)
	if _, err := ids.CreateIdentity("bank", nil, nil, 30); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	challenge := []byte("nonce-123")
	sig, err := mgr.SignChallenge("bank", challenge)
	if err != nil {
		t.Fatalf("SignChallenge failed: %v", err)
	}
	if !mgr.VerifyChallengeResponse("bank", challenge, sig) {
		t.Error("challenge signature should verify")
	}
	if mgr.VerifyChallengeResponse("bank", []byte("other"), sig) {
		t.Error("challenge signature must bind to the challenge")
	}
}
