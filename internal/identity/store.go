package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/a2amesh/a2amesh/internal/common/errors"
	"github.com/a2amesh/a2amesh/internal/common/logger"
)

const (
	rsaKeyBits     = 2048
	secretKeyFile  = "auth_secret.key"
	secretKeyBytes = 32
)

// Store creates, persists, and loads agent identities, and signs or verifies
// bytes on their behalf. One Store instance is the single writer for its
// storage directory.
type Store struct {
	dir    string
	logger *logger.Logger

	mu         sync.RWMutex
	identities map[string]*AgentIdentity
	keys       map[string]*rsa.PrivateKey
	pubs       map[string]*rsa.PublicKey // remote agents: public half only
	certs      map[string][]byte         // DER
}

// NewStore creates an identity store rooted at dir, creating it if needed.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create identity dir: %w", err)
	}
	return &Store{
		dir:        dir,
		logger:     log.WithFields(zap.String("component", "identity_store")),
		identities: make(map[string]*AgentIdentity),
		keys:       make(map[string]*rsa.PrivateKey),
		pubs:       make(map[string]*rsa.PublicKey),
		certs:      make(map[string][]byte),
	}, nil
}

// CreateIdentity generates a 2048-bit RSA keypair and a self-signed
// certificate, persists both alongside the identity document, and returns
// the new identity. An empty agentID gets a fresh UUID. validityDays
// bounds both the identity and the cert.
func (s *Store) CreateIdentity(agentID string, capabilities []string, metadata map[string]interface{}, validityDays int) (*AgentIdentity, error) {
	if agentID == "" {
		agentID = uuid.New().String()
	}
	now := time.Now().UTC()

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	certDER, err := s.selfSignCert(agentID, key, now, validityDays)
	if err != nil {
		return nil, err
	}

	ident := &AgentIdentity{
		AgentID:      agentID,
		DID:          DIDFor(agentID),
		PublicKey:    string(pubPEM),
		Capabilities: append([]string(nil), capabilities...),
		Metadata:     metadata,
		CreatedAt:    now,
		ExpiresAt:    now.AddDate(0, 0, validityDays),
	}

	if err := s.persist(ident, key, certDER); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.identities[agentID] = ident
	s.keys[agentID] = key
	s.certs[agentID] = certDER
	s.mu.Unlock()

	s.logger.Info("created identity",
		zap.String("agent_id", agentID),
		zap.String("did", ident.DID),
		zap.Strings("capabilities", capabilities))
	return ident, nil
}

// selfSignCert builds a self-signed certificate with CN agent-<prefix>.
func (s *Store) selfSignCert(agentID string, key *rsa.PrivateKey, now time.Time, validityDays int) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate cert serial: %w", err)
	}

	prefix := agentID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "agent-" + prefix},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to self-sign certificate: %w", err)
	}
	return certDER, nil
}

// persist writes the identity document, private key, and certificate
// atomically (temp file plus rename, single writer per agent_id).
func (s *Store) persist(ident *AgentIdentity, key *rsa.PrivateKey, certDER []byte) error {
	doc, err := json.MarshalIndent(ident, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	files := map[string][]byte{
		ident.AgentID + "_identity.json": doc,
		ident.AgentID + "_private.pem":   keyPEM,
		ident.AgentID + "_cert.pem":      certPEM,
	}
	for name, data := range files {
		if err := s.writeAtomic(name, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}

// LoadIdentity returns the stored identity for agentID, or nil if no files
// exist. Files that exist but cannot be parsed yield an IdentityCorrupt error.
func (s *Store) LoadIdentity(agentID string) (*AgentIdentity, error) {
	s.mu.RLock()
	if ident, ok := s.identities[agentID]; ok {
		s.mu.RUnlock()
		return ident, nil
	}
	s.mu.RUnlock()

	docPath := filepath.Join(s.dir, agentID+"_identity.json")
	doc, err := os.ReadFile(docPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	var ident AgentIdentity
	if err := json.Unmarshal(doc, &ident); err != nil {
		return nil, errors.IdentityCorrupt(agentID, err)
	}
	if err := ident.Validate(); err != nil {
		return nil, errors.IdentityCorrupt(agentID, err)
	}

	keyPEM, err := os.ReadFile(filepath.Join(s.dir, agentID+"_private.pem"))
	if err != nil {
		return nil, errors.IdentityCorrupt(agentID, err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.IdentityCorrupt(agentID, fmt.Errorf("no PEM block in private key"))
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.IdentityCorrupt(agentID, err)
	}

	var certDER []byte
	if certPEM, err := os.ReadFile(filepath.Join(s.dir, agentID+"_cert.pem")); err == nil {
		if cb, _ := pem.Decode(certPEM); cb != nil {
			certDER = cb.Bytes
		}
	}

	s.mu.Lock()
	s.identities[agentID] = &ident
	s.keys[agentID] = key
	if certDER != nil {
		s.certs[agentID] = certDER
	}
	s.mu.Unlock()

	s.logger.Debug("loaded identity", zap.String("agent_id", agentID))
	return &ident, nil
}

// UpdateCapabilities replaces the capability set on a stored identity and
// rewrites the identity document.
func (s *Store) UpdateCapabilities(agentID string, capabilities []string) (*AgentIdentity, error) {
	s.mu.Lock()
	ident, ok := s.identities[agentID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.IdentityMissing(agentID)
	}
	ident.Capabilities = append([]string(nil), capabilities...)
	key := s.keys[agentID]
	certDER := s.certs[agentID]
	s.mu.Unlock()

	if err := s.persist(ident, key, certDER); err != nil {
		return nil, err
	}
	return ident, nil
}

// SignData signs data on behalf of agentID using RSA-PSS with SHA-256 and
// the maximum salt length, returning a hex-encoded signature.
func (s *Store) SignData(agentID string, data []byte) (string, error) {
	s.mu.RLock()
	key, ok := s.keys[agentID]
	s.mu.RUnlock()
	if !ok {
		if _, err := s.LoadIdentity(agentID); err != nil {
			return "", err
		}
		s.mu.RLock()
		key, ok = s.keys[agentID]
		s.mu.RUnlock()
		if !ok {
			return "", errors.IdentityMissing(agentID)
		}
	}

	digest := sha256.Sum256(data)
	// PSSSaltLengthAuto selects the largest possible salt when signing.
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// VerifySignature verifies a hex signature over data against agentID's
// public key.
func (s *Store) VerifySignature(agentID string, data []byte, hexSig string) bool {
	pub := s.publicKey(agentID)
	if pub == nil {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	err = rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	return err == nil
}

// RegisterPublicKey caches a remote agent's PEM public key so that inbound
// signatures can be verified without holding the private half.
func (s *Store) RegisterPublicKey(agentID string, pubPEM string) error {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return fmt.Errorf("no PEM block in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("unsupported public key type %T", pub)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[agentID]; exists {
		return nil // local identity already holds the key
	}
	s.pubs[agentID] = rsaPub
	return nil
}

// publicKey resolves the RSA public key for agentID from cache or disk.
func (s *Store) publicKey(agentID string) *rsa.PublicKey {
	s.mu.RLock()
	if key, ok := s.keys[agentID]; ok {
		s.mu.RUnlock()
		return &key.PublicKey
	}
	if pub, ok := s.pubs[agentID]; ok {
		s.mu.RUnlock()
		return pub
	}
	ident, ok := s.identities[agentID]
	s.mu.RUnlock()
	if !ok {
		loaded, err := s.LoadIdentity(agentID)
		if err != nil || loaded == nil {
			return nil
		}
		ident = loaded
	}

	block, _ := pem.Decode([]byte(ident.PublicKey))
	if block == nil {
		return nil
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil
	}
	rsaPub, _ := pub.(*rsa.PublicKey)
	return rsaPub
}

// Certificate returns the stored certificate DER for agentID, or nil.
func (s *Store) Certificate(agentID string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certs[agentID]
}

// LoadOrCreateSecret returns the process-scoped token-signing secret,
// generating and persisting it on first start.
func (s *Store) LoadOrCreateSecret() ([]byte, error) {
	path := filepath.Join(s.dir, secretKeyFile)
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return data, nil
	}

	secret := make([]byte, secretKeyBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	if err := s.writeAtomic(secretKeyFile, secret); err != nil {
		return nil, err
	}
	s.logger.Info("generated token signing secret")
	return secret, nil
}
