package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// LocalProvider signs artifacts with an HMAC-SHA256 over a machine-local
// secret. Zero-friction mode: the secret is generated on first use.
type LocalProvider struct {
	secret []byte
}

// NewLocalProvider loads or creates the local signing secret under
// keysDir
func NewLocalProvider(keysDir string) (*LocalProvider, error) {
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}
	secretPath := filepath.Join(keysDir, "local.secret")

	secret, err := os.ReadFile(secretPath)
	if os.IsNotExist(err) {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate local secret: %w", err)
		}
		if err := os.WriteFile(secretPath, secret, 0o600); err != nil {
			return nil, fmt.Errorf("persist local secret: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read local secret: %w", err)
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("local secret too short: %d bytes", len(secret))
	}

	return &LocalProvider{secret: secret}, nil
}

// Mode reports "local"
func (p *LocalProvider) Mode() string { return "local" }

// Authenticate accepts any caller in local mode
func (p *LocalProvider) Authenticate(token string) (Principal, error) {
	name := token
	if name == "" {
		name = "local"
	}
	return Principal{Name: name, Mode: "local"}, nil
}

// SignArtifact returns the HMAC-SHA256 hex digest of payload
func (p *LocalProvider) SignArtifact(payload []byte) (string, error) {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature recomputes the MAC and compares in constant time
func (p *LocalProvider) VerifySignature(payload []byte, signature string) bool {
	claimed, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), claimed)
}
