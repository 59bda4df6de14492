package identity

import (
	"fmt"

	"github.com/sl224/casparianflow/pkg/config"
)

// Principal is an authenticated caller
type Principal struct {
	Name string
	Mode string
}

// Provider is the capability set shared by both auth modes
type Provider interface {
	// Mode reports "local" or "enterprise"
	Mode() string
	// Authenticate resolves a token to a principal
	Authenticate(token string) (Principal, error)
	// SignArtifact produces a signature over payload
	SignArtifact(payload []byte) (string, error)
	// VerifySignature checks a claimed signature in constant time
	VerifySignature(payload []byte, signature string) bool
}

// NewProvider builds the provider selected by AUTH_MODE
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Mode {
	case "local":
		return NewLocalProvider(cfg.KeysDir)
	case "enterprise":
		return NewEnterpriseProvider(cfg.KeysDir, cfg.PublicKeyPath)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}
