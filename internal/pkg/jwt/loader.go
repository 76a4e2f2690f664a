// internal/pkg/jwt/loader.go
package jwt

import (
	"fmt"
	"time"

	"billing-service/internal/domain/tenant"
)

type Config struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

type Manager struct {
	Generator *Generator
	Verifier  *Verifier
}

func LoadAndBuild(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	secret := []byte(cfg.Secret)

	return &Manager{
		Generator: NewGenerator(secret, cfg.Issuer, cfg.Audience, cfg.TTL),
		Verifier:  NewVerifier(secret, cfg.Issuer, cfg.Audience),
	}, nil
}

// IssueTenantToken issues the admin access token handed out after registration.
func (m *Manager) IssueTenantToken(u *tenant.User) (string, time.Time, error) {
	return m.Generator.GenerateAccessToken(u.ID, u.TenantID, u.Email, []string{string(u.Role)})
}
