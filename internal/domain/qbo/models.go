package qbo

import (
	"fmt"
	"strings"
	"time"
)

// Environment partitions credential sets between the Intuit sandbox and
// production realms. Records from one environment are never visible in the
// other.
type Environment string

const (
	Sandbox    Environment = "sandbox"
	Production Environment = "production"
)

// ParseEnvironment normalizes an environment selector string.
func ParseEnvironment(raw string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "sandbox", "development", "dev":
		return Sandbox, nil
	case "production", "prod":
		return Production, nil
	default:
		return "", fmt.Errorf("parse environment: unknown value %q", raw)
	}
}

// Credential is one persisted QuickBooks company connection. RealmID is the
// provider-assigned tenant identifier and the primary key within an
// environment partition.
type Credential struct {
	RealmID      string      `json:"realmId"`
	CompanyName  string      `json:"companyName"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresAt    int64       `json:"expiresAt"`
	Environment  Environment `json:"environment"`
}

// ExpiryTime converts the persisted epoch-millisecond expiry to a time.Time.
func (c Credential) ExpiryTime() time.Time {
	return time.UnixMilli(c.ExpiresAt)
}

// ValidFor reports whether the access token remains usable for at least
// buffer beyond now.
func (c Credential) ValidFor(now time.Time, buffer time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.ExpiryTime().After(now.Add(buffer))
}

// CompanyRef identifies a connected company for listings and disambiguation.
type CompanyRef struct {
	RealmID     string `json:"realmId"`
	CompanyName string `json:"companyName"`
}

// TokenResponse models the Intuit bearer token endpoint payload.
type TokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"x_refresh_token_expires_in"`
	TokenType             string `json:"token_type"`
}

// CallbackResult carries the validated parameters from a successful
// authorization redirect.
type CallbackResult struct {
	Code    string
	State   string
	RealmID string
}
