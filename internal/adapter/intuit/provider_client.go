package intuit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/qbo-connect/internal/domain/qbo"
)

// Intuit endpoints are fixed for all apps; only the accounting API host
// varies by environment.
const (
	TokenURL  = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	RevokeURL = "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"
)

// ProviderClient encapsulates outbound HTTP calls to the Intuit token
// endpoints. It is the only code that talks to them.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*qbo.TokenResponse, error)
	RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*qbo.TokenResponse, error)
	Revoke(ctx context.Context, clientID, clientSecret, token string) error
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	httpClient *http.Client
	tokenURL   string
	revokeURL  string
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProviderClient{httpClient: client, tokenURL: TokenURL, revokeURL: RevokeURL}
}

// NewHTTPProviderClientForEndpoints overrides the fixed endpoints, used by
// tests pointing at a local server.
func NewHTTPProviderClientForEndpoints(client *http.Client, tokenURL, revokeURL string) *HTTPProviderClient {
	c := NewHTTPProviderClient(client)
	if tokenURL != "" {
		c.tokenURL = tokenURL
	}
	if revokeURL != "" {
		c.revokeURL = revokeURL
	}
	return c
}

// ExchangeCode trades a one-time authorization code for the initial token
// pair.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*qbo.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	return c.postToken(ctx, clientID, clientSecret, data)
}

// RefreshToken exchanges a refresh token for a fresh token pair. Intuit may
// rotate the refresh token on every call; callers must persist whatever comes
// back.
func (c *HTTPProviderClient) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*qbo.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	return c.postToken(ctx, clientID, clientSecret, data)
}

// Revoke invalidates a refresh or access token at the provider.
func (c *HTTPProviderClient) Revoke(ctx context.Context, clientID, clientSecret, token string) error {
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return fmt.Errorf("encode revoke request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.SetBasicAuth(clientID, clientSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke failed: status=%d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPProviderClient) postToken(ctx context.Context, clientID, clientSecret string, data url.Values) (*qbo.TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(clientID, clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, tokenEndpointError(resp.StatusCode, body)
	}

	var token qbo.TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &token, nil
}

// OAuthEndpointError preserves the provider's error code so the token
// manager can tell a dead refresh token from a transient failure.
type OAuthEndpointError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *OAuthEndpointError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token endpoint: status=%d code=%s %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("token endpoint: status=%d", e.StatusCode)
}

// Terminal reports whether the provider rejected the grant itself, meaning a
// retry with the same refresh token can never succeed.
func (e *OAuthEndpointError) Terminal() bool {
	switch e.Code {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnauthorized
}

func tokenEndpointError(status int, body []byte) error {
	var payload struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &payload)
	return &OAuthEndpointError{
		StatusCode:  status,
		Code:        strings.TrimSpace(payload.Error),
		Description: strings.TrimSpace(payload.Description),
	}
}
