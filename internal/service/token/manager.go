package token

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/smallbiznis/qbo-connect/internal/adapter/intuit"
	"github.com/smallbiznis/qbo-connect/internal/config"
	"github.com/smallbiznis/qbo-connect/internal/domain/qbo"
	"github.com/smallbiznis/qbo-connect/internal/repository"
)

// AuthorizeURL is the fixed Intuit authorization endpoint shared by every
// app.
const AuthorizeURL = "https://appcenter.intuit.com/connect/oauth2"

const accountingScope = "com.intuit.quickbooks.accounting"

// CompanyNameFunc resolves a display name for a freshly connected realm,
// typically by querying the accounting API's CompanyInfo entity.
type CompanyNameFunc func(ctx context.Context, accessToken, realmID string) (string, error)

// Manager owns the token lifecycle: it is the only component that talks to
// the provider's token endpoint. It serves access tokens from a short-lived
// cache and single-flights refreshes so Intuit's rotating refresh tokens are
// never raced.
type Manager struct {
	cfg         config.Config
	store       repository.CredentialStore
	provider    intuit.ProviderClient
	companyName CompanyNameFunc
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time

	// Most-recently-used credential. The store stays authoritative; the
	// cache only avoids redundant reads and anchors the refresh decision.
	cacheMu     sync.Mutex
	cached      *qbo.Credential
	cacheExpiry time.Time

	group singleflight.Group
	// refreshGate serializes the network refresh itself across realms: a
	// second refresh started while one is in flight would race the
	// provider's rotation of the first realm's refresh token.
	refreshGate sync.Mutex

	listenerMu sync.Mutex
	onRefresh  []func(realmID string)
}

// NewManager wires the token manager.
func NewManager(cfg config.Config, store repository.CredentialStore, provider intuit.ProviderClient, companyName CompanyNameFunc, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{
		cfg:         cfg,
		store:       store,
		provider:    provider,
		companyName: companyName,
		logger:      logger,
		tracer:      otel.Tracer("github.com/smallbiznis/qbo-connect"),
		now:         time.Now,
	}
}

// OnTokenRefreshed registers a callback invoked after every successful
// refresh, used by the broker to drop stale cached API clients.
func (m *Manager) OnTokenRefreshed(fn func(realmID string)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.onRefresh = append(m.onRefresh, fn)
}

// AuthorizationURL builds the provider authorization URL carrying the
// caller's CSRF state. Fails fast when client credentials are not
// configured.
func (m *Manager) AuthorizationURL(state, redirectURI string) (string, error) {
	if !m.cfg.HasClientCredentials() {
		return "", qbo.ConfigurationError("QuickBooks client id/secret are not configured for environment " + string(m.cfg.Environment))
	}
	if strings.TrimSpace(state) == "" {
		return "", qbo.ConfigurationError("authorization state must not be empty")
	}

	u, err := url.Parse(AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("parse authorize url: %w", err)
	}
	params := u.Query()
	params.Set("client_id", m.cfg.ClientID)
	params.Set("response_type", "code")
	params.Set("scope", accountingScope)
	params.Set("redirect_uri", redirectURI)
	params.Set("state", state)
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// ExchangeCode trades an authorization code for the initial token pair and
// persists the resulting connection. redirectURI must be the exact URI the
// authorization request carried or the provider rejects the grant.
func (m *Manager) ExchangeCode(ctx context.Context, code, realmID, redirectURI string) (*qbo.Credential, error) {
	if !m.cfg.HasClientCredentials() {
		return nil, qbo.ConfigurationError("QuickBooks client id/secret are not configured for environment " + string(m.cfg.Environment))
	}

	ctx, span := m.tracer.Start(ctx, "token.ExchangeCode",
		trace.WithAttributes(attribute.String("qbo.realm_id", realmID)))
	defer span.End()

	resp, err := m.provider.ExchangeCode(ctx, m.cfg.ClientID, m.cfg.ClientSecret, code, redirectURI)
	if err != nil {
		return nil, qbo.TokenRefreshError(fmt.Errorf("exchange code: %w", err))
	}

	cred := m.credentialFromResponse(realmID, "", resp)
	cred.CompanyName = m.resolveCompanyName(ctx, resp.AccessToken, realmID)

	if err := m.store.Save(ctx, cred); err != nil {
		return nil, err
	}
	m.invalidateCache(realmID)
	m.logger.Info("quickbooks company connected",
		zap.String("realm_id", realmID),
		zap.String("company", cred.CompanyName),
		zap.String("environment", string(m.cfg.Environment)))
	return &cred, nil
}

// GetAccessToken is the primary read path. A cached token still valid beyond
// the buffer is returned without touching the store or the network; an
// expiring one triggers a single-flighted refresh.
func (m *Manager) GetAccessToken(ctx context.Context, tenant string) (string, error) {
	if tok, ok := m.cachedToken(tenant); ok {
		return tok, nil
	}

	cred, err := m.store.Load(ctx, tenant)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", qbo.AuthenticationRequiredError(tenant)
	}
	if cred.ValidFor(m.now(), m.cfg.TokenBuffer) {
		m.cache(cred)
		return cred.AccessToken, nil
	}

	v, err, _ := m.group.Do(cred.RealmID, func() (any, error) {
		return m.refresh(ctx, cred.RealmID)
	})
	if err != nil {
		return "", err
	}
	return v.(*qbo.Credential).AccessToken, nil
}

// ClearTokens removes the matched connection, or every connection in the
// environment when tenant is empty. Stored refresh tokens are revoked at the
// provider best-effort before deletion.
func (m *Manager) ClearTokens(ctx context.Context, tenant string) error {
	if m.cfg.HasClientCredentials() {
		m.revokeMatching(ctx, tenant)
	}
	if err := m.store.Delete(ctx, tenant); err != nil {
		return err
	}
	m.cacheMu.Lock()
	m.cached = nil
	m.cacheMu.Unlock()
	return nil
}

// revokeMatching revokes the refresh tokens that the pending delete will
// drop. Failures are logged only; disconnect must succeed locally even when
// the provider is unreachable.
func (m *Manager) revokeMatching(ctx context.Context, tenant string) {
	var targets []qbo.Credential
	if strings.TrimSpace(tenant) == "" {
		refs, err := m.store.List(ctx)
		if err != nil {
			return
		}
		for _, ref := range refs {
			if cred, err := m.store.Load(ctx, ref.RealmID); err == nil && cred != nil {
				targets = append(targets, *cred)
			}
		}
	} else if cred, err := m.store.Load(ctx, tenant); err == nil && cred != nil {
		targets = append(targets, *cred)
	}
	for _, cred := range targets {
		if err := m.provider.Revoke(ctx, m.cfg.ClientID, m.cfg.ClientSecret, cred.RefreshToken); err != nil {
			m.logger.Warn("token revocation failed",
				zap.String("realm_id", cred.RealmID), zap.Error(err))
		}
	}
}

// Credential exposes the stored record for a tenant, used when tokens must
// be displayed back to the user.
func (m *Manager) Credential(ctx context.Context, tenant string) (*qbo.Credential, error) {
	cred, err := m.store.Load(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, qbo.AuthenticationRequiredError(tenant)
	}
	return cred, nil
}

// refresh performs the guarded network refresh for one realm. The caller
// holds the singleflight slot for the realm; the gate below additionally
// keeps refreshes for different realms from overlapping.
func (m *Manager) refresh(ctx context.Context, realmID string) (*qbo.Credential, error) {
	m.refreshGate.Lock()
	defer m.refreshGate.Unlock()

	ctx, span := m.tracer.Start(ctx, "token.Refresh",
		trace.WithAttributes(attribute.String("qbo.realm_id", realmID)))
	defer span.End()

	// Re-read after acquiring the gate: the refresh we waited out may have
	// already renewed this realm.
	cred, err := m.store.Load(ctx, realmID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, qbo.AuthenticationRequiredError(realmID)
	}
	if cred.ValidFor(m.now(), m.cfg.TokenBuffer) {
		m.cache(cred)
		return cred, nil
	}

	resp, err := m.provider.RefreshToken(ctx, m.cfg.ClientID, m.cfg.ClientSecret, cred.RefreshToken)
	if err != nil {
		var endpointErr *intuit.OAuthEndpointError
		if errors.As(err, &endpointErr) && endpointErr.Terminal() {
			m.logger.Warn("refresh token rejected, clearing stored connection",
				zap.String("realm_id", realmID), zap.Error(err))
			if delErr := m.store.Delete(ctx, realmID); delErr != nil {
				m.logger.Error("failed to clear rejected connection", zap.String("realm_id", realmID), zap.Error(delErr))
			}
			m.invalidateCache(realmID)
			return nil, qbo.ReauthorizationRequiredError(realmID, err)
		}
		return nil, qbo.TokenRefreshError(err)
	}

	updated := m.credentialFromResponse(realmID, cred.CompanyName, resp)
	if updated.RefreshToken == "" {
		// Provider omitted a replacement; the previous one stays live.
		updated.RefreshToken = cred.RefreshToken
	}
	if err := m.store.Save(ctx, updated); err != nil {
		return nil, err
	}
	m.cache(&updated)
	m.notifyRefreshed(realmID)
	m.logger.Debug("access token refreshed",
		zap.String("realm_id", realmID),
		zap.Time("expires_at", updated.ExpiryTime()))
	return &updated, nil
}

func (m *Manager) credentialFromResponse(realmID, companyName string, resp *qbo.TokenResponse) qbo.Credential {
	return qbo.Credential{
		RealmID:      realmID,
		CompanyName:  companyName,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    m.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli(),
		Environment:  m.cfg.Environment,
	}
}

func (m *Manager) resolveCompanyName(ctx context.Context, accessToken, realmID string) string {
	if m.companyName == nil {
		return realmID
	}
	name, err := m.companyName(ctx, accessToken, realmID)
	if err != nil || strings.TrimSpace(name) == "" {
		m.logger.Warn("company name lookup failed, using realm id",
			zap.String("realm_id", realmID), zap.Error(err))
		return realmID
	}
	return name
}

func (m *Manager) cachedToken(tenant string) (string, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.cached == nil || !m.now().Before(m.cacheExpiry) {
		return "", false
	}
	tenant = strings.TrimSpace(tenant)
	if tenant != "" && tenant != m.cached.RealmID && tenant != m.cached.CompanyName {
		return "", false
	}
	return m.cached.AccessToken, true
}

func (m *Manager) cache(cred *qbo.Credential) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	c := *cred
	m.cached = &c
	m.cacheExpiry = cred.ExpiryTime().Add(-m.cfg.TokenBuffer)
}

func (m *Manager) invalidateCache(realmID string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.cached != nil && m.cached.RealmID == realmID {
		m.cached = nil
	}
}

func (m *Manager) notifyRefreshed(realmID string) {
	m.listenerMu.Lock()
	listeners := append([]func(string){}, m.onRefresh...)
	m.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(realmID)
	}
}
