package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/qbo-connect/internal/adapter/accounting"
	"github.com/smallbiznis/qbo-connect/internal/callback"
	"github.com/smallbiznis/qbo-connect/internal/config"
	"github.com/smallbiznis/qbo-connect/internal/domain/qbo"
	"github.com/smallbiznis/qbo-connect/internal/repository"
	"github.com/smallbiznis/qbo-connect/internal/service/token"
)

// AuthResult reports the outcome of an Authenticate call.
type AuthResult struct {
	AlreadyConnected bool             `json:"alreadyConnected"`
	AuthorizationURL string           `json:"authorizationUrl,omitempty"`
	Company          *qbo.CompanyRef  `json:"company,omitempty"`
	Companies        []qbo.CompanyRef `json:"companies,omitempty"`
	Message          string           `json:"message"`
}

// OpenURLFunc presents the authorization URL to the user, typically by
// launching a browser. When nil the URL is only logged.
type OpenURLFunc func(url string) error

// Broker resolves tenant references to ready-to-use accounting API clients
// and drives the interactive connection flow. It caches one constructed
// client per realm and drops it whenever the token manager refreshes that
// realm's token.
type Broker struct {
	cfg     config.Config
	store   repository.CredentialStore
	tokens  *token.Manager
	factory accounting.ClientFactory
	openURL OpenURLFunc
	logger  *zap.Logger

	// newListener is swapped in tests to avoid real port binding.
	newListener func() *callback.Listener

	mu      sync.Mutex
	clients map[string]cachedClient
}

type cachedClient struct {
	client      accounting.Client
	accessToken string
}

// NewBroker wires the broker and subscribes it to token refresh events.
func NewBroker(cfg config.Config, store repository.CredentialStore, tokens *token.Manager, factory accounting.ClientFactory, openURL OpenURLFunc, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.L()
	}
	b := &Broker{
		cfg:     cfg,
		store:   store,
		tokens:  tokens,
		factory: factory,
		openURL: openURL,
		logger:  logger,
		clients: make(map[string]cachedClient),
		newListener: func() *callback.Listener {
			return callback.NewListener(cfg.RedirectHost, cfg.CallbackPath, cfg.CallbackPortStart, cfg.CallbackPortEnd, logger)
		},
	}
	tokens.OnTokenRefreshed(b.invalidateClient)
	return b
}

// ListCompanies returns all connected companies for the current environment.
func (b *Broker) ListCompanies(ctx context.Context) ([]qbo.CompanyRef, error) {
	return b.store.List(ctx)
}

// GetAccessToken proxies the token manager's primary read path.
func (b *Broker) GetAccessToken(ctx context.Context, tenant string) (string, error) {
	return b.tokens.GetAccessToken(ctx, tenant)
}

// ResolveClient resolves tenantRef (realm id, exact company name, or empty
// for the first connected company) to a configured accounting API client.
func (b *Broker) ResolveClient(ctx context.Context, tenantRef string) (accounting.Client, *qbo.CompanyRef, error) {
	cred, err := b.store.Load(ctx, tenantRef)
	if err != nil {
		return nil, nil, err
	}
	if cred == nil {
		return nil, nil, qbo.AuthenticationRequiredError(tenantRef)
	}

	if strings.TrimSpace(tenantRef) == "" {
		if refs, listErr := b.store.List(ctx); listErr == nil && len(refs) > 1 {
			b.logger.Warn("multiple companies connected and no tenant named, using first by company name",
				zap.String("company", cred.CompanyName), zap.Int("connected", len(refs)))
		}
	}

	accessToken, err := b.tokens.GetAccessToken(ctx, cred.RealmID)
	if err != nil {
		return nil, nil, err
	}

	ref := &qbo.CompanyRef{RealmID: cred.RealmID, CompanyName: cred.CompanyName}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cached, ok := b.clients[cred.RealmID]; ok && cached.accessToken == accessToken {
		return cached.client, ref, nil
	}
	client := b.factory.New(accessToken, cred.RealmID)
	b.clients[cred.RealmID] = cachedClient{client: client, accessToken: accessToken}
	return client, ref, nil
}

// Authenticate runs the interactive connection flow. When connections
// already exist and force is not set it short-circuits without starting a
// listener, so a half-finished prior attempt can never collide on the
// whitelisted ports.
func (b *Broker) Authenticate(ctx context.Context, force bool) (*AuthResult, error) {
	if !force {
		if exists, err := b.store.Exists(ctx); err == nil && exists {
			companies, _ := b.store.List(ctx)
			return &AuthResult{
				AlreadyConnected: true,
				Companies:        companies,
				Message:          "QuickBooks is already connected; pass force to add another company",
			}, nil
		}
	}

	listener := b.newListener()
	if err := listener.Start(ctx); err != nil {
		return nil, qbo.CallbackError(fmt.Sprintf("start callback listener: %v", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := listener.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("callback listener shutdown failed", zap.Error(err))
		}
	}()

	authURL, err := b.tokens.AuthorizationURL(listener.State(), listener.RedirectURI())
	if err != nil {
		return nil, err
	}

	b.logger.Info("authorization url generated", zap.String("url", authURL))
	if b.openURL != nil {
		if err := b.openURL(authURL); err != nil {
			b.logger.Warn("could not open browser, open the url manually", zap.Error(err))
		}
	}

	result, err := listener.AwaitCallback(ctx, b.cfg.CallbackTimeout)
	if err != nil {
		return nil, err
	}

	cred, err := b.tokens.ExchangeCode(ctx, result.Code, result.RealmID, listener.RedirectURI())
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		AuthorizationURL: authURL,
		Company:          &qbo.CompanyRef{RealmID: cred.RealmID, CompanyName: cred.CompanyName},
		Message:          fmt.Sprintf("connected %s (realm %s)", cred.CompanyName, cred.RealmID),
	}, nil
}

// ClearTokens disconnects one company, or all companies when tenantRef is
// empty.
func (b *Broker) ClearTokens(ctx context.Context, tenantRef string) error {
	realm := strings.TrimSpace(tenantRef)
	if realm != "" {
		// Resolve a company name to its realm before the record is gone.
		if cred, err := b.store.Load(ctx, tenantRef); err == nil && cred != nil {
			realm = cred.RealmID
		}
	}
	if err := b.tokens.ClearTokens(ctx, tenantRef); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if realm == "" {
		b.clients = make(map[string]cachedClient)
	} else {
		delete(b.clients, realm)
	}
	return nil
}

func (b *Broker) invalidateClient(realmID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, realmID)
}
