package token

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/qbo-connect/internal/adapter/intuit"
	"github.com/smallbiznis/qbo-connect/internal/config"
	"github.com/smallbiznis/qbo-connect/internal/domain/qbo"
)

const testBuffer = 5 * time.Minute

type managerHarness struct {
	manager  *Manager
	store    *memoryStore
	provider *fakeProvider
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	cfg := config.Config{
		Environment:       qbo.Sandbox,
		ClientID:          "client",
		ClientSecret:      "secret",
		RedirectHost:      "localhost",
		CallbackPath:      "/cb",
		CallbackPortStart: 9741,
		CallbackPortEnd:   9745,
		TokenBuffer:       testBuffer,
	}
	store := newMemoryStore()
	provider := &fakeProvider{}
	manager := NewManager(cfg, store, provider, nil, zap.NewNop())
	return &managerHarness{manager: manager, store: store, provider: provider}
}

func (h *managerHarness) seed(realmID, company string, ttl time.Duration) {
	h.store.put(qbo.Credential{
		RealmID:      realmID,
		CompanyName:  company,
		AccessToken:  "access-" + realmID,
		RefreshToken: "refresh-" + realmID,
		ExpiresAt:    time.Now().Add(ttl).UnixMilli(),
		Environment:  qbo.Sandbox,
	})
}

func TestManager_GetAccessToken_CacheHitSkipsStore(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	h.seed("111", "Acme", time.Hour)

	first, err := h.manager.GetAccessToken(ctx, "111")
	require.NoError(t, err)
	require.Equal(t, "access-111", first)
	require.Equal(t, int64(1), h.store.loads())

	// A second call within the buffer window must touch neither the store
	// nor the network.
	second, err := h.manager.GetAccessToken(ctx, "111")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int64(1), h.store.loads())
	require.Equal(t, int64(0), h.provider.refreshCalls.Load())
}

func TestManager_GetAccessToken_NoRecord(t *testing.T) {
	h := newManagerHarness(t)
	_, err := h.manager.GetAccessToken(context.Background(), "999")
	require.Error(t, err)
	require.ErrorIs(t, err, qbo.ErrAuthenticationRequired)
}

func TestManager_GetAccessToken_ExpiringWithinBufferRefreshes(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	// Four minutes left against a five-minute buffer: not a cache hit.
	h.seed("111", "Acme", 4*time.Minute)
	h.provider.refreshResponse = &qbo.TokenResponse{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ExpiresIn:    3600,
	}

	tok, err := h.manager.GetAccessToken(ctx, "111")
	require.NoError(t, err)
	require.Equal(t, "fresh-access", tok)
	require.Equal(t, int64(1), h.provider.refreshCalls.Load())

	stored, err := h.store.Load(ctx, "111")
	require.NoError(t, err)
	require.Equal(t, "fresh-refresh", stored.RefreshToken)
	require.Greater(t, stored.ExpiresAt, time.Now().Add(50*time.Minute).UnixMilli())
}

func TestManager_GetAccessToken_SingleFlight(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	h.seed("111", "Acme", time.Minute)
	h.provider.refreshResponse = &qbo.TokenResponse{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ExpiresIn:    3600,
	}
	h.provider.refreshDelay = 50 * time.Millisecond

	const callers = 20
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.manager.GetAccessToken(ctx, "111")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "fresh-access", results[i])
	}
	require.Equal(t, int64(1), h.provider.refreshCalls.Load())
}

func TestManager_Refresh_PreservesRefreshTokenWhenOmitted(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	h.seed("111", "Acme", time.Minute)
	h.provider.refreshResponse = &qbo.TokenResponse{
		AccessToken: "fresh-access",
		ExpiresIn:   3600,
		// No refresh_token in the response.
	}

	_, err := h.manager.GetAccessToken(ctx, "111")
	require.NoError(t, err)

	stored, err := h.store.Load(ctx, "111")
	require.NoError(t, err)
	require.Equal(t, "refresh-111", stored.RefreshToken)
}

func TestManager_Refresh_InvalidGrantClearsRecord(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	h.seed("111", "Acme", time.Minute)
	h.provider.refreshErr = &intuit.OAuthEndpointError{StatusCode: 400, Code: "invalid_grant"}

	_, err := h.manager.GetAccessToken(ctx, "111")
	require.Error(t, err)
	require.ErrorIs(t, err, qbo.ErrReauthorizationRequired)
	require.False(t, qbo.IsRetryable(err))

	stored, loadErr := h.store.Load(ctx, "111")
	require.NoError(t, loadErr)
	require.Nil(t, stored)
}

func TestManager_Refresh_TransientFailureIsRetryable(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	h.seed("111", "Acme", time.Minute)
	h.provider.refreshErr = fmt.Errorf("connection reset")

	_, err := h.manager.GetAccessToken(ctx, "111")
	require.Error(t, err)
	require.ErrorIs(t, err, qbo.ErrTokenRefreshFailed)
	require.True(t, qbo.IsRetryable(err))

	// The record survives so a retry can succeed.
	stored, loadErr := h.store.Load(ctx, "111")
	require.NoError(t, loadErr)
	require.NotNil(t, stored)

	// The single-flight slot must not stay held after a failure.
	h.provider.refreshErr = nil
	h.provider.refreshResponse = &qbo.TokenResponse{AccessToken: "fresh", RefreshToken: "r2", ExpiresIn: 3600}
	tok, err := h.manager.GetAccessToken(ctx, "111")
	require.NoError(t, err)
	require.Equal(t, "fresh", tok)
}

func TestManager_ExchangeCode_PersistsConnection(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	h.provider.exchangeResponse = &qbo.TokenResponse{
		AccessToken:  "initial-access",
		RefreshToken: "initial-refresh",
		ExpiresIn:    3600,
	}
	h.manager.companyName = func(ctx context.Context, accessToken, realmID string) (string, error) {
		return "Acme", nil
	}

	cred, err := h.manager.ExchangeCode(ctx, "auth-code", "111", "http://localhost:9741/cb")
	require.NoError(t, err)
	require.Equal(t, "Acme", cred.CompanyName)
	require.Equal(t, qbo.Sandbox, cred.Environment)

	stored, err := h.store.Load(ctx, "Acme")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "initial-refresh", stored.RefreshToken)
}

func TestManager_ExchangeCode_FallsBackToRealmIDName(t *testing.T) {
	h := newManagerHarness(t)
	h.provider.exchangeResponse = &qbo.TokenResponse{
		AccessToken:  "initial-access",
		RefreshToken: "initial-refresh",
		ExpiresIn:    3600,
	}
	h.manager.companyName = func(ctx context.Context, accessToken, realmID string) (string, error) {
		return "", fmt.Errorf("company info unavailable")
	}

	cred, err := h.manager.ExchangeCode(context.Background(), "auth-code", "111", "http://localhost:9741/cb")
	require.NoError(t, err)
	require.Equal(t, "111", cred.CompanyName)
}

func TestManager_AuthorizationURL(t *testing.T) {
	h := newManagerHarness(t)

	url, err := h.manager.AuthorizationURL("state-123", "http://localhost:9741/cb")
	require.NoError(t, err)
	require.Contains(t, url, "state=state-123")
	require.Contains(t, url, "client_id=client")
	require.Contains(t, url, "scope=com.intuit.quickbooks.accounting")

	h.manager.cfg.ClientID = ""
	_, err = h.manager.AuthorizationURL("state-123", "http://localhost:9741/cb")
	require.Error(t, err)
	require.ErrorIs(t, err, qbo.ErrConfiguration)
}

func TestManager_ClearTokens_RevokesAndDeletes(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	h.seed("111", "Acme", time.Hour)
	h.seed("222", "Widget", time.Hour)

	require.NoError(t, h.manager.ClearTokens(ctx, "Acme"))
	require.Equal(t, int64(1), h.provider.revokeCalls.Load())
	stored, err := h.store.Load(ctx, "111")
	require.NoError(t, err)
	require.Nil(t, stored)

	require.NoError(t, h.manager.ClearTokens(ctx, ""))
	require.Equal(t, int64(2), h.provider.revokeCalls.Load())
	refs, err := h.store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, refs)
}

// ---- Fakes ----

type memoryStore struct {
	mu        sync.Mutex
	records   map[string]qbo.Credential
	loadCount atomic.Int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string]qbo.Credential{}}
}

func (s *memoryStore) put(cred qbo.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[cred.RealmID] = cred
}

func (s *memoryStore) loads() int64 { return s.loadCount.Load() }

func (s *memoryStore) Save(_ context.Context, cred qbo.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred.RefreshToken == "" {
		if existing, ok := s.records[cred.RealmID]; ok && existing.RefreshToken != "" {
			cred.RefreshToken = existing.RefreshToken
		} else {
			return qbo.StorageError("save", fmt.Errorf("refresh token is empty"))
		}
	}
	s.records[cred.RealmID] = cred
	return nil
}

func (s *memoryStore) Load(_ context.Context, identifier string) (*qbo.Credential, error) {
	s.loadCount.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		refs := s.orderedLocked()
		if len(refs) == 0 {
			return nil, nil
		}
		cred := s.records[refs[0].RealmID]
		return &cred, nil
	}
	if cred, ok := s.records[identifier]; ok {
		return &cred, nil
	}
	for _, cred := range s.records {
		if cred.CompanyName == identifier {
			c := cred
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) List(_ context.Context) ([]qbo.CompanyRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderedLocked(), nil
}

func (s *memoryStore) Delete(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		s.records = map[string]qbo.Credential{}
		return nil
	}
	if _, ok := s.records[identifier]; ok {
		delete(s.records, identifier)
		return nil
	}
	for realm, cred := range s.records {
		if cred.CompanyName == identifier {
			delete(s.records, realm)
			return nil
		}
	}
	return qbo.StorageError("delete", fmt.Errorf("no connection matches %q", identifier))
}

func (s *memoryStore) Exists(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records) > 0, nil
}

func (s *memoryStore) orderedLocked() []qbo.CompanyRef {
	refs := make([]qbo.CompanyRef, 0, len(s.records))
	for _, cred := range s.records {
		refs = append(refs, qbo.CompanyRef{RealmID: cred.RealmID, CompanyName: cred.CompanyName})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].CompanyName < refs[j].CompanyName })
	return refs
}

type fakeProvider struct {
	exchangeResponse *qbo.TokenResponse
	refreshResponse  *qbo.TokenResponse
	refreshErr       error
	refreshDelay     time.Duration
	refreshCalls     atomic.Int64
	revokeCalls      atomic.Int64
}

func (f *fakeProvider) ExchangeCode(context.Context, string, string, string, string) (*qbo.TokenResponse, error) {
	if f.exchangeResponse == nil {
		return nil, fmt.Errorf("exchange not configured")
	}
	return f.exchangeResponse, nil
}

func (f *fakeProvider) RefreshToken(context.Context, string, string, string) (*qbo.TokenResponse, error) {
	f.refreshCalls.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.refreshResponse == nil {
		return nil, fmt.Errorf("refresh not configured")
	}
	return f.refreshResponse, nil
}

func (f *fakeProvider) Revoke(context.Context, string, string, string) error {
	f.revokeCalls.Add(1)
	return nil
}
