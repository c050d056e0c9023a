package accounting

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

const (
	sandboxBaseURL    = "https://sandbox-quickbooks.api.intuit.com"
	productionBaseURL = "https://quickbooks.api.intuit.com"
	minorVersion      = "75"
)

// Client is the thin typed pass-through to the QuickBooks accounting API,
// bound to one realm and one access token.
type Client interface {
	Query(ctx context.Context, query string) (json.RawMessage, error)
	Report(ctx context.Context, name string, params url.Values) (json.RawMessage, error)
	CompanyInfo(ctx context.Context) (*CompanyInfo, error)
}

// ClientFactory builds a Client for a (token, realm) pair.
type ClientFactory interface {
	New(accessToken, realmID string) Client
}

// CompanyInfo is the subset of the CompanyInfo entity the connection flow
// needs for display names.
type CompanyInfo struct {
	CompanyName string `json:"CompanyName"`
	LegalName   string `json:"LegalName"`
	Country     string `json:"Country"`
}

// HTTPClientFactory produces HTTP-backed clients against the environment's
// base URL.
type HTTPClientFactory struct {
	httpClient *http.Client
	baseURL    string
}

var _ ClientFactory = (*HTTPClientFactory)(nil)

// NewHTTPClientFactory constructs the factory for env. A non-empty baseURL
// override is used by tests.
func NewHTTPClientFactory(client *http.Client, env qbo.Environment, baseURL string) *HTTPClientFactory {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = productionBaseURL
		if env == qbo.Sandbox {
			baseURL = sandboxBaseURL
		}
	}
	return &HTTPClientFactory{httpClient: client, baseURL: baseURL}
}

// New binds a client to one realm and token.
func (f *HTTPClientFactory) New(accessToken, realmID string) Client {
	return &httpClient{
		httpClient:  f.httpClient,
		baseURL:     f.baseURL,
		accessToken: accessToken,
		realmID:     realmID,
	}
}

type httpClient struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	realmID     string
}

// Query executes a QuickBooks SQL-ish entity query.
func (c *httpClient) Query(ctx context.Context, query string) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("query", query)
	return c.get(ctx, fmt.Sprintf("/v3/company/%s/query", c.realmID), params)
}

// Report fetches a named report such as ProfitAndLoss or BalanceSheet.
func (c *httpClient) Report(ctx context.Context, name string, params url.Values) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	return c.get(ctx, fmt.Sprintf("/v3/company/%s/reports/%s", c.realmID, name), params)
}

// CompanyInfo loads the company's display metadata.
func (c *httpClient) CompanyInfo(ctx context.Context) (*CompanyInfo, error) {
	raw, err := c.get(ctx, fmt.Sprintf("/v3/company/%s/companyinfo/%s", c.realmID, c.realmID), nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		CompanyInfo CompanyInfo `json:"CompanyInfo"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode company info: %w", err)
	}
	return &payload.CompanyInfo, nil
}

func (c *httpClient) get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("minorversion", minorVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("accounting request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, body)
	}
	return json.RawMessage(body), nil
}

// classifyStatus maps accounting API failures onto the shared error
// taxonomy: 401 sends callers down the re-auth path, 429 is retryable at the
// caller's pace, anything else is an opaque API error.
func classifyStatus(status int, body []byte) error {
	fault := faultSummary(body)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return qbo.ReauthorizationRequiredError("", fmt.Errorf("accounting api status=%d fault=%s", status, fault))
	case http.StatusTooManyRequests:
		return qbo.RateLimitError(fmt.Errorf("accounting api status=%d fault=%s", status, fault))
	default:
		return qbo.APIError(status, fmt.Errorf("fault=%s", fault))
	}
}

func faultSummary(body []byte) string {
	var payload struct {
		Fault struct {
			Error []struct {
				Message string `json:"Message"`
				Code    string `json:"code"`
			} `json:"Error"`
			Type string `json:"type"`
		} `json:"Fault"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Fault.Error) == 0 {
		return strings.TrimSpace(string(body[:min(len(body), 200)]))
	}
	first := payload.Fault.Error[0]
	return fmt.Sprintf("%s(%s): %s", payload.Fault.Type, first.Code, first.Message)
}
