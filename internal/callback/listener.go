package callback

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/qbo-connect/internal/domain/qbo"
)

var (
	// ErrPortRangeExhausted means every whitelisted redirect port was
	// already bound. The range is registered with the provider
	// out-of-band, so there is nothing to retry.
	ErrPortRangeExhausted = errors.New("callback: no free port in whitelisted range")

	// ErrAlreadyStarted guards against a second listener silently
	// rebinding while one still owns a whitelisted port.
	ErrAlreadyStarted = errors.New("callback: listener already started")
)

type outcome struct {
	result *qbo.CallbackResult
	err    error
}

// Listener completes one authorization round-trip on a loopback port. It
// binds the first free port in the provider-whitelisted range, honors
// exactly one callback, and must be shut down on every exit path.
type Listener struct {
	host      string
	path      string
	portStart int
	portEnd   int
	logger    *zap.Logger

	mu        sync.Mutex
	started   bool
	closed    bool
	port      int
	state     string
	srv       *http.Server
	completed bool

	once      sync.Once
	resultCh  chan outcome
	serveDone chan struct{}
}

// NewListener configures a listener for the given redirect host, callback
// path, and whitelisted port range.
func NewListener(host, path string, portStart, portEnd int, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.L()
	}
	if path == "" {
		path = "/cb"
	}
	return &Listener{
		host:      host,
		path:      path,
		portStart: portStart,
		portEnd:   portEnd,
		logger:    logger,
		resultCh:  make(chan outcome, 1),
		serveDone: make(chan struct{}),
	}
}

// Start binds the first free whitelisted port and begins serving the
// callback endpoint. It generates a fresh CSRF state for this session.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrAlreadyStarted
	}
	if l.closed {
		return fmt.Errorf("callback: listener already shut down")
	}

	state, err := secureRandomString(32)
	if err != nil {
		return fmt.Errorf("generate state: %w", err)
	}
	l.state = state

	var ln net.Listener
	for port := l.portStart; port <= l.portEnd; port++ {
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:%d", l.host, port))
		if err == nil {
			l.port = port
			break
		}
	}
	if ln == nil {
		return fmt.Errorf("%w (%d-%d)", ErrPortRangeExhausted, l.portStart, l.portEnd)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET(l.path, l.handleCallback)
	engine.GET("/status", l.handleStatus)

	l.srv = &http.Server{Handler: engine}
	l.started = true

	go func() {
		if serveErr := l.srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			l.logger.Warn("callback listener stopped", zap.Error(serveErr))
		}
		close(l.serveDone)
	}()

	l.logger.Info("callback listener started",
		zap.Int("port", l.port), zap.String("path", l.path))
	return nil
}

// State returns the CSRF state generated for this session.
func (l *Listener) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Port returns the bound port, valid after Start.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// RedirectURI returns the redirect URI registered for this session.
func (l *Listener) RedirectURI() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("http://%s:%d%s", l.host, l.port, l.path)
}

// AwaitCallback blocks until one valid callback arrives or the hard timeout
// elapses. A timeout means the user abandoned the flow; the listener shuts
// itself down and a fresh one is needed for any retry.
func (l *Listener) AwaitCallback(ctx context.Context, timeout time.Duration) (*qbo.CallbackResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-l.resultCh:
		return out.result, out.err
	case <-timer.C:
		_ = l.Shutdown(context.Background())
		return nil, qbo.CallbackError(fmt.Sprintf("authorization abandoned: no callback within %s", timeout))
	case <-ctx.Done():
		_ = l.Shutdown(context.Background())
		return nil, ctx.Err()
	}
}

// Shutdown releases the port. Idempotent; safe on every exit path. Drain is
// bounded so a lingering success page can never hold the whitelisted port.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.closed || !l.started {
		l.closed = true
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	srv := l.srv
	l.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)

	select {
	case <-l.serveDone:
	case <-shutdownCtx.Done():
	}
	return err
}

// handleCallback validates the redirect in strict order: provider error,
// CSRF state, then code presence. Only the first terminal outcome resolves
// the pending AwaitCallback; later hits are answered but ignored.
func (l *Listener) handleCallback(c *gin.Context) {
	if errParam := c.Query("error"); errParam != "" {
		desc := c.Query("error_description")
		msg := "provider denied authorization: " + errParam
		if desc != "" {
			msg += " (" + desc + ")"
		}
		l.resolve(outcome{err: qbo.CallbackError(msg)})
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8", errorPage(msg))
		return
	}

	if c.Query("state") != l.State() {
		l.resolve(outcome{err: qbo.CallbackError("state mismatch, possible CSRF or stale authorization attempt")})
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8", errorPage("State validation failed. Start a fresh connection attempt."))
		return
	}

	code := c.Query("code")
	if strings.TrimSpace(code) == "" {
		l.resolve(outcome{err: qbo.CallbackError("malformed callback: missing authorization code")})
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8", errorPage("The callback was missing an authorization code."))
		return
	}

	l.resolve(outcome{result: &qbo.CallbackResult{
		Code:    code,
		State:   c.Query("state"),
		RealmID: c.Query("realmId"),
	}})
	c.Data(http.StatusOK, "text/html; charset=utf-8", successPage())
}

// handleStatus lets a companion page poll for completion while the listener
// lingers. Best effort only; shutdown is never blocked on it.
func (l *Listener) handleStatus(c *gin.Context) {
	l.mu.Lock()
	completed := l.completed
	l.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"completed": completed})
}

func (l *Listener) resolve(out outcome) {
	l.once.Do(func() {
		l.mu.Lock()
		l.completed = true
		l.mu.Unlock()
		l.resultCh <- out
	})
}

func secureRandomString(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func successPage() []byte {
	return []byte(`<!doctype html><html><head><title>QuickBooks connected</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:4rem">
<h1>Connected</h1>
<p>Your QuickBooks company is now connected. You can close this window.</p>
</body></html>`)
}

func errorPage(msg string) []byte {
	return []byte(`<!doctype html><html><head><title>Connection failed</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:4rem">
<h1>Connection failed</h1>
<p>` + msg + `</p>
</body></html>`)
}
