package main

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/qbo-connect/internal/adapter/accounting"
	"github.com/smallbiznis/qbo-connect/internal/adapter/intuit"
	"github.com/smallbiznis/qbo-connect/internal/bootstrap"
	"github.com/smallbiznis/qbo-connect/internal/config"
	"github.com/smallbiznis/qbo-connect/internal/domain/qbo"
	httptransport "github.com/smallbiznis/qbo-connect/internal/http"
	"github.com/smallbiznis/qbo-connect/internal/http/handler"
	apimiddleware "github.com/smallbiznis/qbo-connect/internal/middleware"
	"github.com/smallbiznis/qbo-connect/internal/repository"
	"github.com/smallbiznis/qbo-connect/internal/server"
	"github.com/smallbiznis/qbo-connect/internal/service/broker"
	"github.com/smallbiznis/qbo-connect/internal/service/token"
	"github.com/smallbiznis/qbo-connect/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newCredentialStore,
			newProviderClient,
			newClientFactory,
			newCompanyNameFunc,
			newTokenManager,
			newBroker,
			newRateLimiter,
			handler.NewConnectionHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, ensureStorage, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == qbo.Sandbox {
		logger, err = zap.NewDevelopment()
	} else {
		gin.SetMode(gin.ReleaseMode)
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newCredentialStore(cfg config.Config, logger *zap.Logger) repository.CredentialStore {
	return repository.NewFileCredentialStore(cfg.StorageDir, cfg.Environment, logger)
}

func newProviderClient() intuit.ProviderClient {
	return intuit.NewHTTPProviderClient(nil)
}

func newClientFactory(cfg config.Config) accounting.ClientFactory {
	return accounting.NewHTTPClientFactory(nil, cfg.Environment, "")
}

func newCompanyNameFunc(factory accounting.ClientFactory) token.CompanyNameFunc {
	return func(ctx context.Context, accessToken, realmID string) (string, error) {
		info, err := factory.New(accessToken, realmID).CompanyInfo(ctx)
		if err != nil {
			return "", err
		}
		return info.CompanyName, nil
	}
}

func newTokenManager(cfg config.Config, store repository.CredentialStore, provider intuit.ProviderClient, companyName token.CompanyNameFunc, logger *zap.Logger) *token.Manager {
	return token.NewManager(cfg, store, provider, companyName, logger)
}

func newBroker(cfg config.Config, store repository.CredentialStore, tokens *token.Manager, factory accounting.ClientFactory, logger *zap.Logger) *broker.Broker {
	return broker.NewBroker(cfg, store, tokens, factory, openBrowser, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func ensureStorage(cfg config.Config, store repository.CredentialStore, logger *zap.Logger) error {
	return bootstrap.EnsureStorage(cfg, store, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := "127.0.0.1:" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			logger.Info("local tool surface listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}

// openBrowser launches the system browser with the authorization URL. The
// flow still completes if this fails; the URL is logged either way.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
