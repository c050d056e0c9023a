package bootstrap

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/smallbiznis/qbo-connect/internal/config"
	"github.com/smallbiznis/qbo-connect/internal/domain/qbo"
	"github.com/smallbiznis/qbo-connect/internal/repository"
)

// EnsureStorage prepares the credential storage directory and announces
// already-connected companies so a restarted process shows its state up
// front.
func EnsureStorage(cfg config.Config, store repository.CredentialStore, logger *zap.Logger) error {
	if err := os.MkdirAll(cfg.StorageDir, 0o700); err != nil {
		return qbo.StorageError("prepare", fmt.Errorf("create storage dir %s: %w", cfg.StorageDir, err))
	}

	companies, err := store.List(context.Background())
	if err != nil {
		return err
	}

	if len(companies) == 0 {
		logger.Info("no QuickBooks companies connected yet",
			zap.String("environment", string(cfg.Environment)),
			zap.String("storage_dir", cfg.StorageDir))
		return nil
	}

	for _, company := range companies {
		logger.Info("QuickBooks company connected",
			zap.String("realm_id", company.RealmID),
			zap.String("company", company.CompanyName),
			zap.String("environment", string(cfg.Environment)))
	}
	return nil
}
