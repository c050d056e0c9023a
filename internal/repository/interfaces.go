package repository

import (
	"context"

	"github.com/smallbiznis/qbo-connect/internal/domain/qbo"
)

// CredentialStore persists one QuickBooks connection per realm, partitioned
// by environment. The store is authoritative; any in-memory caching happens
// above it.
type CredentialStore interface {
	// Save upserts by (environment, realmID). An empty incoming refresh
	// token never overwrites a stored one.
	Save(ctx context.Context, cred qbo.Credential) error

	// Load resolves identifier as a realm id first, then as an exact
	// company name. An empty identifier returns the first record ordered
	// by company name, letting single-tenant callers omit it. Returns
	// (nil, nil) when nothing matches.
	Load(ctx context.Context, identifier string) (*qbo.Credential, error)

	// List returns all connected companies in the current environment,
	// ordered by company name.
	List(ctx context.Context) ([]qbo.CompanyRef, error)

	// Delete removes the record matched by the Load resolution rule. An
	// empty identifier deletes every record in the current environment;
	// a non-empty identifier that matches nothing is an error.
	Delete(ctx context.Context, identifier string) error

	// Exists reports whether the current environment has at least one
	// record.
	Exists(ctx context.Context) (bool, error)
}
