package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/smallbiznis/qbo-connect/internal/domain/qbo"
)

// FileCredentialStore keeps one JSON record set per environment under a
// storage directory. Writes go through a temp file and rename so a crashed
// process never leaves a half-written credential set behind. Reads degrade to
// empty on corruption; writes surface qbo.StorageError.
type FileCredentialStore struct {
	dir    string
	env    qbo.Environment
	logger *zap.Logger
	mu     sync.Mutex
}

var _ CredentialStore = (*FileCredentialStore)(nil)

// NewFileCredentialStore constructs a store rooted at dir for the given
// environment partition.
func NewFileCredentialStore(dir string, env qbo.Environment, logger *zap.Logger) *FileCredentialStore {
	if logger == nil {
		logger = zap.L()
	}
	return &FileCredentialStore{dir: dir, env: env, logger: logger}
}

func (s *FileCredentialStore) path() string {
	return filepath.Join(s.dir, fmt.Sprintf("connections.%s.json", s.env))
}

// Save upserts the credential keyed by realm id. A non-empty stored refresh
// token survives an empty incoming one; the provider does not always return
// a replacement and losing the old value breaks every future refresh.
func (s *FileCredentialStore) Save(ctx context.Context, cred qbo.Credential) error {
	if strings.TrimSpace(cred.RealmID) == "" {
		return qbo.StorageError("save", fmt.Errorf("realm id is empty"))
	}
	cred.Environment = s.env

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.readAll()
	if strings.TrimSpace(cred.RefreshToken) == "" {
		if existing := records[cred.RealmID]; existing.RefreshToken != "" {
			cred.RefreshToken = existing.RefreshToken
		} else {
			return qbo.StorageError("save", fmt.Errorf("refresh token is empty for realm %s", cred.RealmID))
		}
	}
	records[cred.RealmID] = cred
	if err := s.writeAll(records); err != nil {
		return qbo.StorageError("save", err)
	}
	return nil
}

// Load resolves by realm id first, then exact company name. Empty identifier
// returns the first record ordered by company name.
func (s *FileCredentialStore) Load(ctx context.Context, identifier string) (*qbo.Credential, error) {
	records := s.readAll()
	if len(records) == 0 {
		return nil, nil
	}

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		first := orderedRealms(records)[0]
		cred := records[first]
		return &cred, nil
	}

	if cred, ok := records[identifier]; ok {
		return &cred, nil
	}
	for _, cred := range records {
		if cred.CompanyName == identifier {
			c := cred
			return &c, nil
		}
	}
	return nil, nil
}

// List returns connected companies ordered by company name.
func (s *FileCredentialStore) List(ctx context.Context) ([]qbo.CompanyRef, error) {
	records := s.readAll()
	refs := make([]qbo.CompanyRef, 0, len(records))
	for _, realm := range orderedRealms(records) {
		cred := records[realm]
		refs = append(refs, qbo.CompanyRef{RealmID: cred.RealmID, CompanyName: cred.CompanyName})
	}
	return refs, nil
}

// Delete removes one matched record, or every record in the environment when
// identifier is empty. A non-empty identifier that matches nothing fails so
// a typo never silently becomes a no-op.
func (s *FileCredentialStore) Delete(ctx context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		if err := os.Remove(s.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return qbo.StorageError("delete", err)
		}
		return nil
	}

	records := s.readAll()
	realm := ""
	if _, ok := records[identifier]; ok {
		realm = identifier
	} else {
		for id, cred := range records {
			if cred.CompanyName == identifier {
				realm = id
				break
			}
		}
	}
	if realm == "" {
		return qbo.StorageError("delete", fmt.Errorf("no connection matches %q", identifier))
	}

	delete(records, realm)
	if err := s.writeAll(records); err != nil {
		return qbo.StorageError("delete", err)
	}
	return nil
}

// Exists reports whether the environment partition holds any record.
func (s *FileCredentialStore) Exists(ctx context.Context) (bool, error) {
	return len(s.readAll()) > 0, nil
}

// readAll never fails: a missing, unreadable, or corrupt file reads as an
// empty set so a damaged store degrades to "not connected" instead of
// blocking every operation.
func (s *FileCredentialStore) readAll() map[string]qbo.Credential {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("credential store unreadable, treating as empty",
				zap.String("path", s.path()), zap.Error(err))
		}
		return map[string]qbo.Credential{}
	}

	var records map[string]qbo.Credential
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("credential store corrupt, treating as empty",
			zap.String("path", s.path()), zap.Error(err))
		return map[string]qbo.Credential{}
	}
	if records == nil {
		records = map[string]qbo.Credential{}
	}
	return records
}

func (s *FileCredentialStore) writeAll(records map[string]qbo.Credential) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "connections-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}

func orderedRealms(records map[string]qbo.Credential) []string {
	realms := make([]string, 0, len(records))
	for realm := range records {
		realms = append(realms, realm)
	}
	sort.Slice(realms, func(i, j int) bool {
		a, b := records[realms[i]], records[realms[j]]
		if a.CompanyName != b.CompanyName {
			return a.CompanyName < b.CompanyName
		}
		return a.RealmID < b.RealmID
	})
	return realms
}
