// Package backupfile persists sealed key backups in a JSON file. It backs
// the development deployment where no database is configured; the file is
// rewritten atomically on every change so a crash never leaves a torn copy.
package backupfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/storage"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// Store implements storage.BackupStore over a single JSON file.
type Store struct {
	mu      sync.Mutex
	path    string
	now     func() time.Time
	log     *logger.Logger
	backups map[string]domain.KeyBackup
}

var _ storage.BackupStore = (*Store)(nil)

type fileState struct {
	Backups map[string]domain.KeyBackup `json:"backups"`
}

// New loads the backup file at path, creating parent directories as needed.
// A missing file starts empty; an unreadable one is set aside and logged so
// its contents survive for manual recovery.
func New(path string, clock storage.Clock, log *logger.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("backup file path is required")
	}
	if log == nil {
		log = logger.NewDefault("backupfile")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create backup dir: %w", err)
		}
	}

	s := &Store{
		path:    path,
		now:     clock.Resolve(),
		log:     log,
		backups: make(map[string]domain.KeyBackup),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read backup file: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(raw, &state); err != nil {
		aside := fmt.Sprintf("%s.corrupt.%d", s.path, s.now().UTC().Unix())
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			return fmt.Errorf("backup file unreadable and could not be set aside: %w", renameErr)
		}
		s.log.WithError(err).WithField("moved_to", aside).Warn("backup file unreadable, starting empty")
		return nil
	}
	if state.Backups != nil {
		s.backups = state.Backups
	}
	return nil
}

// persist writes the whole map to a temp file and renames it into place.
// Callers hold s.mu.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(fileState{Backups: s.backups}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backups: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write backup file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace backup file: %w", err)
	}
	return nil
}

func (s *Store) PutBackup(_ context.Context, b domain.KeyBackup) (domain.KeyBackup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	b.UpdatedAt = now
	b.CreatedAt = now
	prev, existed := s.backups[b.IdentityID]
	if existed {
		b.CreatedAt = prev.CreatedAt
	}

	s.backups[b.IdentityID] = b
	if err := s.persist(); err != nil {
		if existed {
			s.backups[b.IdentityID] = prev
		} else {
			delete(s.backups, b.IdentityID)
		}
		return domain.KeyBackup{}, err
	}
	return b, nil
}

func (s *Store) GetBackup(_ context.Context, identityID string) (domain.KeyBackup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.backups[identityID]
	if !ok {
		return domain.KeyBackup{}, fmt.Errorf("backup %s: %w", identityID, storage.ErrNotFound)
	}
	return b, nil
}

func (s *Store) DeleteBackup(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.backups[identityID]
	if !ok {
		return fmt.Errorf("backup %s: %w", identityID, storage.ErrNotFound)
	}

	delete(s.backups, identityID)
	if err := s.persist(); err != nil {
		s.backups[identityID] = prev
		return err
	}
	return nil
}
