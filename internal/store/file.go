package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kirolink/kiro-gateway/internal/auth/kiro"
)

// fileRecord is the on-disk shape: the token fields at the top level (so a
// plain kiro-auth-token.json stays importable) plus gateway annotations.
type fileRecord struct {
	kiro.KiroTokenStorage

	Email               string         `json:"email,omitempty"`
	Label               string         `json:"label,omitempty"`
	Status              string         `json:"status,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
	QuotaExhaustedUntil *time.Time     `json:"quotaExhaustedUntil,omitempty"`
	AddedAt             *time.Time     `json:"addedAt,omitempty"`
	Usage               *UsageSnapshot `json:"usage,omitempty"`
}

// FileStore keeps one JSON file per account under a directory, with an
// in-memory index for reads. It pairs with the auth-dir token watcher:
// watcher callbacks feed ImportToken and Retire.
type FileStore struct {
	dir string

	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewFileStore creates a store over dir, creating the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create auth dir: %w", err)
	}
	return &FileStore{
		dir:      dir,
		accounts: make(map[string]*Account),
	}, nil
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string { return s.dir }

// Load reads every account file in the directory into the index. Broken
// files are logged and skipped.
func (s *FileStore) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(name), ".json") {
			continue
		}
		account, err := s.readAccountFile(filepath.Join(s.dir, name))
		if err != nil {
			log.Warnf("file store: skipping %s: %v", name, err)
			continue
		}
		s.mu.Lock()
		s.accounts[account.ID] = account
		s.mu.Unlock()
	}
	return nil
}

// List returns clones of all accounts, ordered by ID.
func (s *FileStore) List(ctx context.Context) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		out = append(out, account.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a clone of one account.
func (s *FileStore) Get(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return account.Clone(), nil
}

// Save upserts the account in the index and rewrites its file.
func (s *FileStore) Save(ctx context.Context, account *Account) error {
	if account == nil || account.ID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	s.accounts[account.ID] = account.Clone()
	s.mu.Unlock()
	return s.writeAccountFile(account)
}

// Delete drops the account and removes its file.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.accounts, id)
	s.mu.Unlock()
	path := s.pathFor(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ImportToken registers or updates an account from a watched token file.
// Existing gateway annotations survive a token rewrite.
func (s *FileStore) ImportToken(id string, token *kiro.KiroTokenStorage) {
	if id == "" || token == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[id]; ok {
		existing.Token = token
		if existing.Status == "" {
			existing.Status = StatusActive
		}
		return
	}
	account := NewAccount(id, token)
	if record, err := s.readRecord(s.pathFor(id)); err == nil {
		applyRecordAnnotations(account, record)
	}
	s.accounts[id] = account
	log.Infof("file store: imported account %s", id)
}

// Retire drops an account whose token file disappeared.
func (s *FileStore) Retire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; ok {
		delete(s.accounts, id)
		log.Infof("file store: retired account %s", id)
	}
}

func (s *FileStore) pathFor(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) readAccountFile(path string) (*Account, error) {
	record, err := s.readRecord(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(record.RefreshToken) == "" {
		return nil, fmt.Errorf("missing refreshToken")
	}
	token := record.KiroTokenStorage
	base := filepath.Base(path)
	account := NewAccount(strings.TrimSuffix(base, filepath.Ext(base)), &token)
	applyRecordAnnotations(account, record)
	return account, nil
}

func (s *FileStore) readRecord(path string) (*fileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record fileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &record, nil
}

func applyRecordAnnotations(account *Account, record *fileRecord) {
	if record == nil {
		return
	}
	if record.Email != "" {
		account.Email = record.Email
	}
	if record.Label != "" {
		account.Label = record.Label
	}
	if record.Status != "" {
		account.Status = record.Status
	}
	account.LastError = record.LastError
	if record.QuotaExhaustedUntil != nil {
		account.QuotaExhaustedUntil = *record.QuotaExhaustedUntil
	}
	if record.AddedAt != nil {
		account.AddedAt = *record.AddedAt
	}
	if record.Usage != nil {
		usage := *record.Usage
		account.Usage = &usage
	}
}

func (s *FileStore) writeAccountFile(account *Account) error {
	record := fileRecord{
		Email:     account.Email,
		Label:     account.Label,
		Status:    account.Status,
		LastError: account.LastError,
	}
	if account.Token != nil {
		record.KiroTokenStorage = *account.Token
	}
	record.Type = "kiro"
	if !account.QuotaExhaustedUntil.IsZero() {
		until := account.QuotaExhaustedUntil
		record.QuotaExhaustedUntil = &until
	}
	if !account.AddedAt.IsZero() {
		added := account.AddedAt
		record.AddedAt = &added
	}
	if account.Usage != nil {
		usage := *account.Usage
		record.Usage = &usage
	}

	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode account %s: %w", account.ID, err)
	}
	return os.WriteFile(s.pathFor(account.ID), data, 0600)
}
