// Package mapping persists the pot-to-account mapping.
//
// The mapping is a JSON array of entries at a configured path. Each entry
// records which ledger account a Monzo pot feeds and the pot balance observed
// at the last successful reconciliation (the watermark). Writes are atomic:
// the file on disk is always either the previous complete collection or the
// new one, never a partial write.
package mapping

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Entry maps one Monzo pot to a ledger account.
//
// LastBalance is in minor currency units and advances only after a
// transaction for the corresponding delta has been accepted by the ledger.
// An empty AccountID means the pot is unmapped and skipped by the sync.
type Entry struct {
	PotID       string `json:"potId"`
	AccountID   string `json:"accountId,omitempty"`
	LastBalance int64  `json:"lastBalance"`
}

// Store reads and writes the mapping file.
//
// There is no locking beyond the atomic replace; concurrent writers are
// last-writer-wins.
type Store struct {
	path   string
	logger *log.Logger
}

// NewStore creates a store for the mapping file at path.
// If logger is nil, a default stderr logger is used.
func NewStore(path string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[mapping] ", log.LstdFlags)
	}
	return &Store{path: path, logger: logger}
}

// Path returns the mapping file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted collection. A missing, unreadable, or corrupt
// file yields an empty collection: nothing configured yet is not an error,
// and a sync run must not fail because of it.
func (s *Store) Load() []Entry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Printf("WARNING: cannot read mapping file %s: %v", s.path, err)
		}
		return nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Printf("WARNING: mapping file %s is not valid JSON, starting empty: %v", s.path, err)
		return nil
	}
	return entries
}

// Save atomically replaces the persisted collection. The new content is
// written to a temporary file in the same directory and renamed into place,
// so a crash between the two steps leaves the previous file intact.
func (s *Store) Save(entries []Entry) error {
	if err := validate(entries); err != nil {
		return err
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling mapping: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating mapping directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp mapping file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp mapping file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("syncing temp mapping file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp mapping file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing mapping file: %w", err)
	}
	return nil
}

// Upsert sets or creates the entry for potID, pointing it at accountID.
// An existing entry keeps its watermark; a new entry starts at 0. Passing an
// empty accountID unmaps the pot without touching its watermark.
func (s *Store) Upsert(potID, accountID string) error {
	if potID == "" {
		return fmt.Errorf("potId is required")
	}

	entries := s.Load()
	found := false
	for i := range entries {
		if entries[i].PotID == potID {
			entries[i].AccountID = accountID
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, Entry{PotID: potID, AccountID: accountID})
	}
	return s.Save(entries)
}

// validate enforces potId uniqueness within the collection.
func validate(entries []Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.PotID == "" {
			return fmt.Errorf("mapping entry with empty potId")
		}
		if seen[e.PotID] {
			return fmt.Errorf("duplicate mapping entry for pot %s", e.PotID)
		}
		seen[e.PotID] = true
	}
	return nil
}
