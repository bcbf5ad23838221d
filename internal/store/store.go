// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// Store is a crash-safe key->record mapping, one JSON file per record
// under a single directory.
//
// Save is atomic (write-to-temp, fsync, rename), so a completed Save
// survives a process crash. The store does no locking of its own:
// concurrent saves of distinct ids are independent, saves of the same id
// are serialized by the supervisor core.
type Store struct {
	dir string
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the record durably. The parent directory is recreated if
// it went missing since New.
func (s *Store) Save(r *Record) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("cannot save record without id")
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", r.ID, err)
	}
	if err := renameio.WriteFile(s.path(r.ID), data, 0o640); err != nil {
		return fmt.Errorf("failed to write record %s: %w", r.ID, err)
	}
	return nil
}

// FindByID returns the record, or nil if absent. A file that fails to
// parse is deleted and treated as absent; the store self-heals rather
// than surfacing corruption to the supervisor.
func (s *Store) FindByID(id string) (*Record, error) {
	data, err := os.ReadFile(s.path(id)) // #nosec G304 - id is agent-generated, path stays under s.dir
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", id, err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil || r.ID == "" {
		_ = os.Remove(s.path(id))
		return nil, nil
	}
	return &r, nil
}

// FindAll enumerates every record in the directory, removing and
// skipping corrupted entries.
func (s *Store) FindAll() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var records []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		r, err := s.FindByID(id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			records = append(records, r)
		}
	}
	return records, nil
}

// FindRunning returns all records in StateRunning.
func (s *Store) FindRunning() ([]*Record, error) {
	all, err := s.FindAll()
	if err != nil {
		return nil, err
	}
	var running []*Record
	for _, r := range all {
		if r.State == StateRunning {
			running = append(running, r)
		}
	}
	return running, nil
}

// Delete removes the record file. Absence is success.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

// Clear removes all records.
func (s *Store) Clear() error {
	all, err := s.FindAll()
	if err != nil {
		return err
	}
	for _, r := range all {
		if err := s.Delete(r.ID); err != nil {
			return err
		}
	}
	return nil
}
