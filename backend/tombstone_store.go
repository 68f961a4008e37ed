package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TombstoneStore persists deletion markers with a timestamp, unlike
// SyncState.DeletedNoteIDs
// which only tracks membership. The Reconciler consults this before applying
// the outcome matrix so a remote edit older than the local delete never
// resurrects the note.
type TombstoneStore struct {
	mu   sync.Mutex
	path string
	byID map[string]*Tombstone
}

func NewTombstoneStore(appDataDir string) *TombstoneStore {
	s := &TombstoneStore{
		path: filepath.Join(appDataDir, "tombstones.json"),
		byID: make(map[string]*Tombstone),
	}
	s.load()
	return s
}

func (s *TombstoneStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var list []*Tombstone
	if err := json.Unmarshal(data, &list); err != nil {
		return
	}
	for _, t := range list {
		s.byID[t.EntityID] = t
	}
}

func (s *TombstoneStore) persistLocked() error {
	list := make([]*Tombstone, 0, len(s.byID))
	for _, t := range s.byID {
		list = append(list, t)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tombstones: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write tombstones: %w", err)
	}
	return os.Rename(tmpPath, s.path)
}

// Mark records entityID as deleted at deletedAt, overwriting any earlier
// tombstone for the same id (a re-delete only ever moves deletedAt forward
// in practice, since callers pass time.Now()).
func (s *TombstoneStore) Mark(entityType EntityType, entityID, deletedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[entityID] = &Tombstone{EntityID: entityID, EntityType: entityType, DeletedAt: deletedAt}
	return s.persistLocked()
}

// DeletedAt returns the tombstone timestamp for entityID, or "" if none.
func (s *TombstoneStore) DeletedAt(entityID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[entityID]
	if !ok {
		return ""
	}
	return t.DeletedAt
}

// Clear removes the tombstone, used once a delete has been durably pushed
// and acknowledged so the store doesn't grow unbounded.
func (s *TombstoneStore) Clear(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[entityID]; !ok {
		return nil
	}
	delete(s.byID, entityID)
	return s.persistLocked()
}
