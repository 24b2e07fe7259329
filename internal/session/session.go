// Package session persists per-room participant identity in a local
// key-value file: participant id, display name, and creator claim, keyed
// by room. This is the sole mechanism for a returning participant to
// resume identity or creator status; nothing is verified server-side.
//
// Identity is loaded once at session start and passed explicitly into
// synchronizer calls rather than read as ambient state.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Identity is one room-scoped participant.
type Identity struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	CreatorClaim  bool   `json:"creatorClaim"`
}

// FileStore is a JSON file of room key → identity.
type FileStore struct {
	path string

	mu   sync.Mutex
	data map[string]Identity
}

// Open loads the session file at path, creating an empty store if the
// file does not exist yet.
func Open(path string) (*FileStore, error) {
	fs := &FileStore{path: path, data: make(map[string]Identity)}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if err := json.Unmarshal(raw, &fs.data); err != nil {
		return nil, fmt.Errorf("parse session file %s: %w", path, err)
	}
	return fs, nil
}

// Identity returns the stored identity for roomKey, if any.
func (fs *FileStore) Identity(roomKey string) (Identity, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id, ok := fs.data[roomKey]
	return id, ok
}

// Ensure returns the identity for roomKey, generating and persisting a
// fresh participant id on first use.
func (fs *FileStore) Ensure(roomKey string) (Identity, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id, ok := fs.data[roomKey]; ok {
		return id, nil
	}
	id := Identity{ParticipantID: uuid.NewString()}
	fs.data[roomKey] = id
	if err := fs.flushLocked(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// SetName records the submitted display name for roomKey.
func (fs *FileStore) SetName(roomKey, name string) error {
	return fs.update(roomKey, func(id *Identity) { id.Name = name })
}

// SetCreatorClaim records a successful creator claim for roomKey.
func (fs *FileStore) SetCreatorClaim(roomKey string, claimed bool) error {
	return fs.update(roomKey, func(id *Identity) { id.CreatorClaim = claimed })
}

func (fs *FileStore) update(roomKey string, mutate func(*Identity)) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id, ok := fs.data[roomKey]
	if !ok {
		id = Identity{ParticipantID: uuid.NewString()}
	}
	mutate(&id)
	fs.data[roomKey] = id
	return fs.flushLocked()
}

func (fs *FileStore) flushLocked() error {
	raw, err := json.MarshalIndent(fs.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}
	if dir := filepath.Dir(fs.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
	}
	if err := os.WriteFile(fs.path, raw, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}
