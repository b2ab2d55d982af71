package livechat

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/LuminPulse-AI/livechat/sdk/golang/internal/codec"
)

// ErrNotFound is returned by Store.Load for missing keys.
var ErrNotFound = errors.New("livechat: key not found")

// Store is durable key to blob storage. Keys are scoped by account and
// user identity by the callers.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, blob []byte) error
	Delete(ctx context.Context, key string) error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Save(_ context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), blob...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// Keys lists stored keys in order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// Persisted client data
// ============================================================================

// ClientData is what a session persists between process restarts.
type ClientData struct {
	Visitor        *Visitor  `json:"visitor,omitempty"`
	VisitSessionID string    `json:"visitSessionId,omitempty"`
	PageID         string    `json:"pageId,omitempty"`
	AuthToken      string    `json:"authToken,omitempty"`
	HintsEnabled   bool      `json:"hintsEnabled,omitempty"`
	Cursor         int64     `json:"cursor,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

const keyPrefix = "livechat."

// userKey returns an opaque, fixed-length token for a user id so raw
// identifiers never appear in store keys.
func userKey(userID string) string {
	sum := blake3.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:16])
}

// ClientDataKey returns the key of a user's persisted data. An empty
// userID selects the single-user key.
func ClientDataKey(account, userID string) string {
	if userID == "" {
		return keyPrefix + "client-data." + account
	}
	return keyPrefix + "client-data." + account + "." + userKey(userID)
}

func appealsKey(account, userID string) string {
	if userID == "" {
		return keyPrefix + "appeals." + account
	}
	return keyPrefix + "appeals." + account + "." + userKey(userID)
}

// LoadClientData reads persisted data. A missing entry is (nil, nil).
func LoadClientData(ctx context.Context, store Store, account, userID string) (*ClientData, error) {
	blob, err := store.Load(ctx, ClientDataKey(account, userID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client data: %w", err)
	}
	var data ClientData
	if err := codec.Unmarshal(blob, &data); err != nil {
		return nil, fmt.Errorf("failed to decode client data: %w", err)
	}
	return &data, nil
}

// SaveClientData writes persisted data.
func SaveClientData(ctx context.Context, store Store, account, userID string, data *ClientData) error {
	blob, err := codec.Marshal(data)
	if err != nil {
		return err
	}
	if err := store.Save(ctx, ClientDataKey(account, userID), blob); err != nil {
		return fmt.Errorf("failed to save client data: %w", err)
	}
	return nil
}

// MigrateClientData moves single-user data of an account under the
// multi-user key of userID.
//
// The new entry is written before the old one is deleted, so a crash
// between the two steps leaves both copies and the next call finishes the
// job. An existing multi-user entry always wins; the legacy entry is then
// only removed. Legacy data that belongs to a different visitor is left
// in place. It returns true when data was moved.
func MigrateClientData(ctx context.Context, store Store, account, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	legacy, err := LoadClientData(ctx, store, account, "")
	if err != nil || legacy == nil {
		return false, err
	}
	if legacy.Visitor != nil && legacy.Visitor.ID != "" && legacy.Visitor.ID != userID {
		return false, nil
	}

	current, err := LoadClientData(ctx, store, account, userID)
	if err != nil {
		return false, err
	}
	moved := false
	if current == nil {
		if err := SaveClientData(ctx, store, account, userID, legacy); err != nil {
			return false, err
		}
		moved = true
	}
	if err := store.Delete(ctx, ClientDataKey(account, "")); err != nil {
		return moved, fmt.Errorf("failed to delete legacy client data: %w", err)
	}
	return moved, nil
}
