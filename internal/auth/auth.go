// Package auth authenticates collaborator services and operators.
//
// Authentication model:
//   - Collaborator services (order service, invoicing, ops tooling) call the
//     API with a service key: "Authorization: Bearer sk_..." or "X-API-Key".
//     The key's service name becomes the audit actor for every change.
//   - Admin routes additionally require the shared X-Admin-Secret header.
//   - Gateway webhooks are authenticated by their signature, not by key.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrInvalidName   = errors.New("service name is required")
)

// APIKey is a credential issued to one collaborator service.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 of the raw key
	Service   string     `json:"service"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Active reports whether the key can authenticate at now.
func (k *APIKey) Active(now time.Time) bool {
	if k.Revoked {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	Get(ctx context.Context, id string) (*APIKey, error)
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	List(ctx context.Context, service string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager issues and validates service keys.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// WithClock overrides the time source (for testing).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// GenerateKey issues a key for service. A zero ttl never expires.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, service, name string, ttl time.Duration) (rawKey string, key *APIKey, err error) {
	service = strings.ToLower(strings.TrimSpace(service))
	if service == "" {
		return "", nil, ErrInvalidName
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = "sk_" + hex.EncodeToString(b)

	now := m.now().UTC()
	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		Service:   service,
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if !key.Active(now) {
		return nil, ErrInvalidAPIKey
	}

	// Last-used is advisory; a failed write never rejects the request.
	used := *key
	used.LastUsed = now.UTC()
	go func() {
		_ = m.store.Update(context.WithoutCancel(ctx), &used)
	}()

	return key, nil
}

// ListKeys returns keys for service, or every key when service is empty.
func (m *Manager) ListKeys(ctx context.Context, service string) ([]*APIKey, error) {
	return m.store.List(ctx, strings.ToLower(service))
}

// RevokeKey revokes an API key
func (m *Manager) RevokeKey(ctx context.Context, keyID string) (*APIKey, error) {
	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.Revoked {
		return key, nil
	}
	key.Revoked = true
	if err := m.store.Update(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) List(_ context.Context, service string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if service == "" || k.Service == service {
			cp := *k
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	// Revocation is sticky: a stale last-used write cannot undo it.
	cp := *key
	cp.Revoked = cp.Revoked || cur.Revoked
	s.keys[key.ID] = &cp
	return nil
}
