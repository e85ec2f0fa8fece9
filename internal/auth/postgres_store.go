package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, service, name, created_at, last_used, expires_at, revoked`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(s scanner) (*APIKey, error) {
	key := &APIKey{}
	var expiresAt, lastUsed sql.NullTime
	err := s.Scan(&key.ID, &key.Hash, &key.Service, &key.Name,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, service, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.Service, key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*APIKey, error) {
	return scanKey(p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id))
}

// GetByHash retrieves an API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	return scanKey(p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE hash = $1`, hash))
}

// List retrieves keys for a service, or all keys when service is empty.
func (p *PostgresStore) List(ctx context.Context, service string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE ($1 = '' OR service = $1) ORDER BY created_at DESC
	`, service)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update records last use and revocation. Revocation never reverts.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = revoked OR $2 WHERE id = $3
	`, key.LastUsed, key.Revoked, key.ID)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}
