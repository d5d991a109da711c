package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"collarcore/gateway/middleware"
)

// SQLiteStore persists idempotency keys and an audit trail of mutating
// requests. It satisfies middleware.IdempotencyStore.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            client TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(client, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            client TEXT,
            idempotency_key TEXT,
            request_hash TEXT,
            response_status INTEGER
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Lookup resolves a previously recorded response. An unseen key returns
// (nil, nil); a seen key with a different request hash returns
// middleware.ErrIdempotencyMismatch.
func (s *SQLiteStore) Lookup(ctx context.Context, client, key, requestHash string) (*middleware.StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE client = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, client, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, middleware.ErrIdempotencyMismatch
	}
	return &middleware.StoredResponse{Status: status, Body: body}, nil
}

// Save records the response for later replay and appends an audit row.
func (s *SQLiteStore) Save(ctx context.Context, client, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(client, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, client, key, requestHash, status, body, time.Now().UTC()); err != nil {
		return err
	}
	const audit = `INSERT INTO audit_log(client, idempotency_key, request_hash, response_status, occurred_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, audit, client, key, requestHash, status, time.Now().UTC())
	return err
}
