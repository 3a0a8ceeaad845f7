package gateway

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different
// request body.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// ErrRequestInFlight is returned when a key is reserved by an attempt that
// has not recorded an outcome yet.
var ErrRequestInFlight = errors.New("request with this idempotency key is still in flight")

// IdempotencyStore persists idempotency keys and the audit trail for
// ledger-mutating requests.
type IdempotencyStore struct {
	db *sql.DB
}

func NewIdempotencyStore(path string) (*IdempotencyStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &IdempotencyStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *IdempotencyStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            client_id TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(client_id, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            client_id TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *IdempotencyStore) Close() error {
	return s.db.Close()
}

// StoredResponse is a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// Reserve claims the key before the handler executes, so a call whose
// process dies or whose outcome stays unknown can never run twice under the
// same key. It returns the cached response when the key already completed,
// ErrIdempotencyMismatch when the key was used with a different body, and
// ErrRequestInFlight when an earlier reservation has no outcome yet. A zero
// response_status marks a reservation.
func (s *IdempotencyStore) Reserve(ctx context.Context, clientID, key, requestHash string) (*StoredResponse, error) {
	const claim = `INSERT INTO idempotency_keys(client_id, idempotency_key, request_hash, response_status, response_body, created_at)
        VALUES (?, ?, ?, 0, ?, ?) ON CONFLICT(client_id, idempotency_key) DO NOTHING`
	res, err := s.db.ExecContext(ctx, claim, clientID, key, requestHash, []byte{}, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil, nil
	}

	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE client_id = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, clientID, key)
	var status int
	var body []byte
	var storedHash string
	if err := row.Scan(&status, &body, &storedHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestInFlight
		}
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	if status == 0 {
		return nil, ErrRequestInFlight
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// Release drops a reservation whose call definitely did not reach the
// ledger, so the client may retry the key with a corrected request.
func (s *IdempotencyStore) Release(ctx context.Context, clientID, key string) error {
	const stmt = `DELETE FROM idempotency_keys WHERE client_id = ? AND idempotency_key = ? AND response_status = 0`
	_, err := s.db.ExecContext(ctx, stmt, clientID, key)
	return err
}

// Save records the outcome for a reserved key.
func (s *IdempotencyStore) Save(ctx context.Context, clientID, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(client_id, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, clientID, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry is one audit log row.
type AuditEntry struct {
	ClientID       string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

func (s *IdempotencyStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(client_id, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.ClientID, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
