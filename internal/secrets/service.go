package secrets

import (
	"context"
	"database/sql"
	"encoding/base64"
	"sync"
	"time"
)

// Service provides secret storage backed by a database, encrypted at rest
// with the node's unwrapped master key (see Load). It layers a short-lived
// read cache over the store so repeated Gets of the same name do not
// re-query and re-decrypt the stored value.
type Service struct {
	db    *sql.DB
	mgr   *Manager
	ttl   time.Duration
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewService creates a Service that seals values with mgr, the Manager
// produced by Load for this node.
func NewService(db *sql.DB, mgr *Manager) *Service {
	return &Service{db: db, mgr: mgr, ttl: 10 * time.Minute, cache: make(map[string]cacheEntry)}
}

type cacheEntry struct {
	val []byte
	exp time.Time
}

// Set stores a secret for the given name, encrypting it at rest.
func (s *Service) Set(ctx context.Context, name string, plaintext []byte) error {
	if name == "" {
		return sql.ErrNoRows
	}
	nonce, ct, err := s.mgr.Encrypt(plaintext)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO secrets(name, nonce, value) VALUES(?,?,?)
       ON CONFLICT(name) DO UPDATE SET nonce=excluded.nonce, value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		name, base64.StdEncoding.EncodeToString(nonce), ct)
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return err
}

// Exists returns whether a secret with the given name is stored.
func (s *Service) Exists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM secrets WHERE name=?`, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes a stored secret of the given name.
func (s *Service) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name=?`, name)
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return err
}

// Get retrieves the secret of the given name. A missing secret returns
// (nil, nil), matching the convention used by settings.Store.Get.
func (s *Service) Get(ctx context.Context, name string) ([]byte, error) {
	now := time.Now()
	s.mu.Lock()
	if e, ok := s.cache[name]; ok && now.Before(e.exp) {
		v := append([]byte(nil), e.val...)
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	var nonceB64 string
	var ct []byte
	err := s.db.QueryRowContext(ctx, `SELECT nonce, value FROM secrets WHERE name=?`, name).Scan(&nonceB64, &ct)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, err
	}
	pt, err := s.mgr.Decrypt(nonce, ct)
	if err != nil {
		return nil, err
	}
	cached := append([]byte(nil), pt...)
	s.mu.Lock()
	s.cache[name] = cacheEntry{val: cached, exp: now.Add(s.ttl)}
	s.mu.Unlock()
	return append([]byte(nil), cached...), nil
}

// Status returns metadata about a stored secret: whether it exists, the
// last four characters of the secret (if present), and the last update
// time. The plaintext secret is never returned in full.
func (s *Service) Status(ctx context.Context, name string) (exists bool, last4 string, updatedAt time.Time, err error) {
	pt, getErr := s.Get(ctx, name)
	if getErr != nil {
		return false, "", time.Time{}, getErr
	}
	if pt == nil {
		return false, "", time.Time{}, nil
	}
	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM secrets WHERE name=?`, name).Scan(&raw); err != nil {
		return false, "", time.Time{}, err
	}
	if updatedAt, err = time.Parse("2006-01-02 15:04:05", raw); err != nil {
		return false, "", time.Time{}, err
	}
	str := string(pt)
	if n := len(str); n > 4 {
		last4 = str[n-4:]
	} else {
		last4 = str
	}
	return true, last4, updatedAt, nil
}
