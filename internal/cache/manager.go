// Package cache provides a budgeted local cache for remote media blobs.
// Blobs are addressed by the SHA-256 of their source locator and stored
// on disk; metadata lives in a sqlite table so eviction decisions survive
// restarts.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/parloapp/parlo-core/internal/errors"
	"github.com/parloapp/parlo-core/internal/logging"
	"github.com/parloapp/parlo-core/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	source_locator TEXT NOT NULL,
	local_blob_path TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_lru ON cache_entries(last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expiry ON cache_entries(expires_at);
`

// evictTargetRatio is the fill level eviction drains to once the budget
// is exceeded, leaving headroom so every write does not trigger eviction.
const evictTargetRatio = 0.8

// Fetcher retrieves the bytes behind a source locator. The engine wires
// an HTTP-backed implementation; tests substitute their own.
type Fetcher interface {
	Fetch(ctx context.Context, sourceLocator string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, sourceLocator string) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, sourceLocator string) ([]byte, error) {
	return f(ctx, sourceLocator)
}

// Options configures a Manager.
type Options struct {
	// BudgetBytes is the total on-disk budget for cached blobs.
	BudgetBytes int64
	// DefaultTTL applies to entries stored without an explicit TTL.
	// Zero means entries never expire.
	DefaultTTL time.Duration
	// Fetcher backs FetchAndCache. Optional; without it FetchAndCache
	// only serves already-cached entries.
	Fetcher Fetcher
}

// EntryOptions overrides per-entry behavior on write.
type EntryOptions struct {
	// TTL overrides the manager default for this entry. Negative
	// disables expiry for the entry.
	TTL time.Duration

	// Key overrides the key derived from the source locator, letting
	// callers address an entry by their own identifier.
	Key string
}

// entryKey resolves the effective cache key for a write or fetch.
func entryKey(sourceLocator string, opts EntryOptions) string {
	if opts.Key != "" {
		return opts.Key
	}
	return Key(sourceLocator)
}

// Stats is a point-in-time summary of cache occupancy.
type Stats struct {
	Entries     int   `json:"entries"`
	TotalBytes  int64 `json:"total_bytes"`
	BudgetBytes int64 `json:"budget_bytes"`
}

// Manager owns the cache metadata table and the blob directory. All
// methods are safe for concurrent use.
type Manager struct {
	db         *sql.DB
	blobDir    string
	budget     int64
	defaultTTL time.Duration
	fetcher    Fetcher

	mu sync.Mutex
}

// NewManager opens a cache over the given database handle and blob
// directory. Expired entries left over from a previous run are evicted
// immediately.
func NewManager(db *sql.DB, blobDir string, opts Options) (*Manager, error) {
	if opts.BudgetBytes <= 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "cache budget must be positive")
	}
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to create blob directory", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to create cache schema", err)
	}

	m := &Manager{
		db:         db,
		blobDir:    blobDir,
		budget:     opts.BudgetBytes,
		defaultTTL: opts.DefaultTTL,
		fetcher:    opts.Fetcher,
	}
	if _, err := m.EvictExpired(); err != nil {
		return nil, err
	}
	return m, nil
}

// Key derives the cache key for a source locator (SHA-256, hex).
func Key(sourceLocator string) string {
	sum := sha256.Sum256([]byte(sourceLocator))
	return hex.EncodeToString(sum[:])
}

// GetIfCached returns the entry and blob contents for a key, refreshing
// its last-accessed time. Expired or dangling entries are removed and
// reported as a miss.
func (m *Manager) GetIfCached(key string) (*models.CacheEntry, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key)
}

func (m *Manager) getLocked(key string) (*models.CacheEntry, []byte, error) {
	entry, err := m.lookup(key)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	if entry.Expired(now) {
		m.removeEntry(entry)
		return nil, nil, apperrors.New(apperrors.ErrCacheMiss, "cache entry expired")
	}

	data, err := os.ReadFile(entry.LocalBlobPath)
	if err != nil {
		// Blob lost out from under the metadata. Drop the row and
		// report a miss so the caller re-fetches.
		m.removeEntry(entry)
		return nil, nil, apperrors.New(apperrors.ErrCacheMiss, "cache blob missing")
	}

	entry.LastAccessedAt = now.UnixMilli()
	if _, err := m.db.Exec(
		`UPDATE cache_entries SET last_accessed_at = ? WHERE key = ?`,
		entry.LastAccessedAt, key,
	); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrStorage, "failed to touch cache entry", err)
	}
	return entry, data, nil
}

// Put stores a blob under the key derived from sourceLocator and returns
// the entry. Oversized blobs are rejected; a write that pushes the cache
// past its budget triggers eviction down to the target fill level.
func (m *Manager) Put(sourceLocator string, data []byte, opts EntryOptions) (*models.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(sourceLocator, data, opts)
}

func (m *Manager) putLocked(sourceLocator string, data []byte, opts EntryOptions) (*models.CacheEntry, error) {
	size := int64(len(data))
	if size > m.budget {
		return nil, apperrors.New(apperrors.ErrCacheBudget,
			fmt.Sprintf("blob of %d bytes exceeds cache budget of %d", size, m.budget))
	}

	if _, err := m.evictExpiredLocked(); err != nil {
		return nil, err
	}

	key := entryKey(sourceLocator, opts)

	// A rewrite may land on a different path when the content type
	// changed; the superseded blob is removed after the metadata commit.
	var stalePath string
	if prior, err := m.lookup(key); err == nil {
		stalePath = prior.LocalBlobPath
	} else if !apperrors.Is(err, apperrors.ErrCacheMiss) {
		return nil, err
	}

	// Caller-supplied keys are hashed for the filename so arbitrary
	// identifiers stay filesystem-safe.
	pathKey := key
	if opts.Key != "" {
		pathKey = Key(opts.Key)
	}
	ext := mimetype.Detect(data).Extension()
	blobPath := filepath.Join(m.blobDir, pathKey[0:2], pathKey+ext)

	if err := os.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to create blob directory", err)
	}
	if err := os.WriteFile(blobPath, data, 0644); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to write cache blob", err)
	}

	now := time.Now()
	entry := &models.CacheEntry{
		Key:            key,
		SourceLocator:  sourceLocator,
		LocalBlobPath:  blobPath,
		SizeBytes:      size,
		CreatedAt:      now.UnixMilli(),
		LastAccessedAt: now.UnixMilli(),
	}

	ttl := m.defaultTTL
	if opts.TTL != 0 {
		ttl = opts.TTL
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl).UnixMilli()
	}

	// Metadata is written in the same call as the blob so the two never
	// drift under normal operation.
	if _, err := m.db.Exec(`
		INSERT INTO cache_entries (key, source_locator, local_blob_path, size_bytes, created_at, last_accessed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			source_locator = excluded.source_locator,
			local_blob_path = excluded.local_blob_path,
			size_bytes = excluded.size_bytes,
			last_accessed_at = excluded.last_accessed_at,
			expires_at = excluded.expires_at`,
		entry.Key, entry.SourceLocator, entry.LocalBlobPath, entry.SizeBytes,
		entry.CreatedAt, entry.LastAccessedAt, entry.ExpiresAt,
	); err != nil {
		os.Remove(blobPath)
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to write cache metadata", err)
	}

	if stalePath != "" && stalePath != blobPath {
		if err := os.Remove(stalePath); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to remove superseded cache blob", logging.Fields{"path": stalePath, "error": err.Error()})
		}
	}

	total, _, err := m.occupancy()
	if err != nil {
		return nil, err
	}
	if total > m.budget {
		target := int64(float64(m.budget) * evictTargetRatio)
		if _, err := m.evictToTargetLocked(target); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// FetchAndCache returns the cached blob for a source locator, fetching
// and storing it on a miss. The fetch itself runs without the cache
// lock so a slow download does not block other readers.
func (m *Manager) FetchAndCache(ctx context.Context, sourceLocator string, opts EntryOptions) (*models.CacheEntry, []byte, error) {
	key := entryKey(sourceLocator, opts)

	m.mu.Lock()
	entry, data, err := m.getLocked(key)
	m.mu.Unlock()
	if err == nil {
		return entry, data, nil
	}
	if !apperrors.Is(err, apperrors.ErrCacheMiss) {
		return nil, nil, err
	}

	if m.fetcher == nil {
		return nil, nil, apperrors.New(apperrors.ErrCacheMiss, "no fetcher configured")
	}
	fetched, err := m.fetcher.Fetch(ctx, sourceLocator)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have stored the entry while we were fetching.
	if entry, data, err := m.getLocked(key); err == nil {
		return entry, data, nil
	}
	entry, err = m.putLocked(sourceLocator, fetched, opts)
	if err != nil {
		return nil, nil, err
	}
	return entry, fetched, nil
}

// EvictExpired removes all entries past their expiry and their blobs,
// returning the number removed.
func (m *Manager) EvictExpired() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictExpiredLocked()
}

func (m *Manager) evictExpiredLocked() (int, error) {
	rows, err := m.db.Query(
		`SELECT key, local_blob_path FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to list expired entries", err)
	}
	victims, err := collectVictims(rows)
	if err != nil {
		return 0, err
	}
	return m.evict(victims)
}

// EvictToTarget drops least-recently-used entries until total size is at
// or below target, returning the number evicted.
func (m *Manager) EvictToTarget(target int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictToTargetLocked(target)
}

func (m *Manager) evictToTargetLocked(target int64) (int, error) {
	total, _, err := m.occupancy()
	if err != nil {
		return 0, err
	}
	if total <= target {
		return 0, nil
	}

	rows, err := m.db.Query(
		`SELECT key, local_blob_path, size_bytes FROM cache_entries ORDER BY last_accessed_at ASC, key ASC`)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to list cache entries", err)
	}
	defer rows.Close()

	var victims []victim
	for rows.Next() {
		if total <= target {
			break
		}
		var v victim
		var size int64
		if err := rows.Scan(&v.key, &v.path, &size); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to scan cache entry", err)
		}
		victims = append(victims, v)
		total -= size
	}
	if err := rows.Err(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate cache entries", err)
	}
	// Release the connection before evict issues deletes; the pool is
	// capped at a single connection.
	rows.Close()
	return m.evict(victims)
}

// VerifyBlobs scans all metadata rows and removes those whose blob has
// gone missing on disk, returning the keys of the removed rows.
func (m *Manager) VerifyBlobs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.Query(`SELECT key, local_blob_path FROM cache_entries`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list cache entries", err)
	}
	all, err := collectVictims(rows)
	if err != nil {
		return nil, err
	}

	var dangling []string
	for _, v := range all {
		if _, err := os.Stat(v.path); os.IsNotExist(err) {
			dangling = append(dangling, v.key)
			if _, err := m.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, v.key); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to delete dangling entry", err)
			}
		}
	}
	if len(dangling) > 0 {
		logging.Warn("Removed dangling cache metadata", logging.Fields{"count": len(dangling)})
	}
	return dangling, nil
}

// Stats reports current cache occupancy against the budget.
func (m *Manager) Stats() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total, count, err := m.occupancy()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Entries: count, TotalBytes: total, BudgetBytes: m.budget}, nil
}

type victim struct {
	key  string
	path string
}

func collectVictims(rows *sql.Rows) ([]victim, error) {
	defer rows.Close()
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.key, &v.path); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan cache entry", err)
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate cache entries", err)
	}
	return victims, nil
}

func (m *Manager) evict(victims []victim) (int, error) {
	for _, v := range victims {
		if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to remove cache blob", logging.Fields{"path": v.path, "error": err.Error()})
		}
		if _, err := m.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, v.key); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to delete cache entry", err)
		}
	}
	return len(victims), nil
}

func (m *Manager) occupancy() (total int64, count int, err error) {
	row := m.db.QueryRow(`SELECT COALESCE(SUM(size_bytes), 0), COUNT(*) FROM cache_entries`)
	if err := row.Scan(&total, &count); err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrStorage, "failed to read cache occupancy", err)
	}
	return total, count, nil
}

func (m *Manager) lookup(key string) (*models.CacheEntry, error) {
	row := m.db.QueryRow(`
		SELECT key, source_locator, local_blob_path, size_bytes, created_at, last_accessed_at, expires_at
		FROM cache_entries WHERE key = ?`, key)

	var e models.CacheEntry
	err := row.Scan(&e.Key, &e.SourceLocator, &e.LocalBlobPath, &e.SizeBytes,
		&e.CreatedAt, &e.LastAccessedAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrCacheMiss, "cache entry not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read cache entry", err)
	}
	return &e, nil
}

func (m *Manager) removeEntry(entry *models.CacheEntry) {
	if err := os.Remove(entry.LocalBlobPath); err != nil && !os.IsNotExist(err) {
		logging.Warn("Failed to remove cache blob", logging.Fields{"path": entry.LocalBlobPath, "error": err.Error()})
	}
	if _, err := m.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, entry.Key); err != nil {
		logging.Warn("Failed to remove cache metadata", logging.Fields{"key": entry.Key, "error": err.Error()})
	}
}
