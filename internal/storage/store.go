package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ValuationCacheEntry represents a cached appraisal result.
type ValuationCacheEntry struct {
	EstimatedValue     float64
	ProductName        string
	ProductDescription string
	SearchURLs         []string
	CreatedAt          time.Time
}

// ValuationCache defines the persistence needed by the cached appraiser.
type ValuationCache interface {
	GetValuation(key string, maxAge time.Duration) (*ValuationCacheEntry, error)
	SetValuation(key string, entry *ValuationCacheEntry) error
}

// SQLiteStore implements ValuationCache using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-based store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite with WAL mode and busy timeout for better concurrency
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set file permissions (only works on creation)
	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("dbPath", dbPath).Msg("failed to restrict database permissions")
	}

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS valuation_cache (
		request_hash TEXT PRIMARY KEY,
		estimated_value REAL NOT NULL,
		product_name TEXT NOT NULL,
		product_description TEXT NOT NULL,
		search_urls TEXT NOT NULL,
		created_unix INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create valuation_cache table: %w", err)
	}
	return nil
}

// GetValuation retrieves a cached valuation by request hash.
// Entries older than maxAge are ignored; maxAge <= 0 disables the age check.
// Returns nil, nil if no usable entry exists.
func (s *SQLiteStore) GetValuation(key string, maxAge time.Duration) (*ValuationCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		entry      ValuationCacheEntry
		urlsJSON   string
		createdSec int64
	)
	err := s.db.QueryRow(
		`SELECT estimated_value, product_name, product_description, search_urls, created_unix
		FROM valuation_cache WHERE request_hash = ?`,
		key,
	).Scan(&entry.EstimatedValue, &entry.ProductName, &entry.ProductDescription, &urlsJSON, &createdSec)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query valuation cache: %w", err)
	}

	entry.CreatedAt = time.Unix(createdSec, 0)
	if maxAge > 0 && s.now().Sub(entry.CreatedAt) > maxAge {
		return nil, nil
	}

	if err := json.Unmarshal([]byte(urlsJSON), &entry.SearchURLs); err != nil {
		return nil, fmt.Errorf("failed to decode cached search urls: %w", err)
	}

	return &entry, nil
}

// SetValuation stores a valuation in the cache, replacing any previous entry.
func (s *SQLiteStore) SetValuation(key string, entry *ValuationCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	urls := entry.SearchURLs
	if urls == nil {
		urls = []string{}
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("failed to encode search urls: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO valuation_cache (request_hash, estimated_value, product_name, product_description, search_urls, created_unix)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_hash) DO UPDATE SET
			estimated_value = excluded.estimated_value,
			product_name = excluded.product_name,
			product_description = excluded.product_description,
			search_urls = excluded.search_urls,
			created_unix = excluded.created_unix
	`, key, entry.EstimatedValue, entry.ProductName, entry.ProductDescription, string(urlsJSON), s.now().Unix())

	if err != nil {
		return fmt.Errorf("failed to cache valuation: %w", err)
	}
	return nil
}

// PurgeValuations deletes entries older than maxAge and returns how many were removed.
func (s *SQLiteStore) PurgeValuations(maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge).Unix()
	res, err := s.db.Exec("DELETE FROM valuation_cache WHERE created_unix < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge valuation cache: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
