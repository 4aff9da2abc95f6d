package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/shopclerk/shopclerk/internal/observability"
	"github.com/shopclerk/shopclerk/pkg/commerce"
)

const (
	defaultCacheSize = 512
	defaultTTL       = 30 * time.Minute
)

// Store caches normalized product details so that preflight decisions made
// in a later physical request still see products fetched earlier in the
// conversation. An LRU front sits over a sqlite table with TTL expiry.
type Store struct {
	db     *sql.DB
	cache  *lru.Cache[string, commerce.Product]
	ttl    time.Duration
	logger zerolog.Logger
}

// StoreConfig holds catalog store configuration.
type StoreConfig struct {
	DBPath    string
	CacheSize int
	TTL       time.Duration
	Logger    zerolog.Logger
}

// NewStore opens the catalog store, creating the schema if needed.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("catalog db path is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id         TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		fetched_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS variant_index (
		variant_id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_products_fetched_at ON products(fetched_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}

	cache, err := lru.New[string, commerce.Product](cfg.CacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog cache: %w", err)
	}

	cfg.Logger.Info().Str("path", cfg.DBPath).Dur("ttl", cfg.TTL).Msg("Catalog store opened")

	return &Store{
		db:     db,
		cache:  cache,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
	}, nil
}

// Put stores a normalized product and indexes its variant identifiers.
func (s *Store) Put(ctx context.Context, p commerce.Product) error {
	if p.ID == "" {
		return fmt.Errorf("product id cannot be empty")
	}
	if p.FetchedAt.IsZero() {
		p.FetchedAt = time.Now()
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode product %s: %w", p.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin catalog write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO products (id, payload, fetched_at) VALUES (?, ?, ?)`,
		p.ID, payload, p.FetchedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to store product %s: %w", p.ID, err)
	}
	for _, v := range p.Variants {
		if v.ID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO variant_index (variant_id, product_id) VALUES (?, ?)`,
			v.ID, p.ID,
		); err != nil {
			return fmt.Errorf("failed to index variant %s: %w", v.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog write: %w", err)
	}

	s.cache.Add(p.ID, p)
	return nil
}

// Get returns a product by id if present and fresh.
func (s *Store) Get(ctx context.Context, id string) (commerce.Product, bool) {
	p, ok := s.lookup(ctx, id)
	observability.RecordCatalogLookup(ok)
	return p, ok
}

func (s *Store) lookup(ctx context.Context, id string) (commerce.Product, bool) {
	if p, ok := s.cache.Get(id); ok {
		if time.Since(p.FetchedAt) <= s.ttl {
			return p, true
		}
		s.cache.Remove(id)
	}

	var payload []byte
	var fetchedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, fetched_at FROM products WHERE id = ?`, id,
	).Scan(&payload, &fetchedAt)
	if err != nil {
		return commerce.Product{}, false
	}
	if time.Since(time.Unix(fetchedAt, 0)) > s.ttl {
		return commerce.Product{}, false
	}

	var p commerce.Product
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn().Err(err).Str("product_id", id).Msg("Corrupt catalog payload, ignoring")
		return commerce.Product{}, false
	}

	s.cache.Add(id, p)
	return p, true
}

// Resolve returns the product owning the identifier, which may be a product
// id or an indexed variant id.
func (s *Store) Resolve(ctx context.Context, id string) (commerce.Product, bool) {
	if p, ok := s.Get(ctx, id); ok {
		return p, true
	}

	var productID string
	err := s.db.QueryRowContext(ctx,
		`SELECT product_id FROM variant_index WHERE variant_id = ?`, id,
	).Scan(&productID)
	if err != nil {
		return commerce.Product{}, false
	}
	return s.Get(ctx, productID)
}

// EvictExpired removes entries past the TTL. Run periodically.
func (s *Store) EvictExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.ttl).Unix()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM products WHERE fetched_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to evict expired products: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM variant_index WHERE product_id NOT IN (SELECT id FROM products)`,
	); err != nil {
		return 0, fmt.Errorf("failed to prune variant index: %w", err)
	}

	removed, _ := res.RowsAffected()
	if removed > 0 {
		s.logger.Debug().Int64("removed", removed).Msg("Expired catalog entries evicted")
	}
	return removed, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
