package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the only component that sees raw SQL. Every read and
// write takes a MerchantContext and the store decides whether to add the
// merchant_id predicate; callers never build queries.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// MerchantContext scopes a store call to one tenant. Admin+ViewAll is the
// only way to read across merchants, and only list operations honor it.
type MerchantContext struct {
	MerchantID string
	Admin      bool
	ViewAll    bool
}

// ErrMissingMerchant flags a programming error: a tenant-scoped operation
// was invoked without a merchant identifier.
var ErrMissingMerchant = errors.New("db: merchant context required")

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("db: not found")

// ErrConflict is returned when a compare-and-set loses the race.
var ErrConflict = errors.New("db: conflicting concurrent update")

// require rejects calls with no tenant unless the caller is an admin
// explicitly viewing all.
func (m MerchantContext) require() error {
	if m.MerchantID == "" && !(m.Admin && m.ViewAll) {
		return ErrMissingMerchant
	}
	return nil
}

// scopesAll reports whether queries should skip the merchant predicate.
func (m MerchantContext) scopesAll() bool {
	return m.Admin && m.ViewAll
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes the schema.sql file.
func (s *PostgresStore) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/db/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %v", err)
	}

	_, err = s.pool.Exec(context.Background(), string(schemaBytes))
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("OTC desk schema initialized")
	return nil
}

// GetPool exposes the connection pool for health checks.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
