package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/rpcerrors"
)

// PostgresConfig configures the connection pool backing PostgresStore.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns the pool sizing the pack's Postgres-backed
// stores use.
func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// PostgresStore implements CounterStore and SchemaStore over a transactional
// Postgres database, mirroring the original uid-allocator's counter_db.rs
// atomic-increment-with-RETURNING pattern.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection pool and returns a ready PostgresStore.
// Callers are expected to have already applied the DDL in the Schema
// constant below (counters, schemas tables).
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateTenantKeyspace implements CounterStore.
func (s *PostgresStore) CreateTenantKeyspace(ctx context.Context, tenant graphtypes.Tenant) error {
	// UID 0 is reserved and never issued, so the counter starts at 1.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (tenant_id, counter)
		VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenant)
	if err != nil {
		return rpcerrors.Wrap(rpcerrors.Unavailable, "create tenant keyspace", err)
	}
	return nil
}

// Preallocate implements CounterStore, using the same conditional
// UPDATE ... RETURNING the original Rust allocator used to serialize
// increments per tenant row.
func (s *PostgresStore) Preallocate(ctx context.Context, tenant graphtypes.Tenant, size uint64) (Count, error) {
	var c Count
	row := s.db.QueryRowxContext(ctx, `
		UPDATE counters
		SET counter = counter + $1
		FROM (
			SELECT counter AS prev
			FROM counters
			WHERE tenant_id = $2
			LIMIT 1
			FOR UPDATE
		) AS c
		WHERE counters.tenant_id = $2
		RETURNING counter AS new, c.prev
	`, int64(size), tenant)

	if err := row.Scan(&c.New, &c.Prev); err != nil {
		if err == sql.ErrNoRows {
			return Count{}, rpcerrors.New(rpcerrors.UnknownTenant, "tenant has no keyspace")
		}
		return Count{}, rpcerrors.Wrap(rpcerrors.Unavailable, "preallocate counter", err)
	}
	return c, nil
}

// PutSchema implements SchemaStore with a version-gated upsert.
func (s *PostgresStore) PutSchema(ctx context.Context, tenant graphtypes.Tenant, version uint64, document string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schemas (tenant_id, version, document)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE
		SET version = EXCLUDED.version, document = EXCLUDED.document
		WHERE schemas.version < EXCLUDED.version
	`, tenant, int64(version), document)
	if err != nil {
		return rpcerrors.Wrap(rpcerrors.Unavailable, "put schema", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return rpcerrors.Wrap(rpcerrors.Unavailable, "put schema", err)
	}
	if n == 0 {
		return rpcerrors.New(rpcerrors.Conflict, "schema version must be strictly increasing")
	}
	return nil
}

// GetSchemaDocument implements SchemaStore.
func (s *PostgresStore) GetSchemaDocument(ctx context.Context, tenant graphtypes.Tenant) (string, uint64, error) {
	var (
		document string
		version  int64
	)
	err := s.db.QueryRowxContext(ctx, `
		SELECT document, version FROM schemas WHERE tenant_id = $1
	`, tenant).Scan(&document, &version)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", 0, rpcerrors.New(rpcerrors.UnknownTenant, "no schema deployed")
		}
		return "", 0, rpcerrors.Wrap(rpcerrors.Unavailable, "get schema", err)
	}
	return document, uint64(version), nil
}

// Schema is the DDL the allocator and schema manager expect to already be
// applied; it is not run automatically (no migration runner is wired in,
// matching the pack's convention of shipping .sql alongside golang-migrate
// rather than embedding DDL execution in the service binary).
const Schema = `
CREATE TABLE IF NOT EXISTS counters (
	tenant_id UUID PRIMARY KEY,
	counter   BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS schemas (
	tenant_id UUID PRIMARY KEY,
	version   BIGINT NOT NULL,
	document  TEXT NOT NULL
);
`
