package storage

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"docflow/internal/vector"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

//go:embed schema.sql
var schemaSQL string

type DB struct {
	Pool *pgxpool.Pool
}

func NewDB(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if err := ensureVectorExtension(ctx, dsn); err != nil {
		return nil, err
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Migrate creates the schema if missing. dim fixes the embedding column
// width and must match the embedding provider.
func (d *DB) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}
	ddl := strings.ReplaceAll(schemaSQL, "{{dim}}", strconv.Itoa(dim))
	if _, err := d.Pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// The pool registers the vector codec on connect, which fails until the
// extension exists.
func ensureVectorExtension(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	return d.Pool.Ping(ctx)
}

func (d *DB) Close() {
	if d != nil && d.Pool != nil {
		d.Pool.Close()
	}
}

// Store bundles the Postgres repositories behind one value.
type Store struct {
	*DocumentRepo
	*ChunkRepo
	*UsageRepo
	*MemoryRepo
	*vector.Searcher
	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{
		DocumentRepo: NewDocumentRepo(db),
		ChunkRepo:    NewChunkRepo(db),
		UsageRepo:    NewUsageRepo(db),
		MemoryRepo:   NewMemoryRepo(db),
		Searcher:     vector.NewSearcher(db.Pool),
		db:           db,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
