package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/a2amesh/a2amesh/internal/common/config"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS agent_records (
    agent_id   TEXT PRIMARY KEY,
    record     JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore persists registry records in a single table, one JSONB
// row per agent.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres, verifies the connection, and
// ensures the registry table exists.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, registrySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create registry table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Load reads all registry records.
func (s *PostgresStore) Load(ctx context.Context) ([]*v1.AgentRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM agent_records ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query registry: %w", err)
	}
	defer rows.Close()

	var records []*v1.AgentRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan registry row: %w", err)
		}
		record, err := v1.AgentRecordFromJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse registry row: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Save replaces the full registry snapshot in one transaction.
func (s *PostgresStore) Save(ctx context.Context, records []*v1.AgentRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM agent_records`); err != nil {
		return fmt.Errorf("failed to clear registry: %w", err)
	}

	batch := &pgx.Batch{}
	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to serialize record %s: %w", record.AgentID, err)
		}
		batch.Queue(
			`INSERT INTO agent_records (agent_id, record, updated_at) VALUES ($1, $2, now())`,
			record.AgentID, data)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write registry records: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit registry save: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
