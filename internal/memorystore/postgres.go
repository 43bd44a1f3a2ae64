package memorystore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/opsloop/agentcore/internal/common/database"
	"github.com/opsloop/agentcore/internal/common/idgen"
)

// PostgresMemoryStore persists records to a `memory_records` table via a
// pgx/v5 connection pool, for deployments that want durability across
// process restarts instead of the default in-memory store.
type PostgresMemoryStore struct {
	db *database.DB
}

// NewPostgresMemoryStore wraps an existing pool. Callers are expected to
// have already run the `memory_records` migration.
func NewPostgresMemoryStore(db *database.DB) *PostgresMemoryStore {
	return &PostgresMemoryStore{db: db}
}

// EnsureSchema creates the backing table if it does not already exist.
func (p *PostgresMemoryStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS memory_records (
			id          TEXT PRIMARY KEY,
			content     TEXT NOT NULL,
			tags        TEXT[] NOT NULL DEFAULT '{}',
			metadata    JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure memory_records schema: %w", err)
	}
	return nil
}

// AddRecord inserts a new record and returns its generated id.
func (p *PostgresMemoryStore) AddRecord(ctx context.Context, params AddRecordParams) (string, error) {
	id := idgen.New("rec")

	var metaJSON []byte
	if params.Metadata != nil {
		b, err := json.Marshal(params.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = b
	}

	err := p.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO memory_records (id, content, tags, metadata) VALUES ($1, $2, $3, $4)`,
			id, params.Content, params.Tags, metaJSON,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert memory record: %w", err)
	}
	return id, nil
}

// Search queries records whose tags are a superset of params.Tags,
// most-recent-first, bounded by params.Limit (0 or less means at most
// 1000 records).
func (p *PostgresMemoryStore) Search(ctx context.Context, params SearchParams) ([]*Record, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := p.db.Query(ctx,
		`SELECT id, content, tags, metadata, extract(epoch from created_at)::bigint * 1000000000
		 FROM memory_records
		 WHERE tags @> $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		params.Tags, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search memory records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var metaJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.Tags, &metaJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
