package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smarthealth/auditchain/internal/chain"
)

const uniqueViolation = "23505"

type PostgresConfig struct {
	URL      string
	MaxConns int32
}

// PostgresStore keeps the chain in the ledger_blocks table with the payload as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_blocks (
		"index"       BIGINT PRIMARY KEY,
		"timestamp"   TIMESTAMPTZ NOT NULL,
		data          JSONB NOT NULL,
		previous_hash TEXT NOT NULL,
		nonce         BIGINT NOT NULL,
		hash          TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_blocks_patient_id_idx ON ledger_blocks ((data->>'patient_id'))`,
	`CREATE INDEX IF NOT EXISTS ledger_blocks_timestamp_idx ON ledger_blocks ("timestamp" DESC)`,
}

const blockColumns = `"index", "timestamp", data, previous_hash, nonce, hash`

func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context) (*chain.Block, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+blockColumns+` FROM ledger_blocks ORDER BY "index" DESC LIMIT 1`)

	b, err := scanBlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest block: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Insert(ctx context.Context, b *chain.Block) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_blocks (`+blockColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		b.Index, b.Timestamp, b.Data, b.PreviousHash, b.Nonce, b.Hash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %d", chain.ErrDuplicateIndex, b.Index)
		}
		return fmt.Errorf("failed to insert block %d: %w", b.Index, err)
	}
	return nil
}

func (s *PostgresStore) Iterate(ctx context.Context, fn func(*chain.Block) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+blockColumns+` FROM ledger_blocks ORDER BY "index" ASC`)
	if err != nil {
		return fmt.Errorf("failed to scan blocks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return fmt.Errorf("failed to decode block: %w", err)
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) Find(ctx context.Context, filter chain.Filter) ([]*chain.Block, error) {
	where, args := postgresWhere(filter)

	query := `SELECT ` + blockColumns + ` FROM ledger_blocks` + where + ` ORDER BY "timestamp" DESC, "index" DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Skip > 0 {
		args = append(args, filter.Skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	blocks := []*chain.Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to decode block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return blocks, nil
}

func (s *PostgresStore) Count(ctx context.Context, filter chain.Filter) (int64, error) {
	where, args := postgresWhere(filter)

	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM ledger_blocks`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count blocks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ActionHistogram(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(data->>'action_type', 'unknown'), count(*) FROM ledger_blocks GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate action types: %w", err)
	}
	defer rows.Close()

	histogram := make(map[string]int64)
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		histogram[action] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return histogram, nil
}

func postgresWhere(f chain.Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if f.PatientID != "" {
		args = append(args, f.PatientID)
		clauses = append(clauses, fmt.Sprintf("data->>'patient_id' = $%d", len(args)))
	}
	if f.ActionType != "" {
		args = append(args, string(f.ActionType))
		clauses = append(clauses, fmt.Sprintf("data->>'action_type' = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since.UTC())
		clauses = append(clauses, fmt.Sprintf(`"timestamp" >= $%d`, len(args)))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanBlock(row pgx.Row) (*chain.Block, error) {
	var b chain.Block
	var ts time.Time
	if err := row.Scan(&b.Index, &ts, &b.Data, &b.PreviousHash, &b.Nonce, &b.Hash); err != nil {
		return nil, err
	}
	b.Timestamp = ts.UTC()
	if b.Data == nil {
		b.Data = map[string]interface{}{}
	}
	return &b, nil
}
