package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL. Reports and results are
// stored as JSONB; decimals inside them serialize as strings, never floats.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed record store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec *Record) error {
	reportJSON, err := json.Marshal(rec.Report)
	if err != nil {
		return err
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO rebalance_records (content_address, decision_id, report, result, recorded_at)
		 VALUES ($1, $2, $3::JSONB, $4::JSONB, $5)
		 ON CONFLICT (content_address) DO NOTHING`,
		rec.ContentAddress, rec.DecisionID, reportJSON, resultJSON, rec.RecordedAt,
	)
	return err
}

func (s *PostgresStore) GetRecord(ctx context.Context, addr string) (*Record, error) {
	var rec Record
	var reportJSON, resultJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT content_address, decision_id, report, result, recorded_at
		 FROM rebalance_records WHERE content_address = $1`, addr).
		Scan(&rec.ContentAddress, &rec.DecisionID, &reportJSON, &resultJSON, &rec.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, addr)
		}
		return nil, fmt.Errorf("get record %s: %w", addr, err)
	}

	if err := json.Unmarshal(reportJSON, &rec.Report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", addr, err)
	}
	if err := json.Unmarshal(resultJSON, &rec.Result); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", addr, err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content_address, decision_id, report, result, recorded_at
		 FROM rebalance_records ORDER BY recorded_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var reportJSON, resultJSON []byte
		if err := rows.Scan(&rec.ContentAddress, &rec.DecisionID,
			&reportJSON, &resultJSON, &rec.RecordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(reportJSON, &rec.Report); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(resultJSON, &rec.Result); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
