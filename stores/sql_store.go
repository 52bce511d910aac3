package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/abac"
)

// sqlTimeLayout is fixed-width so stored timestamps sort as text.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatSQLTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func parseSQLTime(v interface{}) (time.Time, error) {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(sqlTimeLayout, s); err == nil {
			return t, nil
		}
	}
	return scanTime(v)
}

// SQLStore persists records in SQL. Every successful Put is also appended to
// record_history.
type SQLStore struct {
	db  *squealx.DB
	now func() time.Time
}

func NewSQLStore(db *squealx.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sql store: nil db")
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) Get(ctx context.Context, kind, key string) (*abac.Record, error) {
	q := `SELECT kind, record_key, version, data, updated_at FROM records WHERE kind = :kind AND record_key = :record_key`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"kind": kind, "record_key": key})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, notFound(kind, key)
	}
	return scanRecord(r)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(r rowScanner) (*abac.Record, error) {
	var kind, key, data string
	var version int64
	var updatedRaw interface{}
	if err := r.Scan(&kind, &key, &version, &data, &updatedRaw); err != nil {
		return nil, err
	}
	rec := &abac.Record{Kind: kind, Key: key, Version: version, Data: []byte(data)}
	if t, err := parseSQLTime(updatedRaw); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

func (s *SQLStore) Put(ctx context.Context, kind, key string, data []byte, expectedVersion int64) (int64, error) {
	params := map[string]any{
		"kind":       kind,
		"record_key": key,
		"data":       string(data),
		"updated_at": formatSQLTime(s.now()),
		"expected":   expectedVersion,
		"version":    expectedVersion + 1,
	}
	var q string
	if expectedVersion == 0 {
		q = `INSERT INTO records(kind, record_key, version, data, updated_at) VALUES(:kind, :record_key, :version, :data, :updated_at) ON CONFLICT(kind, record_key) DO NOTHING`
	} else {
		q = `UPDATE records SET version = :version, data = :data, updated_at = :updated_at WHERE kind = :kind AND record_key = :record_key AND version = :expected`
	}
	res, err := s.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return 0, fmt.Errorf("put %s %s: %w", kind, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("put %s %s: %w", kind, key, err)
	}
	if n == 0 {
		return 0, conflict(kind, key, expectedVersion)
	}
	if err := s.insertHistory(ctx, params); err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

func (s *SQLStore) insertHistory(ctx context.Context, params map[string]any) error {
	q := `INSERT INTO record_history(kind, record_key, version, data, updated_at) VALUES(:kind, :record_key, :version, :data, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, kind string) ([]*abac.Record, error) {
	q := `SELECT kind, record_key, version, data, updated_at FROM records WHERE kind = :kind ORDER BY record_key`
	return s.query(ctx, q, map[string]any{"kind": kind})
}

// History returns every version written for a record, oldest first.
func (s *SQLStore) History(ctx context.Context, kind, key string) ([]*abac.Record, error) {
	q := `SELECT kind, record_key, version, data, updated_at FROM record_history WHERE kind = :kind AND record_key = :record_key ORDER BY version`
	out, err := s.query(ctx, q, map[string]any{"kind": kind, "record_key": key})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound(kind, key)
	}
	return out, nil
}

func (s *SQLStore) query(ctx context.Context, q string, params map[string]any) ([]*abac.Record, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.Record, 0)
	for r.Next() {
		rec, err := scanRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
