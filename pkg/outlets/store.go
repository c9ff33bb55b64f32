// Package outlets answers natural-language outlet questions by generating
// a single validated SELECT against the outlets table, executing it
// read-only, and formatting the rows.
package outlets

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const queryTimeout = 5 * time.Second

// Store executes validated queries against the outlet database.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// NewStore wraps an open database handle. The pool is shared; Store adds
// only the per-query deadline.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, timeout: queryTimeout}
}

// Select runs a SELECT and returns rows as column-keyed maps. Byte slices
// are converted to strings so results marshal cleanly.
func (s *Store) Select(ctx context.Context, query string) ([]map[string]any, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return results, nil
}

// Count returns the total number of outlet rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var count int
	if err := s.db.QueryRowContext(queryCtx, "SELECT COUNT(*) FROM outlets").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outlets: %w", err)
	}
	return count, nil
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}
