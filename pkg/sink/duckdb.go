package sink

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/tkenna/streamcore/pkg/window"
)

// quoteIdentifier safely quotes a SQL identifier to prevent injection.
// DuckDB uses double quotes for identifiers.
func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// DuckDB writes results into a DuckDB table with the result id as primary
// key. INSERT .. ON CONFLICT makes the write idempotent: a replayed result
// overwrites itself with identical values.
type DuckDB struct {
	db    *sql.DB
	mu    sync.Mutex
	table string
}

// NewDuckDB opens (or creates) the database. An empty path keeps the sink
// in memory, which the tests use.
func NewDuckDB(path, table string) (*DuckDB, error) {
	dsn := ":memory:"
	if path != "" {
		dsn = fmt.Sprintf("%s?access_mode=read_write", path)
	}

	connector, err := duckdb.NewConnector(dsn, func(execer driver.ExecerContext) error {
		bootQueries := []string{
			`SET schema='main'`,
			`SET search_path='main'`,
		}
		for _, q := range bootQueries {
			if _, bootErr := execer.ExecContext(context.Background(), q, nil); bootErr != nil {
				return bootErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	s := &DuckDB{db: db, table: table}
	if err := s.ensureTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DuckDB) ensureTable() error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		result_id    VARCHAR PRIMARY KEY,
		key          VARCHAR,
		window_start TIMESTAMP,
		window_end   TIMESTAMP,
		value        VARCHAR,
		partition    INTEGER,
		updated_at   TIMESTAMP
	)`, quoteIdentifier(s.table))
	_, err := s.db.Exec(q)
	return err
}

// Upsert writes one result, replacing any earlier write with the same
// result id.
func (s *DuckDB) Upsert(ctx context.Context, res *window.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := json.Marshal(res.Value)
	if err != nil {
		return fmt.Errorf("encode result value: %w", err)
	}

	q := fmt.Sprintf(`INSERT INTO %s
		(result_id, key, window_start, window_end, value, partition, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (result_id) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`, quoteIdentifier(s.table))

	_, err = s.db.ExecContext(ctx, q,
		res.ID, res.Key, res.Start, res.End, string(value), res.Partition, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("duckdb upsert: %w", err)
	}
	return nil
}

// Count returns the number of distinct results written, used by smoke
// checks and tests.
func (s *DuckDB) Count(ctx context.Context) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdentifier(s.table)))
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *DuckDB) Close() error { return s.db.Close() }
