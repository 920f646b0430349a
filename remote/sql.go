package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	cardstats "github.com/wolfeidau/card-stats"
)

const (
	sqlTableName        = "cache_entries"
	sqlOperationTimeout = 5 * time.Second

	// maxKeysPerQuery bounds the IN list of a single Get query.
	maxKeysPerQuery = 1000
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type dialect struct {
	driver  string
	maxConn int
	// placeholder returns the bind marker for the n-th (1-based) argument.
	placeholder func(n int) string
	// byteOrder is the collation that compares keys byte by byte.
	byteOrder string
}

var (
	postgresDialect = dialect{
		driver:      "postgres",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		byteOrder:   `"C"`,
	}
	sqliteDialect = dialect{
		driver:      "sqlite",
		maxConn:     1,
		placeholder: func(int) string { return "?" },
		byteOrder:   "BINARY",
	}
)

var _ Store = (*SQL)(nil)

// SQL is a Store on database/sql. The schema is created lazily on first use.
type SQL struct {
	dsn       string
	tableName string
	dialect   dialect
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgres returns a PostgreSQL backed store. No connection is made until
// the first operation.
func NewPostgres(dsn string) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("remote: postgres dsn is required")
	}
	return &SQL{
		dsn:       dsn,
		tableName: sqlTableName,
		dialect:   postgresDialect,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

// OpenSQLite opens a SQLite backed store at path in WAL mode and creates the
// schema.
func OpenSQLite(path string) (*SQL, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("remote: sqlite path is required")
	}
	s := &SQL{
		dsn:       filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		tableName: sqlTableName,
		dialect:   sqliteDialect,
		openDB:    sql.Open,
		now:       time.Now,
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQL) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("open %s db: %w", s.dialect.driver, err)
			return
		}
		if s.dialect.maxConn > 0 {
			db.SetMaxOpenConns(s.dialect.maxConn)
		}

		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		table := quoteIdentifier(s.tableName)
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					cache_key  TEXT PRIMARY KEY,
					count      BIGINT NOT NULL,
					ts         BIGINT NOT NULL,
					updated_at BIGINT NOT NULL
				)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (ts)",
				quoteIdentifier(s.tableName+"_ts_idx"), table),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("create %s schema: %w", s.dialect.driver, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

// Upsert implements Store. All entries are written in one transaction; the
// conflict clause only replaces rows with an older timestamp.
func (s *SQL) Upsert(ctx context.Context, entries []cardstats.RemoteEntry) (processed, skipped int, err error) {
	if err := s.ensureReady(); err != nil {
		return 0, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := s.dialect.placeholder
	table := quoteIdentifier(s.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (cache_key, count, ts, updated_at)
		VALUES (%[2]s, %[3]s, %[4]s, %[5]s)
		ON CONFLICT (cache_key)
		DO UPDATE SET count = excluded.count, ts = excluded.ts, updated_at = excluded.updated_at
		WHERE excluded.ts > %[1]s.ts`, table, p(1), p(2), p(3), p(4))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = stmt.Close() }()

	updatedAt := cardstats.Millis(s.now())
	for _, e := range entries {
		if Validate(e) != nil {
			skipped++
			continue
		}
		res, err := stmt.ExecContext(ctx, e.Key, e.Count, e.Timestamp, updatedAt)
		if err != nil {
			return 0, 0, fmt.Errorf("upsert %s: %w", e.Key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, err
		}
		if n > 0 {
			processed++
		} else {
			skipped++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return processed, skipped, nil
}

// Get implements Store.
func (s *SQL) Get(ctx context.Context, keys []string) ([]cardstats.RemoteEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var out []cardstats.RemoteEntry
	for start := 0; start < len(keys); start += maxKeysPerQuery {
		chunk := keys[start:min(start+maxKeysPerQuery, len(keys))]
		marks := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, key := range chunk {
			marks[i] = s.dialect.placeholder(i + 1)
			args[i] = key
		}
		query := fmt.Sprintf("SELECT cache_key, count, ts FROM %s WHERE cache_key IN (%s)",
			quoteIdentifier(s.tableName), strings.Join(marks, ", "))
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		entries, err := scanEntries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// List implements Store. A limit <= 0 returns every matching entry.
func (s *SQL) List(ctx context.Context, since int64, limit, offset int) ([]cardstats.RemoteEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := s.dialect.placeholder
	query := fmt.Sprintf("SELECT cache_key, count, ts FROM %s WHERE ts > %s ORDER BY ts DESC, cache_key COLLATE %s DESC",
		quoteIdentifier(s.tableName), p(1), s.dialect.byteOrder)
	args := []any{since}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %s OFFSET %s", p(2), p(3))
		args = append(args, limit, max(offset, 0))
	} else if offset > 0 {
		return nil, errors.New("remote: offset requires a limit")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]cardstats.RemoteEntry, error) {
	defer func() { _ = rows.Close() }()
	var out []cardstats.RemoteEntry
	for rows.Next() {
		var e cardstats.RemoteEntry
		if err := rows.Scan(&e.Key, &e.Count, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count implements Store.
func (s *SQL) Count(ctx context.Context) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdentifier(s.tableName))
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Prune implements Store.
func (s *SQL) Prune(ctx context.Context, before int64) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE ts < %s", quoteIdentifier(s.tableName), s.dialect.placeholder(1))
	res, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping implements Store.
func (s *SQL) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
