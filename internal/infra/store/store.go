// Package store reads credit statistics and reads/writes dispatch weights in
// the BOINC project database. MySQL is the production backend; SQLite serves
// local runs and tests and gets a minimal schema bootstrap.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/gridshare/gridshare/internal/domain"
)

// Supported drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Store implements domain.CreditStatsSource and domain.WeightStore.
type Store struct {
	db      *sqlx.DB
	driver  string
	classes []string // empty means every non-deprecated app
	log     *logrus.Entry
}

// Open connects to the project database. For SQLite the DSN is a file path
// and the schema is created if missing.
func Open(ctx context.Context, driver, dsn string, classes []string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var db *sqlx.DB
	var err error
	switch driver {
	case DriverMySQL:
		db, err = openMySQL(dsn)
	case DriverSQLite:
		db, err = openSQLite(dsn)
	default:
		return nil, fmt.Errorf("store driver %q: %w", driver, domain.ErrInvalidConfig)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &Store{
		db:      db,
		driver:  driver,
		classes: classes,
		log:     log.WithField("component", "store"),
	}
	if driver == DriverSQLite {
		if err := s.migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return s, nil
}

func openMySQL(dsn string) (*sqlx.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %v: %w", err, domain.ErrInvalidConfig)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	db, err := sqlx.Open(DriverMySQL, cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func openSQLite(path string) (*sqlx.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty: %w", domain.ErrInvalidConfig)
	}
	dsn := path
	if !strings.Contains(path, "?") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// Close cleanly shuts down the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the handle for fixtures and maintenance commands.
func (s *Store) DB() *sqlx.DB { return s.db }

// migrate creates the subset of the BOINC schema the controller touches.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS app (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL UNIQUE,
			weight     REAL NOT NULL DEFAULT 1,
			deprecated INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS workunit (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			appid INTEGER NOT NULL,
			name  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS wu_app ON workunit(appid)`,
		`CREATE TABLE IF NOT EXISTS result (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			workunitid     INTEGER NOT NULL,
			server_state   INTEGER NOT NULL,
			outcome        INTEGER NOT NULL DEFAULT 0,
			granted_credit REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS res_wu ON result(workunitid)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// scoped appends the class filter to a query ending in a WHERE clause and
// rebinds it for the driver.
func (s *Store) scoped(query, column, tail string) (string, []any, error) {
	if len(s.classes) == 0 {
		return s.db.Rebind(query + tail), nil, nil
	}
	q, args, err := sqlx.In(query+" AND "+column+" IN (?)"+tail, s.classes)
	if err != nil {
		return "", nil, err
	}
	return s.db.Rebind(q), args, nil
}

type weightRow struct {
	Name   string          `db:"name"`
	Weight sql.NullFloat64 `db:"weight"`
}

// CurrentWeights returns the stored weight of every tracked class.
func (s *Store) CurrentWeights(ctx context.Context) (domain.WeightSet, error) {
	q, args, err := s.scoped(`SELECT name, weight FROM app WHERE deprecated = 0`, "name", ` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("build weights query: %w", err)
	}
	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query weights: %w", err)
	}
	defer rows.Close()

	out := make(domain.WeightSet)
	for rows.Next() {
		var r weightRow
		if err := rows.StructScan(&r); err != nil {
			s.log.WithError(err).Warn("weight row dropped")
			continue
		}
		if r.Name == "" || !r.Weight.Valid || math.IsNaN(r.Weight.Float64) || math.IsInf(r.Weight.Float64, 0) {
			s.log.WithError(fmt.Errorf("app %q weight %v: %w", r.Name, r.Weight, domain.ErrMalformedRow)).Warn("weight row dropped")
			continue
		}
		out[r.Name] = r.Weight.Float64
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan weights: %w", err)
	}
	return out, nil
}

const creditStatsQuery = `SELECT
	a.name AS app_name,
	COALESCE(SUM(CASE WHEN r.server_state = 5 AND r.outcome = 1 THEN r.granted_credit ELSE 0 END), 0) AS completed_credit,
	COUNT(DISTINCT CASE WHEN r.server_state = 5 AND r.outcome = 1 THEN r.id END) AS completed_count,
	COALESCE(AVG(CASE WHEN r.server_state = 5 AND r.outcome = 1 AND r.granted_credit > 0 THEN r.granted_credit END), 0) AS avg_credit,
	COUNT(DISTINCT CASE WHEN r.server_state = 4 THEN r.id END) AS in_progress_count,
	COUNT(DISTINCT CASE WHEN r.server_state = 2 THEN r.id END) AS unsent_count
FROM app a
LEFT JOIN workunit w ON a.id = w.appid
LEFT JOIN result r ON w.id = r.workunitid
WHERE a.deprecated = 0`

type creditRow struct {
	Name            string          `db:"app_name"`
	CompletedCredit sql.NullFloat64 `db:"completed_credit"`
	CompletedCount  sql.NullInt64   `db:"completed_count"`
	AvgCredit       sql.NullFloat64 `db:"avg_credit"`
	InProgressCount sql.NullInt64   `db:"in_progress_count"`
	UnsentCount     sql.NullInt64   `db:"unsent_count"`
}

func (r creditRow) stat() (domain.CreditStat, error) {
	st := domain.CreditStat{
		CompletedCredit: r.CompletedCredit.Float64,
		CompletedCount:  r.CompletedCount.Int64,
		AvgCredit:       r.AvgCredit.Float64,
		InProgressCount: r.InProgressCount.Int64,
		UnsentCount:     r.UnsentCount.Int64,
	}
	switch {
	case r.Name == "":
		return st, fmt.Errorf("empty app name: %w", domain.ErrMalformedRow)
	case !finiteNonNegative(st.CompletedCredit) || !finiteNonNegative(st.AvgCredit):
		return st, fmt.Errorf("app %q credit %v/%v: %w", r.Name, st.CompletedCredit, st.AvgCredit, domain.ErrMalformedRow)
	case st.CompletedCount < 0 || st.InProgressCount < 0 || st.UnsentCount < 0:
		return st, fmt.Errorf("app %q negative count: %w", r.Name, domain.ErrMalformedRow)
	}
	return st, nil
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// CreditStats aggregates completed, in-progress and unsent results per class.
// Completed means server_state=5 with outcome=1; in progress is server_state=4;
// unsent is server_state=2. Malformed rows are dropped and logged.
func (s *Store) CreditStats(ctx context.Context) (map[string]domain.CreditStat, error) {
	q, args, err := s.scoped(creditStatsQuery, "a.name", "\nGROUP BY a.id, a.name\nORDER BY a.name")
	if err != nil {
		return nil, fmt.Errorf("build credit query: %w", err)
	}
	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query credit statistics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.CreditStat)
	for rows.Next() {
		var r creditRow
		if err := rows.StructScan(&r); err != nil {
			s.log.WithError(err).Warn("credit row dropped")
			continue
		}
		st, err := r.stat()
		if err != nil {
			s.log.WithError(err).Warn("credit row dropped")
			continue
		}
		out[r.Name] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan credit statistics: %w", err)
	}
	return out, nil
}

// WriteWeights updates every class in one transaction. Classes the app table
// does not know are ignored by the UPDATE.
func (s *Store) WriteWeights(ctx context.Context, w domain.WeightSet) error {
	for class, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("weight %v for %s is not a positive number", v, class)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`UPDATE app SET weight = ? WHERE name = ?`))
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, class := range w.Classes() {
		if _, err := stmt.ExecContext(ctx, w[class], class); err != nil {
			return fmt.Errorf("update %s: %w", class, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ─── Fixtures ───────────────────────────────────────────────────────────────

// EnsureApps inserts any missing classes with weight 1 into a local SQLite
// project. MySQL projects register apps through the BOINC tools.
func (s *Store) EnsureApps(ctx context.Context, classes []string) error {
	if s.driver != DriverSQLite {
		return fmt.Errorf("seeding apps is only supported on %s", DriverSQLite)
	}
	for _, c := range classes {
		if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO app (name, weight, deprecated) VALUES (?, 1, 0)`, c); err != nil {
			return fmt.Errorf("insert app %s: %w", c, err)
		}
	}
	return nil
}
