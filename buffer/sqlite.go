package buffer

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	smc "github.com/milosgajdos/go-smc"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite stores filter output of a single run in a SQLite database.
// Every step record is written atomically and replaces any previous record of the same step.
type SQLite struct {
	// db is database handle
	db *sql.DB
	// run identifies the run
	run uuid.UUID
	// logger logs migrations
	logger *zap.SugaredLogger
}

// NewSQLite opens SQLite database at path, migrates its schema and registers a new run.
// It returns error if the database fails to open or migrate.
func NewSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &SQLite{
		db:     db,
		run:    uuid.New(),
		logger: logger.Sugar().Named("buffer"),
	}

	if err := b.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`INSERT INTO runs (run_id) VALUES (?)`, b.run.String()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register run: %w", err)
	}

	return b, nil
}

func (b *SQLite) migrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(b.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: b.logger}
	// m is not closed: closing it would close the database

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}

// migrateLogger implements migrate.Logger
type migrateLogger struct {
	logger *zap.SugaredLogger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debugf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Run returns run ID
func (b *SQLite) Run() uuid.UUID {
	return b.run
}

// Close closes the database
func (b *SQLite) Close() error {
	return b.db.Close()
}

// WriteAncestors writes ancestors of step k
func (b *SQLite) WriteAncestors(k int, as []int) error {
	vals := make([]any, len(as))
	for i, a := range as {
		vals[i] = a
	}
	return b.write("ancestors", k, vals)
}

// WriteLogWeights writes stage-2 log-weights of step k
func (b *SQLite) WriteLogWeights(k int, lws []float64) error {
	return b.write("log_weights", k, floatVals(lws))
}

// WriteStage1LogWeights writes stage-1 log-weights of step k
func (b *SQLite) WriteStage1LogWeights(k int, lws []float64) error {
	return b.write("stage1_log_weights", k, floatVals(lws))
}

// WriteTime writes time of step k
func (b *SQLite) WriteTime(k int, t float64) error {
	if k < 0 {
		return fmt.Errorf("%w: invalid step: %d", smc.ErrContract, k)
	}

	_, err := b.db.Exec(`INSERT OR REPLACE INTO times (run_id, step, t) VALUES (?, ?, ?)`, b.run.String(), k, t)
	if err != nil {
		return fmt.Errorf("failed to write time of step %d: %w", k, err)
	}

	return nil
}

func floatVals(xs []float64) []any {
	vals := make([]any, len(xs))
	for i, x := range xs {
		vals[i] = x
	}
	return vals
}

// write replaces the record of step k in table with vals
func (b *SQLite) write(table string, k int, vals []any) error {
	if k < 0 {
		return fmt.Errorf("%w: invalid step: %d", smc.ErrContract, k)
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM `+table+` WHERE run_id = ? AND step = ?`, b.run.String(), k); err != nil {
		return fmt.Errorf("failed to clear %s of step %d: %w", table, k, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO ` + table + ` (run_id, step, idx, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare %s insert: %w", table, err)
	}
	defer stmt.Close()

	for i, v := range vals {
		if _, err := stmt.Exec(b.run.String(), k, i, v); err != nil {
			return fmt.Errorf("failed to write %s of step %d: %w", table, k, err)
		}
	}

	return tx.Commit()
}

// Steps returns the number of steps with written ancestors
func (b *SQLite) Steps() (int, error) {
	var n sql.NullInt64
	err := b.db.QueryRow(`SELECT MAX(step) FROM ancestors WHERE run_id = ?`, b.run.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count steps: %w", err)
	}

	if !n.Valid {
		return 0, nil
	}

	return int(n.Int64) + 1, nil
}

// Ancestors returns ancestors of step k
func (b *SQLite) Ancestors(k int) ([]int, error) {
	var as []int
	err := b.read("ancestors", k, func(rows *sql.Rows) error {
		var a int
		if err := rows.Scan(&a); err != nil {
			return err
		}
		as = append(as, a)
		return nil
	})

	return as, err
}

// LogWeights returns stage-2 log-weights of step k
func (b *SQLite) LogWeights(k int) ([]float64, error) {
	return b.readFloats("log_weights", k)
}

// Stage1LogWeights returns stage-1 log-weights of step k
func (b *SQLite) Stage1LogWeights(k int) ([]float64, error) {
	return b.readFloats("stage1_log_weights", k)
}

// Time returns time of step k
func (b *SQLite) Time(k int) (float64, error) {
	var t float64
	err := b.db.QueryRow(`SELECT t FROM times WHERE run_id = ? AND step = ?`, b.run.String(), k).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: time of step %d not written", smc.ErrContract, k)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read time of step %d: %w", k, err)
	}

	return t, nil
}

func (b *SQLite) readFloats(table string, k int) ([]float64, error) {
	var xs []float64
	err := b.read(table, k, func(rows *sql.Rows) error {
		var x float64
		if err := rows.Scan(&x); err != nil {
			return err
		}
		xs = append(xs, x)
		return nil
	})

	return xs, err
}

// read scans values of step k in table ordered by particle index
func (b *SQLite) read(table string, k int, scan func(*sql.Rows) error) error {
	rows, err := b.db.Query(`SELECT value FROM `+table+` WHERE run_id = ? AND step = ? ORDER BY idx`, b.run.String(), k)
	if err != nil {
		return fmt.Errorf("failed to read %s of step %d: %w", table, k, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("failed to scan %s of step %d: %w", table, k, err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read %s of step %d: %w", table, k, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s of step %d not written", smc.ErrContract, table, k)
	}

	return nil
}
