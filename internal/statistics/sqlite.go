// Package statistics persists daily sensor series in SQLite.
package statistics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/i474232898/oura-data-aggregation/internal/logger"
	"github.com/i474232898/oura-data-aggregation/internal/oura"
)

// recorderSource tags every series written by this service.
const recorderSource = "oura"

// ErrNotFound is returned for an unknown statistic id.
var ErrNotFound = errors.New("statistic not found")

// Point is one stored daily value. Mean or Sum is set according to the
// series metadata; State always holds the raw day value.
type Point struct {
	Start time.Time `json:"start"`
	Mean  *float64  `json:"mean,omitempty"`
	Sum   *float64  `json:"sum,omitempty"`
	State float64   `json:"state"`
}

// Store is the SQLite statistics sink and its query side.
type Store struct {
	db  *sql.DB
	log logger.Logger
}

// Open opens (creating when needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, log: log}
	for _, pragma := range []string{"PRAGMA journal_mode = WAL;", "PRAGMA synchronous = NORMAL;", "PRAGMA busy_timeout = 5000;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn(ctx, "failed to apply pragma", logger.String("pragma", pragma), logger.Error(err))
		}
	}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS statistics_meta (
			statistic_id TEXT PRIMARY KEY,
			sensor_key TEXT NOT NULL,
			name TEXT NOT NULL,
			unit TEXT,
			unit_class TEXT,
			has_mean INTEGER NOT NULL,
			has_sum INTEGER NOT NULL,
			mean_type INTEGER NOT NULL,
			source TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS statistics (
			statistic_id TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			mean REAL,
			sum REAL,
			state REAL NOT NULL,
			PRIMARY KEY (statistic_id, start_ts)
		);`,
		`CREATE TABLE IF NOT EXISTS import_runs (
			id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			points INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT
		);`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// ImportSeries upserts the metadata and every point of one series in a
// single transaction.
func (s *Store) ImportSeries(ctx context.Context, meta oura.StatisticMetadata, points []oura.DailyPoint) error {
	if meta.StatisticID == "" {
		return errors.New("statistic id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO statistics_meta (statistic_id, sensor_key, name, unit, unit_class, has_mean, has_sum, mean_type, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (statistic_id) DO UPDATE SET
			sensor_key = excluded.sensor_key,
			name = excluded.name,
			unit = excluded.unit,
			unit_class = excluded.unit_class,
			has_mean = excluded.has_mean,
			has_sum = excluded.has_sum,
			mean_type = excluded.mean_type
	`, meta.StatisticID, meta.SensorKey, meta.Name, meta.Unit, meta.UnitClass, meta.HasMean, meta.HasSum, int(meta.MeanType), recorderSource)
	if err != nil {
		return fmt.Errorf("upsert metadata: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO statistics (statistic_id, start_ts, mean, sum, state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (statistic_id, start_ts) DO UPDATE SET
			mean = excluded.mean,
			sum = excluded.sum,
			state = excluded.state
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		var mean, sum sql.NullFloat64
		if meta.HasMean {
			mean = sql.NullFloat64{Float64: p.Value, Valid: true}
		}
		if meta.HasSum {
			sum = sql.NullFloat64{Float64: p.Value, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, meta.StatisticID, p.Start.Unix(), mean, sum, p.Value); err != nil {
			return fmt.Errorf("insert point %s: %w", p.Day, err)
		}
	}

	return tx.Commit()
}

// Series returns the points of one statistic whose start lies in
// [from, to], oldest first.
func (s *Store) Series(ctx context.Context, statisticID string, from, to time.Time) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_ts, mean, sum, state FROM statistics
		WHERE statistic_id = ? AND start_ts BETWEEN ? AND ?
		ORDER BY start_ts
	`, statisticID, from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var (
			ts        int64
			mean, sum sql.NullFloat64
			p         Point
		)
		if err := rows.Scan(&ts, &mean, &sum, &p.State); err != nil {
			return nil, err
		}
		p.Start = time.Unix(ts, 0).UTC()
		if mean.Valid {
			p.Mean = &mean.Float64
		}
		if sum.Valid {
			p.Sum = &sum.Float64
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Metadata lists every known statistic ordered by id.
func (s *Store) Metadata(ctx context.Context) ([]oura.StatisticMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT statistic_id, sensor_key, name, unit, unit_class, has_mean, has_sum, mean_type
		FROM statistics_meta ORDER BY statistic_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []oura.StatisticMetadata
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MetadataFor returns the metadata of one statistic.
func (s *Store) MetadataFor(ctx context.Context, statisticID string) (oura.StatisticMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT statistic_id, sensor_key, name, unit, unit_class, has_mean, has_sum, mean_type
		FROM statistics_meta WHERE statistic_id = ?
	`, statisticID)
	m, err := scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return oura.StatisticMetadata{}, fmt.Errorf("%w: %s", ErrNotFound, statisticID)
	}
	return m, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(row scanner) (oura.StatisticMetadata, error) {
	var (
		m               oura.StatisticMetadata
		unit, unitClass sql.NullString
		meanType        int
	)
	if err := row.Scan(&m.StatisticID, &m.SensorKey, &m.Name, &unit, &unitClass, &m.HasMean, &m.HasSum, &meanType); err != nil {
		return oura.StatisticMetadata{}, err
	}
	m.Unit = unit.String
	m.UnitClass = unitClass.String
	m.MeanType = oura.MeanType(meanType)
	return m, nil
}

// RecordRun stores the outcome of a back-fill attempt.
func (s *Store) RecordRun(ctx context.Context, run oura.ImportRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_runs (id, started_at, finished_at, points, status, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt.Unix(), run.FinishedAt.Unix(), run.Points, string(run.Status), run.Error)
	if err != nil {
		return fmt.Errorf("record import run: %w", err)
	}
	return nil
}

// BackfillCompleted reports whether any back-fill run succeeded.
func (s *Store) BackfillCompleted(ctx context.Context) (bool, error) {
	var done bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM import_runs WHERE status = ?)`, string(oura.RunSucceeded),
	).Scan(&done)
	return done, err
}
