// Package persistence provides SQLite storage for demixing tables, node
// summaries and profile runs.
package persistence

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/hhe-demix/internal/phase"
	"github.com/talgya/hhe-demix/internal/table"
)

// DB wraps a SQLite connection.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		x REAL NOT NULL,
		p REAL NOT NULL,
		t REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS nodes (
		pressure REAL PRIMARY KEY,
		raw_samples INTEGER NOT NULL,
		cleaned_samples INTEGER NOT NULL,
		tcrit REAL NOT NULL,
		zcrit REAL NOT NULL,
		xcrit REAL NOT NULL,
		low_tmin REAL NOT NULL,
		low_tmax REAL NOT NULL,
		high_tmin REAL NOT NULL,
		high_tmax REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS profile_runs (
		id TEXT PRIMARY KEY,
		created TEXT NOT NULL,
		points INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS profile_points (
		run_id TEXT NOT NULL REFERENCES profile_runs(id),
		idx INTEGER NOT NULL,
		p REAL NOT NULL,
		t REAL NOT NULL,
		status TEXT NOT NULL,
		x_poor REAL NOT NULL,
		x_rich REAL NOT NULL,
		PRIMARY KEY (run_id, idx)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_p ON samples(p);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveSamples writes a demixing table (full replace). Temperatures are
// stored in kK, row order is kept.
func (db *DB) SaveSamples(samples []table.Sample) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM samples"); err != nil {
		return err
	}

	stmt, err := tx.Preparex("INSERT INTO samples (x, p, t) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, s := range samples {
		if _, err := stmt.Exec(s.X, s.P, s.T); err != nil {
			return fmt.Errorf("insert sample %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// LoadSamples returns the stored table in its original row order.
func (db *DB) LoadSamples() ([]table.Sample, error) {
	var samples []table.Sample
	err := db.conn.Select(&samples, "SELECT x, p, t FROM samples ORDER BY id")
	return samples, err
}

// SaveNodes writes node summaries (full replace).
func (db *DB) SaveNodes(nodes []phase.NodeSummary) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM nodes"); err != nil {
		return err
	}

	for _, n := range nodes {
		_, err := tx.NamedExec(`INSERT INTO nodes
			(pressure, raw_samples, cleaned_samples, tcrit, zcrit, xcrit,
			 low_tmin, low_tmax, high_tmin, high_tmax)
			VALUES (:pressure, :raw_samples, :cleaned_samples, :tcrit, :zcrit, :xcrit,
			 :low_tmin, :low_tmax, :high_tmin, :high_tmax)`, n)
		if err != nil {
			return fmt.Errorf("insert node %g: %w", n.Pressure, err)
		}
	}

	return tx.Commit()
}

// LoadNodes returns node summaries in pressure order.
func (db *DB) LoadNodes() ([]phase.NodeSummary, error) {
	var nodes []phase.NodeSummary
	err := db.conn.Select(&nodes, `SELECT pressure, raw_samples, cleaned_samples,
		tcrit, zcrit, xcrit, low_tmin, low_tmax, high_tmin, high_tmax
		FROM nodes ORDER BY pressure`)
	return nodes, err
}

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ProfileRun describes one stored profile evaluation.
type ProfileRun struct {
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
	Points  int       `json:"points"`
}

type profileRunRow struct {
	ID      string `db:"id"`
	Created string `db:"created"`
	Points  int    `db:"points"`
}

type profilePointRow struct {
	P      float64 `db:"p"`
	T      float64 `db:"t"`
	Status string  `db:"status"`
	XPoor  float64 `db:"x_poor"`
	XRich  float64 `db:"x_rich"`
}

// SaveProfile stores a profile and its results under a new run ID.
func (db *DB) SaveProfile(points []phase.PT, gaps []phase.Gap) (string, error) {
	if len(points) != len(gaps) {
		return "", fmt.Errorf("profile has %d points but %d results", len(points), len(gaps))
	}
	id := uuid.NewString()

	tx, err := db.conn.Beginx()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec("INSERT INTO profile_runs (id, created, points) VALUES (?, ?, ?)",
		id, time.Now().UTC().Format(timeLayout), len(points))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.Preparex(`INSERT INTO profile_points
		(run_id, idx, p, t, status, x_poor, x_rich) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	for i, pt := range points {
		g := gaps[i]
		if _, err := stmt.Exec(id, i, pt.P, pt.T, g.Status.String(), g.XPoor, g.XRich); err != nil {
			return "", fmt.Errorf("insert point %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	slog.Info("profile saved", "run", id, "points", len(points))
	return id, nil
}

// LoadProfile returns a stored run with its points and results in order.
func (db *DB) LoadProfile(id string) (ProfileRun, []phase.PT, []phase.Gap, error) {
	var row profileRunRow
	if err := db.conn.Get(&row, "SELECT id, created, points FROM profile_runs WHERE id = ?", id); err != nil {
		return ProfileRun{}, nil, nil, fmt.Errorf("load run %s: %w", id, err)
	}
	created, err := time.Parse(timeLayout, row.Created)
	if err != nil {
		return ProfileRun{}, nil, nil, fmt.Errorf("run %s: bad timestamp: %w", id, err)
	}

	var rows []profilePointRow
	err = db.conn.Select(&rows, `SELECT p, t, status, x_poor, x_rich
		FROM profile_points WHERE run_id = ? ORDER BY idx`, id)
	if err != nil {
		return ProfileRun{}, nil, nil, fmt.Errorf("load points of %s: %w", id, err)
	}

	points := make([]phase.PT, len(rows))
	gaps := make([]phase.Gap, len(rows))
	for i, r := range rows {
		status, err := phase.ParseStatus(r.Status)
		if err != nil {
			return ProfileRun{}, nil, nil, fmt.Errorf("run %s point %d: %w", id, i, err)
		}
		points[i] = phase.PT{P: r.P, T: r.T}
		gaps[i] = phase.Gap{Status: status, XPoor: r.XPoor, XRich: r.XRich}
	}

	run := ProfileRun{ID: row.ID, Created: created, Points: row.Points}
	return run, points, gaps, nil
}

// RecentProfiles returns the most recent N profile runs.
func (db *DB) RecentProfiles(limit int) ([]ProfileRun, error) {
	var rows []profileRunRow
	err := db.conn.Select(&rows,
		"SELECT id, created, points FROM profile_runs ORDER BY created DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	runs := make([]ProfileRun, 0, len(rows))
	for _, r := range rows {
		created, err := time.Parse(timeLayout, r.Created)
		if err != nil {
			return nil, fmt.Errorf("run %s: bad timestamp: %w", r.ID, err)
		}
		runs = append(runs, ProfileRun{ID: r.ID, Created: created, Points: r.Points})
	}
	return runs, nil
}

// SaveMeta stores a key-value pair.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM meta WHERE key = ?", key)
	return value, err
}

// SaveDiagram performs a full save of a table and the engine built from it.
func (db *DB) SaveDiagram(samples []table.Sample, e *phase.Engine, source string) error {
	slog.Info("saving phase diagram", "samples", len(samples), "nodes", len(e.Pressures()))

	if err := db.SaveSamples(samples); err != nil {
		return fmt.Errorf("save samples: %w", err)
	}
	if err := db.SaveNodes(e.Nodes()); err != nil {
		return fmt.Errorf("save nodes: %w", err)
	}
	if err := db.SaveMeta("source", source); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	if err := db.SaveMeta("saved_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}

	slog.Info("phase diagram saved")
	return nil
}
