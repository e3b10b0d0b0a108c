package launcher

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNoUnit is returned when no built unit matches a lookup
var ErrNoUnit = errors.New("no built unit")

// Layer is an installed dependency layer
type Layer struct {
	Digest    string
	Path      string
	Size      int64
	CreatedAt time.Time
}

// UnitRecord is a unit build
type UnitRecord struct {
	ID        string
	Name      string
	Digest    string
	Root      string
	Phase     Phase
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunRecord is a started unit
type RunRecord struct {
	ID        string
	UnitID    string
	PID       int
	Phase     Phase
	ExitCode  int
	StartedAt time.Time
	EndedAt   sql.NullTime
}

// Store keeps layers, units and runs in a sqlite database
type Store struct {
	db *sql.DB
}

// OpenStore opens the state database under dir, creating it if needed
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, "launcher.db")+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS layers (
		digest TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		digest TEXT NOT NULL,
		root TEXT NOT NULL,
		phase TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL REFERENCES units(id),
		pid INTEGER NOT NULL,
		phase TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_units_name ON units(name);
	CREATE INDEX IF NOT EXISTS idx_runs_unit_id ON runs(unit_id);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		if err := db.Close(); err != nil {
			log.Printf("Failed to close database: %v", err)
		}
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Layer returns the layer recorded for digest. The second result is false
// when no layer is recorded or its directory has gone missing.
func (s *Store) Layer(digest string) (Layer, bool, error) {
	var l Layer
	err := s.db.QueryRow(
		`SELECT digest, path, size, created_at FROM layers WHERE digest = ?`, digest,
	).Scan(&l.Digest, &l.Path, &l.Size, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Layer{}, false, nil
	}
	if err != nil {
		return Layer{}, false, fmt.Errorf("failed to query layer: %w", err)
	}
	if fi, err := os.Stat(l.Path); err != nil || !fi.IsDir() {
		return l, false, nil
	}
	return l, true, nil
}

// PutLayer records a layer, replacing any previous record for its digest
func (s *Store) PutLayer(l Layer) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO layers (digest, path, size, created_at) VALUES (?, ?, ?, ?)`,
		l.Digest, l.Path, l.Size, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record layer: %w", err)
	}
	return nil
}

// Layers returns all layers, newest first
func (s *Store) Layers() ([]Layer, error) {
	rows, err := s.db.Query(`SELECT digest, path, size, created_at FROM layers ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query layers: %w", err)
	}
	defer rows.Close()

	var layers []Layer
	for rows.Next() {
		var l Layer
		if err := rows.Scan(&l.Digest, &l.Path, &l.Size, &l.CreatedAt); err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

// DeleteLayers removes all layer records
func (s *Store) DeleteLayers() error {
	_, err := s.db.Exec(`DELETE FROM layers`)
	return err
}

// CreateUnit records a new unit in the building phase. Its root is a
// directory named after the unit ID inside unitsDir.
func (s *Store) CreateUnit(name, unitsDir string) (UnitRecord, error) {
	now := time.Now().UTC()
	id := uuid.NewString()
	u := UnitRecord{
		ID:        id,
		Name:      name,
		Root:      filepath.Join(unitsDir, id),
		Phase:     PhaseBuilding,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO units (id, name, digest, root, phase, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Digest, u.Root, string(u.Phase), u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return UnitRecord{}, fmt.Errorf("failed to create unit: %w", err)
	}
	return u, nil
}

// TransitionUnit moves a unit to phase to. digest and errMsg are stored
// alongside when not empty.
func (s *Store) TransitionUnit(id string, to Phase, digest, errMsg string) error {
	u, err := s.Unit(id)
	if err != nil {
		return err
	}
	if err := u.Phase.Transition(to); err != nil {
		return err
	}
	if digest == "" {
		digest = u.Digest
	}
	_, err = s.db.Exec(
		`UPDATE units SET phase = ?, digest = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(to), digest, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update unit: %w", err)
	}
	return nil
}

// Unit returns the unit with id
func (s *Store) Unit(id string) (UnitRecord, error) {
	row := s.db.QueryRow(`SELECT id, name, digest, root, phase, error, created_at, updated_at FROM units WHERE id = ?`, id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UnitRecord{}, fmt.Errorf("unit %s: %w", id, ErrNoUnit)
	}
	return u, err
}

// LatestBuilt returns the most recently built unit named name
func (s *Store) LatestBuilt(name string) (UnitRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, name, digest, root, phase, error, created_at, updated_at FROM units
		WHERE name = ? AND phase = ? ORDER BY updated_at DESC LIMIT 1`,
		name, string(PhaseBuilt),
	)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UnitRecord{}, fmt.Errorf("unit %s: %w", name, ErrNoUnit)
	}
	return u, err
}

// Units returns all units, newest first
func (s *Store) Units() ([]UnitRecord, error) {
	rows, err := s.db.Query(`SELECT id, name, digest, root, phase, error, created_at, updated_at FROM units ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()

	var units []UnitRecord
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// DeleteUnits removes all unit and run records
func (s *Store) DeleteUnits() error {
	if _, err := s.db.Exec(`DELETE FROM runs`); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM units`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUnit(row scanner) (UnitRecord, error) {
	var u UnitRecord
	var phase string
	err := row.Scan(&u.ID, &u.Name, &u.Digest, &u.Root, &phase, &u.Error, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return UnitRecord{}, err
	}
	u.Phase = Phase(phase)
	return u, nil
}

// StartRun records a running instance of a built unit
func (s *Store) StartRun(unitID string, pid int) (RunRecord, error) {
	u, err := s.Unit(unitID)
	if err != nil {
		return RunRecord{}, err
	}
	if u.Phase != PhaseBuilt {
		return RunRecord{}, fmt.Errorf("unit %s is %s: %w", unitID, u.Phase, ErrInvalidTransition)
	}
	r := RunRecord{
		ID:        uuid.NewString(),
		UnitID:    unitID,
		PID:       pid,
		Phase:     PhaseRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (id, unit_id, pid, phase, started_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.UnitID, r.PID, string(r.Phase), r.StartedAt,
	)
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to record run: %w", err)
	}
	return r, nil
}

// EndRun marks a run as exited with exitCode
func (s *Store) EndRun(id string, exitCode int) error {
	r, err := s.Run(id)
	if err != nil {
		return err
	}
	if err := r.Phase.Transition(PhaseExited); err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE runs SET phase = ?, exit_code = ?, ended_at = ? WHERE id = ?`,
		string(PhaseExited), exitCode, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// Run returns the run with id
func (s *Store) Run(id string) (RunRecord, error) {
	row := s.db.QueryRow(`SELECT id, unit_id, pid, phase, exit_code, started_at, ended_at FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// Runs returns the runs of unitID, newest first
func (s *Store) Runs(unitID string) ([]RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, unit_id, pid, phase, exit_code, started_at, ended_at FROM runs WHERE unit_id = ? ORDER BY started_at DESC`,
		unitID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (RunRecord, error) {
	var r RunRecord
	var phase string
	err := row.Scan(&r.ID, &r.UnitID, &r.PID, &phase, &r.ExitCode, &r.StartedAt, &r.EndedAt)
	if err != nil {
		return RunRecord{}, err
	}
	r.Phase = Phase(phase)
	return r, nil
}
