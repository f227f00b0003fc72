// Package detectordb persists detector runs and statistics snapshots to
// SQLite. It implements detector.StatsStore; no domain logic lives here.
package detectordb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/beamline.report/internal/detector"
)

// DetectorDB wraps the SQLite handle for run and snapshot persistence.
type DetectorDB struct {
	*sql.DB
}

// schema.sql contains the SQL statements for creating the run and snapshot
// tables. It mirrors the migration files; NewDetectorDB applies it directly
// so tests and fresh installs need no external migrations directory.
//
//go:embed schema.sql
var schemaSQL string

// NewDetectorDB opens (creating if needed) the database at path and ensures
// the schema exists.
func NewDetectorDB(path string) (*DetectorDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, err
	}

	log.Println("initialized detector database schema")

	return &DetectorDB{db}, nil
}

// Run is one persisted processing run.
type Run struct {
	RunID            string
	DetectorID       string
	StartedUnixNanos int64
	EndedUnixNanos   *int64
	GeometryJSON     string
	Notes            string
}

// BeginRun inserts a new run record with a fresh UUID and returns it.
// The geometry descriptor is stored as JSON so a replay can rebuild the
// exact canvas the statistics were accumulated against.
func (ddb *DetectorDB) BeginRun(detectorID string, geom *detector.Geometry, notes string) (*Run, error) {
	geomJSON, err := json.Marshal(geom)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal geometry: %w", err)
	}
	run := &Run{
		RunID:            uuid.NewString(),
		DetectorID:       detectorID,
		StartedUnixNanos: time.Now().UnixNano(),
		GeometryJSON:     string(geomJSON),
		Notes:            notes,
	}
	_, err = ddb.Exec(
		`INSERT INTO runs (run_id, detector_id, started_unix_nanos, geometry_json, notes)
		 VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.DetectorID, run.StartedUnixNanos, run.GeometryJSON, run.Notes)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// EndRun stamps the run's end time.
func (ddb *DetectorDB) EndRun(runID string) error {
	_, err := ddb.Exec(`UPDATE runs SET ended_unix_nanos = ? WHERE run_id = ?`,
		time.Now().UnixNano(), runID)
	return err
}

// GetRun loads one run record.
func (ddb *DetectorDB) GetRun(runID string) (*Run, error) {
	run := &Run{}
	var ended sql.NullInt64
	var notes sql.NullString
	err := ddb.QueryRow(
		`SELECT run_id, detector_id, started_unix_nanos, ended_unix_nanos, geometry_json, notes
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&run.RunID, &run.DetectorID, &run.StartedUnixNanos, &ended, &run.GeometryJSON, &notes)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		run.EndedUnixNanos = &ended.Int64
	}
	run.Notes = notes.String
	return run, nil
}

// InsertStatsSnapshot persists a snapshot record and returns the new
// snapshot_id. Implements detector.StatsStore.
func (ddb *DetectorDB) InsertStatsSnapshot(rec *detector.StatsSnapshotRecord) (int64, error) {
	if rec == nil {
		return 0, nil
	}
	res, err := ddb.Exec(
		`INSERT INTO stats_snapshot (run_id, detector_id, taken_unix_nanos, generation, frames_on, frames_off, stats_blob, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.DetectorID, rec.TakenUnixNanos, rec.Generation,
		rec.FramesOn, rec.FramesOff, rec.StatsBlob, rec.Reason)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	rec.SnapshotID = &id
	return id, nil
}

// LatestStatsSnapshot returns the most recent snapshot record for a run, or
// sql.ErrNoRows when none exists.
func (ddb *DetectorDB) LatestStatsSnapshot(runID string) (*detector.StatsSnapshotRecord, error) {
	rec := &detector.StatsSnapshotRecord{}
	var id int64
	err := ddb.QueryRow(
		`SELECT snapshot_id, run_id, detector_id, taken_unix_nanos, generation, frames_on, frames_off, stats_blob, reason
		 FROM stats_snapshot WHERE run_id = ? ORDER BY taken_unix_nanos DESC LIMIT 1`, runID).
		Scan(&id, &rec.RunID, &rec.DetectorID, &rec.TakenUnixNanos, &rec.Generation,
			&rec.FramesOn, &rec.FramesOff, &rec.StatsBlob, &rec.Reason)
	if err != nil {
		return nil, err
	}
	rec.SnapshotID = &id
	return rec, nil
}

// ListRecentStatsSnapshots returns the most recent snapshot records for a
// run, newest first.
func (ddb *DetectorDB) ListRecentStatsSnapshots(runID string, limit int) ([]*detector.StatsSnapshotRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := ddb.Query(
		`SELECT snapshot_id, run_id, detector_id, taken_unix_nanos, generation, frames_on, frames_off, stats_blob, reason
		 FROM stats_snapshot WHERE run_id = ? ORDER BY taken_unix_nanos DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*detector.StatsSnapshotRecord
	for rows.Next() {
		rec := &detector.StatsSnapshotRecord{}
		var id int64
		if err := rows.Scan(&id, &rec.RunID, &rec.DetectorID, &rec.TakenUnixNanos, &rec.Generation,
			&rec.FramesOn, &rec.FramesOff, &rec.StatsBlob, &rec.Reason); err != nil {
			return nil, err
		}
		rec.SnapshotID = &id
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
