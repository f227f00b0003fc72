package detectordb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/beamline.report/internal/detector"
)

func testDB(t *testing.T) *DetectorDB {
	t.Helper()
	db, err := NewDetectorDB(filepath.Join(t.TempDir(), "detector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testGeometry(t *testing.T) *detector.Geometry {
	t.Helper()
	geom, err := detector.NewGridGeometry("det0", detector.Shape{Rows: 2, Cols: 2}, 1, 2)
	require.NoError(t, err)
	return geom
}

func TestBeginEndRunRoundTrip(t *testing.T) {
	t.Parallel()
	db := testDB(t)

	run, err := db.BeginRun("det0", testGeometry(t), "commissioning")
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, "det0", run.DetectorID)
	assert.NotZero(t, run.StartedUnixNanos)
	assert.Nil(t, run.EndedUnixNanos)
	assert.Contains(t, run.GeometryJSON, "det0")

	loaded, err := db.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, loaded.RunID)
	assert.Equal(t, "commissioning", loaded.Notes)
	assert.Nil(t, loaded.EndedUnixNanos)

	require.NoError(t, db.EndRun(run.RunID))
	loaded, err = db.GetRun(run.RunID)
	require.NoError(t, err)
	require.NotNil(t, loaded.EndedUnixNanos)
	assert.GreaterOrEqual(t, *loaded.EndedUnixNanos, loaded.StartedUnixNanos)
}

func TestGetRunMissing(t *testing.T) {
	t.Parallel()
	db := testDB(t)

	_, err := db.GetRun("no-such-run")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func snapshotRecord(runID string, takenNanos int64, generation uint64) *detector.StatsSnapshotRecord {
	return &detector.StatsSnapshotRecord{
		DetectorID:     "det0",
		RunID:          runID,
		TakenUnixNanos: takenNanos,
		Generation:     generation,
		FramesOn:       4,
		FramesOff:      3,
		StatsBlob:      []byte{0x1f, 0x8b, 0x00},
		Reason:         "periodic_flush",
	}
}

func TestInsertAndLatestStatsSnapshot(t *testing.T) {
	t.Parallel()
	db := testDB(t)

	run, err := db.BeginRun("det0", testGeometry(t), "")
	require.NoError(t, err)

	first := snapshotRecord(run.RunID, 1000, 1)
	id1, err := db.InsertStatsSnapshot(first)
	require.NoError(t, err)
	assert.Positive(t, id1)
	require.NotNil(t, first.SnapshotID)
	assert.Equal(t, id1, *first.SnapshotID)

	second := snapshotRecord(run.RunID, 2000, 2)
	second.Reason = "run_end"
	_, err = db.InsertStatsSnapshot(second)
	require.NoError(t, err)

	latest, err := db.LatestStatsSnapshot(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), latest.TakenUnixNanos)
	assert.Equal(t, uint64(2), latest.Generation)
	assert.Equal(t, "run_end", latest.Reason)
	assert.Equal(t, int64(4), latest.FramesOn)
	assert.Equal(t, int64(3), latest.FramesOff)
	assert.Equal(t, []byte{0x1f, 0x8b, 0x00}, latest.StatsBlob)
}

func TestLatestStatsSnapshotEmpty(t *testing.T) {
	t.Parallel()
	db := testDB(t)

	_, err := db.LatestStatsSnapshot("no-such-run")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListRecentStatsSnapshots(t *testing.T) {
	t.Parallel()
	db := testDB(t)

	run, err := db.BeginRun("det0", testGeometry(t), "")
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		_, err := db.InsertStatsSnapshot(snapshotRecord(run.RunID, i*1000, uint64(i)))
		require.NoError(t, err)
	}

	recs, err := db.ListRecentStatsSnapshots(run.RunID, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(5000), recs[0].TakenUnixNanos)
	assert.Equal(t, int64(4000), recs[1].TakenUnixNanos)
	assert.Equal(t, int64(3000), recs[2].TakenUnixNanos)

	// Zero limit falls back to the default of ten.
	recs, err = db.ListRecentStatsSnapshots(run.RunID, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 5)

	recs, err = db.ListRecentStatsSnapshots("no-such-run", 3)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestInsertStatsSnapshotNilRecord(t *testing.T) {
	t.Parallel()
	db := testDB(t)

	id, err := db.InsertStatsSnapshot(nil)
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestPersistThroughStore(t *testing.T) {
	t.Parallel()
	db := testDB(t)

	geom := testGeometry(t)
	run, err := db.BeginRun("det0", geom, "")
	require.NoError(t, err)

	m, err := detector.NewStatsManager("det0", detector.StatsConfig{Canvas: geom.Canvas})
	require.NoError(t, err)

	pix := make([]float32, geom.Canvas.NumPixels())
	for i := range pix {
		pix[i] = 7
	}
	require.NoError(t, m.Update(&detector.AssembledImage{
		TrainID: 1, Tag: detector.TagOn, Shape: geom.Canvas, Pix: pix,
	}))

	require.NoError(t, m.Persist(db, run.RunID, "manual"))

	rec, err := db.LatestStatsSnapshot(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.FramesOn)

	snap, err := detector.DeserializeSnapshot(rec.StatsBlob)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.On.Frames)
	assert.Equal(t, 7.0, snap.On.Mean[0])
}
