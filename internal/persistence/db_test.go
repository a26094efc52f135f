package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/hhe-demix/internal/phase"
	"github.com/talgya/hhe-demix/internal/synth"
	"github.com/talgya/hhe-demix/internal/table"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "demix.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSamplesRoundTrip(t *testing.T) {
	db := openTestDB(t)
	samples := synth.Generate(synth.DefaultConfig())

	require.NoError(t, db.SaveSamples(samples))
	got, err := db.LoadSamples()
	require.NoError(t, err)
	assert.Equal(t, samples, got)

	// A second save replaces the first.
	require.NoError(t, db.SaveSamples(samples[:10]))
	got, err = db.LoadSamples()
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestEngineFromStoredSamples(t *testing.T) {
	db := openTestDB(t)
	samples := synth.Generate(synth.DefaultConfig())
	e, err := phase.New(context.Background(), samples, phase.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, db.SaveDiagram(samples, e, "synthetic"))

	stored, err := db.LoadSamples()
	require.NoError(t, err)
	again, err := phase.New(context.Background(), stored, phase.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, e.Nodes(), again.Nodes())

	nodes, err := db.LoadNodes()
	require.NoError(t, err)
	assert.Equal(t, e.Nodes(), nodes)

	source, err := db.GetMeta("source")
	require.NoError(t, err)
	assert.Equal(t, "synthetic", source)
}

func TestProfileRoundTrip(t *testing.T) {
	db := openTestDB(t)
	points := []phase.PT{{P: 0.5, T: 5}, {P: 3, T: 5.2}, {P: 3, T: 40}}
	gaps := []phase.Gap{
		{Status: phase.OutOfRange},
		{Status: phase.TwoPhase, XPoor: 0.04, XRich: 0.71},
		{Status: phase.Stable},
	}

	id, err := db.SaveProfile(points, gaps)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run, gotPoints, gotGaps, err := db.LoadProfile(id)
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, 3, run.Points)
	assert.False(t, run.Created.IsZero())
	assert.Equal(t, points, gotPoints)
	assert.Equal(t, gaps, gotGaps)

	second, err := db.SaveProfile(points[:1], gaps[:1])
	require.NoError(t, err)
	runs, err := db.RecentProfiles(5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
}

func TestProfileErrors(t *testing.T) {
	db := openTestDB(t)
	_, err := db.SaveProfile([]phase.PT{{P: 1, T: 1}}, nil)
	assert.Error(t, err)

	_, _, _, err = db.LoadProfile("no-such-run")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestMeta(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveMeta("source", "a.dat"))
	require.NoError(t, db.SaveMeta("source", "b.dat"))
	v, err := db.GetMeta("source")
	require.NoError(t, err)
	assert.Equal(t, "b.dat", v)

	_, err = db.GetMeta("missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestEmptyTable(t *testing.T) {
	db := openTestDB(t)
	got, err := db.LoadSamples()
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, db.SaveSamples([]table.Sample{}))
}
