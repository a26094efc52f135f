package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/hhe-demix/internal/phase"
	"github.com/talgya/hhe-demix/internal/table"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSynthWritesLoadableTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synth.dat")
	_, err := run(t, "", "synth", "--seed", "7", "-o", path)
	require.NoError(t, err)

	samples, err := table.Load(path)
	require.NoError(t, err)
	assert.Len(t, table.GroupByPressure(samples), 5)
}

func TestTCritCommand(t *testing.T) {
	out, err := run(t, "", "--synthetic", "--json", "tcrit", "2")
	require.NoError(t, err)

	var res map[string]float64
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2.0, res["p"])
	assert.Greater(t, res["tcrit"], 6.0)

	_, err = run(t, "", "--synthetic", "tcrit", "100")
	assert.ErrorIs(t, err, phase.ErrOutOfRange)

	_, err = run(t, "", "--synthetic", "tcrit", "abc")
	assert.Error(t, err)
}

func TestGapCommand(t *testing.T) {
	out, err := run(t, "", "--synthetic", "gap", "3", "40")
	require.NoError(t, err)
	assert.Contains(t, out, "stable")

	out, err = run(t, "", "--synthetic", "--json", "gap", "0.5", "5")
	require.NoError(t, err)
	var rows []gapOutput
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, phase.OutOfRange, rows[0].Status)
}

func TestNodesCommand(t *testing.T) {
	out, err := run(t, "", "--synthetic", "nodes")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "P_Mbar"))
}

func TestProfileFromStdin(t *testing.T) {
	in := "# P T\n3 40\n\n0.5 5\n"
	out, err := run(t, in, "--synthetic", "--json", "profile")
	require.NoError(t, err)

	var rows []gapOutput
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, phase.Stable, rows[0].Status)
	assert.Equal(t, phase.OutOfRange, rows[1].Status)

	_, err = run(t, "3\n", "--synthetic", "profile")
	assert.Error(t, err)

	_, err = run(t, "3 40\n", "--synthetic", "profile", "--save")
	assert.Error(t, err)
}

func TestImportThenQueryFromDB(t *testing.T) {
	dir := t.TempDir()
	tablePath := filepath.Join(dir, "demix.dat")
	dbPath := filepath.Join(dir, "demix.db")

	_, err := run(t, "", "synth", "-o", tablePath)
	require.NoError(t, err)

	out, err := run(t, "", "--db", dbPath, "import", tablePath)
	require.NoError(t, err)
	assert.Contains(t, out, "5 nodes")

	fromDB, err := run(t, "", "--db", dbPath, "tcrit", "4")
	require.NoError(t, err)
	fromFile, err := run(t, "", "--table", tablePath, "tcrit", "4")
	require.NoError(t, err)
	assert.Equal(t, fromFile, fromDB)

	_, err = run(t, "3 40\n", "--db", dbPath, "profile", "--save")
	require.NoError(t, err)
}

func TestMissingTable(t *testing.T) {
	_, err := run(t, "", "--table", filepath.Join(t.TempDir(), "nope.dat"), "nodes")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
