package phase

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/hhe-demix/internal/synth"
	"github.com/talgya/hhe-demix/internal/table"
)

var (
	engineOnce sync.Once
	testEngine *Engine
	testErr    error
)

// syntheticEngine builds one engine from the default synthetic table and
// shares it across tests; it is immutable.
func syntheticEngine(t *testing.T) *Engine {
	t.Helper()
	engineOnce.Do(func() {
		testEngine, testErr = New(context.Background(), synth.Generate(synth.DefaultConfig()), DefaultConfig())
	})
	require.NoError(t, testErr)
	return testEngine
}

// twoPhaseTemperature picks a temperature inside every branch of the given
// nodes and below all their critical temperatures.
func twoPhaseTemperature(t *testing.T, e *Engine, pressures ...float64) float64 {
	t.Helper()
	lo, hi := 0.0, math.Inf(1)
	for _, p := range pressures {
		n, ok := e.Node(p)
		require.True(t, ok, "no node at %g", p)
		s := n.Summary()
		lo = max(lo, s.LowTMin, s.HighTMin)
		hi = min(hi, s.LowTMax, s.HighTMax, s.TCrit)
	}
	require.Less(t, lo, hi, "nodes %v share no two-phase temperature", pressures)
	return lo + 0.5*(hi-lo)
}

func TestEngineNodes(t *testing.T) {
	e := syntheticEngine(t)
	assert.Equal(t, []float64{1, 2, 4, 10, 24}, e.Pressures())

	lo, hi := e.PressureRange()
	assert.Equal(t, 1.0, lo)
	assert.Equal(t, 24.0, hi)

	summaries := e.Nodes()
	require.Len(t, summaries, 5)
	for i, s := range summaries {
		assert.InDelta(t, synth.CriticalTemperature(s.Pressure), s.TCrit, 0.1, "node %g", s.Pressure)
		assert.InDelta(t, synth.CriticalFraction(s.Pressure), s.XCrit, 0.1, "node %g", s.Pressure)
		assert.GreaterOrEqual(t, s.CleanedSamples, splineDegree+1)
		assert.Less(t, s.CleanedSamples, s.RawSamples)
		if i > 0 {
			assert.Greater(t, s.TCrit, summaries[i-1].TCrit)
		}
	}

	_, ok := e.Node(3)
	assert.False(t, ok)
}

func TestCriticalTemperatureIsCurveMaximum(t *testing.T) {
	e := syntheticEngine(t)
	for _, n := range e.nodes {
		gridMax := math.Inf(-1)
		for z := 0.0; z <= 1; z += 1e-4 {
			_, temp := n.CurveAt(z)
			gridMax = max(gridMax, temp)
		}
		assert.InDelta(t, gridMax, n.CriticalTemperature(), 1e-3, "node %g", n.Pressure())

		// Reseeding away from the midpoint lands on the same maximum.
		for _, seed := range []float64{0.2, 0.8} {
			again, err := locateCritical(n.tCurve, seed, DefaultConfig().Tuning.FineTolerance)
			require.NoError(t, err)
			assert.InDelta(t, n.CriticalTemperature(), again.T, 1e-3, "node %g seed %g", n.Pressure(), seed)
		}
	}
}

func TestBranchTemperaturesStrictlyIncrease(t *testing.T) {
	e := syntheticEngine(t)
	for _, n := range e.nodes {
		for name, b := range map[string]*Branch{"low": n.Low(), "high": n.High()} {
			ts, _ := b.Samples()
			require.GreaterOrEqual(t, len(ts), 2)
			for i := 1; i < len(ts); i++ {
				assert.Greater(t, ts[i], ts[i-1], "node %g %s branch at %d", n.Pressure(), name, i)
			}
		}
		xs, _ := n.Samples()
		assert.Equal(t, len(xs), n.Low().Len()+n.High().Len(), "node %g split must cover every sample", n.Pressure())
	}
}

func TestPlateauDuplicateIsDropped(t *testing.T) {
	e := syntheticEngine(t)
	n, ok := e.Node(1)
	require.True(t, ok)
	_, ts := n.Samples()

	tmax := math.Inf(-1)
	for _, v := range ts {
		tmax = max(tmax, v)
	}
	count := 0
	for _, v := range ts {
		if v == tmax {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCleanedSamplesAboveHeliumThreshold(t *testing.T) {
	e := syntheticEngine(t)
	for _, n := range e.nodes {
		xs, _ := n.Samples()
		for _, x := range xs {
			assert.Greater(t, x, Lorenzen2011Tuning().MinHeliumFraction)
		}
	}
}

func TestStableAtCriticalTemperature(t *testing.T) {
	e := syntheticEngine(t)
	n2, _ := e.Node(2)
	n4, _ := e.Node(4)
	tc := min(n2.CriticalTemperature(), n4.CriticalTemperature())

	for _, temp := range []float64{tc, tc + 1e-6, tc + 0.5, 50} {
		assert.Equal(t, Stable, e.MiscibilityGap(3, temp).Status, "T=%g", temp)
	}
	// At a node pressure only that node's critical temperature counts.
	assert.Equal(t, Stable, e.MiscibilityGap(2, n2.CriticalTemperature()).Status)
}

func TestTwoPhaseWellBelowCritical(t *testing.T) {
	e := syntheticEngine(t)
	brackets := [][2]float64{{1, 2}, {2, 4}, {4, 10}, {10, 24}}
	for _, br := range brackets {
		p := math.Sqrt(br[0] * br[1])
		temp := twoPhaseTemperature(t, e, br[0], br[1])

		gap := e.MiscibilityGap(p, temp)
		require.Equal(t, TwoPhase, gap.Status, "P=%g T=%g", p, temp)
		assert.False(t, math.IsNaN(gap.XPoor) || math.IsInf(gap.XPoor, 0))
		assert.False(t, math.IsNaN(gap.XRich) || math.IsInf(gap.XRich, 0))
		assert.GreaterOrEqual(t, gap.XPoor, 0.0)
		assert.LessOrEqual(t, gap.XPoor, gap.XRich)
		assert.LessOrEqual(t, gap.XRich, 1.0)

		tc, err := e.CriticalTemperature(p)
		require.NoError(t, err)
		assert.Less(t, temp, tc)
	}
}

func TestGapBlendsBracketingNodesInLogPressure(t *testing.T) {
	e := syntheticEngine(t)
	temp := twoPhaseTemperature(t, e, 2, 4)
	n2, _ := e.Node(2)
	n4, _ := e.Node(4)

	poor2, rich2, err := n2.fractions(temp)
	require.NoError(t, err)
	poor4, rich4, err := n4.fractions(temp)
	require.NoError(t, err)

	p := 3.0
	alpha := (math.Log10(p) - math.Log10(2)) / (math.Log10(4) - math.Log10(2))
	gap := e.MiscibilityGap(p, temp)
	require.Equal(t, TwoPhase, gap.Status)
	assert.InDelta(t, alpha*poor4+(1-alpha)*poor2, gap.XPoor, 1e-12)
	assert.InDelta(t, alpha*rich4+(1-alpha)*rich2, gap.XRich, 1e-12)
}

func TestExactNodePressureUsesNodeBranches(t *testing.T) {
	e := syntheticEngine(t)
	temp := twoPhaseTemperature(t, e, 4)
	n4, _ := e.Node(4)

	poor, err := n4.Low().X(temp)
	require.NoError(t, err)
	rich, err := n4.High().X(temp)
	require.NoError(t, err)

	gap := e.MiscibilityGap(4, temp)
	require.Equal(t, TwoPhase, gap.Status)
	assert.Equal(t, poor, gap.XPoor)
	assert.Equal(t, rich, gap.XRich)
}

func TestOutOfRange(t *testing.T) {
	e := syntheticEngine(t)
	for _, p := range []float64{0.5, 0.999, 24.0001, 100, -1, math.NaN(), math.Inf(1)} {
		for _, temp := range []float64{0.1, 5, 50} {
			assert.Equal(t, OutOfRange, e.MiscibilityGap(p, temp).Status, "P=%g T=%g", p, temp)
		}
		_, err := e.CriticalTemperature(p)
		assert.ErrorIs(t, err, ErrOutOfRange, "P=%g", p)
	}
}

func TestFailedOutsideBranchRange(t *testing.T) {
	e := syntheticEngine(t)
	assert.Equal(t, Failed, e.MiscibilityGap(3, 0.05).Status)
	assert.Equal(t, Failed, e.MiscibilityGap(3, math.NaN()).Status)
}

func TestGapContinuousAcrossNode(t *testing.T) {
	e := syntheticEngine(t)
	temp := twoPhaseTemperature(t, e, 1, 2, 4)

	const steps = 400
	lo, hi := math.Log10(1.5), math.Log10(3)
	var prev Gap
	for i := 0; i <= steps; i++ {
		p := math.Pow(10, lo+(hi-lo)*float64(i)/steps)
		gap := e.MiscibilityGap(p, temp)
		require.Equal(t, TwoPhase, gap.Status, "P=%g", p)
		if i > 0 {
			assert.Less(t, math.Abs(gap.XPoor-prev.XPoor), 0.01, "x_poor jumps at P=%g", p)
			assert.Less(t, math.Abs(gap.XRich-prev.XRich), 0.01, "x_rich jumps at P=%g", p)
		}
		prev = gap
	}

	at := e.MiscibilityGap(2, temp)
	below := e.MiscibilityGap(2*(1-1e-9), temp)
	above := e.MiscibilityGap(2*(1+1e-9), temp)
	assert.InDelta(t, at.XPoor, below.XPoor, 1e-6)
	assert.InDelta(t, at.XPoor, above.XPoor, 1e-6)
	assert.InDelta(t, at.XRich, below.XRich, 1e-6)
	assert.InDelta(t, at.XRich, above.XRich, 1e-6)
}

func TestCriticalTemperatureInterpolation(t *testing.T) {
	e := syntheticEngine(t)
	for _, n := range e.nodes {
		tc, err := e.CriticalTemperature(n.Pressure())
		require.NoError(t, err)
		assert.Equal(t, n.CriticalTemperature(), tc)
	}

	n2, _ := e.Node(2)
	n4, _ := e.Node(4)
	mid, err := e.CriticalTemperature(math.Sqrt(2 * 4))
	require.NoError(t, err)
	assert.InDelta(t, 0.5*(n2.CriticalTemperature()+n4.CriticalTemperature()), mid, 1e-12)
}

func TestBranchRoundTrip(t *testing.T) {
	e := syntheticEngine(t)
	for _, n := range e.nodes {
		for name, b := range map[string]*Branch{"low": n.Low(), "high": n.High()} {
			lo, hi := b.TRange()
			for _, f := range []float64{0.25, 0.5, 0.75} {
				temp := lo + f*(hi-lo)
				x, err := b.X(temp)
				require.NoError(t, err)
				back, err := b.InverseT(x)
				require.NoError(t, err, "node %g %s branch", n.Pressure(), name)
				assert.InDelta(t, temp, back, 1e-6, "node %g %s branch", n.Pressure(), name)
			}
		}
	}
}

func TestProfileMatchesPointQueries(t *testing.T) {
	e := syntheticEngine(t)
	temp := twoPhaseTemperature(t, e, 2, 4)
	points := []PT{
		{P: 0.5, T: 5},
		{P: 3, T: temp},
		{P: 3, T: 50},
		{P: 4, T: temp},
		{P: 3, T: 0.05},
		{P: 30, T: 5},
	}

	gaps, err := e.Profile(context.Background(), points, 2)
	require.NoError(t, err)
	require.Len(t, gaps, len(points))
	for i, pt := range points {
		assert.Equal(t, e.MiscibilityGap(pt.P, pt.T), gaps[i], "point %d", i)
	}
	assert.Equal(t, OutOfRange, gaps[0].Status)
	assert.Equal(t, TwoPhase, gaps[1].Status)
	assert.Equal(t, Stable, gaps[2].Status)
	assert.Equal(t, Failed, gaps[4].Status)
}

func TestProfileHonorsCancellation(t *testing.T) {
	e := syntheticEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Profile(ctx, []PT{{P: 3, T: 5}}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentQueries(t *testing.T) {
	e := syntheticEngine(t)
	temp := twoPhaseTemperature(t, e, 2, 4)
	want := e.MiscibilityGap(3, temp)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				assert.Equal(t, want, e.MiscibilityGap(3, temp))
			}
		}()
	}
	wg.Wait()
}

func TestConstructionFailsClosed(t *testing.T) {
	ctx := context.Background()
	base := synth.Generate(synth.DefaultConfig())

	t.Run("single node", func(t *testing.T) {
		var one []table.Sample
		for _, s := range base {
			if s.P == 4 {
				one = append(one, s)
			}
		}
		e, err := New(ctx, one, DefaultConfig())
		assert.Nil(t, e)
		assert.ErrorIs(t, err, ErrData)
	})

	t.Run("node with too few samples", func(t *testing.T) {
		samples := append([]table.Sample(nil), base...)
		samples = append(samples,
			table.Sample{X: 0.1, P: 50, T: 9},
			table.Sample{X: 0.3, P: 50, T: 10},
			table.Sample{X: 0.6, P: 50, T: 9.5},
		)
		e, err := New(ctx, samples, DefaultConfig())
		assert.Nil(t, e)
		assert.ErrorIs(t, err, ErrData)
		assert.ErrorIs(t, err, ErrTooFewSamples)

		var nodeErr *NodeError
		require.True(t, errors.As(err, &nodeErr))
		assert.Equal(t, 50.0, nodeErr.Pressure)
		assert.Equal(t, StageClean, nodeErr.Stage)
	})

	t.Run("invalid tuning", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Tuning.Nodes[0].Stride = 0
		_, err := New(ctx, base, cfg)
		assert.ErrorIs(t, err, ErrData)
	})

	t.Run("missing table file", func(t *testing.T) {
		_, err := Load(ctx, filepath.Join(t.TempDir(), "missing.dat"), DefaultConfig())
		assert.ErrorIs(t, err, ErrData)
	})
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demixHHe.dat")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, table.Write(f, synth.Generate(synth.DefaultConfig())))
	require.NoError(t, f.Close())

	e, err := Load(context.Background(), path, Config{Tuning: Lorenzen2011Tuning(), Workers: 1})
	require.NoError(t, err)
	assert.Len(t, e.Nodes(), 5)
}

func TestUntunedNodesUseDefaults(t *testing.T) {
	cfg := synth.Config{
		Seed:      3,
		Pressures: []float64{3, 30},
		Samples:   []int{80, 80},
		Jitter:    0.2,
	}
	e, err := New(context.Background(), synth.Generate(cfg), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 30}, e.Pressures())
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{TwoPhase, Stable, OutOfRange, Failed} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back Status
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	_, err := ParseStatus("boiling")
	assert.Error(t, err)
}

func TestGapKeepsZeroFractions(t *testing.T) {
	b, err := json.Marshal(Gap{Status: TwoPhase, XPoor: 0, XRich: 0.5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"two_phase","x_poor":0,"x_rich":0.5}`, string(b))
}
