// Synthetic demixing tables shaped like the Lorenzen et al. (2011) data.
// Dome-shaped x–T curves per pressure node with a fold at the critical
// point, a helium-free tail, a cold high-x tail, and simplex-noise jitter of
// sample positions. Deterministic from seed.
package synth

import (
	"math"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/hhe-demix/internal/table"
)

// Config holds generation parameters.
type Config struct {
	Seed      int64     // Random seed (0 = random)
	Pressures []float64 // Node pressures, Mbar
	Samples   []int     // Samples per node, same length as Pressures
	Jitter    float64   // Position jitter as a fraction of sample spacing (0–0.9)
	Plateau   bool      // Duplicate the hottest sample of the first node at a higher x
}

// DefaultConfig mirrors the reference table: five nodes, the 1 Mbar node
// sampled densest and the high-pressure nodes carrying long helium-rich
// tails for the fixed trims to cut.
func DefaultConfig() Config {
	return Config{
		Seed:      42,
		Pressures: []float64{1, 2, 4, 10, 24},
		Samples:   []int{400, 160, 160, 240, 320},
		Jitter:    0.3,
		Plateau:   true,
	}
}

// Curve shape constants.
const (
	minFraction   = 0.0015 // helium-poorest sample
	maxFraction   = 0.97   // helium-richest sample
	lowCurvature  = 0.0307 // T/Tc drop per (ln x/xc)² on the helium-poor side
	highCurvature = 0.7    // T/Tc drop per s² on the helium-rich side
)

// CriticalTemperature is the dome height at pressure p, kK.
func CriticalTemperature(p float64) float64 {
	return 6.0 + 2.5*math.Log10(p)
}

// CriticalFraction is the helium fraction at the dome top.
func CriticalFraction(p float64) float64 {
	return 0.28 + 0.04*math.Log10(p)
}

// Temperature is the demixing temperature (kK) at helium fraction x on the
// p curve. It rises on the helium-poor side, peaks at CriticalFraction and
// falls on the helium-rich side.
func Temperature(p, x float64) float64 {
	tc := CriticalTemperature(p)
	xc := CriticalFraction(p)
	if x <= xc {
		l := math.Log(x / xc)
		return tc * (1 - lowCurvature*l*l)
	}
	s := (x - xc) / (1 - xc)
	return tc * (1 - highCurvature*s*s)
}

// Generate produces a table in node order, each node in rank (x) order.
func Generate(cfg Config) []table.Sample {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	noise := opensimplex.NewNormalized(seed)

	var out []table.Sample
	for k, p := range cfg.Pressures {
		n := 160
		if k < len(cfg.Samples) {
			n = cfg.Samples[k]
		}
		node := nodeSamples(noise, p, n, cfg.Jitter)
		if cfg.Plateau && k == 0 {
			node = withPlateau(node)
		}
		out = append(out, node...)
	}
	return out
}

// nodeSamples spaces half the samples geometrically below the critical
// fraction and half linearly above it.
func nodeSamples(noise opensimplex.Noise, p float64, n int, jitter float64) []table.Sample {
	xc := CriticalFraction(p)
	nLow := n / 2
	nHigh := n - nLow

	samples := make([]table.Sample, 0, n)
	for i := 0; i < nLow; i++ {
		u := (float64(i) + shift(noise, p, i, jitter)) / float64(nLow)
		u = math.Max(u, 0)
		x := minFraction * math.Pow(xc/minFraction, u)
		samples = append(samples, table.Sample{X: x, P: p, T: Temperature(p, x)})
	}
	for j := 0; j < nHigh; j++ {
		s := (float64(j+1) + shift(noise, p, nLow+j, jitter)) / float64(nHigh)
		s = math.Min(s, 1)
		x := xc + (maxFraction-xc)*s
		samples = append(samples, table.Sample{X: x, P: p, T: Temperature(p, x)})
	}
	return samples
}

// shift is a jitter in (-jitter/2, jitter/2) sample spacings, small enough
// that neighbouring samples never swap.
func shift(noise opensimplex.Noise, p float64, i int, jitter float64) float64 {
	if jitter <= 0 {
		return 0
	}
	jitter = math.Min(jitter, 0.9)
	return jitter * (noise.Eval2(float64(i)*0.37, math.Log10(p)*3.1) - 0.5)
}

// withPlateau inserts a copy of the hottest sample just after it, at a
// slightly higher x and the same temperature.
func withPlateau(node []table.Sample) []table.Sample {
	if len(node) < 2 {
		return node
	}
	top := 0
	for i, s := range node {
		if s.T > node[top].T {
			top = i
		}
	}
	next := top + 1
	if next >= len(node) {
		return node
	}
	dup := node[top]
	dup.X += 0.25 * (node[next].X - node[top].X)

	out := make([]table.Sample, 0, len(node)+1)
	out = append(out, node[:next]...)
	out = append(out, dup)
	return append(out, node[next:]...)
}
