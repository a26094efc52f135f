// Package phase interpolates in a tabulated H/He demixing phase diagram to
// decide, for a pressure and temperature, whether the mixture is one stable
// phase or splits into helium-poor and helium-rich phases, and with which
// helium number fractions.
//
// Each pressure node's curve folds back on itself at its temperature
// maximum, so it is fitted as two curves against a rank parameter, split at
// the fold into two single-valued branches, and the branches of the two
// nodes bracketing a query pressure are blended linearly in log10 P.
package phase

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/talgya/hhe-demix/internal/table"
)

// Status classifies a miscibility gap query.
type Status int

const (
	// TwoPhase means the mixture separates; the gap fractions are set.
	TwoPhase Status = iota
	// Stable means a single phase: T is at or above a bracketing critical temperature.
	Stable
	// OutOfRange means P lies outside the tabulated node span.
	OutOfRange
	// Failed means a branch could not be evaluated at T.
	Failed
)

func (s Status) String() string {
	switch s {
	case TwoPhase:
		return "two_phase"
	case Stable:
		return "stable"
	case OutOfRange:
		return "out_of_range"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus maps a status name back to its value.
func ParseStatus(name string) (Status, error) {
	for _, s := range []Status{TwoPhase, Stable, OutOfRange, Failed} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown phase status %q", name)
}

// Gap is the answer to a miscibility gap query. XPoor and XRich are
// helium number fractions and only meaningful for TwoPhase.
type Gap struct {
	Status Status  `json:"status"`
	XPoor  float64 `json:"x_poor"`
	XRich  float64 `json:"x_rich"`
}

// MassFractions converts the gap to helium mass fractions.
func (g Gap) MassFractions() (yPoor, yRich float64) {
	return MassFraction(g.XPoor), MassFraction(g.XRich)
}

// Config controls engine construction.
type Config struct {
	Tuning Tuning
	// Workers bounds parallel node construction; 0 means one per node.
	Workers int
}

// DefaultConfig returns the configuration for the Lorenzen et al. (2011) table.
func DefaultConfig() Config {
	return Config{Tuning: Lorenzen2011Tuning()}
}

// Engine answers phase queries. It is immutable once built and safe for
// concurrent use.
type Engine struct {
	nodes     []*Node
	pressures []float64
}

// minNodes is the fewest pressure nodes that can bracket a query.
const minNodes = 2

// New builds an engine from table samples. Any node failing any stage
// aborts construction; the error satisfies errors.Is(err, ErrData).
func New(ctx context.Context, samples []table.Sample, cfg Config) (*Engine, error) {
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrData, err)
	}
	groups := table.GroupByPressure(samples)
	if len(groups) < minNodes {
		return nil, fmt.Errorf("%w: %d pressure nodes, need %d", ErrData, len(groups), minNodes)
	}

	nodes := make([]*Node, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}
	for i, grp := range groups {
		nt, ok := cfg.Tuning.ForNode(grp.Pressure)
		if !ok {
			slog.Warn("no tuning for pressure node, using defaults; new data needs new tuning",
				"pressure", grp.Pressure, "stride", nt.Stride)
		}
		i, grp := i, grp
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := buildNode(grp, nt, cfg.Tuning)
			if err != nil {
				return err
			}
			nodes[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e := &Engine{nodes: nodes, pressures: make([]float64, len(nodes))}
	for i, n := range nodes {
		e.pressures[i] = n.pressure
	}
	slog.Info("phase diagram ready", "nodes", len(nodes), "p_min", e.pressures[0], "p_max", e.pressures[len(nodes)-1])
	return e, nil
}

// Load reads a table file and builds an engine from it.
func Load(ctx context.Context, path string, cfg Config) (*Engine, error) {
	samples, err := table.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrData, err)
	}
	return New(ctx, samples, cfg)
}

// bracket returns the indices of the nodes enclosing p. When p equals a
// node pressure both indices point at that node.
func (e *Engine) bracket(p float64) (lo, hi int, ok bool) {
	last := len(e.pressures) - 1
	if math.IsNaN(p) || p < e.pressures[0] || p > e.pressures[last] {
		return 0, 0, false
	}
	i := sort.SearchFloat64s(e.pressures, p)
	if e.pressures[i] == p {
		return i, i, true
	}
	return i - 1, i, true
}

// weight is the log10-pressure position of p between nodes lo and hi.
func (e *Engine) weight(p float64, lo, hi int) float64 {
	plo, phi := e.pressures[lo], e.pressures[hi]
	return (math.Log10(p) - math.Log10(plo)) / (math.Log10(phi) - math.Log10(plo))
}

// MiscibilityGap returns the helium fractions of the helium-poor and
// helium-rich phases at pressure p (Mbar) and temperature t (kK).
//
// The mixture is reported Stable when t reaches the critical temperature of
// either bracketing node, not an interpolated critical temperature at p, so
// the stability boundary is piecewise constant between nodes. At a node
// pressure that node's branches are used directly.
func (e *Engine) MiscibilityGap(p, t float64) Gap {
	lo, hi, ok := e.bracket(p)
	if !ok {
		return Gap{Status: OutOfRange}
	}
	if math.IsNaN(t) {
		return Gap{Status: Failed}
	}
	nlo, nhi := e.nodes[lo], e.nodes[hi]
	if t >= nlo.crit.T || t >= nhi.crit.T {
		return Gap{Status: Stable}
	}

	poorLo, richLo, err := nlo.fractions(t)
	if err != nil {
		return Gap{Status: Failed}
	}
	if lo == hi {
		return Gap{Status: TwoPhase, XPoor: poorLo, XRich: richLo}
	}
	poorHi, richHi, err := nhi.fractions(t)
	if err != nil {
		return Gap{Status: Failed}
	}

	alpha := e.weight(p, lo, hi)
	return Gap{
		Status: TwoPhase,
		XPoor:  alpha*poorHi + (1-alpha)*poorLo,
		XRich:  alpha*richHi + (1-alpha)*richLo,
	}
}

func (n *Node) fractions(t float64) (poor, rich float64, err error) {
	if poor, err = n.low.X(t); err != nil {
		return 0, 0, err
	}
	if rich, err = n.high.X(t); err != nil {
		return 0, 0, err
	}
	return poor, rich, nil
}

// CriticalTemperature interpolates the node critical temperatures linearly
// in log10 P. At a node pressure it returns that node's value exactly.
func (e *Engine) CriticalTemperature(p float64) (float64, error) {
	lo, hi, ok := e.bracket(p)
	if !ok {
		return 0, fmt.Errorf("%w: %g Mbar not in [%g, %g]", ErrOutOfRange, p, e.pressures[0], e.pressures[len(e.pressures)-1])
	}
	if lo == hi {
		return e.nodes[lo].crit.T, nil
	}
	alpha := e.weight(p, lo, hi)
	return alpha*e.nodes[hi].crit.T + (1-alpha)*e.nodes[lo].crit.T, nil
}

// PressureRange returns the lowest and highest node pressures.
func (e *Engine) PressureRange() (lo, hi float64) {
	return e.pressures[0], e.pressures[len(e.pressures)-1]
}

// Pressures returns the node pressures in ascending order.
func (e *Engine) Pressures() []float64 {
	return append([]float64(nil), e.pressures...)
}

// Node returns the node at pressure p, if there is one.
func (e *Engine) Node(p float64) (*Node, bool) {
	i := sort.SearchFloat64s(e.pressures, p)
	if i < len(e.pressures) && e.pressures[i] == p {
		return e.nodes[i], true
	}
	return nil, false
}

// Nodes summarizes every node in pressure order.
func (e *Engine) Nodes() []NodeSummary {
	out := make([]NodeSummary, len(e.nodes))
	for i, n := range e.nodes {
		out[i] = n.Summary()
	}
	return out
}

// PT is one point of a pressure–temperature profile.
type PT struct {
	P float64 `json:"p"` // Mbar
	T float64 `json:"t"` // kK
}

// Profile evaluates MiscibilityGap along a profile using up to workers
// goroutines (0 means no limit). Results are in input order.
func (e *Engine) Profile(ctx context.Context, points []PT, workers int) ([]Gap, error) {
	out := make([]Gap, len(points))
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, pt := range points {
		if gctx.Err() != nil {
			break
		}
		i, pt := i, pt
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = e.MiscibilityGap(pt.P, pt.T)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
