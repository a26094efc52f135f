package phase

import (
	"fmt"
	"log/slog"

	"github.com/talgya/hhe-demix/internal/table"
)

// Node is the immutable per-pressure state built at construction:
// cleaned samples, rank-parameterized curves, the critical point and the
// two branch interpolants.
type Node struct {
	pressure   float64
	rawSamples int
	samples    curveSamples
	xCurve     *Curve
	tCurve     *Curve
	crit       criticalPoint
	xCrit      float64
	split      int
	low        *Branch
	high       *Branch
}

// buildNode takes one pressure group through every construction stage:
// clean (with its own first-pass critical estimate), fit, locate the final
// critical point, split and interpolate.
func buildNode(g table.Group, nt NodeTuning, tu Tuning) (*Node, error) {
	p := g.Pressure
	raw := curveSamples{X: g.X, T: g.T}

	s, err := clean(p, raw, nt, tu)
	if err != nil {
		return nil, err
	}

	xc, err := newCurve(s.X)
	if err != nil {
		return nil, nodeErr(p, StageFit, err)
	}
	tc, err := newCurve(s.T)
	if err != nil {
		return nil, nodeErr(p, StageFit, err)
	}

	crit, err := locateCritical(tc, criticalSeed, tu.FineTolerance)
	if err != nil {
		return nil, nodeErr(p, StageCritical, err)
	}

	i, err := splitIndex(s, crit.Z)
	if err != nil {
		return nil, nodeErr(p, StageSplit, err)
	}
	lowT, lowX, highT, highX := splitAt(s, i)

	low, err := newBranch(lowT, lowX)
	if err != nil {
		return nil, nodeErr(p, StageInterpolate, fmt.Errorf("low branch: %w", err))
	}
	high, err := newBranch(highT, highX)
	if err != nil {
		return nil, nodeErr(p, StageInterpolate, fmt.Errorf("high branch: %w", err))
	}

	n := &Node{
		pressure:   p,
		rawSamples: g.Len(),
		samples:    s,
		xCurve:     xc,
		tCurve:     tc,
		crit:       crit,
		xCrit:      xc.Eval(crit.Z),
		split:      i,
		low:        low,
		high:       high,
	}
	slog.Info("phase node built",
		"pressure", p,
		"raw", n.rawSamples,
		"cleaned", s.Len(),
		"tcrit", fmt.Sprintf("%.4f", crit.T),
		"xcrit", fmt.Sprintf("%.4f", n.xCrit),
	)
	return n, nil
}

// Pressure returns the node pressure in Mbar.
func (n *Node) Pressure() float64 { return n.pressure }

// CriticalTemperature returns the maximum of the node's z→T curve, kK.
func (n *Node) CriticalTemperature() float64 { return n.crit.T }

// CriticalParameter returns the z at which the critical temperature occurs.
func (n *Node) CriticalParameter() float64 { return n.crit.Z }

// CriticalFraction returns the helium fraction at the critical point.
func (n *Node) CriticalFraction() float64 { return n.xCrit }

// Low returns the helium-poor branch.
func (n *Node) Low() *Branch { return n.low }

// High returns the helium-rich branch.
func (n *Node) High() *Branch { return n.high }

// CurveAt evaluates the parametric curve pair at z.
func (n *Node) CurveAt(z float64) (x, t float64) {
	return n.xCurve.Eval(z), n.tCurve.Eval(z)
}

// Samples returns copies of the cleaned (x, T) sequence in rank order.
func (n *Node) Samples() (xs, ts []float64) {
	c := n.samples.clone()
	return c.X, c.T
}

// NodeSummary is a flat description of one node for reports and storage.
type NodeSummary struct {
	Pressure       float64 `db:"pressure" json:"pressure"`
	RawSamples     int     `db:"raw_samples" json:"raw_samples"`
	CleanedSamples int     `db:"cleaned_samples" json:"cleaned_samples"`
	TCrit          float64 `db:"tcrit" json:"tcrit"`
	ZCrit          float64 `db:"zcrit" json:"zcrit"`
	XCrit          float64 `db:"xcrit" json:"xcrit"`
	LowTMin        float64 `db:"low_tmin" json:"low_tmin"`
	LowTMax        float64 `db:"low_tmax" json:"low_tmax"`
	HighTMin       float64 `db:"high_tmin" json:"high_tmin"`
	HighTMax       float64 `db:"high_tmax" json:"high_tmax"`
}

// Summary flattens the node.
func (n *Node) Summary() NodeSummary {
	lowMin, lowMax := n.low.TRange()
	highMin, highMax := n.high.TRange()
	return NodeSummary{
		Pressure:       n.pressure,
		RawSamples:     n.rawSamples,
		CleanedSamples: n.samples.Len(),
		TCrit:          n.crit.T,
		ZCrit:          n.crit.Z,
		XCrit:          n.xCrit,
		LowTMin:        lowMin,
		LowTMax:        lowMax,
		HighTMin:       highMin,
		HighTMax:       highMax,
	}
}
