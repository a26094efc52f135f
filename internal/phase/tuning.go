package phase

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeTuning holds the hand-picked cleaning constants of one pressure node.
// They are specific to one dataset; a new table needs new values.
type NodeTuning struct {
	Pressure float64 `yaml:"pressure" json:"pressure"`
	Stride   int     `yaml:"stride" json:"stride"`       // keep every Stride-th sample away from the critical point
	TrimLead int     `yaml:"trim_lead" json:"trim_lead"` // samples dropped from the start after thinning
	TrimTail int     `yaml:"trim_tail" json:"trim_tail"` // samples dropped from the end after thinning
}

// Tuning collects the cleaning and fitting constants.
type Tuning struct {
	// MinHeliumFraction drops the helium-free end of every curve.
	MinHeliumFraction float64 `yaml:"min_helium_fraction"`
	// HighBranchFloor (kK) drops samples past the first-pass critical point
	// colder than this.
	HighBranchFloor float64 `yaml:"high_branch_floor"`
	// CriticalWindow is the half-width, in samples, kept unthinned around
	// the first-pass critical index.
	CriticalWindow int `yaml:"critical_window"`
	// CoarseTolerance and FineTolerance bound the first and final
	// critical point searches.
	CoarseTolerance float64 `yaml:"coarse_tolerance"`
	FineTolerance   float64 `yaml:"fine_tolerance"`
	// TieEpsilon (kK) is added to the earlier of two equal consecutive temperatures.
	TieEpsilon float64 `yaml:"tie_epsilon"`

	Nodes []NodeTuning `yaml:"nodes"`
}

// DefaultStride is used for nodes missing from Tuning.Nodes.
const DefaultStride = 1

// Lorenzen2011Tuning returns the constants for the Lorenzen et al. (2011)
// H/He demixing table with nodes at 1, 2, 4, 10 and 24 Mbar.
func Lorenzen2011Tuning() Tuning {
	return Tuning{
		MinHeliumFraction: 3e-3,
		HighBranchFloor:   4,
		CriticalWindow:    2,
		CoarseTolerance:   1e-2,
		FineTolerance:     1e-5,
		TieEpsilon:        1e-10,
		Nodes: []NodeTuning{
			{Pressure: 1, Stride: 20, TrimLead: 2},
			{Pressure: 2, Stride: 5, TrimLead: 4},
			{Pressure: 4, Stride: 5},
			{Pressure: 10, Stride: 5, TrimTail: 4},
			{Pressure: 24, Stride: 5, TrimTail: 8},
		},
	}
}

// ForNode returns the tuning for pressure p. The second result is false
// when the node has no entry and defaults were used.
func (t Tuning) ForNode(p float64) (NodeTuning, bool) {
	for _, n := range t.Nodes {
		if n.Pressure == p {
			return n, true
		}
	}
	return NodeTuning{Pressure: p, Stride: DefaultStride}, false
}

// Validate checks the constants for values the cleaner cannot use.
func (t Tuning) Validate() error {
	if t.MinHeliumFraction < 0 || t.MinHeliumFraction >= 1 {
		return fmt.Errorf("min_helium_fraction %g outside [0,1)", t.MinHeliumFraction)
	}
	if t.CriticalWindow < 0 {
		return fmt.Errorf("critical_window %d is negative", t.CriticalWindow)
	}
	if t.CoarseTolerance <= 0 || t.FineTolerance <= 0 {
		return fmt.Errorf("tolerances must be positive")
	}
	seen := make(map[float64]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if seen[n.Pressure] {
			return fmt.Errorf("duplicate tuning for %g Mbar", n.Pressure)
		}
		seen[n.Pressure] = true
		if n.Stride < 1 {
			return fmt.Errorf("node %g Mbar: stride %d < 1", n.Pressure, n.Stride)
		}
		if n.TrimLead < 0 || n.TrimTail < 0 {
			return fmt.Errorf("node %g Mbar: negative trim", n.Pressure)
		}
	}
	return nil
}

// LoadTuning reads a YAML tuning file. Fields absent from the file keep
// the Lorenzen2011Tuning values; a nodes list replaces the default one.
func LoadTuning(path string) (Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning: %w", err)
	}
	t := Lorenzen2011Tuning()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tuning{}, fmt.Errorf("parse tuning %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, fmt.Errorf("tuning %s: %w", path, err)
	}
	return t, nil
}
