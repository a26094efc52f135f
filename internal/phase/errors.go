package phase

import (
	"errors"
	"fmt"
)

var (
	// ErrData marks every construction failure. Nothing is returned alongside it.
	ErrData = errors.New("phase: unusable demixing data")

	// ErrOutOfRange is returned for pressures outside the node span.
	ErrOutOfRange = errors.New("phase: pressure outside tabulated range")

	// ErrTooFewSamples means a node or branch cannot carry a cubic fit.
	ErrTooFewSamples = errors.New("phase: too few samples")

	// ErrNoCriticalPoint means the temperature maximum search did not converge.
	ErrNoCriticalPoint = errors.New("phase: critical point search did not converge")

	// ErrNonMonotonic means a branch is not strictly increasing in temperature.
	ErrNonMonotonic = errors.New("phase: branch temperatures not strictly increasing")

	// ErrDomain is returned when a branch is evaluated outside its sampled range.
	ErrDomain = errors.New("phase: temperature outside branch range")
)

// Construction stages, in the order a node passes through them.
const (
	StageClean       = "clean"
	StageRefilter    = "refilter"
	StageFit         = "fit"
	StageCritical    = "critical"
	StageSplit       = "split"
	StageInterpolate = "interpolate"
)

// NodeError names the pressure node and stage where construction failed.
type NodeError struct {
	Pressure float64
	Stage    string
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %g Mbar, %s: %v", e.Pressure, e.Stage, e.Err)
}

// Unwrap exposes both the cause and ErrData, so callers can match either.
func (e *NodeError) Unwrap() []error {
	return []error{ErrData, e.Err}
}

func nodeErr(p float64, stage string, err error) error {
	return &NodeError{Pressure: p, Stage: stage, Err: err}
}
