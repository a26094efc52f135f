package phase

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

const (
	// criticalSeed is the midpoint of the parameter range.
	criticalSeed = 0.5
	// boxPenalty (kK per unit z) pushes the simplex back inside [0,1].
	boxPenalty = 1e3
	// convergeIterations is how many major iterations the best value must
	// stay within tolerance before the search stops.
	convergeIterations = 20
	maxIterations      = 2000
)

// criticalPoint is the temperature maximum of a node's z→T curve.
type criticalPoint struct {
	Z float64
	T float64
}

// locateCritical maximizes tc over z in [0,1] starting from seed. The
// search runs Nelder–Mead on -T(z) with z projected onto [0,1] and a linear
// penalty for leaving it, so the result always lies inside the box.
func locateCritical(tc *Curve, seed, tol float64) (criticalPoint, error) {
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			z := clamp01(x[0])
			return -tc.Eval(z) + boxPenalty*math.Abs(x[0]-z)
		},
	}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   tol,
			Iterations: convergeIterations,
		},
		MajorIterations: maxIterations,
	}

	result, err := optimize.Minimize(problem, []float64{seed}, settings, &optimize.NelderMead{})
	if err != nil {
		return criticalPoint{}, fmt.Errorf("%w: %v", ErrNoCriticalPoint, err)
	}
	switch result.Status {
	case optimize.Success, optimize.FunctionConvergence, optimize.MethodConverge:
	default:
		return criticalPoint{}, fmt.Errorf("%w: optimizer stopped with %v", ErrNoCriticalPoint, result.Status)
	}

	z := clamp01(result.X[0])
	t := tc.Eval(z)
	if math.IsNaN(t) {
		return criticalPoint{}, fmt.Errorf("%w: temperature is NaN at z=%g", ErrNoCriticalPoint, z)
	}
	return criticalPoint{Z: z, T: t}, nil
}

func clamp01(z float64) float64 {
	if z < 0 {
		return 0
	}
	if z > 1 {
		return 1
	}
	return z
}
