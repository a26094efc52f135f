package phase

import (
	"fmt"
	"sort"
)

const splineDegree = 3

// Curve is a clamped cubic B-spline over z in [0,1] whose control points
// are the samples themselves, in rank order.
type Curve struct {
	knots  []float64
	coeffs []float64
}

// knotVector returns [0,0,0, linspace(0,1,n-2), 1,1,1] for n control points.
// The end knots have multiplicity four, which pins the curve to the first
// and last samples.
func knotVector(n int) []float64 {
	m := n - 2
	knots := make([]float64, 0, n+splineDegree+1)
	knots = append(knots, 0, 0, 0)
	for i := 0; i < m; i++ {
		knots = append(knots, float64(i)/float64(m-1))
	}
	return append(knots, 1, 1, 1)
}

// newCurve fits a rank-parameterized curve through the control values.
func newCurve(values []float64) (*Curve, error) {
	if len(values) < splineDegree+1 {
		return nil, fmt.Errorf("%w: %d control points, need %d", ErrTooFewSamples, len(values), splineDegree+1)
	}
	coeffs := make([]float64, len(values))
	copy(coeffs, values)
	return &Curve{knots: knotVector(len(values)), coeffs: coeffs}, nil
}

// Eval evaluates the curve at z with de Boor's algorithm. z is clamped to [0,1].
func (c *Curve) Eval(z float64) float64 {
	if z < 0 {
		z = 0
	} else if z > 1 {
		z = 1
	}
	n := len(c.coeffs)
	k := splineDegree

	// Knot span l with knots[l] <= z < knots[l+1], kept inside [k, n-1].
	l := sort.Search(len(c.knots), func(i int) bool { return c.knots[i] > z }) - 1
	if l < k {
		l = k
	}
	if l > n-1 {
		l = n - 1
	}

	var d [splineDegree + 1]float64
	for j := 0; j <= k; j++ {
		d[j] = c.coeffs[j+l-k]
	}
	for r := 1; r <= k; r++ {
		for j := k; j >= r; j-- {
			lo := c.knots[j+l-k]
			hi := c.knots[j+1+l-r]
			alpha := 0.0
			if hi > lo {
				alpha = (z - lo) / (hi - lo)
			}
			d[j] = (1-alpha)*d[j-1] + alpha*d[j]
		}
	}
	return d[k]
}

// Knots returns a copy of the knot vector.
func (c *Curve) Knots() []float64 {
	out := make([]float64, len(c.knots))
	copy(out, c.knots)
	return out
}
