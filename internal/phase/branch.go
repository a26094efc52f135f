package phase

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
)

// Branch is one single-valued side of a demixing curve: helium fraction
// as a monotone cubic (Fritsch–Butland) function of temperature.
type Branch struct {
	ts  []float64
	xs  []float64
	fit interp.FritschButland
}

func newBranch(ts, xs []float64) (*Branch, error) {
	if len(ts) < 2 {
		return nil, fmt.Errorf("%w: branch has %d samples, need 2", ErrTooFewSamples, len(ts))
	}
	if floats.HasNaN(ts) || floats.HasNaN(xs) {
		return nil, fmt.Errorf("%w: NaN in branch samples", ErrData)
	}
	if i := firstNonIncreasing(ts); i >= 0 {
		return nil, fmt.Errorf("%w: T[%d]=%g after T[%d]=%g", ErrNonMonotonic, i+1, ts[i+1], i, ts[i])
	}

	b := &Branch{ts: append([]float64(nil), ts...), xs: append([]float64(nil), xs...)}
	if err := b.fit.Fit(b.ts, b.xs); err != nil {
		return nil, fmt.Errorf("fit branch: %w", err)
	}
	return b, nil
}

// X returns the helium fraction at temperature t. Temperatures outside the
// sampled range return ErrDomain rather than an extrapolated value.
func (b *Branch) X(t float64) (float64, error) {
	if math.IsNaN(t) || t < b.ts[0] || t > b.ts[len(b.ts)-1] {
		return 0, fmt.Errorf("%w: T=%g kK not in [%g, %g]", ErrDomain, t, b.ts[0], b.ts[len(b.ts)-1])
	}
	return b.fit.Predict(t), nil
}

// TRange returns the lowest and highest sampled temperatures.
func (b *Branch) TRange() (lo, hi float64) {
	return b.ts[0], b.ts[len(b.ts)-1]
}

// Len returns the number of samples the branch was fitted on.
func (b *Branch) Len() int { return len(b.ts) }

// Samples returns copies of the branch's (T, x) samples, T ascending.
func (b *Branch) Samples() (ts, xs []float64) {
	return append([]float64(nil), b.ts...), append([]float64(nil), b.xs...)
}

const (
	inverseTolerance  = 1e-12
	inverseIterations = 200
)

// InverseT finds the temperature at which the branch reaches helium
// fraction x by bisection over the sampled range.
func (b *Branch) InverseT(x float64) (float64, error) {
	lo, hi := b.TRange()
	flo := b.fit.Predict(lo) - x
	fhi := b.fit.Predict(hi) - x
	if flo == 0 {
		return lo, nil
	}
	if fhi == 0 {
		return hi, nil
	}
	if math.IsNaN(x) || (flo > 0) == (fhi > 0) {
		return 0, fmt.Errorf("%w: x=%g not reached on branch", ErrDomain, x)
	}
	for i := 0; i < inverseIterations && hi-lo > inverseTolerance; i++ {
		mid := 0.5 * (lo + hi)
		fmid := b.fit.Predict(mid) - x
		if fmid == 0 {
			return mid, nil
		}
		if (fmid > 0) == (flo > 0) {
			lo, flo = mid, fmid
		} else {
			hi = mid
		}
	}
	return 0.5 * (lo + hi), nil
}

func firstNonIncreasing(ts []float64) int {
	for i := 0; i+1 < len(ts); i++ {
		if !(ts[i+1] > ts[i]) {
			return i
		}
	}
	return -1
}

func strictlyIncreasing(ts []float64) bool {
	return firstNonIncreasing(ts) < 0
}

// maxSplitShift bounds how far the split may move from the index the
// critical parameter gives.
const maxSplitShift = 2

// splitIndex returns the boundary i so that samples [0:i) form the low-x
// branch and [i:] reversed the high-x branch. The first candidate is the
// first rank fraction k/(n-1) above zcrit. If two samples straddling that
// boundary share a temperature, or a branch is not strictly increasing,
// the boundary moves by one sample at a time (later side first).
func splitIndex(s curveSamples, zcrit float64) (int, error) {
	n := s.Len()
	i0 := -1
	for k := 0; k < n; k++ {
		if float64(k)/float64(n-1) > zcrit {
			i0 = k
			break
		}
	}
	if i0 < 0 {
		return 0, fmt.Errorf("%w: critical parameter %g at the end of the curve", ErrTooFewSamples, zcrit)
	}

	candidates := []int{i0}
	for d := 1; d <= maxSplitShift; d++ {
		candidates = append(candidates, i0+d, i0-d)
	}
	for _, i := range candidates {
		if i < 2 || n-i < 2 {
			continue
		}
		lowT, _, highT, _ := splitAt(s, i)
		if strictlyIncreasing(lowT) && strictlyIncreasing(highT) {
			return i, nil
		}
	}
	lowT, _, highT, _ := splitAt(s, i0)
	if !strictlyIncreasing(lowT) {
		return 0, fmt.Errorf("low branch: %w", ErrNonMonotonic)
	}
	if !strictlyIncreasing(highT) {
		return 0, fmt.Errorf("high branch: %w", ErrNonMonotonic)
	}
	return 0, fmt.Errorf("%w: split at %d of %d leaves a branch under 2 samples", ErrTooFewSamples, i0, n)
}

// splitAt cuts the samples at i; the high branch is reversed so that its
// temperatures ascend.
func splitAt(s curveSamples, i int) (lowT, lowX, highT, highX []float64) {
	lowT = append([]float64(nil), s.T[:i]...)
	lowX = append([]float64(nil), s.X[:i]...)
	highT = reversed(s.T[i:])
	highX = reversed(s.X[i:])
	return lowT, lowX, highT, highX
}

func reversed(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[len(v)-1-i] = x
	}
	return out
}
