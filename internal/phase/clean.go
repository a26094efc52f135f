package phase

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/floats"
)

// curveSamples is an ordered (x, T) sequence of one node.
type curveSamples struct {
	X []float64
	T []float64
}

func (s curveSamples) Len() int { return len(s.X) }

func (s curveSamples) clone() curveSamples {
	out := curveSamples{X: make([]float64, len(s.X)), T: make([]float64, len(s.T))}
	copy(out.X, s.X)
	copy(out.T, s.T)
	return out
}

// dropPlateau removes samples sharing the curve's maximum temperature with
// a lower-x sample. A flat top leaves the critical point ill-posed.
func dropPlateau(s curveSamples) curveSamples {
	if s.Len() == 0 {
		return s
	}
	tmax := floats.Max(s.T)
	keep := -1
	for i, t := range s.T {
		if t == tmax && (keep < 0 || s.X[i] < s.X[keep]) {
			keep = i
		}
	}
	out := curveSamples{}
	for i := range s.X {
		if s.T[i] == tmax && i != keep {
			continue
		}
		out.X = append(out.X, s.X[i])
		out.T = append(out.T, s.T[i])
	}
	return out
}

// dropHeliumFree discards the near-pure-hydrogen end of the curve.
func dropHeliumFree(s curveSamples, minX float64) curveSamples {
	out := curveSamples{}
	for i, x := range s.X {
		if x > minX {
			out.X = append(out.X, x)
			out.T = append(out.T, s.T[i])
		}
	}
	return out
}

// thin subsamples around a first-pass critical estimate. Samples past the
// critical parameter colder than floor are dropped; of the rest, those
// within window of the critical index survive, and elsewhere only every
// stride-th sample is kept. The index arithmetic follows the knot vector of
// the first-pass fit, whose length is n+4.
func thin(s curveSamples, zcrit float64, nt NodeTuning, tu Tuning) curveSamples {
	knots := knotVector(s.Len())
	izcrit := int(zcrit * float64(len(knots)))

	out := curveSamples{}
	for iz := range s.X {
		switch {
		case knots[iz] > zcrit && s.T[iz] < tu.HighBranchFloor:
			continue
		case absInt(iz-izcrit) > tu.CriticalWindow && iz%nt.Stride != 0:
			continue
		}
		out.X = append(out.X, s.X[iz])
		out.T = append(out.T, s.T[iz])
	}
	return out
}

// trim removes the fixed leading and trailing samples of a node.
func trim(s curveSamples, nt NodeTuning) (curveSamples, error) {
	n := s.Len()
	if nt.TrimLead+nt.TrimTail >= n {
		return curveSamples{}, fmt.Errorf("%w: trimming %d+%d of %d samples",
			ErrTooFewSamples, nt.TrimLead, nt.TrimTail, n)
	}
	return curveSamples{
		X: s.X[nt.TrimLead : n-nt.TrimTail],
		T: s.T[nt.TrimLead : n-nt.TrimTail],
	}, nil
}

// breakTies spreads every run of equal consecutive temperatures by steps
// of eps, away from the fold: members step down while the curve is still
// rising toward the critical point and up once it falls. The last member of
// a run keeps its value. Returns the number of samples moved.
func breakTies(s curveSamples, eps float64) (curveSamples, int) {
	out := s.clone()
	t := s.T
	n := len(t)
	moved := 0
	for start := 0; start < n; {
		end := start
		for end+1 < n && t[end+1] == t[start] {
			end++
		}
		if end > start {
			v := t[start]
			rising := (start > 0 && t[start-1] < v) || (end+1 < n && t[end+1] > v)
			for i := start; i < end; i++ {
				step := float64(end-i) * eps
				if rising {
					out.T[i] = v - step
				} else {
					out.T[i] = v + step
				}
				moved++
			}
		}
		start = end + 1
	}
	return out, moved
}

// clean runs both cleaning passes for one node and returns the sequence
// the final fit is built on.
func clean(p float64, raw curveSamples, nt NodeTuning, tu Tuning) (curveSamples, error) {
	s := dropHeliumFree(dropPlateau(raw), tu.MinHeliumFraction)
	if s.Len() < splineDegree+1 {
		return curveSamples{}, nodeErr(p, StageClean,
			fmt.Errorf("%w: %d samples above x=%g", ErrTooFewSamples, s.Len(), tu.MinHeliumFraction))
	}

	// First pass: a coarse critical estimate on the full set.
	tc, err := newCurve(s.T)
	if err != nil {
		return curveSamples{}, nodeErr(p, StageClean, err)
	}
	first, err := locateCritical(tc, criticalSeed, tu.CoarseTolerance)
	if err != nil {
		return curveSamples{}, nodeErr(p, StageClean, err)
	}

	thinned := thin(s, first.Z, nt, tu)
	slog.Debug("thinned demixing curve", "pressure", p, "before", s.Len(), "after", thinned.Len(), "zcrit", first.Z)

	trimmed, err := trim(thinned, nt)
	if err != nil {
		return curveSamples{}, nodeErr(p, StageRefilter, err)
	}
	out, ties := breakTies(trimmed, tu.TieEpsilon)
	if ties > 0 {
		slog.Debug("perturbed tied temperatures", "pressure", p, "moved", ties)
	}
	if out.Len() < splineDegree+1 {
		return curveSamples{}, nodeErr(p, StageRefilter,
			fmt.Errorf("%w: %d samples left after cleaning", ErrTooFewSamples, out.Len()))
	}
	return out, nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
