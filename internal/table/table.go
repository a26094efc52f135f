// Package table reads and writes the H/He demixing table: rows of helium
// number fraction, pressure (Mbar) and temperature (K), one row per sample
// along a fixed-pressure demixing curve.
package table

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// KelvinPerKilokelvin converts file temperatures to the internal kK scale.
const KelvinPerKilokelvin = 1e3

// ErrMalformed is returned for rows that cannot be parsed or hold
// physically impossible values.
var ErrMalformed = errors.New("table: malformed row")

// Sample is one (x, P, T) row. T is in kK.
type Sample struct {
	X float64 `db:"x" json:"x"` // helium number fraction
	P float64 `db:"p" json:"p"` // Mbar
	T float64 `db:"t" json:"t"` // kK
}

// Group holds the rows of one pressure node in file order.
type Group struct {
	Pressure float64
	X        []float64
	T        []float64
}

// Len returns the number of samples in the group.
func (g Group) Len() int { return len(g.X) }

// Load reads a table file from disk.
func Load(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open table: %w", err)
	}
	defer f.Close()

	samples, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return samples, nil
}

// Parse reads whitespace-delimited rows. Blank lines and lines starting
// with '#' are skipped. An optional header naming the columns x, p and t
// (any order) may precede the data; without one the order is x p t.
func Parse(r io.Reader) ([]Sample, error) {
	cols := map[string]int{"x": 0, "p": 1, "t": 2}
	headerSeen := false

	var samples []Sample
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)

		if !headerSeen && len(samples) == 0 && isHeader(fields) {
			named, err := headerColumns(fields)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			cols = named
			headerSeen = true
			continue
		}

		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: %w: want 3 columns, got %d", lineNo, ErrMalformed, len(fields))
		}
		s, err := parseRow(fields, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		samples = append(samples, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no data rows", ErrMalformed)
	}
	return samples, nil
}

func isHeader(fields []string) bool {
	for _, f := range fields {
		if _, err := strconv.ParseFloat(f, 64); err == nil {
			return false
		}
	}
	return true
}

func headerColumns(fields []string) (map[string]int, error) {
	cols := make(map[string]int, 3)
	for i, f := range fields {
		name := strings.ToLower(f)
		switch name {
		case "x", "p", "t":
			if _, dup := cols[name]; dup {
				return nil, fmt.Errorf("%w: duplicate column %q", ErrMalformed, f)
			}
			cols[name] = i
		}
	}
	for _, want := range []string{"x", "p", "t"} {
		if _, ok := cols[want]; !ok {
			return nil, fmt.Errorf("%w: header missing column %q", ErrMalformed, want)
		}
	}
	return cols, nil
}

func parseRow(fields []string, cols map[string]int) (Sample, error) {
	var vals [3]float64
	for i, name := range []string{"x", "p", "t"} {
		idx := cols[name]
		if idx >= len(fields) {
			return Sample{}, fmt.Errorf("%w: missing column %q", ErrMalformed, name)
		}
		v, err := strconv.ParseFloat(fields[idx], 64)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: column %q: %v", ErrMalformed, name, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Sample{}, fmt.Errorf("%w: column %q is not finite", ErrMalformed, name)
		}
		vals[i] = v
	}

	s := Sample{X: vals[0], P: vals[1], T: vals[2] / KelvinPerKilokelvin}
	switch {
	case s.X < 0 || s.X > 1:
		return Sample{}, fmt.Errorf("%w: helium fraction %g outside [0,1]", ErrMalformed, s.X)
	case s.P <= 0:
		return Sample{}, fmt.Errorf("%w: pressure %g must be positive", ErrMalformed, s.P)
	case s.T <= 0:
		return Sample{}, fmt.Errorf("%w: temperature %g K must be positive", ErrMalformed, vals[2])
	}
	return s, nil
}

// GroupByPressure splits samples into pressure nodes sorted by pressure.
// Row order within a node is preserved.
func GroupByPressure(samples []Sample) []Group {
	index := make(map[float64]int)
	var groups []Group
	for _, s := range samples {
		i, ok := index[s.P]
		if !ok {
			i = len(groups)
			index[s.P] = i
			groups = append(groups, Group{Pressure: s.P})
		}
		groups[i].X = append(groups[i].X, s.X)
		groups[i].T = append(groups[i].T, s.T)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Pressure < groups[j].Pressure
	})
	return groups
}

// Write emits samples in the format Parse reads, with a header row and
// temperatures converted back to K.
func Write(w io.Writer, samples []Sample) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, "x p t"); err != nil {
		return err
	}
	for _, s := range samples {
		if _, err := fmt.Fprintf(bw, "%.6f %g %.4f\n", s.X, s.P, s.T*KelvinPerKilokelvin); err != nil {
			return err
		}
	}
	return bw.Flush()
}
