package phase

// Atomic masses in u.
const (
	MassHydrogen = 1.00794
	MassHelium   = 4.002602
)

// MassFraction converts a helium number fraction (relative to H+He) to a
// helium mass fraction.
func MassFraction(x float64) float64 {
	he := x * MassHelium
	h := (1 - x) * MassHydrogen
	if he+h == 0 {
		return 0
	}
	return he / (he + h)
}

// NumberFraction converts a helium mass fraction to a number fraction.
func NumberFraction(y float64) float64 {
	he := y / MassHelium
	h := (1 - y) / MassHydrogen
	if he+h == 0 {
		return 0
	}
	return he / (he + h)
}
