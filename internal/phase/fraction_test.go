package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMassFraction(t *testing.T) {
	assert.InDelta(t, 0.2652, MassFraction(0.0833), 1e-3)
	assert.Equal(t, 0.0, MassFraction(0))
	assert.Equal(t, 1.0, MassFraction(1))

	for _, x := range []float64{0.01, 0.1, 0.3, 0.75} {
		assert.InDelta(t, x, NumberFraction(MassFraction(x)), 1e-12)
	}
}

func TestGapMassFractions(t *testing.T) {
	g := Gap{Status: TwoPhase, XPoor: 0.05, XRich: 0.6}
	yPoor, yRich := g.MassFractions()
	assert.Less(t, yPoor, yRich)
	assert.Greater(t, yPoor, g.XPoor)
	assert.Greater(t, yRich, g.XRich)
}
