package vec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuantizeRoundTrip(t *testing.T) {
	v := Vec2Float{X: 12.3456, Y: -0.004}
	q := v.Quantize(0.01)
	assert.Equal(t, Vec2{X: 1235, Y: 0}, q)

	back := Dequantize(q, 0.01)
	assert.InDelta(t, v.X, back.X, 0.005)
	assert.InDelta(t, v.Y, back.Y, 0.005)
}

func TestVec2Arithmetic(t *testing.T) {
	a := Vec2{X: 3, Y: 4}
	b := Vec2{X: 1, Y: 1}
	assert.Equal(t, Vec2{X: 2, Y: 3}, a.Sub(b))
	assert.Equal(t, a, a.Sub(b).Add(b))
	assert.True(t, a.Sub(a).IsZero())
	assert.InDelta(t, 5.0, a.DistanceTo(Vec2{}), 1e-9)
	assert.InDelta(t, 5.0, Vec2Float{X: 3, Y: 4}.Length(), 1e-9)
}

func TestWrap(t *testing.T) {
	cases := []struct {
		in, want Vec2Float
	}{
		{Vec2Float{X: 10, Y: 20}, Vec2Float{X: 10, Y: 20}},
		{Vec2Float{X: 810, Y: -5}, Vec2Float{X: 10, Y: 595}},
		{Vec2Float{X: -800, Y: 600}, Vec2Float{X: 0, Y: 0}},
		{Vec2Float{X: -1e-17, Y: 0}, Vec2Float{X: 0, Y: 0}},
	}
	for _, c := range cases {
		got := c.in.Wrap(800, 600)
		assert.InDelta(t, c.want.X, got.X, 1e-9, "%v", c.in)
		assert.InDelta(t, c.want.Y, got.Y, 1e-9, "%v", c.in)
		assert.Less(t, got.X, 800.0)
		assert.Less(t, got.Y, 600.0)
	}
}

func TestHeading(t *testing.T) {
	for _, deg := range []float64{0, 45, 90, 180, 270, 359} {
		v := FromHeading(deg, 5)
		assert.InDelta(t, 5.0, v.Length(), 1e-9)
		assert.InDelta(t, deg, v.Heading(), 1e-9)
	}
	assert.Equal(t, 0.0, Vec2Float{}.Heading())
}
