package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmericanToImplied(t *testing.T) {
	cases := []struct {
		name  string
		price int
		want  float64
	}{
		{"favorite -150", -150, 0.6},
		{"underdog +150", 150, 0.4},
		{"even -100", -100, 0.5},
		{"even +100", 100, 0.5},
		{"underdog +120", 120, 100.0 / 220.0},
		{"favorite -125", -125, 125.0 / 225.0},
		{"zero price", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, AmericanToImplied(tc.price), 1e-9)
		})
	}
}

func TestImpliedFromPricePtr(t *testing.T) {
	assert.Nil(t, ImpliedFromPricePtr(nil))

	p := -110
	got := ImpliedFromPricePtr(&p)
	require.NotNil(t, got)
	assert.InDelta(t, 110.0/210.0, *got, 1e-9)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, -3.5, Median([]float64{-3.5}))
	assert.Equal(t, -3.25, Median([]float64{-3.0, -3.5}))
	assert.Equal(t, -3.5, Median([]float64{-4.0, -3.5, -3.0}))
	// input order must not matter and the slice must stay untouched
	in := []float64{7.5, 6.5, 7.0, 8.0}
	assert.Equal(t, 7.25, Median(in))
	assert.Equal(t, []float64{7.5, 6.5, 7.0, 8.0}, in)
}

func TestMedianInt(t *testing.T) {
	assert.Equal(t, 0, MedianInt(nil))
	assert.Equal(t, -110, MedianInt([]int{-110, -110, -105}))
	// even count rounds half away from zero
	assert.Equal(t, -108, MedianInt([]int{-110, -105}))
	assert.Equal(t, 108, MedianInt([]int{105, 110}))
}

func TestPStdev(t *testing.T) {
	assert.Nil(t, PStdev(nil), "dispersion undefined for empty sample")
	assert.Nil(t, PStdev([]float64{-3.5}), "dispersion undefined for one sample")

	s := PStdev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	require.NotNil(t, s)
	assert.InDelta(t, 2.0, *s, 1e-9)

	flat := PStdev([]float64{-3.5, -3.5, -3.5})
	require.NotNil(t, flat)
	assert.Equal(t, 0.0, *flat)
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 1, ClampScore(-12))
	assert.Equal(t, 1, ClampScore(0))
	assert.Equal(t, 1, ClampScore(1))
	assert.Equal(t, 58, ClampScore(57.5))
	assert.Equal(t, 100, ClampScore(100))
	assert.Equal(t, 100, ClampScore(240))
}

func TestDirectionOf(t *testing.T) {
	assert.Equal(t, DirectionDown, DirectionOf(-3.0, -4.0))
	assert.Equal(t, DirectionUp, DirectionOf(-3.0, -2.5))
	assert.Equal(t, DirectionFlat, DirectionOf(7.5, 7.5))
	assert.Equal(t, DirectionUp, DirectionDown.Opposite())
	assert.Equal(t, DirectionFlat, DirectionFlat.Opposite())
}
