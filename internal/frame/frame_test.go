package frame

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFit_KnownValues(t *testing.T) {
	tests := []struct {
		name       string
		srcW, srcH float64
		want       Rect
	}{
		{
			name: "exact multiple fills without crop",
			srcW: 2400, srcH: 1260,
			want: Rect{X: 0, Y: 0, Width: 2400, Height: 1260},
		},
		{
			name: "taller source crops top and bottom",
			srcW: 1200, srcH: 1000,
			want: Rect{X: 0, Y: 185, Width: 1200, Height: 630},
		},
		{
			name: "wider source crops left and right",
			srcW: 2520, srcH: 630,
			want: Rect{X: 660, Y: 0, Width: 1200, Height: 630},
		},
		{
			name: "same size is identity",
			srcW: 1200, srcH: 630,
			want: Rect{X: 0, Y: 0, Width: 1200, Height: 630},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Fit(tt.srcW, tt.srcH, 1200, 630)
			require.NoError(t, err)
			assert.InDelta(t, tt.want.X, got.X, 1e-9)
			assert.InDelta(t, tt.want.Y, got.Y, 1e-9)
			assert.InDelta(t, tt.want.Width, got.Width, 1e-9)
			assert.InDelta(t, tt.want.Height, got.Height, 1e-9)
		})
	}
}

func TestFit_PreservesTargetAspect(t *testing.T) {
	sizes := [][2]float64{
		{1920, 1080}, {1080, 1920}, {640, 480}, {1, 1}, {3, 7919},
		{7680, 4320}, {1201, 631}, {100, 52.5}, {33.3, 4096},
	}
	want := 1200.0 / 630.0

	for _, s := range sizes {
		r, err := Fit(s[0], s[1], 1200, 630)
		require.NoError(t, err)
		assert.InDelta(t, want, r.Width/r.Height, 1e-9, "source %vx%v", s[0], s[1])
		assert.True(t, r.Within(int(math.Ceil(s[0])), int(math.Ceil(s[1]))), "rect %+v inside %vx%v", r, s[0], s[1])
		// The rect always spans the full source along one axis.
		spansW := math.Abs(r.Width-s[0]) < 1e-9
		spansH := math.Abs(r.Height-s[1]) < 1e-9
		assert.True(t, spansW || spansH, "rect %+v spans neither axis of %vx%v", r, s[0], s[1])
	}
}

func TestFit_Deterministic(t *testing.T) {
	a, errA := Fit(1917, 1033, 1200, 630)
	b, errB := Fit(1917, 1033, 1200, 630)
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, a, b)
}

func TestFit_InvalidSource(t *testing.T) {
	for _, s := range [][2]float64{{0, 1080}, {1920, 0}, {0, 0}, {-1, 10}, {math.NaN(), 10}} {
		_, err := Fit(s[0], s[1], 1200, 630)
		assert.ErrorIs(t, err, ErrInvalidSource, "source %vx%v", s[0], s[1])
	}
}

func TestFit_InvalidTarget(t *testing.T) {
	for _, s := range [][2]float64{{0, 630}, {1200, 0}, {-1200, 630}} {
		_, err := Fit(1920, 1080, s[0], s[1])
		assert.ErrorIs(t, err, ErrInvalidTarget, "target %vx%v", s[0], s[1])
	}
}

func TestTargetSpec(t *testing.T) {
	assert.NoError(t, DefaultTarget.Validate())
	assert.InDelta(t, 1200.0/630.0, DefaultTarget.Aspect(), 1e-12)
	assert.ErrorIs(t, TargetSpec{Width: 0, Height: 630}.Validate(), ErrInvalidTarget)
}

func TestRect_Image(t *testing.T) {
	r := Rect{X: 10.4, Y: 20.6, Width: 99.8, Height: 50.2}
	got := r.Image()
	assert.Equal(t, 10, got.Min.X)
	assert.Equal(t, 21, got.Min.Y)
	assert.Equal(t, 110, got.Max.X)
	assert.Equal(t, 71, got.Max.Y)
}
