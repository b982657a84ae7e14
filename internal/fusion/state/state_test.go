package state

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestNewLayout(t *testing.T) {
	t.Parallel()

	t.Run("core only", func(t *testing.T) {
		t.Parallel()
		l, err := NewLayout("")
		require.NoError(t, err)
		assert.Equal(t, 16, l.NominalDim())
		assert.Equal(t, CoreErrorDim, l.ErrorDim())
		assert.Equal(t, 0, l.ErrorOffset(Position))
		assert.Equal(t, 6, l.ErrorOffset(Attitude))
		assert.Equal(t, 12, l.ErrorOffset(AccelBias))
		assert.Equal(t, -1, l.ErrorOffset("nope"))
		_, ok := l.DriftFree()
		assert.False(t, ok)
		assert.Empty(t, l.AuxFields())
	})

	t.Run("aux fields and drift free", func(t *testing.T) {
		t.Parallel()
		l, err := NewLayout("q_wv",
			Field{Name: "L", Kind: KindScalar, Noise: 0.01},
			Field{Name: "q_wv", Kind: KindQuaternion},
			Field{Name: "p_ic", Kind: KindVector3},
		)
		require.NoError(t, err)
		assert.Equal(t, 16+1+4+3, l.NominalDim())
		assert.Equal(t, CoreErrorDim+1+3+3, l.ErrorDim())
		assert.Equal(t, 15, l.ErrorOffset("L"))
		assert.Equal(t, 16, l.ErrorOffset("q_wv"))
		assert.Equal(t, 19, l.ErrorOffset("p_ic"))
		f, ok := l.DriftFree()
		require.True(t, ok)
		assert.Equal(t, "q_wv", f.Name)
		assert.Len(t, l.AuxFields(), 3)
	})

	tests := []struct {
		name      string
		driftFree string
		aux       []Field
		want      error
	}{
		{"duplicate core name", "", []Field{{Name: Position, Kind: KindVector3}}, ErrDuplicateField},
		{"empty name", "", []Field{{Name: " ", Kind: KindScalar}}, ErrEmptyFieldName},
		{"negative noise", "", []Field{{Name: "L", Kind: KindScalar, Noise: -1}}, ErrNegativeNoise},
		{"unknown drift free", "q_wv", nil, ErrUnknownField},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewLayout(tt.driftFree, tt.aux...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestParseFieldKind(t *testing.T) {
	k, err := ParseFieldKind(" Quat ")
	require.NoError(t, err)
	assert.Equal(t, KindQuaternion, k)
	k, err = ParseFieldKind("vector3")
	require.NoError(t, err)
	assert.Equal(t, KindVector3, k)
	_, err = ParseFieldKind("matrix")
	assert.Error(t, err)
	assert.Equal(t, "scalar", KindScalar.String())
}

func TestNewStateDefaults(t *testing.T) {
	l := MustLayout("", Field{Name: "q_wv", Kind: KindQuaternion})
	s := New(l, 1.5)
	assert.Equal(t, 1.5, s.Time)
	assert.Equal(t, Identity, s.Attitude())
	assert.Equal(t, Identity, s.Quat("q_wv"))
	assert.Equal(t, r3.Vec{}, s.Position())
	r, c := s.Fd.Dims()
	assert.Equal(t, l.ErrorDim(), r)
	assert.Equal(t, l.ErrorDim(), c)
	assert.Equal(t, 1.0, s.Fd.At(4, 4))
	assert.True(t, s.Finite())
}

func TestSetValues(t *testing.T) {
	l := MustLayout("")
	s := New(l, 0)
	require.NoError(t, s.SetValues(Position, []float64{1, 2, 3}))
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, s.Position())

	require.NoError(t, s.SetValues(Attitude, []float64{2, 0, 0, 0}))
	assert.Equal(t, Identity, s.Attitude(), "quaternions are normalized")

	assert.Error(t, s.SetValues(Position, []float64{1}))
	assert.ErrorIs(t, s.SetValues("nope", []float64{1}), ErrUnknownField)
}

func TestAccessorKindMismatchPanics(t *testing.T) {
	s := New(MustLayout(""), 0)
	assert.Panics(t, func() { s.Quat(Position) })
	assert.Panics(t, func() { s.Vec3("nope") })
}

func TestCloneIsDeep(t *testing.T) {
	s := New(MustLayout(""), 0)
	s.SetVec3(Velocity, r3.Vec{X: 1})
	s.Cov.SetSym(0, 0, 4)

	c := s.Clone()
	c.SetVec3(Velocity, r3.Vec{X: 9})
	c.Cov.SetSym(0, 0, 7)
	c.Fd.Set(0, 1, 3)

	assert.Equal(t, 1.0, s.Velocity().X)
	assert.Equal(t, 4.0, s.Cov.At(0, 0))
	assert.Equal(t, 0.0, s.Fd.At(0, 1))
}

func TestBoxplus(t *testing.T) {
	l := MustLayout("", Field{Name: "L", Kind: KindScalar})
	s := New(l, 0)
	s.SetVec3(Position, r3.Vec{X: 1})

	delta := make([]float64, l.ErrorDim())
	delta[0] = 0.5                          // p.x
	delta[l.ErrorOffset(Attitude)+2] = 0.1 // yaw
	delta[l.ErrorOffset("L")] = 2

	s.Boxplus(delta)
	assert.InDelta(t, 1.5, s.Position().X, 1e-12)
	assert.InDelta(t, 2.0, s.Scalar("L"), 1e-12)
	assert.InDelta(t, 0.1, AngleBetween(Identity, s.Attitude()), 1e-9)
	assert.InDelta(t, 1.0, quat.Abs(s.Attitude()), 1e-12)

	assert.Panics(t, func() { s.Boxplus([]float64{1}) })
}

func TestFinite(t *testing.T) {
	s := New(MustLayout(""), 0)
	s.SetVec3(Position, r3.Vec{X: math.NaN()})
	assert.False(t, s.Finite())

	s = New(MustLayout(""), 0)
	s.Cov.SetSym(3, 3, math.Inf(1))
	assert.False(t, s.Finite())
}

func TestInterpolate(t *testing.T) {
	l := MustLayout("")
	a := New(l, 1)
	b := New(l, 2)
	b.SetVec3(Position, r3.Vec{X: 2, Y: -4})
	b.SetQuat(Attitude, DeltaQuat(r3.Vec{Z: 1}))
	a.Cov.SetSym(0, 0, 1)
	b.Cov.SetSym(0, 0, 3)

	m := Interpolate(a, b, 1.25)
	assert.Equal(t, 1.25, m.Time)
	assert.InDelta(t, 0.5, m.Position().X, 1e-12)
	assert.InDelta(t, -1.0, m.Position().Y, 1e-12)
	assert.InDelta(t, 0.25, AngleBetween(Identity, m.Attitude()), 1e-9)
	assert.InDelta(t, 1.5, m.Cov.At(0, 0), 1e-12)
}
