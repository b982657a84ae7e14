package state

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

func assertVecInDelta(t *testing.T, want, got r3.Vec, delta float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, delta, "x")
	assert.InDelta(t, want.Y, got.Y, delta, "y")
	assert.InDelta(t, want.Z, got.Z, delta, "z")
}

func TestRotate(t *testing.T) {
	q := DeltaQuat(r3.Vec{Z: math.Pi / 2})
	assertVecInDelta(t, r3.Vec{Y: 1}, Rotate(q, r3.Vec{X: 1}), 1e-12)
	assertVecInDelta(t, r3.Vec{X: 1, Y: 2, Z: 3}, Rotate(Identity, r3.Vec{X: 1, Y: 2, Z: 3}), 0)
}

func TestRotationMatrixMatchesRotate(t *testing.T) {
	q := Normalize(quat.Number{Real: 0.9, Imag: 0.1, Jmag: -0.3, Kmag: 0.2})
	v := r3.Vec{X: 0.3, Y: -1.2, Z: 2}
	R := RotationMatrix(q)
	var out mat.VecDense
	out.MulVec(R, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	assertVecInDelta(t, Rotate(q, v), r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}, 1e-12)
}

func TestSkew(t *testing.T) {
	a := r3.Vec{X: 1, Y: 2, Z: 3}
	b := r3.Vec{X: -2, Y: 0.5, Z: 4}
	var out mat.VecDense
	out.MulVec(Skew(a), mat.NewVecDense(3, []float64{b.X, b.Y, b.Z}))
	c := r3.Cross(a, b)
	assertVecInDelta(t, c, r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}, 1e-12)
}

func TestIntegrateConstantRate(t *testing.T) {
	q := Identity
	for i := 0; i < 100; i++ {
		q = Integrate(q, r3.Vec{Z: 0.5}, 0.01)
	}
	assert.InDelta(t, 0.5, AngleBetween(Identity, q), 1e-9)
	assert.InDelta(t, 1, quat.Abs(q), 1e-12)
}

func TestNormalizeZero(t *testing.T) {
	assert.Equal(t, Identity, Normalize(quat.Number{}))
}

func TestSlerpEndpoints(t *testing.T) {
	a := Identity
	b := DeltaQuat(r3.Vec{X: 1})
	assert.InDelta(t, 0, AngleBetween(a, Slerp(a, b, 0)), 1e-9)
	assert.InDelta(t, 0, AngleBetween(b, Slerp(a, b, 1)), 1e-6)
	assert.InDelta(t, 0.5, AngleBetween(a, Slerp(a, b, 0.5)), 1e-9)
}
