package state

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Identity is the unit quaternion.
var Identity = quat.Number{Real: 1}

// Normalize scales q to unit length. A zero quaternion maps to Identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return Identity
	}
	return quat.Scale(1/n, q)
}

// Rotate applies the rotation q to v (q v q*).
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// DeltaQuat is the unit quaternion of the rotation vector theta.
func DeltaQuat(theta r3.Vec) quat.Number {
	angle := r3.Norm(theta)
	if angle < 1e-12 {
		// first order; exact enough below numerical noise
		return Normalize(quat.Number{Real: 1, Imag: theta.X / 2, Jmag: theta.Y / 2, Kmag: theta.Z / 2})
	}
	s := math.Sin(angle/2) / angle
	return quat.Number{
		Real: math.Cos(angle / 2),
		Imag: theta.X * s,
		Jmag: theta.Y * s,
		Kmag: theta.Z * s,
	}
}

// Integrate rotates q by the body rate w held for dt seconds.
func Integrate(q quat.Number, w r3.Vec, dt float64) quat.Number {
	return Normalize(quat.Mul(q, DeltaQuat(r3.Scale(dt, w))))
}

// AngleBetween is the magnitude of the rotation taking a to b, in radians.
func AngleBetween(a, b quat.Number) float64 {
	d := quat.Mul(quat.Conj(Normalize(a)), Normalize(b))
	w := math.Min(math.Abs(d.Real), 1)
	return 2 * math.Acos(w)
}

// Slerp interpolates between unit quaternions a and b, u in [0, 1].
func Slerp(a, b quat.Number, u float64) quat.Number {
	a, b = Normalize(a), Normalize(b)
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	if dot > 0.9995 {
		return Normalize(quat.Add(a, quat.Scale(u, quat.Sub(b, a))))
	}
	theta := math.Acos(dot)
	sa := math.Sin((1-u)*theta) / math.Sin(theta)
	sb := math.Sin(u*theta) / math.Sin(theta)
	return Normalize(quat.Add(quat.Scale(sa, a), quat.Scale(sb, b)))
}

// RotationMatrix returns the 3x3 matrix equivalent of the unit quaternion q.
func RotationMatrix(q quat.Number) *mat.Dense {
	q = Normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// Skew returns the cross-product matrix [v]x.
func Skew(v r3.Vec) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}
