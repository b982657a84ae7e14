package state

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// State is one entry of the state history: the nominal state at Time, the
// error-state covariance at Time, the inertial input that drove propagation
// into it, and the transition Jacobian from its predecessor.
//
// Once a State is inserted into the core's history the core owns it. Values
// handed out by queries are clones.
type State struct {
	Time float64
	Seq  uint64

	// Inertial input (specific force and body rate) at Time.
	Acc  r3.Vec
	Gyro r3.Vec

	// Cov is the error-state covariance. It is only meaningful once the
	// core's propagation horizon has reached Time.
	Cov *mat.SymDense
	// Fd is the error-state transition from the previous buffered state.
	Fd *mat.Dense

	x      []float64
	layout *Layout
}

// New returns a state at time t with zero vectors, identity quaternions, a
// zero covariance and an identity transition.
func New(l *Layout, t float64) *State {
	s := &State{
		Time:   t,
		x:      make([]float64, l.nominalDim),
		layout: l,
	}
	for i, f := range l.fields {
		if f.Kind == KindQuaternion {
			s.x[l.nominalOff[i]] = 1
		}
	}
	n := l.errorDim
	s.Cov = mat.NewSymDense(n, nil)
	s.Fd = identity(n)
	return s
}

func identity(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

// Layout returns the layout the state was built with.
func (s *State) Layout() *Layout { return s.layout }

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.x = append([]float64(nil), s.x...)
	if s.Cov != nil {
		c.Cov = mat.NewSymDense(s.Cov.SymmetricDim(), nil)
		c.Cov.CopySym(s.Cov)
	}
	if s.Fd != nil {
		c.Fd = mat.DenseCopyOf(s.Fd)
	}
	return &c
}

// Nominal returns a copy of the full nominal vector.
func (s *State) Nominal() []float64 {
	return append([]float64(nil), s.x...)
}

// CopyNominalFrom overwrites every nominal field with o's values.
func (s *State) CopyNominalFrom(o *State) {
	if o.layout != s.layout {
		panic("state: layout mismatch")
	}
	copy(s.x, o.x)
}

// Values returns a copy of the nominal values of the named field.
func (s *State) Values(name string) []float64 {
	off, f := s.layout.nominalOffset(name)
	return append([]float64(nil), s.x[off:off+f.Kind.nominalDim()]...)
}

// SetValues overwrites the named field. Quaternions are normalized.
func (s *State) SetValues(name string, v []float64) error {
	i, ok := s.layout.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	f := s.layout.fields[i]
	if len(v) != f.Kind.nominalDim() {
		return fmt.Errorf("field %s: got %d values, want %d", name, len(v), f.Kind.nominalDim())
	}
	off := s.layout.nominalOff[i]
	copy(s.x[off:], v)
	if f.Kind == KindQuaternion {
		s.SetQuat(name, s.Quat(name))
	}
	return nil
}

func (s *State) Vec3(name string) r3.Vec {
	off, f := s.layout.nominalOffset(name)
	mustKind(f, KindVector3)
	return r3.Vec{X: s.x[off], Y: s.x[off+1], Z: s.x[off+2]}
}

func (s *State) SetVec3(name string, v r3.Vec) {
	off, f := s.layout.nominalOffset(name)
	mustKind(f, KindVector3)
	s.x[off], s.x[off+1], s.x[off+2] = v.X, v.Y, v.Z
}

func (s *State) Quat(name string) quat.Number {
	off, f := s.layout.nominalOffset(name)
	mustKind(f, KindQuaternion)
	return quat.Number{Real: s.x[off], Imag: s.x[off+1], Jmag: s.x[off+2], Kmag: s.x[off+3]}
}

// SetQuat stores the normalized q.
func (s *State) SetQuat(name string, q quat.Number) {
	off, f := s.layout.nominalOffset(name)
	mustKind(f, KindQuaternion)
	q = Normalize(q)
	s.x[off], s.x[off+1], s.x[off+2], s.x[off+3] = q.Real, q.Imag, q.Jmag, q.Kmag
}

func (s *State) Scalar(name string) float64 {
	off, f := s.layout.nominalOffset(name)
	mustKind(f, KindScalar)
	return s.x[off]
}

func (s *State) SetScalar(name string, v float64) {
	off, f := s.layout.nominalOffset(name)
	mustKind(f, KindScalar)
	s.x[off] = v
}

func mustKind(f Field, k FieldKind) {
	if f.Kind != k {
		panic(fmt.Sprintf("state: field %s is %v, not %v", f.Name, f.Kind, k))
	}
}

func (s *State) Position() r3.Vec      { return s.Vec3(Position) }
func (s *State) Velocity() r3.Vec      { return s.Vec3(Velocity) }
func (s *State) Attitude() quat.Number { return s.Quat(Attitude) }
func (s *State) GyroBias() r3.Vec      { return s.Vec3(GyroBias) }
func (s *State) AccelBias() r3.Vec     { return s.Vec3(AccelBias) }

// Boxplus composes an error-state correction into the nominal state:
// additive for vectors and scalars, right-multiplicative for quaternions.
func (s *State) Boxplus(delta []float64) {
	l := s.layout
	if len(delta) != l.errorDim {
		panic(fmt.Sprintf("state: correction has %d elements, want %d", len(delta), l.errorDim))
	}
	for i, f := range l.fields {
		no, eo := l.nominalOff[i], l.errorOff[i]
		switch f.Kind {
		case KindQuaternion:
			q := quat.Number{Real: s.x[no], Imag: s.x[no+1], Jmag: s.x[no+2], Kmag: s.x[no+3]}
			dq := DeltaQuat(r3.Vec{X: delta[eo], Y: delta[eo+1], Z: delta[eo+2]})
			q = Normalize(quat.Mul(q, dq))
			s.x[no], s.x[no+1], s.x[no+2], s.x[no+3] = q.Real, q.Imag, q.Jmag, q.Kmag
		default:
			for k := 0; k < f.Kind.errorDim(); k++ {
				s.x[no+k] += delta[eo+k]
			}
		}
	}
}

// Finite reports whether the nominal vector and covariance diagonal are free
// of NaN and Inf.
func (s *State) Finite() bool {
	for _, v := range s.x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if s.Cov != nil {
		for i := 0; i < s.Cov.SymmetricDim(); i++ {
			v := s.Cov.At(i, i)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Interpolate returns a state at time t between a and b (a.Time <= t <=
// b.Time). Vector and scalar fields and the covariance are interpolated
// linearly, quaternions by slerp. Inputs are taken from a.
func Interpolate(a, b *State, t float64) *State {
	if a.layout != b.layout {
		panic("state: layout mismatch")
	}
	span := b.Time - a.Time
	u := 0.0
	if span > 0 {
		u = (t - a.Time) / span
	}
	out := a.Clone()
	out.Time = t
	l := a.layout
	for i, f := range l.fields {
		no := l.nominalOff[i]
		if f.Kind == KindQuaternion {
			qa := quat.Number{Real: a.x[no], Imag: a.x[no+1], Jmag: a.x[no+2], Kmag: a.x[no+3]}
			qb := quat.Number{Real: b.x[no], Imag: b.x[no+1], Jmag: b.x[no+2], Kmag: b.x[no+3]}
			q := Slerp(qa, qb, u)
			out.x[no], out.x[no+1], out.x[no+2], out.x[no+3] = q.Real, q.Imag, q.Jmag, q.Kmag
			continue
		}
		for k := 0; k < f.Kind.nominalDim(); k++ {
			out.x[no+k] = (1-u)*a.x[no+k] + u*b.x[no+k]
		}
	}
	if a.Cov != nil && b.Cov != nil {
		n := a.Cov.SymmetricDim()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				out.Cov.SetSym(i, j, (1-u)*a.Cov.At(i, j)+u*b.Cov.At(i, j))
			}
		}
	}
	return out
}
