package core

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fusion/internal/fusion/state"
	"github.com/banshee-data/fusion/internal/monitoring"
)

// propagateState integrates the nominal state from prev to next using the
// inputs stored in both, and stores the error-state transition in next.Fd.
// Auxiliary fields and biases are carried over unchanged.
//
// Attitude uses the mean bias-corrected body rate over the interval;
// velocity uses the mean of the specific force rotated at both ends, minus
// gravity; position integrates the mean velocity.
func (c *Core) propagateState(prev, next *state.State) {
	dt := next.Time - prev.Time
	next.CopyNominalFrom(prev)

	bw, ba := prev.GyroBias(), prev.AccelBias()
	ew := r3.Scale(0.5, r3.Add(r3.Sub(prev.Gyro, bw), r3.Sub(next.Gyro, bw)))
	eaPrev := r3.Sub(prev.Acc, ba)
	eaNext := r3.Sub(next.Acc, ba)

	qPrev := prev.Attitude()
	qNext := state.Integrate(qPrev, ew, dt)

	dv := r3.Scale(0.5, r3.Add(state.Rotate(qPrev, eaPrev), state.Rotate(qNext, eaNext)))
	vPrev := prev.Velocity()
	vNext := r3.Add(vPrev, r3.Scale(dt, r3.Sub(dv, c.g)))
	pNext := r3.Add(prev.Position(), r3.Scale(dt/2, r3.Add(vPrev, vNext)))

	next.SetVec3(state.Position, pNext)
	next.SetVec3(state.Velocity, vNext)
	next.SetQuat(state.Attitude, qNext)

	ea := r3.Scale(0.5, r3.Add(eaPrev, eaNext))
	next.Fd = c.transition(qPrev, ew, ea, dt)
}

// transition returns the discrete error-state transition Fd = I + A dt +
// ½(A dt)² for the continuous error dynamics
//
//	δṗ = δv
//	δv̇ = -R [a]x δθ - R δb_a
//	δθ̇ = -[ω]x δθ - δb_w
//
// with biases and auxiliary fields as random walks.
func (c *Core) transition(q quat.Number, ew, ea r3.Vec, dt float64) *mat.Dense {
	l := c.layout
	n := l.ErrorDim()
	ip := l.ErrorOffset(state.Position)
	iv := l.ErrorOffset(state.Velocity)
	ith := l.ErrorOffset(state.Attitude)
	ibw := l.ErrorOffset(state.GyroBias)
	iba := l.ErrorOffset(state.AccelBias)

	R := state.RotationMatrix(q)
	var rSkew mat.Dense
	rSkew.Mul(R, state.Skew(ea))

	a := mat.NewDense(n, n, nil)
	for k := 0; k < 3; k++ {
		a.Set(ip+k, iv+k, 1)
		a.Set(ith+k, ibw+k, -1)
	}
	setBlock(a, iv, ith, &rSkew, -1)
	setBlock(a, iv, iba, R, -1)
	setBlock(a, ith, ith, state.Skew(ew), -1)
	a.Scale(dt, a)

	var a2 mat.Dense
	a2.Mul(a, a)
	a2.Scale(0.5, &a2)

	fd := eye(n)
	fd.Add(fd, a)
	fd.Add(fd, &a2)
	return fd
}

func setBlock(dst *mat.Dense, row, col int, src mat.Matrix, scale float64) {
	r, cc := src.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < cc; j++ {
			dst.Set(row+i, col+j, scale*src.At(i, j))
		}
	}
}

func eye(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

// predictProcessCovariance sets next.Cov = Fd P Fdᵀ + Qd, with Fd taken from
// next and Qd ≈ ½ dt (Fd Qc Fdᵀ + Qc).
func (c *Core) predictProcessCovariance(prev, next *state.State) {
	dt := next.Time - prev.Time
	n := c.layout.ErrorDim()
	fd := next.Fd

	var fp, fpf mat.Dense
	fp.Mul(fd, prev.Cov)
	fpf.Mul(&fp, fd.T())

	qc := mat.NewDiagDense(n, c.qc)
	var fq, fqf mat.Dense
	fq.Mul(fd, qc)
	fqf.Mul(&fq, fd.T())

	if next.Cov == nil || next.Cov.SymmetricDim() != n {
		next.Cov = mat.NewSymDense(n, nil)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			p := 0.5 * (fpf.At(i, j) + fpf.At(j, i))
			q := 0.25 * dt * (fqf.At(i, j) + fqf.At(j, i))
			if i == j {
				q += 0.5 * dt * c.qc[i]
			}
			next.Cov.SetSym(i, j, p+q)
		}
	}
}

// propagatePOneStep advances the covariance horizon by exactly one buffered
// state. It reports whether a step was taken.
func (c *Core) propagatePOneStep() bool {
	i := c.states.Index(c.timePPropagated)
	if i < 0 {
		monitoring.Logf("core: propagation horizon t=%.6f is not a buffered state", c.timePPropagated)
		return false
	}
	if i+1 >= c.states.Len() {
		return false
	}
	_, prev := c.states.Entry(i)
	_, next := c.states.Entry(i + 1)
	c.predictProcessCovariance(prev, next)
	c.timePPropagated = next.Time
	return true
}

// propPToState brings the covariance horizon up to s.
func (c *Core) propPToState(s *state.State) {
	for c.timePPropagated < s.Time && c.propagatePOneStep() {
	}
}

// AccumF returns the composed error-state transition from older to newer,
// Fd(newer) ⋯ Fd(older+1). Both states must be buffered (matched by time)
// with older not after newer.
func (c *Core) AccumF(older, newer *state.State) (*mat.Dense, bool) {
	if older == nil || newer == nil {
		return nil, false
	}
	io := c.states.Index(older.Time)
	in := c.states.Index(newer.Time)
	if io < 0 || in < 0 || io > in {
		return nil, false
	}
	n := c.layout.ErrorDim()
	f := eye(n)
	for k := io + 1; k <= in; k++ {
		_, s := c.states.Entry(k)
		step := mat.NewDense(n, n, nil)
		step.Mul(s.Fd, f)
		f = step
	}
	return f, true
}
