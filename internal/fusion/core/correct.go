package core

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/fusion/internal/fusion/state"
	"github.com/banshee-data/fusion/internal/monitoring"
)

// applyCorrection composes correction into the buffered state s, runs the
// fuzzy-tracking watchdog, and replays every newer state so the history
// stays consistent with the corrected past. It fails only if the filter is
// uninitialized or s is not (or no longer) in the buffer.
func (c *Core) applyCorrection(s *state.State, correction []float64, fuzzyThreshold float64) bool {
	idx := c.bufferedIndex(s)
	if idx < 0 {
		return false
	}
	if len(correction) != c.layout.ErrorDim() {
		panic("core: correction does not match the error state dimension")
	}

	corr := append([]float64(nil), correction...)
	if c.opts.FixedBias {
		zero(corr, c.layout.ErrorOffset(state.GyroBias), 3)
		zero(corr, c.layout.ErrorOffset(state.AccelBias), 3)
	}
	c.manager.AugmentCorrection(s, corr)

	before := s.Clone()
	s.Boxplus(corr)
	c.manager.SanityCheckCorrection(s, before, corr)

	if c.watchdog.Check(before, s, fuzzyThreshold) {
		if !c.fuzzy {
			monitoring.Logf("core: fuzzy tracking at t=%.6f: drift-free jump %.4g exceeds %.4g",
				s.Time, c.watchdog.LastJump(), fuzzyThreshold)
		}
		c.fuzzy = true
		c.stats.FuzzyEvents++
	}
	if !s.Finite() {
		monitoring.Logf("core: correction at t=%.6f produced a non-finite state", s.Time)
	}

	c.replayFrom(idx)
	_, latest, _ := c.states.Last()
	c.manager.PublishStateAfterUpdate(latest.Clone())
	return true
}

// bufferedIndex returns the position of s in the state history, or -1 if
// the filter is uninitialized or s is not the buffered entry at its time.
func (c *Core) bufferedIndex(s *state.State) int {
	if !c.initialized || s == nil {
		return -1
	}
	idx := c.states.Index(s.Time)
	if idx < 0 {
		monitoring.Logf("core: correction for t=%.6f dropped: state not in buffer", s.Time)
		return -1
	}
	if _, buffered := c.states.Entry(idx); buffered != s {
		monitoring.Logf("core: correction for t=%.6f dropped: state is not the buffered entry", s.Time)
		return -1
	}
	return idx
}

// replayFrom re-propagates every state after position idx from its
// corrected predecessor using the stored inputs. Covariance is replayed up
// to the horizon; states beyond it are picked up by propagatePOneStep.
func (c *Core) replayFrom(idx int) {
	if idx+1 >= c.states.Len() {
		return
	}
	c.stats.Replays++
	for i := idx + 1; i < c.states.Len(); i++ {
		_, prev := c.states.Entry(i - 1)
		_, next := c.states.Entry(i)
		c.propagateState(prev, next)
		if next.Time <= c.timePPropagated {
			c.predictProcessCovariance(prev, next)
		}
	}
}

func zero(v []float64, off, n int) {
	for k := 0; k < n; k++ {
		v[off+k] = 0
	}
}

// kalmanUpdate computes S = H P Hᵀ + R, K = P Hᵀ S⁻¹, the correction K r,
// and the Joseph-form covariance (I-KH) P (I-KH)ᵀ + K R Kᵀ.
func (c *Core) kalmanUpdate(s *state.State, h mat.Matrix, residual mat.Vector, r mat.Symmetric, fuzzyThreshold float64) bool {
	if c.bufferedIndex(s) < 0 {
		return false
	}
	n := c.layout.ErrorDim()
	m, hc := h.Dims()
	if hc != n || residual.Len() != m || r.SymmetricDim() != m {
		monitoring.Logf("core: measurement at t=%.6f has inconsistent dimensions", s.Time)
		return false
	}

	var hp mat.Dense // H P, m×n
	hp.Mul(h, s.Cov)
	var S mat.Dense
	S.Mul(&hp, h.T())
	S.Add(&S, r)

	// Kᵀ = S⁻¹ H P, since P and S are symmetric
	var kt mat.Dense
	if err := kt.Solve(&S, &hp); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			monitoring.Logf("core: innovation covariance at t=%.6f is singular: %v", s.Time, err)
			return false
		}
		monitoring.Debugf("core: innovation covariance at t=%.6f is ill-conditioned: %v", s.Time, err)
	}
	k := kt.T()

	var corr mat.VecDense
	corr.MulVec(k, residual)

	var kh mat.Dense
	kh.Mul(k, h)
	ikh := eye(n)
	ikh.Sub(ikh, &kh)

	var a, joseph mat.Dense
	a.Mul(ikh, s.Cov)
	joseph.Mul(&a, ikh.T())

	var kr, krk mat.Dense
	kr.Mul(k, r)
	krk.Mul(&kr, &kt)
	joseph.Add(&joseph, &krk)

	symmetrizeInto(s.Cov, &joseph)
	return c.applyCorrection(s, corr.RawVector().Data, fuzzyThreshold)
}

// gainUpdate applies a precomputed gain: P -= K S Kᵀ, correction = K r.
func (c *Core) gainUpdate(s *state.State, k mat.Matrix, innov mat.Symmetric, residual mat.Vector, fuzzyThreshold float64) bool {
	if c.bufferedIndex(s) < 0 {
		return false
	}
	n := c.layout.ErrorDim()
	kr, kc := k.Dims()
	if kr != n || kc != residual.Len() || innov.SymmetricDim() != kc {
		monitoring.Logf("core: measurement at t=%.6f has inconsistent gain dimensions", s.Time)
		return false
	}
	var corr mat.VecDense
	corr.MulVec(k, residual)

	var ks, ksk mat.Dense
	ks.Mul(k, innov)
	ksk.Mul(&ks, k.T())

	var p mat.Dense
	p.Sub(s.Cov, &ksk)
	symmetrizeInto(s.Cov, &p)
	return c.applyCorrection(s, corr.RawVector().Data, fuzzyThreshold)
}

func symmetrizeInto(dst *mat.SymDense, a mat.Matrix) {
	n := dst.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dst.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
}

// updater is the privileged Updater handed to measurements.
type updater struct {
	c *Core
}

func (u updater) Layout() *state.Layout    { return u.c.layout }
func (u updater) FuzzyThreshold() float64 { return u.c.opts.FuzzyThreshold }

func (u updater) ClosestState(t float64) (*state.State, bool) {
	return u.c.states.Closest(t)
}

func (u updater) PreviousMeasurement(t float64, sensorID int) Measurement {
	return u.c.PreviousMeasurement(t, sensorID)
}

func (u updater) AccumF(older, newer *state.State) (*mat.Dense, bool) {
	return u.c.AccumF(older, newer)
}

func (u updater) ApplyCorrection(s *state.State, correction *mat.VecDense, fuzzyThreshold float64) bool {
	if correction == nil {
		return false
	}
	data := make([]float64, correction.Len())
	for i := range data {
		data[i] = correction.AtVec(i)
	}
	return u.c.applyCorrection(s, data, fuzzyThreshold)
}

func (u updater) KalmanUpdate(s *state.State, h mat.Matrix, residual mat.Vector, r mat.Symmetric, fuzzyThreshold float64) bool {
	return u.c.kalmanUpdate(s, h, residual, r, fuzzyThreshold)
}

func (u updater) GainUpdate(s *state.State, k mat.Matrix, innov mat.Symmetric, residual mat.Vector, fuzzyThreshold float64) bool {
	return u.c.gainUpdate(s, k, innov, residual, fuzzyThreshold)
}
