package core

import (
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/fusion/internal/fusion/state"
)

// FuzzyTracker watches the layout's drift-free field across corrections.
// A field that should not drift over time jumping abruptly after an update
// is a sign the filter is diverging. The tracker keeps the magnitudes of the
// most recent jumps for inspection.
type FuzzyTracker struct {
	field   state.Field
	enabled bool
	size    int
	jumps   []float64
	last    float64
}

// NewFuzzyTracker returns a tracker for l's drift-free field. Without one
// the tracker never flags.
func NewFuzzyTracker(l *state.Layout, window int) *FuzzyTracker {
	f, ok := l.DriftFree()
	if window < 1 {
		window = 1
	}
	return &FuzzyTracker{field: f, enabled: ok, size: window}
}

// Enabled reports whether the layout designates a drift-free field.
func (f *FuzzyTracker) Enabled() bool { return f.enabled }

// Field returns the watched field.
func (f *FuzzyTracker) Field() (state.Field, bool) { return f.field, f.enabled }

// Check records the jump of the watched field from before to after and
// reports whether it strictly exceeds threshold. A jump equal to the
// threshold does not flag.
func (f *FuzzyTracker) Check(before, after *state.State, threshold float64) bool {
	if !f.enabled {
		return false
	}
	d := Deviation(f.field, before, after)
	f.last = d
	f.jumps = append(f.jumps, d)
	if len(f.jumps) > f.size {
		f.jumps = f.jumps[len(f.jumps)-f.size:]
	}
	return d > threshold
}

// LastJump is the magnitude recorded by the latest Check.
func (f *FuzzyTracker) LastJump() float64 { return f.last }

// Jumps returns the recorded window, oldest first.
func (f *FuzzyTracker) Jumps() []float64 {
	return append([]float64(nil), f.jumps...)
}

// MaxJump is the largest jump in the window, zero when empty.
func (f *FuzzyTracker) MaxJump() float64 {
	if len(f.jumps) == 0 {
		return 0
	}
	return floats.Max(f.jumps)
}

func (f *FuzzyTracker) Reset() {
	f.jumps = f.jumps[:0]
	f.last = 0
}

// Deviation measures how far field moved between a and b: Euclidean
// distance for vectors and scalars, rotation angle for quaternions.
func Deviation(field state.Field, a, b *state.State) float64 {
	if field.Kind == state.KindQuaternion {
		return state.AngleBetween(a.Quat(field.Name), b.Quat(field.Name))
	}
	return floats.Distance(a.Values(field.Name), b.Values(field.Name), 2)
}
