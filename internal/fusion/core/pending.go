package core

import (
	"math"

	"github.com/banshee-data/fusion/internal/fusion/state"
	"github.com/banshee-data/fusion/internal/monitoring"
)

// AddMeasurement applies m at its place in the history, or parks it in the
// future queue when it is newer than the latest propagated state. Before
// init and before the first propagation step it is dropped.
func (c *Core) AddMeasurement(m Measurement) {
	if m == nil || !m.Valid() {
		return
	}
	if !finiteTime(m.Time()) {
		c.stats.NonFiniteTime++
		monitoring.Logf("core: dropping measurement from sensor %d with non-finite timestamp %v", m.SensorID(), m.Time())
		return
	}
	if !c.initialized || !c.predictionMade {
		c.stats.MeasurementsEarly++
		monitoring.Debugf("core: measurement from sensor %d at t=%.6f before first prediction", m.SensorID(), m.Time())
		return
	}
	_, last, _ := c.states.Last()
	if m.Time() > last.Time {
		c.pending.Push(m)
		c.stats.MeasurementsQueued++
		return
	}
	c.applyMeasurement(m)
}

// applyMeasurement applies m to its bracketing state, records it in the
// measurement history and re-applies every already applied measurement
// whose state lies after it, since the replay discarded their corrections.
func (c *Core) applyMeasurement(m Measurement) bool {
	s, ok := c.bracket(m)
	if !ok {
		return false
	}
	c.propPToState(s)
	if !m.Apply(s, c.upd) {
		c.stats.MeasurementsRejected++
		monitoring.Debugf("core: sensor %d declined measurement at t=%.6f", m.SensorID(), m.Time())
		return false
	}
	if c.measurements.Insert(m.Time(), m) {
		// only the newer one is re-applied after a later replay
		c.stats.MeasurementsReplaced++
		monitoring.Logf("core: measurement from sensor %d replaced an earlier one at t=%.6f", m.SensorID(), m.Time())
	}
	c.stats.MeasurementsApplied++

	var later []Measurement
	c.measurements.Ascend(math.Nextafter(m.Time(), math.Inf(1)), func(_ float64, lm Measurement) bool {
		later = append(later, lm)
		return true
	})
	for _, lm := range later {
		ls, ok := c.bracket(lm)
		if !ok || ls.Time <= s.Time {
			// corrections at or before s survived the replay
			continue
		}
		c.propPToState(ls)
		if lm.Apply(ls, c.upd) {
			c.stats.MeasurementsReapplied++
		}
	}
	return true
}

// bracket finds the buffered state a measurement applies to: the closest
// one, provided m is not older than the retained history and lies within
// MaxStateGap of it.
func (c *Core) bracket(m Measurement) (*state.State, bool) {
	_, first, ok := c.states.First()
	if !ok {
		return nil, false
	}
	if m.Time() < first.Time {
		c.stats.MeasurementsStale++
		monitoring.Logf("core: measurement from sensor %d at t=%.6f is older than the history (oldest t=%.6f), dropped",
			m.SensorID(), m.Time(), first.Time)
		return nil, false
	}
	s, _ := c.states.Closest(m.Time())
	if gap := math.Abs(s.Time - m.Time()); gap > c.opts.MaxStateGap {
		c.stats.MeasurementsGap++
		monitoring.Logf("core: measurement from sensor %d at t=%.6f is %.4fs from the nearest state, dropped",
			m.SensorID(), m.Time(), gap)
		return nil, false
	}
	return s, true
}

// handlePendingMeasurements drains the future queue in arrival order. The
// head blocks the queue until propagation reaches its timestamp.
func (c *Core) handlePendingMeasurements() {
	_, last, _ := c.states.Last()
	for {
		m, ok := c.pending.Peek()
		if !ok || m.Time() > last.Time {
			return
		}
		c.pending.Pop()
		c.applyMeasurement(m)
	}
}
