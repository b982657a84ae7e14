package core

import (
	"github.com/banshee-data/fusion/internal/monitoring"
)

// CleanUpBuffers drops history that no delayed measurement can reach any
// more. The cutoff is MaxDelay before the newest state, pulled back to the
// propagation horizon if that is older. The newest state at or before the
// cutoff is kept so a measurement exactly MaxDelay old still has a state to
// apply to, and so the horizon state always survives.
func (c *Core) CleanUpBuffers() {
	if !c.initialized {
		return
	}
	_, last, ok := c.states.Last()
	if !ok {
		return
	}
	cutoff := last.Time - c.opts.MaxDelay
	if cutoff > c.timePPropagated {
		cutoff = c.timePPropagated
	}

	keep, ok := c.states.AtOrBefore(cutoff)
	if !ok {
		return
	}
	ns := c.states.PruneBefore(keep.Time)
	nm := c.measurements.PruneBefore(keep.Time)
	c.stats.StatesPruned += int64(ns)
	c.stats.MeasurementsPruned += int64(nm)
	if ns+nm > 0 {
		monitoring.Debugf("core: pruned %d states and %d measurements before t=%.6f", ns, nm, keep.Time)
	}
}
