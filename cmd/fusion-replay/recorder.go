package main

import (
	"github.com/banshee-data/fusion/internal/fusion/core"
	"github.com/banshee-data/fusion/internal/fusion/state"
	"github.com/banshee-data/fusion/internal/store"
)

// recorder is the sensor manager of a replay: default init and covariance
// policy, and every published state buffered into the trajectory store.
type recorder struct {
	core.BaseManager

	db      *store.Store
	runID   string
	batch   int
	pending []store.Estimate
	err     error
}

func newRecorder(db *store.Store, runID string, batch int) *recorder {
	if batch < 1 {
		batch = 1
	}
	return &recorder{
		BaseManager: core.BaseManager{
			Variances: map[string]float64{
				state.Position:  1,
				state.Velocity:  1,
				state.Attitude:  0.01,
				state.GyroBias:  1e-4,
				state.AccelBias: 1e-2,
			},
		},
		db:    db,
		runID: runID,
		batch: batch,
	}
}

func (r *recorder) PublishStateInitialized(s *state.State) {
	r.add(store.EstimateFromState(s, store.PhaseInit))
}

func (r *recorder) PublishStateAfterPropagation(s *state.State) {
	r.add(store.EstimateFromState(s, store.PhasePropagation))
}

func (r *recorder) PublishStateAfterUpdate(s *state.State) {
	r.add(store.EstimateFromState(s, store.PhaseUpdate))
}

func (r *recorder) add(e store.Estimate) {
	r.pending = append(r.pending, e)
	if len(r.pending) >= r.batch {
		if err := r.Flush(); err != nil && r.err == nil {
			r.err = err
		}
	}
}

// Flush writes the buffered estimates.
func (r *recorder) Flush() error {
	if len(r.pending) == 0 {
		return nil
	}
	err := r.db.RecordEstimates(r.runID, r.pending)
	r.pending = r.pending[:0]
	return err
}

// Err is the first write error hit while publishing.
func (r *recorder) Err() error { return r.err }
