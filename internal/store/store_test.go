package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fusion/internal/fusion/state"
	"github.com/banshee-data/fusion/internal/timeutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fusion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigrates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// running again is a no-op
	require.NoError(t, s.MigrateUp())

	var fk int
	require.NoError(t, s.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "fusion.db")

	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.CreateRun("first", "file:a.csv", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	r, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, "first", r.Label)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	cfg := map[string]any{"max_delay": "2s"}
	id, err := s.CreateRun("bench", "serial:/dev/ttyUSB0", cfg)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	r, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, "bench", r.Label)
	assert.Equal(t, "serial:/dev/ttyUSB0", r.Source)
	assert.JSONEq(t, `{"max_delay":"2s"}`, string(r.Config))
	assert.Nil(t, r.Finished)
	assert.Nil(t, r.Stats)
	assert.False(t, r.Started.IsZero())

	stats := struct {
		Applied int `json:"applied"`
	}{Applied: 3}
	require.NoError(t, s.FinishRun(id, stats))

	r, err = s.GetRun(id)
	require.NoError(t, err)
	require.NotNil(t, r.Finished)
	assert.False(t, r.Finished.Before(r.Started))
	var got map[string]int
	require.NoError(t, json.Unmarshal(r.Stats, &got))
	assert.Equal(t, 3, got["applied"])
}

func TestRunTimestamps(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	s.Clock = clock

	id, err := s.CreateRun("", "", nil)
	require.NoError(t, err)
	clock.Advance(90 * time.Second)
	require.NoError(t, s.FinishRun(id, nil))

	r, err := s.GetRun(id)
	require.NoError(t, err)
	assert.WithinDuration(t, start, r.Started, time.Millisecond)
	require.NotNil(t, r.Finished)
	assert.WithinDuration(t, start.Add(90*time.Second), *r.Finished, time.Millisecond)
}

func TestUnknownRun(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetRun("missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
	assert.ErrorIs(t, s.FinishRun("missing", nil), ErrRunNotFound)

	// estimates must belong to a run
	err = s.RecordEstimates("missing", []Estimate{{Time: 1, Phase: PhaseUpdate}})
	assert.Error(t, err)
}

func TestEstimates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	id, err := s.CreateRun("", "", nil)
	require.NoError(t, err)

	want := []Estimate{
		{Time: 0, Phase: PhaseInit, Q: [4]float64{1, 0, 0, 0}, PosVar: 3},
		{Time: 0.125, Seq: 1, Phase: PhasePropagation, P: [3]float64{0.1, 0, 0}, Q: [4]float64{1, 0, 0, 0}},
		{Time: 0.125, Seq: 1, Phase: PhaseUpdate, P: [3]float64{0.2, 0, 0}, Bw: [3]float64{0, 0, 1e-3}, Q: [4]float64{1, 0, 0, 0}},
	}
	require.NoError(t, s.RecordEstimates(id, want))
	require.NoError(t, s.RecordEstimates(id, nil))

	got, err := s.ListEstimates(id, "")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListEstimates() mismatch (-want +got):\n%s", diff)
	}

	updates, err := s.ListEstimates(id, PhaseUpdate)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, 0.2, updates[0].P[0])

	other, err := s.ListEstimates(uuid.NewString(), "")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestEstimateFromState(t *testing.T) {
	t.Parallel()
	s := state.New(state.MustLayout(""), 1.5)
	s.Seq = 9
	s.SetVec3(state.Position, r3.Vec{X: 1, Y: 2, Z: 3})
	s.SetVec3(state.AccelBias, r3.Vec{Z: 0.5})
	cov := mat.NewSymDense(state.CoreErrorDim, nil)
	cov.SetSym(0, 0, 1)
	cov.SetSym(1, 1, 2)
	cov.SetSym(2, 2, 3)
	cov.SetSym(3, 3, 100)
	s.Cov = cov

	e := EstimateFromState(s, PhaseUpdate)
	want := Estimate{
		Time:   1.5,
		Seq:    9,
		Phase:  PhaseUpdate,
		P:      [3]float64{1, 2, 3},
		Q:      [4]float64{1, 0, 0, 0},
		Ba:     [3]float64{0, 0, 0.5},
		PosVar: 6,
	}
	if diff := cmp.Diff(want, e); diff != "" {
		t.Errorf("EstimateFromState() mismatch (-want +got):\n%s", diff)
	}
}

func TestMeasurements(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	id, err := s.CreateRun("", "", nil)
	require.NoError(t, err)

	late := Measurement{Time: 2, Sensor: 1, Kind: "pos", Z: [3]float64{1, 2, 3}, Sigma: 0.1}
	early := Measurement{Time: 1, Sensor: 2, Kind: "disp", Z: [3]float64{0.5, 0, 0}, Sigma: 0.01}
	require.NoError(t, s.RecordMeasurement(id, late))
	require.NoError(t, s.RecordMeasurement(id, early))

	got, err := s.ListMeasurements(id)
	require.NoError(t, err)
	if diff := cmp.Diff([]Measurement{early, late}, got); diff != "" {
		t.Errorf("ListMeasurements() mismatch (-want +got):\n%s", diff)
	}
}
