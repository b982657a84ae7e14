package ingest

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fusion/internal/fusion/core"
	"github.com/banshee-data/fusion/internal/fusion/sensors"
)

// Filter is the part of the fusion core a stream drives.
type Filter interface {
	Init(m *core.InitMeasurement) bool
	ProcessIMU(acc, gyro r3.Vec, t float64, seq uint64)
	ProcessExtState(acc, gyro, p, v r3.Vec, q quat.Number, alreadyPropagated bool, t float64, seq uint64)
	AddMeasurement(m core.Measurement)
}

// Dispatch hands rec to the filter. It reports false only when an init
// record was rejected.
func Dispatch(f Filter, rec Record) bool {
	switch rec.Kind {
	case KindInit:
		return f.Init(sensors.NewInit(rec.Time, rec.P, rec.V, rec.Q))
	case KindIMU:
		f.ProcessIMU(rec.Acc, rec.Gyro, rec.Time, rec.Seq)
	case KindExtState:
		f.ProcessExtState(rec.Acc, rec.Gyro, rec.P, rec.V, rec.Q, rec.Propagated, rec.Time, rec.Seq)
	case KindPosition:
		f.AddMeasurement(&sensors.Position{T: rec.Time, Sensor: rec.Sensor, Z: rec.Z, Sigma: rec.Sigma})
	case KindDisplacement:
		f.AddMeasurement(&sensors.Displacement{T: rec.Time, Sensor: rec.Sensor, Delta: rec.Z, Sigma: rec.Sigma})
	}
	return true
}
