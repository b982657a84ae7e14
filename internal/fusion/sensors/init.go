package sensors

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fusion/internal/fusion/core"
	"github.com/banshee-data/fusion/internal/fusion/state"
)

// NewInit builds an init measurement carrying pose and velocity. The
// covariance is left to the sensor manager.
func NewInit(t float64, p, v r3.Vec, q quat.Number) *core.InitMeasurement {
	return &core.InitMeasurement{
		T: t,
		Values: map[string][]float64{
			state.Position: {p.X, p.Y, p.Z},
			state.Velocity: {v.X, v.Y, v.Z},
			state.Attitude: {q.Real, q.Imag, q.Jmag, q.Kmag},
		},
	}
}
