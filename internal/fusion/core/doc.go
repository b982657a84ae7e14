// Package core is the time-synchronised estimation engine of the fusion
// filter.
//
// Responsibilities: the ordered state and measurement histories, inertial
// propagation of the nominal state and error covariance, application of
// delayed and out-of-order measurements by correcting a past state and
// replaying everything after it, the future-measurement queue, the
// fuzzy-tracking watchdog and bounded history retention.
// Key types: Core, Measurement, Updater, SensorManager, InitMeasurement.
//
// Lifecycle: a Core starts uninitialized. Init seeds the first state; the
// first ProcessIMU or ProcessExtState makes the filter active, after which
// AddMeasurement applies or queues measurements.
//
// Measurement models live outside this package (see internal/fusion/sensors)
// and reach the buffered states only through Updater.
package core
