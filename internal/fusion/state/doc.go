// Package state defines the filter state entry and its runtime layout.
//
// The core block is fixed: position, velocity, attitude (body to world),
// gyro bias and accelerometer bias, giving a 15-element error state.
// Deployments append auxiliary fields (sensor calibration, frame drift)
// through a Layout built at startup, and may designate one field as free
// of temporal drift for the fuzzy-tracking watchdog.
package state
