// Package buffer provides the time-ordered history container used for the
// filter's state and measurement histories, and the arrival-ordered queue
// used for measurements that are newer than the latest propagated state.
package buffer
