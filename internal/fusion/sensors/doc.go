// Package sensors holds measurement models for the fusion core: absolute
// position fixes and relative displacements. Each type implements
// core.Measurement and corrects the buffered state it is handed through the
// core's Updater.
package sensors
