// Package ingest decodes recorded or live sensor streams into the inertial
// inputs and measurements a fusion core consumes. A stream is plain text,
// one comma-separated record per line; see Record for the columns.
package ingest
