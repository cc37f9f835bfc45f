// Package inbox watches a directory for borg create output and hands each new
// or changed file to an ingest function.
package inbox
