// Package borg holds borgmanager's domain records and reads them out of
// `borg create --stats` output.
//
// Parse extracts labelled lines into Attributes; Attributes.Report turns
// those into a typed Report, which supplies the Repository, Archive and
// LogEntry records the catalog stores.
package borg
