// Package catalog defines the borgmanager record stores and the ingest
// workflow that fills them.
//
// Each entity (repository, label, archive, log entry) has its own table and
// dedup key:
//
//	repository  path
//	label       (repo_id, name)
//	archive     (repo_id, fingerprint)
//	log         none, every run is a new row
package catalog
