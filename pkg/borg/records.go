package borg

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Repository is a borg repository backups are written to.
type Repository struct {
	ID      int64     `json:"id"`
	Path    string    `json:"path" validate:"required"`
	AddedAt time.Time `json:"added_at"`
}

// Label is a free-form tag attached to a repository.
type Label struct {
	ID     int64  `json:"id"`
	RepoID int64  `json:"repo_id"`
	Name   string `json:"name" validate:"required,max=128,printascii"`
}

// Archive is one borg archive inside a repository. The fingerprint
// identifies it within the repository.
type Archive struct {
	ID          int64     `json:"id"`
	RepoID      int64     `json:"repo_id"`
	Name        string    `json:"name" validate:"required"`
	Fingerprint string    `json:"fingerprint" validate:"required,hexadecimal"`
	Start       time.Time `json:"start" validate:"required"`
	End         time.Time `json:"end" validate:"required,gtefield=Start"`
	FileCount   int64     `json:"file_count" validate:"gte=0"`
}

// LogEntry is the record of one `borg create` run. Entries are never
// deduplicated: ingesting the same output twice logs it twice.
type LogEntry struct {
	ID               int64         `json:"id"`
	RepoID           int64         `json:"repo_id"`
	ArchiveID        int64         `json:"archive_id"`
	Name             string        `json:"name" validate:"required"`
	Fingerprint      string        `json:"fingerprint" validate:"required,hexadecimal"`
	Start            time.Time     `json:"start" validate:"required"`
	End              time.Time     `json:"end" validate:"required,gtefield=Start"`
	Duration         time.Duration `json:"duration" validate:"gte=0"`
	FileCount        int64         `json:"file_count" validate:"gte=0"`
	OriginalSize     uint64        `json:"original_size"`
	CompressedSize   uint64        `json:"compressed_size"`
	DeduplicatedSize uint64        `json:"deduplicated_size"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the validate tags of a record.
func Validate(record any) error {
	if err := validate.Struct(record); err != nil {
		return fmt.Errorf("invalid %T: %w", record, err)
	}
	return nil
}
