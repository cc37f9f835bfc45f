package borg

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// TimeLayout is how borg prints archive start and end times.
const TimeLayout = "Mon, 2006-01-02 15:04:05"

// ErrMissingAttribute is returned when output lacks a required attribute.
var ErrMissingAttribute = errors.New("missing attribute")

// Report is the typed form of one `borg create --stats` run.
type Report struct {
	Repository       string
	ArchiveName      string        `validate:"required"`
	Fingerprint      string        `validate:"required,hexadecimal"`
	Start            time.Time     `validate:"required"`
	End              time.Time     `validate:"required"`
	Duration         time.Duration `validate:"gte=0"`
	FileCount        int64         `validate:"gte=0"`
	OriginalSize     uint64
	CompressedSize   uint64
	DeduplicatedSize uint64
}

// Report converts the attributes using the local time zone.
func (a Attributes) Report() (Report, error) {
	return a.ReportIn(time.Local)
}

// ReportIn converts the attributes, reading borg's zone-less times in loc.
// A missing end time is derived from start and duration; missing sizes
// are zero.
func (a Attributes) ReportIn(loc *time.Location) (Report, error) {
	var r Report
	var err error

	for _, key := range []string{KeyArchiveName, KeyFingerprint, KeyTimeStart, KeyDuration, KeyFileCount} {
		if a[key] == "" {
			return Report{}, fmt.Errorf("%w: %s", ErrMissingAttribute, key)
		}
	}

	r.Repository = a[KeyRepository]
	r.ArchiveName = a[KeyArchiveName]
	r.Fingerprint = a[KeyFingerprint]

	if r.Start, err = ParseTime(a[KeyTimeStart], loc); err != nil {
		return Report{}, fmt.Errorf("%s: %w", KeyTimeStart, err)
	}
	if r.Duration, err = ParseDuration(a[KeyDuration]); err != nil {
		return Report{}, fmt.Errorf("%s: %w", KeyDuration, err)
	}
	if end := a[KeyTimeEnd]; end != "" {
		if r.End, err = ParseTime(end, loc); err != nil {
			return Report{}, fmt.Errorf("%s: %w", KeyTimeEnd, err)
		}
	} else {
		r.End = r.Start.Add(r.Duration)
	}
	if r.FileCount, err = strconv.ParseInt(a[KeyFileCount], 10, 64); err != nil {
		return Report{}, fmt.Errorf("%s: %w", KeyFileCount, err)
	}

	sizes := []struct {
		key string
		dst *uint64
	}{
		{KeyOriginalSize, &r.OriginalSize},
		{KeyCompressedSize, &r.CompressedSize},
		{KeyDeduplicatedSize, &r.DeduplicatedSize},
	}
	for _, s := range sizes {
		v := a[s.key]
		if v == "" {
			continue
		}
		if *s.dst, err = humanize.ParseBytes(v); err != nil {
			return Report{}, fmt.Errorf("%s: %w", s.key, err)
		}
	}

	if err := Validate(r); err != nil {
		return Report{}, err
	}
	return r, nil
}

// ParseTime parses a borg timestamp such as "Mon, 2024-03-04 10:30:00".
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// ParseDuration parses borg's duration text, e.g. "1 hours 2 minutes 3.45
// seconds" or "56.46 seconds". Go duration syntax ("1h2m") is accepted too.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	fields := strings.Fields(s)
	if len(fields)%2 != 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var total time.Duration
	for i := 0; i < len(fields); i += 2 {
		n, err := strconv.ParseFloat(fields[i], 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		unit, ok := durationUnits[strings.TrimSuffix(fields[i+1], "s")]
		if !ok {
			return 0, fmt.Errorf("invalid duration unit %q in %q", fields[i+1], s)
		}
		total += time.Duration(math.Round(n * float64(unit)))
	}
	return total, nil
}

var durationUnits = map[string]time.Duration{
	"day":    24 * time.Hour,
	"hour":   time.Hour,
	"minute": time.Minute,
	"second": time.Second,
}

// RepositoryRecord returns the repository the report was written to.
func (r Report) RepositoryRecord(addedAt time.Time) Repository {
	return Repository{Path: r.Repository, AddedAt: addedAt}
}

// ArchiveRecord returns the archive the report describes.
func (r Report) ArchiveRecord() Archive {
	return Archive{
		Name:        r.ArchiveName,
		Fingerprint: r.Fingerprint,
		Start:       r.Start,
		End:         r.End,
		FileCount:   r.FileCount,
	}
}

// LogEntryRecord returns the log entry for this run.
func (r Report) LogEntryRecord() LogEntry {
	return LogEntry{
		Name:             r.ArchiveName,
		Fingerprint:      r.Fingerprint,
		Start:            r.Start,
		End:              r.End,
		Duration:         r.Duration,
		FileCount:        r.FileCount,
		OriginalSize:     r.OriginalSize,
		CompressedSize:   r.CompressedSize,
		DeduplicatedSize: r.DeduplicatedSize,
	}
}
