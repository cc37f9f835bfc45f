package borg

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Attribute keys extracted from `borg create --stats` output.
const (
	KeyRepository       = "Repository"
	KeyArchiveName      = "Archive name"
	KeyFingerprint      = "Archive fingerprint"
	KeyTimeStart        = "Time (start)"
	KeyTimeEnd          = "Time (end)"
	KeyDuration         = "Duration"
	KeyFileCount        = "Number of files"
	KeyOriginalSize     = "Original size"
	KeyCompressedSize   = "Compressed size"
	KeyDeduplicatedSize = "Deduplicated size"
)

// Keys lists every attribute key in output order.
var Keys = []string{
	KeyRepository,
	KeyArchiveName,
	KeyFingerprint,
	KeyTimeStart,
	KeyTimeEnd,
	KeyDuration,
	KeyFileCount,
	KeyOriginalSize,
	KeyCompressedSize,
	KeyDeduplicatedSize,
}

// linePrefixes maps the label a line starts with to its key.
var linePrefixes = []struct {
	prefix string
	key    string
}{
	{"Repository: ", KeyRepository},
	{"Archive name: ", KeyArchiveName},
	{"Archive fingerprint: ", KeyFingerprint},
	{"Time (start): ", KeyTimeStart},
	{"Time (end): ", KeyTimeEnd},
	{"Duration: ", KeyDuration},
	{"Number of files: ", KeyFileCount},
}

// statsPrefix starts the per-archive size line of the stats table.
const statsPrefix = "This archive:"

// Attributes are the key/value pairs found in borg output.
type Attributes map[string]string

// Parse scans borg output line by line and collects the known attributes.
// A label is removed exactly and the remainder trimmed; when a label occurs
// more than once the last line wins. Unknown lines are ignored.
func Parse(r io.Reader) (Attributes, error) {
	attrs := Attributes{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if rest, ok := strings.CutPrefix(line, statsPrefix); ok {
			if err := attrs.parseSizes(rest); err != nil {
				return nil, err
			}
			continue
		}

		for _, p := range linePrefixes {
			if rest, ok := strings.CutPrefix(line, p.prefix); ok {
				attrs[p.key] = strings.TrimSpace(rest)
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read borg output: %w", err)
	}
	return attrs, nil
}

// parseSizes splits "10.41 GB  9.82 GB  7.21 MB" into the three size columns.
func (a Attributes) parseSizes(rest string) error {
	fields := strings.Fields(rest)
	if len(fields) != 6 {
		return fmt.Errorf("unexpected %q line: %q", statsPrefix, strings.TrimSpace(rest))
	}
	a[KeyOriginalSize] = fields[0] + " " + fields[1]
	a[KeyCompressedSize] = fields[2] + " " + fields[3]
	a[KeyDeduplicatedSize] = fields[4] + " " + fields[5]
	return nil
}

// Get returns the value for key, or "" if it was not found.
func (a Attributes) Get(key string) string {
	return a[key]
}

// WriteTo writes one "key: value" line per attribute found, in output order.
func (a Attributes) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, key := range Keys {
		value, ok := a[key]
		if !ok {
			continue
		}
		n, err := fmt.Fprintf(w, "%s: %s\n", key, value)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
