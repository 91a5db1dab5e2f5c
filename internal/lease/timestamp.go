package lease

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the persisted representation of every lease instant.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

var errEmptyTimestamp = errors.New("empty timestamp")

// naiveLayouts are accepted for records written without a zone; they are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// Timestamp is an instant as stored on a license record. The zero value means unset.
type Timestamp string

// At formats t as a Timestamp. The zero time yields the unset Timestamp.
func At(t time.Time) Timestamp {
	if t.IsZero() {
		return ""
	}
	return Timestamp(t.UTC().Format(TimestampLayout))
}

// IsZero reports whether the timestamp is unset.
func (ts Timestamp) IsZero() bool {
	return strings.TrimSpace(string(ts)) == ""
}

// Time parses the stored value. See ParseInstant.
func (ts Timestamp) Time() (time.Time, error) {
	return ParseInstant(string(ts))
}

// ParseInstant normalizes every timestamp shape found in stored records to a UTC instant.
// Zoned values honour their offset, values without a zone are taken as UTC.
func ParseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errEmptyTimestamp
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
