package paigeant

import (
	"fmt"
	"time"
)

// timestampLayout renders ISO-8601 UTC with millisecond precision. UTC times
// format with a literal Z suffix; offsets are accepted on parse.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp is a wall-clock instant with millisecond precision, always UTC.
// It round-trips through JSON byte-for-byte, which keeps re-serialization of
// an unmodified envelope stable.
type Timestamp time.Time

// NewTimestamp normalizes t to UTC and truncates it to milliseconds.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC().Truncate(time.Millisecond))
}

// Now returns the current instant as a Timestamp.
func Now() Timestamp {
	return NewTimestamp(time.Now())
}

// Time returns the underlying time value.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool {
	return time.Time(t).IsZero()
}

// Equal reports whether two timestamps denote the same instant.
func (t Timestamp) Equal(o Timestamp) bool {
	return time.Time(t).Equal(time.Time(o))
}

// String renders the wire form.
func (t Timestamp) String() string {
	return time.Time(t).UTC().Format(timestampLayout)
}

// MarshalJSON renders the timestamp in wire form.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON accepts the wire form as well as any RFC 3339 rendering and
// normalizes to UTC milliseconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("timestamp must be a JSON string, got %s", data)
	}
	s := string(data[1 : len(data)-1])
	parsed, err := time.Parse(timestampLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	*t = NewTimestamp(parsed)
	return nil
}
