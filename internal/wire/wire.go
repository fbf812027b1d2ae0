// Package wire holds the JSON codec and the lenient field types shared by the
// billing server clients.
package wire

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Json is the codec used for every server payload.
var Json = jsoniter.ConfigCompatibleWithStandardLibrary

// Number decodes a JSON number or numeric string. Fractions are floored and
// null leaves Set false.
type Number struct {
	Value int
	Set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*n = Number{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("invalid number %s: %w", s, err)
		}
		s = strings.TrimSpace(unquoted)
		if s == "" {
			*n = Number{}
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("invalid number %q", s)
	}
	n.Value = int(math.Floor(f))
	n.Set = true
	return nil
}

// Int returns the decoded value, zero when unset.
func (n Number) Int() int {
	return n.Value
}

// Text decodes a JSON string or number into its textual form. Device ids
// arrive as either.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*t = ""
	case strings.HasPrefix(s, `"`):
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("invalid string %s: %w", s, err)
		}
		*t = Text(unquoted)
	default:
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return fmt.Errorf("invalid text value %s", s)
		}
		*t = Text(s)
	}
	return nil
}

// String returns t as a plain string.
func (t Text) String() string {
	return string(t)
}

// RawMessage holds an undecoded payload. Unlike a plain byte slice it
// remembers whether the field was null.
type RawMessage []byte

// UnmarshalJSON implements json.Unmarshaler.
func (m *RawMessage) UnmarshalJSON(b []byte) error {
	*m = append((*m)[:0], b...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m RawMessage) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

// IsNull reports whether the payload is absent or null.
func (m RawMessage) IsNull() bool {
	s := strings.TrimSpace(string(m))
	return s == "" || s == "null"
}
