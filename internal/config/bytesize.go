package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	kib ByteSize = 1 << (10 * (iota + 1))
	mib
	gib
	tib
	pib
)

// sizeUnits is ordered largest first so String picks the biggest fitting unit.
var sizeUnits = []struct {
	name  string
	size  ByteSize
	alias []string
}{
	{"PB", pib, []string{"p", "pb", "pib"}},
	{"TB", tib, []string{"t", "tb", "tib"}},
	{"GB", gib, []string{"g", "gb", "gib"}},
	{"MB", mib, []string{"m", "mb", "mib"}},
	{"KB", kib, []string{"k", "kb", "kib"}},
}

var sizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// ByteSize is a size in bytes that parses human units. All units are binary:
// "5MB" and "5MiB" are both 5*1024*1024. A bare number is bytes.
type ByteSize int64

// ParseByteSize parses a human-readable byte size such as "10GiB" or "1.5 MB".
func ParseByteSize(s string) (ByteSize, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", m[1], err)
	}

	unit := strings.ToLower(m[2])
	mult := ByteSize(1)
	switch unit {
	case "", "b", "byte", "bytes":
	default:
		found := false
		for _, u := range sizeUnits {
			for _, a := range u.alias {
				if a == unit {
					mult, found = u.size, true
				}
			}
		}
		if !found {
			return 0, fmt.Errorf("bytesize: unknown unit %q", m[2])
		}
	}
	return ByteSize(value * float64(mult)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON accepts either a size string or integer bytes.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String renders the size in the largest unit with a value of at least one,
// keeping up to two decimals.
func (b ByteSize) String() string {
	if b == 0 {
		return "0B"
	}
	sign := ""
	if b < 0 {
		sign, b = "-", -b
	}
	for _, u := range sizeUnits {
		if b < u.size {
			continue
		}
		v := strconv.FormatFloat(float64(b)/float64(u.size), 'f', 2, 64)
		v = strings.TrimRight(strings.TrimRight(v, "0"), ".")
		return sign + v + u.name
	}
	return fmt.Sprintf("%s%dB", sign, int64(b))
}
