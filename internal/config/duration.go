package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// longUnit matches day and week components, which time.ParseDuration rejects.
var longUnit = regexp.MustCompile(`(?i)(\d+)\s*(weeks?|w|days?|d)`)

// Duration is a time.Duration that also accepts day (d) and week (w) units,
// e.g. "2d", "1w2d12h". Plain Go durations such as "720h" parse unchanged.
type Duration time.Duration

// ParseDuration parses a duration with optional day and week components.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var total time.Duration
	rest := longUnit.ReplaceAllStringFunc(s, func(m string) string {
		sub := longUnit.FindStringSubmatch(m)
		n, _ := strconv.ParseInt(sub[1], 10, 64)
		if strings.HasPrefix(strings.ToLower(sub[2]), "w") {
			total += time.Duration(n) * week
		} else {
			total += time.Duration(n) * day
		}
		return ""
	})

	if rest = strings.ReplaceAll(rest, " ", ""); rest != "" {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("duration: invalid %q: %w", s, err)
		}
		total += d
	}
	if neg {
		total = -total
	}
	return Duration(total), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalJSON accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ns int64
		if err := json.Unmarshal(data, &ns); err != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String renders whole weeks and days with w/d, then the Go remainder.
func (d Duration) String() string {
	dur := time.Duration(d)
	if dur == 0 {
		return "0s"
	}

	var b strings.Builder
	if dur < 0 {
		b.WriteByte('-')
		dur = -dur
	}
	if w := dur / week; w > 0 {
		fmt.Fprintf(&b, "%dw", w)
		dur -= w * week
	}
	if n := dur / day; n > 0 {
		fmt.Fprintf(&b, "%dd", n)
		dur -= n * day
	}
	if dur > 0 {
		b.WriteString(dur.String())
	}
	return b.String()
}
