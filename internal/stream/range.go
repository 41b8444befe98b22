// Package stream delivers transcoder output to HTTP clients as one continuous
// byte stream assembled from on-disk chunk files.
package stream

import (
	"errors"
	"strconv"
	"strings"
)

// DefaultMaxRangeSize is the logical stream size ranges are resolved against.
const DefaultMaxRangeSize int64 = 500 * 1024 * 1024 * 1024

// Range errors.
var (
	ErrMalformedRange     = errors.New("malformed range header")
	ErrUnsatisfiableRange = errors.New("unsatisfiable range")
)

// Range is a byte window of the logical stream. End is exclusive.
type Range struct {
	Unit  string
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// ParseRange resolves a Range header against a stream of size bytes.
// An empty header yields nil and no error. Only the first range of a
// multi-range header is used. Units other than bytes are parsed the same way;
// callers decide whether to warn about them.
func ParseRange(header string, size int64) (*Range, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	unit, spec, ok := strings.Cut(header, "=")
	if !ok || unit == "" {
		return nil, ErrMalformedRange
	}
	first, _, _ := strings.Cut(spec, ",")
	first = strings.TrimSpace(first)
	startStr, endStr, ok := strings.Cut(first, "-")
	if !ok {
		return nil, ErrMalformedRange
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	r := &Range{Unit: strings.TrimSpace(unit)}
	switch {
	case startStr == "" && endStr == "":
		return nil, ErrMalformedRange
	case startStr == "":
		// Suffix range: the last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return nil, ErrMalformedRange
		}
		r.Start = max(size-n, 0)
		r.End = size
	default:
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 {
			return nil, ErrMalformedRange
		}
		end := size - 1
		if endStr != "" {
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil {
				return nil, ErrMalformedRange
			}
			end = min(end, size-1)
		}
		if start > end {
			return nil, ErrUnsatisfiableRange
		}
		r.Start = start
		r.End = end + 1
	}
	if r.Start >= size {
		return nil, ErrUnsatisfiableRange
	}
	return r, nil
}
