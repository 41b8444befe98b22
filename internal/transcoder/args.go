package transcoder

import (
	"math"
	"slices"
	"strconv"
	"strings"
)

// Argument flags recognised when seeking.
const (
	flagSegmentStart   = "-segment_start_number"
	flagSkipToSegment  = "-skip_to_segment"
	flagSegmentTime    = "-segment_time"
	flagMinSegDuration = "-min_seg_duration"
	flagForceKeyFrames = "-force_key_frames"
	flagVsync          = "-vsync"
	flagSeek           = "-ss"
	flagInput          = "-i"

	// longPollPattern marks a template writing numbered chunks directly. Those
	// templates can only be repositioned with -ss.
	longPollPattern = "chunk-%05d"
)

// DefaultSegmentDuration is the segment length assumed when the template names none.
const DefaultSegmentDuration = 5.0

// IsLongPoll reports whether args use the long-poll output shape.
func IsLongPoll(args []string) bool {
	return slices.Contains(args, longPollPattern)
}

// valueAfter returns the index of the value following the first occurrence of
// any of flags, or -1.
func valueAfter(args []string, flags ...string) int {
	for i := 0; i < len(args)-1; i++ {
		if slices.Contains(flags, args[i]) {
			return i + 1
		}
	}
	return -1
}

// StartSegment returns the value of -segment_start_number or -skip_to_segment.
func StartSegment(args []string) (int, bool) {
	i := valueAfter(args, flagSegmentStart, flagSkipToSegment)
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, false
	}
	return n, true
}

// InitialLastChunk is the value the last-chunk counter takes right after a
// launch: one before the start segment, or 0.
func InitialLastChunk(args []string) int {
	n, _ := StartSegment(args)
	if n > 0 {
		return n - 1
	}
	return 0
}

// FirstChunk is the index of the first chunk args produce: the start segment
// when one is set, otherwise 0.
func FirstChunk(args []string) int {
	n, ok := StartSegment(args)
	if !ok || n < 0 {
		return 0
	}
	return n
}

// SegmentDuration returns the segment length in seconds and the chunk index
// correction to apply when converting a chunk index to a start time.
// -min_seg_duration is given in microseconds and numbers chunks from 1.
func SegmentDuration(args []string) (seconds float64, correction int) {
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case flagSegmentTime:
			if v, err := strconv.ParseFloat(args[i+1], 64); err == nil && v > 0 {
				return v, 0
			}
			return DefaultSegmentDuration, 0
		case flagMinSegDuration:
			if v, err := strconv.ParseFloat(args[i+1], 64); err == nil && v > 0 {
				return v / 1e6, -1
			}
			return DefaultSegmentDuration, -1
		}
	}
	return DefaultSegmentDuration, 0
}

// ChunkStartTime returns the media time in seconds at which chunk begins.
func ChunkStartTime(args []string, chunk int) float64 {
	dur, corr := SegmentDuration(args)
	return math.Max(0, float64(chunk+corr)*dur)
}

// ChunkForOffset returns the chunk containing the media time offset (seconds).
func ChunkForOffset(args []string, offset int) int {
	dur, corr := SegmentDuration(args)
	if offset <= 0 {
		return 0
	}
	return int(math.Floor(float64(offset)/dur)) - corr
}

// argsAtOffset repositions args to the chunk holding offset seconds.
func argsAtOffset(args []string, offset int) []string {
	return PatchArgs(args, ChunkForOffset(args, offset), offset)
}

// PatchArgs returns a copy of args repositioned to start producing chunk.
// Long-poll templates are repositioned to streamOffset seconds instead.
// Applying PatchArgs repeatedly with the same inputs yields the same result.
func PatchArgs(args []string, chunk, streamOffset int) []string {
	out := slices.Clone(args)

	if IsLongPoll(out) {
		return SetSeek(out, float64(streamOffset))
	}

	if i := valueAfter(out, flagSegmentStart, flagSkipToSegment); i >= 0 {
		out[i] = strconv.Itoa(chunk)
	}

	dur, _ := SegmentDuration(out)
	start := ChunkStartTime(out, chunk)

	for i := 0; i < len(out)-1; i++ {
		if strings.HasPrefix(out[i], flagForceKeyFrames) {
			out[i+1] = "expr:gte(t," + formatSeconds(start) + "+n_forced*" + formatSeconds(dur) + ")"
		}
	}

	for {
		i := slices.Index(out, flagVsync)
		if i < 0 {
			break
		}
		end := min(i+2, len(out))
		out = slices.Delete(out, i, end)
	}

	return SetSeek(out, start)
}

// SetSeek sets the -ss value in place when present, otherwise inserts
// "-ss <seconds>" before the first -i (or at the front when there is none).
func SetSeek(args []string, seconds float64) []string {
	value := formatSeconds(seconds)
	if i := valueAfter(args, flagSeek); i >= 0 {
		args[i] = value
		return args
	}
	at := slices.Index(args, flagInput)
	if at < 0 {
		at = 0
	}
	return slices.Insert(args, at, flagSeek, value)
}

// formatSeconds renders seconds the shortest way: 60, 2.5, 0.04.
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
