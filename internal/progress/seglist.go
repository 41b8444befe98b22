// Package progress records transcoder progress callbacks in the chunk registry
// and wakes up the requests waiting for those chunks.
package progress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/jmylchreest/chunkrelay/internal/metrics"
	"github.com/jmylchreest/chunkrelay/internal/registry"
)

// ErrMalformedEntry is returned for a segment list line that names no chunk.
var ErrMalformedEntry = errors.New("malformed segment list entry")

// Entry is one produced segment.
type Entry struct {
	// Index is the chunk index, -1 for the init segment.
	Index int
	// Start is the media time the segment starts at, in seconds.
	Start    float64
	HasStart bool
}

// ChunkID returns the registry form of the entry.
func (e Entry) ChunkID() string {
	return registry.ChunkID(e.Index)
}

// ParseSegmentList reads a segment list: one "name[,start[,end]]" per line.
// Blank lines and lines starting with '#' are ignored.
func ParseSegmentList(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading segment list: %w", err)
	}
	return entries, nil
}

func parseEntry(line string) (Entry, error) {
	fields := strings.Split(line, ",")
	idx, err := parseChunkName(strings.TrimSpace(fields[0]))
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Index: idx}
	if len(fields) > 1 {
		if start, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64); err == nil {
			e.Start = start
			e.HasStart = true
		}
	}
	return e, nil
}

// parseChunkName maps "chunk-00012.ts", "media-12", "sub-chunk-00001" to 12 or 1,
// and "header"/"init" to -1.
func parseChunkName(name string) (int, error) {
	base := path.Base(name)
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "header" || base == "init" || strings.HasSuffix(base, "-header") {
		return -1, nil
	}
	i := strings.LastIndexByte(base, '-')
	digits := base[i+1:]
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedEntry, name)
	}
	return n, nil
}

// Ingestor writes progress into the chunk registry.
type Ingestor struct {
	reg    registry.Registry
	logger *slog.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(reg registry.Registry, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{reg: reg, logger: logger.With(slog.String("component", "progress"))}
}

// Record marks entries of streamID as produced for sessionID. New chunks are
// announced on the session event, video start times are indexed by whole
// second, and the last-chunk counter is raised to the highest index seen.
// It returns how many entries were new.
func (i *Ingestor) Record(ctx context.Context, sessionID, streamID string, entries []Entry) (int, error) {
	highest := -1
	added := 0
	for _, e := range entries {
		key := registry.ChunkKey(sessionID, streamID, e.ChunkID())
		_, exists, err := i.reg.Get(ctx, key)
		if err != nil {
			return added, fmt.Errorf("checking %s: %w", key, err)
		}

		if streamID == registry.StreamVideo && e.Index >= 0 {
			if e.HasStart {
				tc := registry.TimecodeKey(sessionID, int(math.Floor(e.Start)))
				if err := registry.SetInt(ctx, i.reg, tc, e.Index); err != nil {
					return added, fmt.Errorf("indexing timecode: %w", err)
				}
			}
			highest = max(highest, e.Index)
		}

		if exists {
			continue
		}
		if err := i.reg.Set(ctx, key, "1"); err != nil {
			return added, fmt.Errorf("recording %s: %w", key, err)
		}
		added++
		metrics.SegmentsIngested.WithLabelValues(streamID).Inc()

		n := registry.Notification{StreamID: streamID, ChunkID: e.ChunkID()}
		if err := i.reg.Publish(ctx, registry.SessionEvent(sessionID), n); err != nil {
			i.logger.Warn("announcing chunk failed",
				slog.String("session_id", sessionID),
				slog.String("chunk", n.ChunkID),
				slog.String("error", err.Error()),
			)
		}
	}

	if highest >= 0 {
		if err := i.raiseLast(ctx, sessionID, highest); err != nil {
			return added, err
		}
	}

	i.logger.Debug("segment list recorded",
		slog.String("session_id", sessionID),
		slog.String("stream", streamID),
		slog.Int("entries", len(entries)),
		slog.Int("new", added),
	)
	return added, nil
}

// RecordInit marks the init segment of streamID as produced.
func (i *Ingestor) RecordInit(ctx context.Context, sessionID, streamID string) error {
	_, err := i.Record(ctx, sessionID, streamID, []Entry{{Index: -1}})
	return err
}

func (i *Ingestor) raiseLast(ctx context.Context, sessionID string, highest int) error {
	key := registry.LastKey(sessionID)
	last, ok, err := registry.GetInt(ctx, i.reg, key)
	if err != nil {
		i.logger.Warn("unreadable last chunk counter, overwriting",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	if ok && last >= highest {
		return nil
	}
	if err := registry.SetInt(ctx, i.reg, key, highest); err != nil {
		return fmt.Errorf("raising last chunk: %w", err)
	}
	return nil
}
