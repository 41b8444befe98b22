package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jmylchreest/chunkrelay/internal/metrics"
	"github.com/jmylchreest/chunkrelay/internal/storage"
)

// HeaderChunk is the chunk index of the init segment file.
const HeaderChunk = -1

// ErrClientGone is returned when the client disconnected mid-stream.
var ErrClientGone = errors.New("client disconnected")

// Cursor tracks how many bytes of the logical stream one request has
// accounted for, and the byte window it asked for.
type Cursor struct {
	Range    *Range
	Position int64
	Written  int64
}

// FileServer streams chunk files of the transcoder cache.
type FileServer struct {
	box *storage.Sandbox
}

// NewFileServer serves files under {cache root}/{sessionId}/.
func NewFileServer(box *storage.Sandbox) *FileServer {
	return &FileServer{box: box}
}

// ChunkPath returns the file holding chunk of a session. HeaderChunk maps to
// the header file; subtitle files carry a "sub-" prefix.
func (fs *FileServer) ChunkPath(sessionID string, chunk int, subtitle bool) string {
	return filepath.Join(fs.box.BaseDir(), sessionID, chunkName(chunk, subtitle))
}

func chunkName(chunk int, subtitle bool) string {
	name := "header"
	if chunk != HeaderChunk {
		name = fmt.Sprintf("chunk-%05d", chunk)
	}
	if subtitle {
		name = "sub-" + name
	}
	return name
}

// ServeChunk writes this chunk's contribution to the requested window and
// advances the cursor. done reports that the window's end was reached and the
// response must end.
func (fs *FileServer) ServeChunk(ctx context.Context, w io.Writer, cur *Cursor, sessionID string, chunk int, subtitle bool) (done bool, err error) {
	path, err := fs.box.SessionPath(sessionID, chunkName(chunk, subtitle))
	if err != nil {
		return false, err
	}
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening chunk: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat chunk: %w", err)
	}
	size := info.Size()
	remaining := size

	if cur.Range != nil && cur.Range.Start > cur.Position {
		skip := cur.Range.Start - cur.Position
		if skip >= size {
			cur.Position += size
			return false, nil
		}
		if _, err := f.Seek(skip, io.SeekStart); err != nil {
			return false, fmt.Errorf("seeking chunk: %w", err)
		}
		cur.Position += skip
		remaining = size - skip
	}

	toWrite := remaining
	truncated := false
	if cur.Range != nil && cur.Range.End < cur.Position+remaining {
		toWrite = max(cur.Range.End-cur.Position, 0)
		truncated = true
	}

	n, err := io.CopyN(&ctxWriter{ctx: ctx, w: w}, f, toWrite)
	cur.Position += n
	cur.Written += n
	stream := "video"
	if subtitle {
		stream = "subtitle"
	}
	metrics.BytesServed.WithLabelValues(stream).Add(float64(n))
	if err != nil {
		if errors.Is(err, ErrClientGone) {
			return true, err
		}
		return true, fmt.Errorf("reading chunk: %w", err)
	}

	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}

	if truncated {
		return true, nil
	}
	return cur.Range != nil && cur.Position >= cur.Range.End, nil
}

// ctxWriter refuses writes once the request context is done.
type ctxWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c *ctxWriter) Write(p []byte) (int, error) {
	if c.ctx.Err() != nil {
		return 0, ErrClientGone
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return n, nil
}
