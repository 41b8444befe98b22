// Package registry provides the chunk registry: a small key-value store with
// publish/subscribe events that records which transcoder outputs exist.
//
// Keys written for a session:
//
//	{sessionId}                     command template (JSON)
//	{sessionId}:last                highest chunk index produced so far
//	{sessionId}:{streamId}:{chunk}  chunk marker, chunk is 5-digit padded or "init"
//	{sessionId}:timecode:{seconds}  chunk index starting at that time offset
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Stream identifiers.
const (
	StreamVideo    = "0"
	StreamSubtitle = "sub"
	StreamInit     = "init"
)

// InitChunkID is the registry form of the init segment.
const InitChunkID = "init"

// ErrClosed is returned by operations on a closed registry.
var ErrClosed = errors.New("registry closed")

// Notification is the payload published on a session event when a chunk is produced.
type Notification struct {
	StreamID string `json:"streamId"`
	ChunkID  string `json:"chunkId"`
}

// Subscription delivers notifications for one event until closed.
type Subscription interface {
	C() <-chan Notification
	Close() error
}

// Registry is the chunk registry backend.
type Registry interface {
	// Get returns the value stored at key. ok is false when the key does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Keys returns every key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, event string, n Notification) error
	Subscribe(ctx context.Context, event string) (Subscription, error)
	Close() error
}

// ChunkID returns the registry form of a chunk index.
func ChunkID(index int) string {
	if index < 0 {
		return InitChunkID
	}
	return fmt.Sprintf("%05d", index)
}

// ChunkKey returns the marker key of a produced chunk.
func ChunkKey(sessionID, streamID, chunkID string) string {
	return sessionID + ":" + streamID + ":" + chunkID
}

// LastKey returns the key holding the last produced chunk index.
func LastKey(sessionID string) string {
	return sessionID + ":last"
}

// TimecodeKey returns the key mapping a time offset in seconds to a chunk index.
func TimecodeKey(sessionID string, offset int) string {
	return sessionID + ":timecode:" + strconv.Itoa(offset)
}

// SessionPrefix returns the prefix shared by all per-session keys except the template.
func SessionPrefix(sessionID string) string {
	return sessionID + ":"
}

// SessionEvent is the event published when a chunk of the session is produced.
func SessionEvent(sessionID string) string {
	return "session-" + sessionID
}

// TemplateEvent is the event published when the command template for a session is stored.
func TemplateEvent(sessionID string) string {
	return "template-" + sessionID
}

// GetInt reads an integer value. ok is false when the key is missing.
func GetInt(ctx context.Context, r Registry, key string) (int, bool, error) {
	v, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, true, nil
}

// SetInt stores an integer value.
func SetInt(ctx context.Context, r Registry, key string, n int) error {
	return r.Set(ctx, key, strconv.Itoa(n))
}

// PurgeSession removes the per-session keys. The template key is removed only
// when full is set. keep lists keys that must survive.
func PurgeSession(ctx context.Context, r Registry, sessionID string, full bool, keep ...string) error {
	keys, err := r.Keys(ctx, SessionPrefix(sessionID))
	if err != nil {
		return fmt.Errorf("listing session keys: %w", err)
	}
	if full {
		keys = append(keys, sessionID)
	}
	if len(keep) > 0 {
		filtered := keys[:0]
	outer:
		for _, k := range keys {
			for _, kk := range keep {
				if k == kk {
					continue outer
				}
			}
			filtered = append(filtered, k)
		}
		keys = filtered
	}
	if len(keys) == 0 {
		return nil
	}
	return r.Delete(ctx, keys...)
}
