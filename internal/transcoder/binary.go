package transcoder

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/jmylchreest/chunkrelay/internal/config"
	"github.com/jmylchreest/chunkrelay/internal/util"
)

// ErrBinaryNotFound is returned when the transcoder executable does not exist.
var ErrBinaryNotFound = errors.New("transcoder binary not found")

// DefaultExecutableName returns the platform's transcoder executable name.
func DefaultExecutableName(goos string) string {
	if goos == "windows" {
		return "PlexTranscoder.exe"
	}
	return "Plex Transcoder"
}

// BinaryPath returns where the transcoder executable is expected to live.
func BinaryPath(cfg config.TranscoderConfig) string {
	exe := cfg.Exe
	if exe == "" {
		exe = DefaultExecutableName(runtime.GOOS)
	}
	if filepath.IsAbs(exe) {
		return exe
	}
	return filepath.Join(cfg.BinPath(), exe)
}

// ResolveBinary returns the transcoder executable path, verifying it exists.
func ResolveBinary(cfg config.TranscoderConfig) (string, error) {
	path := BinaryPath(cfg)
	if !util.IsExecutable(path) {
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, path)
	}
	return path, nil
}
