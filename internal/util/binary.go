// Package util provides shared utility functions.
package util

import (
	"os"
	"runtime"
)

// IsExecutable checks if a file exists and is executable by the current user.
// Windows has no executable bit, so any regular file qualifies there.
func IsExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	// Check executable bit (any of owner/group/other)
	return info.Mode()&0o111 != 0
}
