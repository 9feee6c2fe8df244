package utils

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// MakeHash returns hex encoded sha256 digest of the given string
func MakeHash(s string) string {
	return digest.SHA256.FromString(s).Encoded()
}

// MakeMemoryKey appends requested decode size to a disk key
func MakeMemoryKey(diskKey string, width int, height int) string {
	return fmt.Sprintf("%s@%dx%d", diskKey, width, height)
}

// MakeShardedPath returns <root>/<key[0:2]>/<key>
func MakeShardedPath(root string, key string) string {
	if len(key) < 2 {
		return filepath.Join(root, key)
	}
	return filepath.Join(root, key[0:2], key)
}

// StripScheme removes a "scheme://" prefix
func StripScheme(resourceID string) string {
	idx := strings.Index(resourceID, "://")
	if idx < 0 {
		return resourceID
	}
	return resourceID[idx+3:]
}

// GetScheme returns lower-cased scheme of the resource id, or empty string
func GetScheme(resourceID string) string {
	idx := strings.Index(resourceID, "://")
	if idx <= 0 {
		return ""
	}
	return strings.ToLower(resourceID[:idx])
}

// CalculateSpeed returns bytes per second
func CalculateSpeed(bytes int64, elapsed time.Duration) int64 {
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(bytes) / elapsed.Seconds())
}
