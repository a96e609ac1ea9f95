// Package workspace presents the path-addressed memory store: normalized
// POSIX-like paths, deterministic chunking, best-effort embeddings, and
// hybrid search over the persistence port.
package workspace

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// IdentityFiles are the well-known documents injected into every system
// prompt. Tool writes to these paths are rejected; the match is exact
// name, case-insensitive.
var IdentityFiles = []string{
	"/IDENTITY.md",
	"/SOUL.md",
	"/AGENTS.md",
	"/USER.md",
}

// HeartbeatFile is the checklist read by the heartbeat task.
const HeartbeatFile = "/HEARTBEAT.md"

// NormalizePath canonicalizes a workspace path: leading slash, forward
// separators, no dot segments. Traversal in any encoding and null bytes
// are rejected outright rather than resolved.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", types.ErrInvalidPath)
	}
	if strings.ContainsRune(p, 0) || strings.Contains(p, "%00") {
		return "", fmt.Errorf("%w: null byte", types.ErrInvalidPath)
	}

	// Percent-decoded traversal (%2e%2e%2f and the double-encoded form)
	// must not survive normalization.
	check := p
	for i := 0; i < 2; i++ {
		decoded, err := url.PathUnescape(check)
		if err != nil {
			break
		}
		if decoded == check {
			break
		}
		check = decoded
	}
	check = strings.ReplaceAll(check, `\`, "/")
	if strings.Contains(check, "..") {
		return "", fmt.Errorf("%w: traversal segment", types.ErrInvalidPath)
	}

	clean := strings.ReplaceAll(p, `\`, "/")
	if !strings.HasPrefix(clean, "/") {
		clean = "/" + clean
	}
	clean = path.Clean(clean)
	if clean == "/" || strings.Contains(clean, "..") {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidPath, p)
	}
	return clean, nil
}

// IsIdentityPath reports whether the normalized path names an identity
// file, case-insensitively.
func IsIdentityPath(normalized string) bool {
	for _, f := range IdentityFiles {
		if strings.EqualFold(normalized, f) {
			return true
		}
	}
	return false
}

// CheckWritable normalizes and rejects writes to protected paths.
func CheckWritable(p string) (string, error) {
	normalized, err := NormalizePath(p)
	if err != nil {
		return "", err
	}
	if IsIdentityPath(normalized) {
		return "", fmt.Errorf("%w: %s", types.ErrProtectedPath, normalized)
	}
	return normalized, nil
}
