// Package ioworkspace implements per-execution workspace preparation: base64
// decoding, on-disk file layout (including Java package-directory placement),
// and memory-size string parsing.
package ioworkspace

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"sandboxrunner/internal/metrics"
)

// ErrInvalidEncoding is returned when a payload fails base64 validation.
var ErrInvalidEncoding = fmt.Errorf("invalid base64 encoding")

// ErrUnsafeSource is returned when the sanitizer predicate rejects a file.
var ErrUnsafeSource = fmt.Errorf("unsafe source file")

var base64Pattern = regexp.MustCompile(`^(?:[A-Za-z0-9+/]{4})*(?:[A-Za-z0-9+/]{2}==|[A-Za-z0-9+/]{3}=|[A-Za-z0-9+/]{4})?$`)

var javaPackagePattern = regexp.MustCompile(`^\s*package\s+([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\s*;`)

// DecodeBase64 strictly validates s against the RFC 4648 core alphabet with
// correct padding before decoding. The empty string validates as empty.
func DecodeBase64(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	if !base64Pattern.MatchString(s) {
		return nil, ErrInvalidEncoding
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return b, nil
}

// EncodeBase64 encodes b using the standard RFC 4648 alphabet with padding,
// the inverse of DecodeBase64.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// IsValidBase64 reports whether s would decode successfully via DecodeBase64.
func IsValidBase64(s string) bool {
	if s == "" {
		return true
	}
	return base64Pattern.MatchString(s)
}

// ValidateRelPath enforces the workspace filename invariant: a relative
// path with no absolute prefix and no ".." segment, so no file can land
// outside the workspace root.
func ValidateRelPath(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty filename", ErrUnsafeSource)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: absolute path %q", ErrUnsafeSource, name)
	}
	for _, seg := range strings.Split(filepath.ToSlash(name), "/") {
		if seg == ".." {
			return fmt.Errorf("%w: path %q escapes workspace", ErrUnsafeSource, name)
		}
	}
	return nil
}

// JavaPackageDir returns the slash-separated directory path derived from a
// leading `package X.Y.Z;` declaration in source, or "" when the file
// belongs to the default package.
func JavaPackageDir(source string) string {
	if m := javaPackagePattern.FindStringSubmatch(source); len(m) == 2 {
		return strings.ReplaceAll(m[1], ".", "/")
	}
	return ""
}

// Sanitizer is an injectable pre-check run against each file's decoded
// content before it is written to the workspace. The default is permissive;
// a caller that wants source-code sanitization as a security boundary
// supplies its own predicate.
type Sanitizer func(filename, content string) error

// LayoutOptions controls LayoutWorkspace behavior.
type LayoutOptions struct {
	// IsJava scans decoded content for a leading `package X.Y.Z;` declaration
	// and places the file under root/X/Y/Z/name instead of root/name.
	IsJava bool
	// Base64 indicates file content is base64-encoded and must be decoded
	// before being written and (for Java) scanned for a package declaration.
	Base64 bool
	// Sanitize is consulted for every file's decoded content; nil means no check.
	Sanitize Sanitizer
	// Language labels the per-file byte counts reported to internal/metrics;
	// empty skips reporting.
	Language string
}

// NewWorkspaceRoot allocates a fresh workspace directory at
// <root>/<service>/<uuid>/ and returns its path. The caller owns removing it.
func NewWorkspaceRoot(tmpRoot, service string) (string, error) {
	if tmpRoot == "" {
		tmpRoot = os.TempDir()
	}
	dir := filepath.Join(tmpRoot, service, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}
	return dir, nil
}

// LayoutWorkspace writes files into root according to opts. All files are
// written concurrently; the call returns only once every write has
// succeeded, or on the first InvalidEncoding/UnsafeSource failure.
func LayoutWorkspace(ctx context.Context, root string, files map[string]string, opts LayoutOptions) error {
	if len(files) == 0 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for name, raw := range files {
		wg.Add(1)
		go func(name, raw string) {
			defer wg.Done()

			if err := ctx.Err(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			if err := ValidateRelPath(name); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			content := raw
			if opts.Base64 {
				decoded, err := DecodeBase64(raw)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("%s: %w", name, err)
					}
					mu.Unlock()
					return
				}
				content = string(decoded)
			}

			if opts.Sanitize != nil {
				if err := opts.Sanitize(name, content); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("%s: %w: %v", name, ErrUnsafeSource, err)
					}
					mu.Unlock()
					return
				}
			}

			target := filepath.Join(root, name)
			if opts.IsJava {
				if pkgDir := JavaPackageDir(content); pkgDir != "" {
					target = filepath.Join(root, filepath.FromSlash(pkgDir), name)
				}
			}

			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", name, err)
				}
				mu.Unlock()
				return
			}
			if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", name, err)
				}
				mu.Unlock()
				return
			}
			if opts.Language != "" {
				metrics.Get().RecordWorkspaceFile(opts.Language, len(content))
			}
		}(name, raw)
	}

	wg.Wait()
	return firstErr
}

// ParseMemoryLimit converts a suffixed memory-size string (K|M|G,
// case-insensitive) into a byte count. Bare digits are interpreted as bytes.
func ParseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory limit")
	}

	multiplier := int64(1)
	numeric := s
	switch s[len(s)-1] {
	case 'k', 'K':
		multiplier = 1024
		numeric = s[:len(s)-1]
	case 'm', 'M':
		multiplier = 1024 * 1024
		numeric = s[:len(s)-1]
	case 'g', 'G':
		multiplier = 1024 * 1024 * 1024
		numeric = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(numeric), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	return n * multiplier, nil
}
