package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const fallbackName = "download"

// maxSuffixProbes bounds the collision suffix search.
const maxSuffixProbes = 1000

// SanitizeName turns a display title into a safe filename component.
func SanitizeName(title string) string {
	var b strings.Builder

	for _, r := range title {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case r < 0x20:
			// drop control characters
		default:
			b.WriteRune(r)
		}
	}

	name := strings.TrimSpace(b.String())
	name = strings.Trim(name, ".")

	if name == "" {
		return fallbackName
	}

	return name
}

// UniquePath returns a path in dir for base+ext that does not collide with
// an existing file, appending " (n)" to the base until it is free.
func UniquePath(dir, base, ext string) (string, error) {
	candidate := filepath.Join(dir, base+ext)

	for i := 1; i <= maxSuffixProbes; i++ {
		_, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}

		if err != nil {
			return "", err
		}

		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
	}

	return "", fmt.Errorf("no free filename for %q in %s", base, dir)
}

// MoveFile moves src to dst, falling back to copy-and-delete when rename
// fails (e.g. across filesystems). The destination directory is created if
// needed.
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)

		return err
	}

	if err := out.Close(); err != nil {
		os.Remove(dst)

		return err
	}

	return os.Remove(src)
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return false
	}

	// EXDEV shows up as "invalid cross-device link" on Linux
	return strings.Contains(linkErr.Err.Error(), "cross-device")
}
