package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const sessionFileName = "session"

// EnsureSessionID returns the stable per-install session identifier,
// creating and persisting one on first run. Backends scope their working
// directories by it so two installs sharing a temp directory never collide.
func EnsureSessionID(stateDir string) (string, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}

	sessionPath := filepath.Join(stateDir, sessionFileName)

	b, err := os.ReadFile(sessionPath)
	if err == nil {
		if id, parseErr := uuid.Parse(strings.TrimSpace(string(b))); parseErr == nil {
			return id.String(), nil
		}
		// Unreadable session file; mint a new identifier below.
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.NewString()

	if err := os.WriteFile(sessionPath, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("failed to persist session identifier: %w", err)
	}

	return id, nil
}
