package arbiter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TabID returns this instance's identifier. With an empty path it is random
// per process; otherwise it is read from path, created there on first use.
func TabID(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return uuid.NewString(), nil
	}
	b, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read tab id: %w", err)
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create tab id dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write tab id: %w", err)
	}
	return id, nil
}
