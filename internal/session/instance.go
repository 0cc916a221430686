package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the instance ID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not exist.
// The instance ID gives the daemon a stable broker identity across
// restarts, so a restarted daemon reclaims its own session instead of
// colliding with a stranger's client ID.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}

	return idStr, nil
}

// ClientID returns the configured client ID, or derives a stable one
// from the instance ID. The UUID's random tail is used rather than its
// timestamp prefix, and the result stays within the 23-byte client ID
// limit older brokers enforce.
func ClientID(configured, instanceID string) string {
	if configured != "" {
		return configured
	}
	suffix := instanceID
	if i := strings.LastIndex(instanceID, "-"); i >= 0 {
		suffix = instanceID[i+1:]
	}
	return "occupancyd-" + suffix
}
