package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateAPIKey returns the key protecting the control plane. A key
// passed via the environment wins; otherwise the persisted key is reused,
// and on first boot a fresh 32-byte hex key is generated and written with
// owner-only permissions.
func LoadOrCreateAPIKey(envKey, path string) (string, error) {
	if envKey != "" {
		return envKey, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			// An empty key file means the agent would silently run
			// unprotected. Fail hard so the operator can investigate.
			return "", fmt.Errorf("corrupt api-key file at %s: empty", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read api-key file: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	key := hex.EncodeToString(buf)

	if err := os.WriteFile(path, []byte(key), 0o600); err != nil {
		return "", fmt.Errorf("failed to write api-key file: %w", err)
	}

	slog.Info("generated new api key", "path", path)
	return key, nil
}

// LoadOrCreateAgentID reads the agent ID from disk, or generates and
// persists a new one. The ID is stable across restarts.
func LoadOrCreateAgentID(path string) (uuid.UUID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id, err := uuid.Parse(strings.TrimSpace(string(data)))
		if err == nil {
			return id, nil
		}
		// A corrupt agent-id file indicates something is wrong with the
		// data dir. Do not silently regenerate.
		return uuid.UUID{}, fmt.Errorf("corrupt agent-id file at %s: %w", path, err)
	}
	if !os.IsNotExist(err) {
		return uuid.UUID{}, fmt.Errorf("failed to read agent-id file: %w", err)
	}

	id := uuid.New()
	if err := os.WriteFile(path, []byte(id.String()), 0o644); err != nil {
		return uuid.UUID{}, fmt.Errorf("failed to write agent-id: %w", err)
	}

	slog.Info("generated new agent id", "agent_id", id)
	return id, nil
}
