// Package testsuite carries the helpers shared across the agent's
// tests: a quiet logger, zip fixtures, polling, and an in-memory
// container runtime that stands in for the Docker daemon.
package testsuite

import (
	"archive/zip"
	"bytes"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
)

// NewLogger returns a logger that stays silent unless something errors.
func NewLogger() *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
}

// BuildZip assembles an in-memory archive from path to content pairs.
func BuildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// WaitUntil polls f every 50 ms until it reports true or the timeout
// passes.
func WaitUntil(t *testing.T, timeout time.Duration, f func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.Failf(t, "timeout", "condition not met within %s", timeout)
}
