package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInvoker(freshWindow time.Duration) *Invoker {
	return NewInvoker(zerolog.Nop(), freshWindow)
}

func TestInvoke_Succeeds(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "out.csv")

	result := testInvoker(0).Invoke(context.Background(), Spec{
		Name:         "feature_preparation",
		Command:      "sh",
		Args:         []string{"-c", "echo data > " + artifact},
		ArtifactPath: artifact,
		Timeout:      10 * time.Second,
	})

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, artifact, result.Detail)
	assert.False(t, result.EndedAt.Before(result.StartedAt))
}

func TestInvoke_NonZeroExit(t *testing.T) {
	result := testInvoker(0).Invoke(context.Background(), Spec{
		Name:    "model_inference",
		Command: "sh",
		Args:    []string{"-c", "echo boom >&2; exit 3"},
		Timeout: 10 * time.Second,
	})

	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Detail, "exit status 3")
	assert.Contains(t, result.Detail, "boom")
}

func TestInvoke_MissingArtifact(t *testing.T) {
	result := testInvoker(0).Invoke(context.Background(), Spec{
		Name:         "game_discovery",
		Command:      "true",
		ArtifactPath: filepath.Join(t.TempDir(), "never_written.csv"),
		Timeout:      10 * time.Second,
	})

	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Detail, "artifact missing")
}

func TestInvoke_EmptyArtifact(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(artifact, nil, 0o644))

	result := testInvoker(0).Invoke(context.Background(), Spec{
		Name:         "game_discovery",
		Command:      "true",
		ArtifactPath: artifact,
		Timeout:      10 * time.Second,
	})

	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Detail, "artifact empty")
}

func TestInvoke_Timeout(t *testing.T) {
	start := time.Now()
	result := testInvoker(0).Invoke(context.Background(), Spec{
		Name:    "model_inference",
		Command: "sleep",
		Args:    []string{"30"},
		Timeout: 100 * time.Millisecond,
	})

	assert.Equal(t, StatusTimedOut, result.Status)
	assert.Contains(t, result.Detail, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second, "process was not terminated")
}

func TestInvoke_UnknownCommand(t *testing.T) {
	result := testInvoker(0).Invoke(context.Background(), Spec{
		Name:    "game_discovery",
		Command: "definitely-not-a-command-xyz",
		Timeout: time.Second,
	})

	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Detail, "start failed")
}

func TestInvokeResumable_SkipsFreshArtifact(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, os.WriteFile(artifact, []byte("data"), 0o644))

	// Command would fail if actually run.
	result := testInvoker(time.Hour).InvokeResumable(context.Background(), Spec{
		Name:         "feature_preparation",
		Command:      "false",
		ArtifactPath: artifact,
		Timeout:      time.Second,
	})

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Contains(t, result.Detail, "skipped")
}

func TestInvokeResumable_RunsWhenArtifactStale(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, os.WriteFile(artifact, []byte("old"), 0o644))
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(artifact, stale, stale))

	result := testInvoker(time.Hour).InvokeResumable(context.Background(), Spec{
		Name:         "feature_preparation",
		Command:      "sh",
		Args:         []string{"-c", "echo new > " + artifact},
		ArtifactPath: artifact,
		Timeout:      10 * time.Second,
	})

	assert.Equal(t, StatusSucceeded, result.Status)
	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusTimedOut.Terminal())
}
