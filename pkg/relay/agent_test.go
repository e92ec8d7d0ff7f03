package relay

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrkvm/sould/pkg/config"
	"github.com/mrkvm/sould/pkg/shares"
	"github.com/mrkvm/sould/pkg/transfers"
)

// newAgentIndex builds an agent-side index over one real file and
// returns the index and the file's masked wire name and content.
func newAgentIndex(t *testing.T) (*shares.Index, string, []byte) {
	t.Helper()

	content := []byte("these are the file bytes the peer should see")
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "album"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "album", "01.mp3"), content, 0o644))

	idx, err := shares.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	_, err = shares.NewScanner(idx).Fill(context.Background(), shares.ScanOptions{
		Roots: []string{root},
	})
	require.NoError(t, err)

	dirs := idx.Browse()
	require.Len(t, dirs, 1)
	require.Len(t, dirs[0].Files, 1)
	return idx, dirs[0].Files[0].Filename, content
}

func TestAgentServesFilesAndShares(t *testing.T) {
	hub, ctrlIdx, ts := newTestHub(t, 3*time.Second)
	agentIdx, filename, content := newAgentIndex(t)

	ag, err := NewAgent(config.RelayConfig{
		Mode:          config.RelayModeAgent,
		ControllerURL: ts.URL,
		AgentName:     "a1",
		Secret:        testAgentSecret,
	}, agentIdx)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- ag.Run(ctx) }()

	waitConnected(t, hub, "a1")

	// The share index ships automatically after connecting.
	require.Eventually(t, func() bool {
		counts, err := ctrlIdx.CountsForHost("a1")
		return err == nil && counts.Files == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Pull the file body through the hub directly.
	body, err := hub.RequestFile(ctx, "a1", filename)
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, content, got)

	// And through the file source, the way the orchestrator does.
	src := NewSource(ctrlIdx, hub)
	size, err := src.Stat(filename)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(content)), size)

	rc, err := src.Open(ctx, filename)
	require.NoError(t, err)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content, got)

	cancel()
	select {
	case err := <-runDone:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestAgentIgnoresRequestForUnsharedFile(t *testing.T) {
	hub, _, ts := newTestHub(t, 200*time.Millisecond)
	agentIdx, _, _ := newAgentIndex(t)

	ag, err := NewAgent(config.RelayConfig{
		Mode:          config.RelayModeAgent,
		ControllerURL: ts.URL,
		AgentName:     "a1",
		Secret:        testAgentSecret,
	}, agentIdx)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ag.Run(ctx) }()
	waitConnected(t, hub, "a1")

	// The agent receives the request, cannot resolve it, and stays
	// silent; the hub times out.
	_, err = hub.RequestFile(ctx, "a1", `nope\missing.mp3`)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewAgentRejectsBadURL(t *testing.T) {
	_, err := NewAgent(config.RelayConfig{
		Mode:          config.RelayModeAgent,
		ControllerURL: "ftp://example.com",
		AgentName:     "a1",
		Secret:        testAgentSecret,
	}, nil)
	require.Error(t, err)
}

func TestSourceServesLocalFiles(t *testing.T) {
	idx, filename, content := newAgentIndex(t)
	src := NewSource(idx, nil)

	size, err := src.Stat(filename)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(content)), size)

	rc, err := src.Open(context.Background(), filename)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content, got)

	_, err = src.Stat(`nope\missing.mp3`)
	assert.ErrorIs(t, err, transfers.ErrNotShared)
	_, err = src.Open(context.Background(), `nope\missing.mp3`)
	assert.ErrorIs(t, err, transfers.ErrNotShared)
}

func TestSourceWithoutHubRefusesRemoteFiles(t *testing.T) {
	idx, err := shares.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	dbPath, _ := exportedIndex(t)
	_, err = idx.ImportHost("a1", dbPath)
	require.NoError(t, err)

	dirs := idx.BrowseHost("a1")
	require.NotEmpty(t, dirs)
	require.NotEmpty(t, dirs[0].Files)
	remote := dirs[0].Files[0].Filename

	src := NewSource(idx, nil)
	_, err = src.Stat(remote)
	require.NoError(t, err)
	_, err = src.Open(context.Background(), remote)
	assert.ErrorIs(t, err, transfers.ErrNotShared)
}
