package transfers

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrkvm/sould/pkg/store"
)

type fakeSource struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeSource(files map[string][]byte) *fakeSource {
	return &fakeSource{files: files}
}

func (s *fakeSource) Stat(filename string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.files[filename]
	if !ok {
		return 0, ErrNotShared
	}
	return uint64(len(body)), nil
}

func (s *fakeSource) Open(_ context.Context, filename string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.files[filename]
	if !ok {
		return nil, ErrNotShared
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

type fakeClient struct {
	mu       sync.Mutex
	gates    map[string]chan struct{}
	started  []string
	speeds   []int
	download func(ctx context.Context, username, filename string, size uint64, w io.Writer) error
}

func newFakeClient() *fakeClient {
	return &fakeClient{gates: make(map[string]chan struct{})}
}

// gate makes Upload block for filename until the returned channel is
// closed.
func (c *fakeClient) gate(filename string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.gates[filename] = ch
	return ch
}

func (c *fakeClient) Upload(ctx context.Context, username, filename string, size uint64, r io.Reader) error {
	c.mu.Lock()
	c.started = append(c.started, filename)
	gate := c.gates[filename]
	c.mu.Unlock()

	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (c *fakeClient) Download(ctx context.Context, username, filename string, size uint64, w io.Writer) error {
	if c.download != nil {
		return c.download(ctx, username, filename, size, w)
	}
	_, err := w.Write(bytes.Repeat([]byte("x"), int(size)))
	return err
}

func (c *fakeClient) ConnectToUser(context.Context, string, bool) error { return nil }

func (c *fakeClient) SendUploadSpeed(bps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speeds = append(c.speeds, bps)
}

func (c *fakeClient) startedUploads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.started...)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	}, &Transfer{})
	require.NoError(t, err)
	return NewStore(db)
}

func newTestOrchestrator(t *testing.T, cfg Config, client Client, source FileSource) *Orchestrator {
	t.Helper()
	if cfg.IncompleteDir == "" {
		cfg.IncompleteDir = filepath.Join(t.TempDir(), "incomplete")
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(t.TempDir(), "downloads")
	}
	o := New(cfg, newTestStore(t), client, source)
	t.Cleanup(o.Close)
	return o
}

func waitState(t *testing.T, o *Orchestrator, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		cur, err := o.store.Get(id)
		return err == nil && cur.State == want
	}, 5*time.Second, 5*time.Millisecond, "transfer %s never reached %s", id, want)
}

func TestUploadRequestUnknownFile(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, newFakeClient(), newFakeSource(nil))
	_, err := o.HandleUploadRequest("alice", `music\nope.mp3`)
	assert.ErrorIs(t, err, ErrNotShared)
}

func TestUploadLifecycle(t *testing.T) {
	source := newFakeSource(map[string][]byte{
		`music\song.mp3`: bytes.Repeat([]byte("a"), 64*1024),
	})
	client := newFakeClient()
	o := newTestOrchestrator(t, Config{UploadSlots: 2}, client, source)

	tr, err := o.HandleUploadRequest("alice", `music\song.mp3`)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, tr.State)
	assert.Equal(t, uint64(64*1024), tr.Size)

	waitState(t, o, tr.ID, StateSucceeded)

	done, err := o.store.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(64*1024), done.BytesTransferred)
	assert.LessOrEqual(t, done.BytesTransferred, done.Size)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.EndedAt)
	assert.False(t, done.EndedAt.Before(*done.StartedAt))

	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.speeds) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUploadRepeatedRequestNoDuplicate(t *testing.T) {
	source := newFakeSource(map[string][]byte{`m\a.mp3`: []byte("data")})
	client := newFakeClient()
	gate := client.gate(`m\a.mp3`)
	defer close(gate)

	o := newTestOrchestrator(t, Config{UploadSlots: 1}, client, source)

	first, err := o.HandleUploadRequest("alice", `m\a.mp3`)
	require.NoError(t, err)

	second, err := o.HandleUploadRequest("alice", `m\a.mp3`)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	uploads, err := o.store.List(DirectionUpload, false)
	require.NoError(t, err)
	assert.Len(t, uploads, 1)
}

func TestGlobalSlotEnforcementFIFO(t *testing.T) {
	source := newFakeSource(map[string][]byte{
		`m\one.mp3`: []byte("oneoneone"),
		`m\two.mp3`: []byte("twotwotwo"),
	})
	client := newFakeClient()
	gateOne := client.gate(`m\one.mp3`)

	o := newTestOrchestrator(t, Config{UploadSlots: 1, UploadSlotsPerUser: 1}, client, source)

	first, err := o.HandleUploadRequest("alice", `m\one.mp3`)
	require.NoError(t, err)
	waitState(t, o, first.ID, StateInProgress)

	second, err := o.HandleUploadRequest("bob", `m\two.mp3`)
	require.NoError(t, err)

	// The second stays queued while the only slot is busy.
	time.Sleep(50 * time.Millisecond)
	cur, err := o.store.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, cur.State)
	assert.Equal(t, []string{`m\one.mp3`}, client.startedUploads())

	close(gateOne)
	waitState(t, o, first.ID, StateSucceeded)
	waitState(t, o, second.ID, StateSucceeded)
	assert.Equal(t, []string{`m\one.mp3`, `m\two.mp3`}, client.startedUploads())
}

func TestPerUserSlotSkipsWithoutBlockingOthers(t *testing.T) {
	source := newFakeSource(map[string][]byte{
		`m\a1.mp3`: []byte("a1"),
		`m\a2.mp3`: []byte("a2"),
		`m\b1.mp3`: []byte("b1"),
	})
	client := newFakeClient()
	gateA1 := client.gate(`m\a1.mp3`)

	o := newTestOrchestrator(t, Config{UploadSlots: 2, UploadSlotsPerUser: 1}, client, source)

	a1, err := o.HandleUploadRequest("alice", `m\a1.mp3`)
	require.NoError(t, err)
	waitState(t, o, a1.ID, StateInProgress)

	a2, err := o.HandleUploadRequest("alice", `m\a2.mp3`)
	require.NoError(t, err)
	b1, err := o.HandleUploadRequest("bob", `m\b1.mp3`)
	require.NoError(t, err)

	// bob is admitted past alice's blocked second upload.
	waitState(t, o, b1.ID, StateSucceeded)
	cur, err := o.store.Get(a2.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, cur.State)

	close(gateA1)
	waitState(t, o, a1.ID, StateSucceeded)
	waitState(t, o, a2.ID, StateSucceeded)
}

func TestCancelQueuedUpload(t *testing.T) {
	source := newFakeSource(map[string][]byte{
		`m\one.mp3`: []byte("one"),
		`m\two.mp3`: []byte("two"),
	})
	client := newFakeClient()
	gate := client.gate(`m\one.mp3`)
	defer close(gate)

	o := newTestOrchestrator(t, Config{UploadSlots: 1}, client, source)

	first, err := o.HandleUploadRequest("alice", `m\one.mp3`)
	require.NoError(t, err)
	waitState(t, o, first.ID, StateInProgress)

	second, err := o.HandleUploadRequest("bob", `m\two.mp3`)
	require.NoError(t, err)

	require.NoError(t, o.Cancel(second.ID))
	waitState(t, o, second.ID, StateCancelled)
}

func TestCancelInFlightUpload(t *testing.T) {
	source := newFakeSource(map[string][]byte{`m\one.mp3`: []byte("one")})
	client := newFakeClient()
	client.gate(`m\one.mp3`) // never closed, upload blocks

	o := newTestOrchestrator(t, Config{UploadSlots: 1}, client, source)

	tr, err := o.HandleUploadRequest("alice", `m\one.mp3`)
	require.NoError(t, err)
	waitState(t, o, tr.ID, StateInProgress)

	require.NoError(t, o.Cancel(tr.ID))
	waitState(t, o, tr.ID, StateCancelled)
}

func TestEnqueueCancelRemoveIdempotent(t *testing.T) {
	source := newFakeSource(map[string][]byte{`m\one.mp3`: []byte("one")})
	client := newFakeClient()
	gate := client.gate(`m\one.mp3`)
	defer close(gate)

	o := newTestOrchestrator(t, Config{UploadSlots: 1}, client, source)

	tr, err := o.HandleUploadRequest("alice", `m\one.mp3`)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, o.Cancel(tr.ID))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, o.Remove(tr.ID))
	}

	_, err = o.store.Get(tr.ID)
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestClearCompleted(t *testing.T) {
	source := newFakeSource(map[string][]byte{`m\one.mp3`: []byte("one")})
	o := newTestOrchestrator(t, Config{UploadSlots: 1}, newFakeClient(), source)

	tr, err := o.HandleUploadRequest("alice", `m\one.mp3`)
	require.NoError(t, err)
	waitState(t, o, tr.ID, StateSucceeded)

	n, err := o.ClearCompleted(DirectionUpload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	uploads, err := o.store.List(DirectionUpload, true)
	require.NoError(t, err)
	assert.Empty(t, uploads)
}

func TestReconnectRequeuesInFlight(t *testing.T) {
	source := newFakeSource(map[string][]byte{`m\one.mp3`: []byte("one")})
	client := newFakeClient()
	client.gate(`m\one.mp3`) // blocks until cancelled

	o := newTestOrchestrator(t, Config{UploadSlots: 1}, client, source)

	tr, err := o.HandleUploadRequest("alice", `m\one.mp3`)
	require.NoError(t, err)
	waitState(t, o, tr.ID, StateInProgress)

	o.HandleDisconnect()
	waitState(t, o, tr.ID, StateErrored)

	// A fresh queued record exists for the same file.
	require.Eventually(t, func() bool {
		cur, err := o.store.Active(DirectionUpload, "alice", `m\one.mp3`)
		return err == nil && cur.ID != tr.ID
	}, time.Second, 5*time.Millisecond)
}

func TestDownloadHappyPath(t *testing.T) {
	client := newFakeClient()
	o := newTestOrchestrator(t, Config{DownloadSlots: 2}, client, newFakeSource(nil))

	accepted, err := o.EnqueueDownloads(context.Background(), "carol", []DownloadRequest{
		{Filename: `album\01.mp3`, Size: 128},
	})
	require.NoError(t, err)
	require.Len(t, accepted, 1)

	waitState(t, o, accepted[0].ID, StateSucceeded)

	final := filepath.Join(o.cfg.DownloadsDir, "carol", "album", "01.mp3")
	body, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Len(t, body, 128)

	// The incomplete tree is pruned.
	_, err = os.Stat(filepath.Join(o.cfg.IncompleteDir, "carol"))
	assert.True(t, os.IsNotExist(err))

	done, err := o.store.Get(accepted[0].ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(128), done.BytesTransferred)
}

func TestDownloadRejectionSurfacesReason(t *testing.T) {
	client := newFakeClient()
	client.download = func(context.Context, string, string, uint64, io.Writer) error {
		return &RejectionError{Reason: "File not shared."}
	}
	o := newTestOrchestrator(t, Config{DownloadSlots: 1}, client, newFakeSource(nil))

	_, err := o.EnqueueDownloads(context.Background(), "carol", []DownloadRequest{
		{Filename: `x\y.mp3`, Size: 10},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "File not shared.")

	downloads, err := o.store.List(DirectionDownload, false)
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	waitState(t, o, downloads[0].ID, StateRejected)
}

func TestEnqueueAdmissionGate(t *testing.T) {
	client := newFakeClient()
	started := make(chan struct{})
	release := make(chan struct{})
	client.download = func(ctx context.Context, _, _ string, _ uint64, _ io.Writer) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o := newTestOrchestrator(t, Config{DownloadSlots: 1}, client, newFakeSource(nil))

	errs := make(chan error, 1)
	go func() {
		_, err := o.EnqueueDownloads(context.Background(), "carol", []DownloadRequest{
			{Filename: `a\1.mp3`, Size: 1},
		})
		errs <- err
	}()

	<-started
	_, err := o.EnqueueDownloads(context.Background(), "carol", []DownloadRequest{
		{Filename: `a\2.mp3`, Size: 1},
	})
	assert.ErrorIs(t, err, ErrRateLimited)

	close(release)
	require.NoError(t, <-errs)
}

func TestDownloadAckUnblocksEnqueue(t *testing.T) {
	client := newFakeClient()
	proceed := make(chan struct{})
	client.download = func(ctx context.Context, _, _ string, _ uint64, w io.Writer) error {
		select {
		case <-proceed:
		case <-ctx.Done():
			return ctx.Err()
		}
		_, err := w.Write([]byte("ok"))
		return err
	}
	o := newTestOrchestrator(t, Config{DownloadSlots: 1}, client, newFakeSource(nil))

	done := make(chan struct{})
	go func() {
		defer close(done)
		accepted, err := o.EnqueueDownloads(context.Background(), "carol", []DownloadRequest{
			{Filename: `a\1.mp3`, Size: 2},
		})
		assert.NoError(t, err)
		assert.Len(t, accepted, 1)
	}()

	// The remote acknowledgement arrives while the body is still
	// pending; the enqueue call returns without waiting for the bytes.
	require.Eventually(t, func() bool {
		list, err := o.store.List(DirectionDownload, false)
		return err == nil && len(list) == 1
	}, time.Second, 5*time.Millisecond)

	list, err := o.store.List(DirectionDownload, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o.HandleTransferUpdate(DirectionDownload, "carol", `a\1.mp3`, StateQueued, 0)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "enqueue did not return after acknowledgement")

	close(proceed)
	waitState(t, o, list[0].ID, StateSucceeded)
}

func TestGovernorPacesUploads(t *testing.T) {
	var calls atomic.Int32
	var g Governor = func(bytesSoFar uint64, elapsed time.Duration, chunk int) time.Duration {
		calls.Add(1)
		return 0
	}
	source := newFakeSource(map[string][]byte{
		`m\big.mp3`: bytes.Repeat([]byte("z"), 3*chunkSize),
	})
	o := newTestOrchestrator(t, Config{UploadSlots: 1, Governor: g}, newFakeClient(), source)

	tr, err := o.HandleUploadRequest("alice", `m\big.mp3`)
	require.NoError(t, err)
	waitState(t, o, tr.ID, StateSucceeded)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestRateLimitGovernorDelays(t *testing.T) {
	g := RateLimitGovernor(chunkSize) // one chunk per second
	first := g(0, 0, chunkSize)
	second := g(uint64(chunkSize), time.Millisecond, chunkSize)
	assert.Equal(t, time.Duration(0), first)
	assert.Greater(t, second, 500*time.Millisecond)
}
