package transfers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTransfersStartSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	source := newFakeSource(map[string][]byte{`m\one.mp3`: []byte("one")})
	o := newTestOrchestrator(t, Config{UploadSlots: 1, DownloadSlots: 1}, newFakeClient(), source)

	up, err := o.HandleUploadRequest("alice", `m\one.mp3`)
	require.NoError(t, err)
	waitState(t, o, up.ID, StateSucceeded)

	accepted, err := o.EnqueueDownloads(context.Background(), "carol", []DownloadRequest{
		{Filename: `a\1.mp3`, Size: 8},
	})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	waitState(t, o, accepted[0].ID, StateSucceeded)

	// Spans end after the state flips; wait for both to be recorded.
	names := func() map[string]bool {
		got := make(map[string]bool)
		for _, s := range recorder.Ended() {
			got[s.Name()] = true
		}
		return got
	}
	require.Eventually(t, func() bool {
		got := names()
		return got["transfer.upload"] && got["transfer.download"]
	}, 2*time.Second, 5*time.Millisecond)

	for _, s := range recorder.Ended() {
		if s.Name() != "transfer.upload" {
			continue
		}
		attrs := make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes() {
			attrs[kv.Key] = kv.Value
		}
		assert.Equal(t, "alice", attrs["slsk.username"].AsString())
		assert.Equal(t, `m\one.mp3`, attrs["slsk.filename"].AsString())
		assert.Equal(t, string(DirectionUpload), attrs["slsk.direction"].AsString())
		assert.Equal(t, up.ID, attrs["slsk.transfer_id"].AsString())
	}
}
