package shares

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFLAC builds a minimal valid FLAC header: magic plus a STREAMINFO
// block describing 44.1kHz 16-bit audio with the given sample count.
func writeFLAC(t *testing.T, path string, sampleRate int, bitDepth int, totalSamples uint64) {
	t.Helper()

	si := make([]byte, 34)
	// sample rate: 20 bits starting at byte 10
	si[10] = byte(sampleRate >> 12)
	si[11] = byte(sampleRate >> 4)
	si[12] = byte(sampleRate&0x0f) << 4
	// bits per sample minus one: 5 bits straddling bytes 12/13
	bps := byte(bitDepth - 1)
	si[12] |= (bps >> 4) & 0x01
	si[13] = (bps & 0x0f) << 4
	// total samples: 36 bits, low 32 in bytes 14..17
	si[13] |= byte(totalSamples >> 32 & 0x0f)
	binary.BigEndian.PutUint32(si[14:18], uint32(totalSamples))

	data := append([]byte("fLaC"), 0x80, 0, 0, 34)
	data = append(data, si...)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestReadAttributesFLAC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.flac")
	writeFLAC(t, path, 44100, 16, 44100*120)

	attrs := ReadAttributes(path)
	assert.Equal(t, 44100, attrs.SampleRate)
	assert.Equal(t, 16, attrs.BitDepth)
	assert.Equal(t, 120, attrs.Duration)
	assert.True(t, attrs.Lossless)
	assert.False(t, attrs.VBR)
}

func TestReadAttributesTruncatedFLAC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.flac")
	require.NoError(t, os.WriteFile(path, []byte("fLa"), 0644))

	assert.Equal(t, Attributes{}, ReadAttributes(path))
}

func TestReadAttributesUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0644))

	assert.Equal(t, Attributes{}, ReadAttributes(path))
}

func TestReadAttributesMP3CBR(t *testing.T) {
	// One MPEG1 Layer III frame header: 128kbps, 44.1kHz.
	// 0xFF 0xFB: sync + MPEG1 + Layer III; 0x90: bitrate idx 9, rate idx 0.
	frame := []byte{0xff, 0xfb, 0x90, 0x00}
	body := append(frame, make([]byte, 4000)...)

	path := filepath.Join(t.TempDir(), "test.mp3")
	require.NoError(t, os.WriteFile(path, body, 0644))

	attrs := ReadAttributes(path)
	assert.Equal(t, 128, attrs.BitrateKbps)
	assert.Equal(t, 44100, attrs.SampleRate)
	assert.False(t, attrs.Lossless)
}

func TestReadAttributesMP3SkipsID3(t *testing.T) {
	// 100-byte ID3v2 tag followed by a valid frame header.
	tag := append([]byte("ID3"), 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 100)
	tag = append(tag, make([]byte, 100)...)
	body := append(tag, 0xff, 0xfb, 0x90, 0x00)
	body = append(body, make([]byte, 1000)...)

	path := filepath.Join(t.TempDir(), "tagged.mp3")
	require.NoError(t, os.WriteFile(path, body, 0644))

	attrs := ReadAttributes(path)
	assert.Equal(t, 128, attrs.BitrateKbps)
	assert.Equal(t, 44100, attrs.SampleRate)
}
