package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"0", 0},
		{"1024", 1024},
		{"1Ki", KiB},
		{"1KiB", KiB},
		{"10Gi", 10 * GiB},
		{"500Mi", 500 * MiB},
		{"100MB", 100 * MB},
		{"2T", 2 * TB},
		{"1.5Gi", ByteSize(1.5 * float64(GiB))},
		{" 4 Mi ", 4 * MiB},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, "Parse(%q)", tt.in)
		assert.Equal(t, tt.want, got, "Parse(%q)", tt.in)
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "abc", "10Q", "-5Mi"} {
		_, err := Parse(in)
		assert.Error(t, err, "Parse(%q)", in)
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("10Gi")))
	assert.Equal(t, 10*GiB, b)
}

func TestString(t *testing.T) {
	assert.Equal(t, "10.00GiB", (10 * GiB).String())
	assert.Equal(t, "512B", ByteSize(512).String())
}
