// Package bytesize provides a byte-count type that unmarshals from
// human-readable strings such as "1Gi", "500MB" or plain numbers. It is
// used for config values like the relay file-size cap and transfer rate
// limits.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ByteSize is a size in bytes.
//
// Supported formats:
//   - plain numbers: 1024, 1073741824
//   - binary units (x1024): Ki/KiB, Mi/MiB, Gi/GiB, Ti/TiB
//   - decimal units (x1000): K/KB, M/MB, G/GB, T/TB
type ByteSize uint64

// Common byte size constants.
const (
	B  ByteSize = 1
	KB ByteSize = 1000
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB
	TB ByteSize = 1000 * GB

	KiB ByteSize = 1024
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
	TiB ByteSize = 1024 * GiB
)

func multiplier(unit string) (ByteSize, bool) {
	switch strings.TrimSuffix(strings.ToLower(unit), "b") {
	case "":
		return B, true
	case "k":
		return KB, true
	case "m":
		return MB, true
	case "g":
		return GB, true
	case "t":
		return TB, true
	case "ki":
		return KiB, true
	case "mi":
		return MiB, true
	case "gi":
		return GiB, true
	case "ti":
		return TiB, true
	default:
		return 0, false
	}
}

// Parse parses a human-readable byte size string.
func Parse(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size string")
	}

	// Split the leading numeric part from the unit suffix.
	split := len(s)
	for i, r := range s {
		if !unicode.IsDigit(r) && r != '.' {
			split = i
			break
		}
	}
	numStr := s[:split]
	unit := strings.TrimSpace(s[split:])

	mult, ok := multiplier(unit)
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit: %q", unit)
	}

	if strings.Contains(numStr, ".") {
		num, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in byte size: %q", numStr)
		}
		return ByteSize(num * float64(mult)), nil
	}

	num, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in byte size: %q", numStr)
	}
	return ByteSize(num) * mult, nil
}

// UnmarshalText implements encoding.TextUnmarshaler so ByteSize can be
// decoded directly by mapstructure and yaml.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// String returns a human-readable representation.
func (b ByteSize) String() string {
	switch {
	case b >= TiB:
		return fmt.Sprintf("%.2fTiB", float64(b)/float64(TiB))
	case b >= GiB:
		return fmt.Sprintf("%.2fGiB", float64(b)/float64(GiB))
	case b >= MiB:
		return fmt.Sprintf("%.2fMiB", float64(b)/float64(MiB))
	case b >= KiB:
		return fmt.Sprintf("%.2fKiB", float64(b)/float64(KiB))
	default:
		return fmt.Sprintf("%dB", uint64(b))
	}
}

// Uint64 returns the size as a uint64.
func (b ByteSize) Uint64() uint64 { return uint64(b) }

// Int64 returns the size as an int64. May overflow for very large values.
func (b ByteSize) Int64() int64 { return int64(b) }
