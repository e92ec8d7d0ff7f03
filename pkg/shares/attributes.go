package shares

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Attributes carries the audio properties peers display in search
// results. Zero values mean unknown.
type Attributes struct {
	BitrateKbps int  `json:"bitrate_kbps,omitempty"`
	Duration    int  `json:"duration_seconds,omitempty"`
	SampleRate  int  `json:"sample_rate,omitempty"`
	BitDepth    int  `json:"bit_depth,omitempty"`
	VBR         bool `json:"vbr,omitempty"`
	Lossless    bool `json:"lossless,omitempty"`
}

// ReadAttributes extracts audio attributes from a file's headers. Only
// MP3 and FLAC are sniffed; other extensions return empty attributes.
// Parse failures are not errors, the file is simply shared without
// attributes.
func ReadAttributes(path string) Attributes {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		attrs, err := readMP3(path)
		if err != nil {
			return Attributes{}
		}
		return attrs
	case ".flac":
		attrs, err := readFLAC(path)
		if err != nil {
			return Attributes{}
		}
		return attrs
	default:
		return Attributes{}
	}
}

var mp3Bitrates = map[byte][]int{
	// MPEG1 Layer III, index 1..14 in kbps.
	1: {0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
	// MPEG2/2.5 Layer III.
	0: {0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
}

var mp3SampleRates = map[byte][]int{
	3: {44100, 48000, 32000}, // MPEG1
	2: {22050, 24000, 16000}, // MPEG2
	0: {11025, 12000, 8000},  // MPEG2.5
}

func readMP3(path string) (Attributes, error) {
	f, err := os.Open(path)
	if err != nil {
		return Attributes{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Attributes{}, err
	}

	var offset int64

	// Skip an ID3v2 tag if present. Its size field is syncsafe.
	head := make([]byte, 10)
	if _, err := io.ReadFull(f, head); err != nil {
		return Attributes{}, err
	}
	if string(head[:3]) == "ID3" {
		size := int64(head[6]&0x7f)<<21 | int64(head[7]&0x7f)<<14 |
			int64(head[8]&0x7f)<<7 | int64(head[9]&0x7f)
		offset = 10 + size
	}

	// Find the first frame sync within a bounded window.
	buf := make([]byte, 8192)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return Attributes{}, err
	}
	n, _ := io.ReadFull(f, buf)
	buf = buf[:n]

	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] != 0xff || buf[i+1]&0xe0 != 0xe0 {
			continue
		}
		version := buf[i+1] >> 3 & 0x03 // 3=MPEG1, 2=MPEG2, 0=MPEG2.5
		layer := buf[i+1] >> 1 & 0x03   // 1=Layer III
		if version == 1 || layer != 1 {
			continue
		}
		rates, ok := mp3SampleRates[version]
		if !ok {
			continue
		}
		srIdx := buf[i+2] >> 2 & 0x03
		brIdx := buf[i+2] >> 4 & 0x0f
		if srIdx == 3 || brIdx == 0 || brIdx == 15 {
			continue
		}

		var table []int
		if version == 3 {
			table = mp3Bitrates[1]
		} else {
			table = mp3Bitrates[0]
		}

		attrs := Attributes{
			BitrateKbps: table[brIdx],
			SampleRate:  rates[srIdx],
		}

		samplesPerFrame := 1152
		if version != 3 {
			samplesPerFrame = 576
		}

		// A Xing/Info header in the first frame marks VBR files and
		// carries the total frame count for an exact duration.
		if frames, vbr, found := findXing(buf[i:]); found {
			attrs.VBR = vbr
			attrs.Duration = frames * samplesPerFrame / attrs.SampleRate
			if attrs.Duration > 0 {
				attrs.BitrateKbps = int(info.Size() * 8 / int64(attrs.Duration) / 1000)
			}
		} else if attrs.BitrateKbps > 0 {
			attrs.Duration = int(info.Size() * 8 / int64(attrs.BitrateKbps) / 1000)
		}
		return attrs, nil
	}
	return Attributes{}, fmt.Errorf("no mp3 frame sync in %s", path)
}

func findXing(frame []byte) (frames int, vbr, found bool) {
	limit := len(frame)
	if limit > 256 {
		limit = 256
	}
	for i := 4; i+12 <= limit; i++ {
		tag := string(frame[i : i+4])
		if tag != "Xing" && tag != "Info" {
			continue
		}
		flags := binary.BigEndian.Uint32(frame[i+4 : i+8])
		if flags&0x01 == 0 {
			return 0, tag == "Xing", false
		}
		return int(binary.BigEndian.Uint32(frame[i+8 : i+12])), tag == "Xing", true
	}
	return 0, false, false
}

func readFLAC(path string) (Attributes, error) {
	f, err := os.Open(path)
	if err != nil {
		return Attributes{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Attributes{}, err
	}

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return Attributes{}, err
	}
	if string(magic) != "fLaC" {
		return Attributes{}, fmt.Errorf("not a flac file: %s", path)
	}

	// STREAMINFO is mandatory and always first: 4-byte block header
	// then 34 bytes of stream parameters.
	block := make([]byte, 4+34)
	if _, err := io.ReadFull(f, block); err != nil {
		return Attributes{}, err
	}
	if block[0]&0x7f != 0 {
		return Attributes{}, fmt.Errorf("missing streaminfo block: %s", path)
	}

	si := block[4:]
	sampleRate := int(si[10])<<12 | int(si[11])<<4 | int(si[12])>>4
	bitDepth := (int(si[12]&0x01)<<4 | int(si[13])>>4) + 1
	totalSamples := uint64(si[13]&0x0f)<<32 | uint64(binary.BigEndian.Uint32(si[14:18]))

	attrs := Attributes{
		SampleRate: sampleRate,
		BitDepth:   bitDepth,
		Lossless:   true,
	}
	if sampleRate > 0 && totalSamples > 0 {
		attrs.Duration = int(totalSamples / uint64(sampleRate))
		if attrs.Duration > 0 {
			attrs.BitrateKbps = int(info.Size() * 8 / int64(attrs.Duration) / 1000)
		}
	}
	return attrs, nil
}
