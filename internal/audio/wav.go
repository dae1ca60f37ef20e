package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrNotWAV is returned when the stream does not start with a RIFF/WAVE header
var ErrNotWAV = errors.New("not a RIFF/WAVE stream")

// Format describes the PCM layout of a WAV file
type Format struct {
	AudioFormat   uint16 // 1 = integer PCM, 3 = IEEE float
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataBytes     uint32 // Size of the data chunk
}

// Duration returns the playback length implied by the data chunk size
func (f Format) Duration() time.Duration {
	frameSize := uint64(f.Channels) * uint64(f.BitsPerSample) / 8
	if frameSize == 0 || f.SampleRate == 0 {
		return 0
	}
	frames := uint64(f.DataBytes) / frameSize
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// ProbeWAV reads chunk headers until the data chunk and returns the format.
// Only headers are consumed; sample data is never read.
func ProbeWAV(r io.Reader) (Format, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Format{}, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Format{}, ErrNotWAV
	}

	var (
		format  Format
		haveFmt bool
		header  [8]byte
	)
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return Format{}, fmt.Errorf("reading chunk header: %w", err)
		}
		id := string(header[0:4])
		size := binary.LittleEndian.Uint32(header[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, fmt.Errorf("reading fmt chunk: %w", err)
			}
			format.AudioFormat = binary.LittleEndian.Uint16(body[0:2])
			format.Channels = binary.LittleEndian.Uint16(body[2:4])
			format.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			format.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
			if size%2 == 1 {
				if _, err := io.CopyN(io.Discard, r, 1); err != nil {
					return Format{}, fmt.Errorf("skipping fmt padding: %w", err)
				}
			}

		case "data":
			if !haveFmt {
				return Format{}, errors.New("data chunk before fmt chunk")
			}
			format.DataBytes = size
			return format, nil

		default:
			// Chunks are word aligned
			skip := int64(size) + int64(size%2)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return Format{}, fmt.Errorf("skipping %q chunk: %w", id, err)
			}
		}
	}
}

// ProbeFile opens path and probes its WAV header
func ProbeFile(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, err
	}
	defer f.Close()
	return ProbeWAV(f)
}
