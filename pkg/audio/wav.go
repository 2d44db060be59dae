package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const wavHeaderSize = 44

// ErrNotWAV is returned by [ReadWAVHeader] when the input does not start
// with a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// EncodeWAV wraps 16-bit signed little-endian PCM in a canonical RIFF/WAV
// container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = BytesPerSample * 8
	dataSize := len(pcm)
	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*bps/8))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*bps/8))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)
	return buf
}

// ReadWAVHeader consumes a RIFF/WAVE header from r up to the start of the
// data chunk and returns the stream format. Unknown chunks before "data" are
// skipped. When r does not start with "RIFF", ErrNotWAV is returned and
// nothing is consumed.
func ReadWAVHeader(r *bufio.Reader) (Format, error) {
	magic, err := r.Peek(12)
	if err != nil || string(magic[0:4]) != "RIFF" || string(magic[8:12]) != "WAVE" {
		return Format{}, ErrNotWAV
	}
	if _, err := r.Discard(12); err != nil {
		return Format{}, fmt.Errorf("audio: read riff header: %w", err)
	}

	var (
		format  Format
		haveFmt bool
		hdr     [8]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return Format{}, fmt.Errorf("audio: read wav chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := int(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, fmt.Errorf("audio: wav fmt chunk too short (%d bytes)", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, fmt.Errorf("audio: read wav fmt chunk: %w", err)
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 {
				return Format{}, fmt.Errorf("audio: unsupported wav encoding %d, want PCM", tag)
			}
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return Format{}, fmt.Errorf("audio: unsupported wav bit depth %d, want 16", bits)
			}
			format.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, errors.New("audio: wav data chunk before fmt chunk")
			}
			return format, nil
		default:
			if _, err := r.Discard(size + size%2); err != nil {
				return Format{}, fmt.Errorf("audio: skip wav chunk %q: %w", id, err)
			}
		}
	}
}
