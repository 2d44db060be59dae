package audio_test

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/vadscribe/pkg/audio"
)

func TestEncodeWAV_Header(t *testing.T) {
	pcm := make([]byte, 320)
	wav := audio.EncodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatal("missing RIFF/WAVE/data markers")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 32000 {
		t.Errorf("byte rate = %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
}

func TestReadWAVHeader_RoundTrip(t *testing.T) {
	pcm := audio.Int16ToBytes([]int16{7, 8, 9, 10})
	r := bufio.NewReader(bytes.NewReader(audio.EncodeWAV(pcm, 48000, 2)))

	f, err := audio.ReadWAVHeader(r)
	if err != nil {
		t.Fatalf("ReadWAVHeader: %v", err)
	}
	if f != (audio.Format{SampleRate: 48000, Channels: 2}) {
		t.Errorf("format = %s, want 48000Hz stereo", f)
	}
	rest := make([]byte, len(pcm))
	if _, err := r.Read(rest); err != nil {
		t.Fatalf("read data: %v", err)
	}
	if !bytes.Equal(rest, pcm) {
		t.Error("reader is not positioned at the start of the data chunk")
	}
}

func TestReadWAVHeader_SkipsUnknownChunks(t *testing.T) {
	wav := audio.EncodeWAV([]byte{1, 0}, 16000, 1)
	var buf bytes.Buffer
	buf.Write(wav[:36])
	buf.WriteString("LIST")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0}) // odd size + pad byte
	buf.Write(wav[36:])

	f, err := audio.ReadWAVHeader(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadWAVHeader: %v", err)
	}
	if !f.IsAnalysis() {
		t.Errorf("format = %s, want analysis format", f)
	}
}

func TestReadWAVHeader_RawPCM(t *testing.T) {
	raw := make([]byte, 64)
	r := bufio.NewReader(bytes.NewReader(raw))
	if _, err := audio.ReadWAVHeader(r); !errors.Is(err, audio.ErrNotWAV) {
		t.Fatalf("err = %v, want ErrNotWAV", err)
	}
	if r.Buffered() != len(raw) {
		t.Error("raw input must not be consumed")
	}
}
