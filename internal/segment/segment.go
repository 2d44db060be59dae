// Package segment groups analysed audio frames into speech segments.
//
// An [Accumulator] receives every frame of one stream together with its
// measured energy. Frames whose cumulative energy exceeds the threshold open
// a segment; once a segment is open every following frame is appended,
// silent or not, so that short pauses inside an utterance survive. A segment
// is sealed after more than SilenceLimit consecutive quiet frames, when it
// reaches MaxFrames, or when the stream ends.
//
// An Accumulator is owned by a single stream and is not safe for concurrent
// use.
package segment

import (
	"errors"
	"time"

	"github.com/MrWong99/vadscribe/pkg/audio"
)

// Default parameters.
const (
	DefaultThreshold    = 0.1
	DefaultSilenceLimit = 5
)

// SealReason tells why a segment was closed.
type SealReason string

const (
	// ReasonSilence: more than SilenceLimit consecutive quiet frames.
	ReasonSilence SealReason = "silence"
	// ReasonEndOfStream: flushed at end of stream.
	ReasonEndOfStream SealReason = "eos"
	// ReasonMaxSize: reached MaxFrames.
	ReasonMaxSize SealReason = "max_size"
)

// Params controls segmentation. The zero value is not useful; start from
// [DefaultParams].
type Params struct {
	// Threshold is the cumulative frame energy in [0, 1] above which a frame
	// counts as speech.
	Threshold float64

	// SilenceLimit is the number of consecutive quiet frames tolerated inside
	// a segment. The segment is sealed on the next quiet frame.
	SilenceLimit int

	// MaxFrames seals a segment once it holds this many frames. Zero means
	// unbounded.
	MaxFrames int
}

// DefaultParams returns threshold 0.1, silence limit 5 and no size cap.
func DefaultParams() Params {
	return Params{Threshold: DefaultThreshold, SilenceLimit: DefaultSilenceLimit}
}

// Validate reports parameter errors.
func (p Params) Validate() error {
	var errs []error
	if p.Threshold < 0 || p.Threshold > 1 {
		errs = append(errs, errors.New("segment: threshold must be within [0, 1]"))
	}
	if p.SilenceLimit < 0 {
		errs = append(errs, errors.New("segment: silence limit must not be negative"))
	}
	if p.MaxFrames < 0 {
		errs = append(errs, errors.New("segment: max frames must not be negative"))
	}
	return errors.Join(errs...)
}

// Segment is a sealed run of frames ready for transcription.
type Segment struct {
	// Data is the concatenated analysis-format PCM (16 kHz mono). It is owned
	// by the segment.
	Data []byte

	// Frames is the number of frames appended.
	Frames int

	// SampleRate of Data in Hz.
	SampleRate int

	// Timestamp of the first frame, or [audio.NoTimestamp].
	Timestamp time.Duration

	// Duration is the summed span of all frames.
	Duration time.Duration

	// PeakEnergy is the largest per-frame peak energy seen in the segment.
	PeakEnergy float64

	// Seq numbers segments of one stream from 1 in seal order.
	Seq uint64

	// Reason tells why the segment was sealed.
	Reason SealReason
}

// Samples decodes Data into 16-bit samples.
func (s *Segment) Samples() []int16 {
	return audio.BytesToInt16(s.Data)
}

// Empty reports whether the segment holds no audio.
func (s *Segment) Empty() bool {
	return s == nil || len(s.Data) == 0
}

// Accumulator builds segments from the frames of one stream.
type Accumulator struct {
	cur   *Segment
	quiet int
	seq   uint64
}

// Push adds frame (already in the analysis format) with its measured energy
// and returns the segment sealed by this frame, if any.
func (a *Accumulator) Push(frame audio.Frame, e audio.Energy, p Params) *Segment {
	speech := e.Cumulative > p.Threshold

	if speech || a.cur != nil {
		a.appendFrame(frame, e)
	}

	// Quiet frames count only inside an open segment; anything else resets.
	if a.cur != nil && e.Cumulative < p.Threshold {
		a.quiet++
	} else {
		a.quiet = 0
	}

	if a.cur == nil {
		return nil
	}
	if a.quiet > p.SilenceLimit {
		return a.seal(ReasonSilence)
	}
	if p.MaxFrames > 0 && a.cur.Frames >= p.MaxFrames {
		return a.seal(ReasonMaxSize)
	}
	return nil
}

// Flush seals and returns the open segment, or nil when none is open.
func (a *Accumulator) Flush() *Segment {
	if a.cur == nil {
		return nil
	}
	return a.seal(ReasonEndOfStream)
}

// Open reports whether a segment is currently being accumulated.
func (a *Accumulator) Open() bool {
	return a.cur != nil
}

func (a *Accumulator) appendFrame(frame audio.Frame, e audio.Energy) {
	if a.cur == nil {
		a.cur = &Segment{
			SampleRate: frame.SampleRate,
			Timestamp:  frame.Timestamp,
		}
	}
	a.cur.Data = append(a.cur.Data, frame.Data...)
	a.cur.Frames++
	a.cur.Duration += frame.Span()
	if e.Peak > a.cur.PeakEnergy {
		a.cur.PeakEnergy = e.Peak
	}
}

func (a *Accumulator) seal(reason SealReason) *Segment {
	s := a.cur
	a.cur = nil
	a.quiet = 0
	a.seq++
	s.Seq = a.seq
	s.Reason = reason
	return s
}
