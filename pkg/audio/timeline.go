package audio

import "time"

// Timeline maps a frame's presentation timestamp onto the stream's clock.
// Start is the first timestamp covered by the stream; Base is the running
// time accumulated before Start (e.g., after earlier streams on the same
// clock); Time is the stream time that corresponds to Start.
//
// The zero Timeline is the identity mapping.
type Timeline struct {
	Start time.Duration
	Base  time.Duration
	Time  time.Duration
}

// RunningTime converts ts to running time. It returns [NoTimestamp] for an
// unknown timestamp or one that precedes Start.
func (t Timeline) RunningTime(ts time.Duration) time.Duration {
	if ts < 0 || ts < t.Start {
		return NoTimestamp
	}
	return ts - t.Start + t.Base
}

// StreamTime converts ts to stream time. It returns [NoTimestamp] for an
// unknown timestamp or one that precedes Start.
func (t Timeline) StreamTime(ts time.Duration) time.Duration {
	if ts < 0 || ts < t.Start {
		return NoTimestamp
	}
	return ts - t.Start + t.Time
}
