package audio

import "encoding/binary"

// energyNormalizer scales squared int16 samples into a unit range (2^30).
const energyNormalizer = float64(1 << 30)

// Energy is the normalised short-term energy of one frame.
type Energy struct {
	// Cumulative is the sum of squared samples divided by 2^30. It is the
	// value compared against the silence threshold.
	Cumulative float64

	// Peak is the largest single squared sample divided by 2^30. It is
	// reported as telemetry and does not influence segmentation.
	Peak float64
}

// MeasureEnergy computes the [Energy] of 16-bit signed little-endian mono
// PCM. Empty input yields zero energy.
func MeasureEnergy(pcm []byte) Energy {
	var sum, peak float64
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		sq := v * v
		sum += sq
		if sq > peak {
			peak = sq
		}
	}
	return Energy{
		Cumulative: sum / energyNormalizer,
		Peak:       peak / energyNormalizer,
	}
}
