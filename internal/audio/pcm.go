package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// BytesPerSample is the width of one raw PCM16 sample.
const BytesPerSample = 2

// ErrOddSampleData is returned when a raw PCM16 buffer does not hold a whole
// number of samples.
var ErrOddSampleData = errors.New("pcm16 data length is not a multiple of 2")

// DecodePCM16 interprets data as mono signed 16-bit little-endian samples and
// normalizes each to [-1.0, 1.0) by dividing by 32768.
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w (%d bytes)", ErrOddSampleData, len(data))
	}

	samples := make([]float32, len(data)/BytesPerSample)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples, nil
}

// ReadPCM16File reads a headerless PCM16 file in full and decodes it.
func ReadPCM16File(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	samples, err := DecodePCM16(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio %s: %w", path, err)
	}
	return samples, nil
}

// EncodePCM16 converts normalized samples back to little-endian PCM16,
// clamping anything outside [-1.0, 1.0].
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s) * 32768.0
	switch {
	case v >= 32767:
		return 32767
	case v <= -32768:
		return -32768
	default:
		return int16(v)
	}
}
