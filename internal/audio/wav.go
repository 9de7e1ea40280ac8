package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const (
	wavFormatPCM       = 1
	wavFormatIEEEFloat = 3
)

type WAVFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// EncodeWAV16 wraps mono samples in a 16-bit PCM WAV container.
func EncodeWAV16(samples []float32, sampleRate int) []byte {
	const fmtChunkSize = 16
	const channels = 1

	pcm := EncodePCM16(samples)
	riffSize := 4 + (8 + fmtChunkSize) + (8 + len(pcm))

	out := make([]byte, 0, 12+8+fmtChunkSize+8+len(pcm))
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(riffSize))
	out = append(out, "WAVE"...)

	out = append(out, "fmt "...)
	out = binary.LittleEndian.AppendUint32(out, fmtChunkSize)
	out = binary.LittleEndian.AppendUint16(out, wavFormatPCM)
	out = binary.LittleEndian.AppendUint16(out, channels)
	out = binary.LittleEndian.AppendUint32(out, uint32(sampleRate))
	out = binary.LittleEndian.AppendUint32(out, uint32(sampleRate*channels*BytesPerSample))
	out = binary.LittleEndian.AppendUint16(out, channels*BytesPerSample)
	out = binary.LittleEndian.AppendUint16(out, 16)

	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(pcm)))
	out = append(out, pcm...)
	return out
}

// ReadWAVPCM16 extracts the data chunk of a mono 16-bit PCM WAV file. The
// returned bytes are headerless PCM16, ready to be handed to a worker.
func ReadWAVPCM16(path string) ([]byte, WAVFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, WAVFormat{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	format, data, err := parseWAV(f)
	if err != nil {
		return nil, WAVFormat{}, err
	}

	if format.AudioFormat != wavFormatPCM || format.BitsPerSample != 16 || format.Channels != 1 {
		return nil, format, fmt.Errorf("%w: need mono 16-bit PCM, got format=%d channels=%d bits=%d",
			ErrUnsupportedWAV, format.AudioFormat, format.Channels, format.BitsPerSample)
	}

	return data, format, nil
}

func parseWAV(f io.ReadSeeker) (WAVFormat, []byte, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(f, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return WAVFormat{}, nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return WAVFormat{}, nil, fmt.Errorf("read wav header: %w", err)
	}

	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return WAVFormat{}, nil, ErrInvalidWAV
	}

	fileSize, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return WAVFormat{}, nil, fmt.Errorf("seek wav end: %w", err)
	}
	if _, err := f.Seek(int64(len(header)), io.SeekStart); err != nil {
		return WAVFormat{}, nil, fmt.Errorf("seek wav chunks: %w", err)
	}

	var (
		format     WAVFormat
		dataOffset int64
		dataSize   uint32
		hasFmt     bool
		hasData    bool
	)

	for {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(f, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return WAVFormat{}, nil, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		chunkStart, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return WAVFormat{}, nil, fmt.Errorf("seek wav chunk start: %w", err)
		}

		// Chunk sizes come from the file and are never trusted beyond what
		// the file holds. Streaming writers leave the data size at 0xFFFFFFFF,
		// so an oversized data chunk is clamped to the remaining bytes.
		remaining := fileSize - chunkStart
		if int64(chunkSize) > remaining {
			if chunkID != "data" {
				return WAVFormat{}, nil, fmt.Errorf("%w: chunk %q claims %d bytes, %d remain", ErrInvalidWAV, chunkID, chunkSize, remaining)
			}
			chunkSize = uint32(remaining &^ 1)
		}

		skip := int64(chunkSize)
		if chunkSize%2 != 0 {
			skip++
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return WAVFormat{}, nil, ErrInvalidWAV
			}

			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(f, buf); err != nil {
				return WAVFormat{}, nil, fmt.Errorf("read wav fmt chunk: %w", err)
			}

			format = WAVFormat{
				AudioFormat:   binary.LittleEndian.Uint16(buf[0:2]),
				Channels:      binary.LittleEndian.Uint16(buf[2:4]),
				SampleRate:    binary.LittleEndian.Uint32(buf[4:8]),
				BitsPerSample: binary.LittleEndian.Uint16(buf[14:16]),
			}
			hasFmt = true

			if chunkSize%2 != 0 {
				if _, err := f.Seek(1, io.SeekCurrent); err != nil {
					return WAVFormat{}, nil, fmt.Errorf("seek wav fmt padding: %w", err)
				}
			}
		case "data":
			dataOffset = chunkStart
			dataSize = chunkSize
			hasData = true
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return WAVFormat{}, nil, fmt.Errorf("seek wav data chunk: %w", err)
			}
		default:
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return WAVFormat{}, nil, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return WAVFormat{}, nil, ErrInvalidWAV
	}

	if err := validateFormat(format.AudioFormat, format.BitsPerSample); err != nil {
		return WAVFormat{}, nil, err
	}

	if _, err := f.Seek(dataOffset, io.SeekStart); err != nil {
		return WAVFormat{}, nil, fmt.Errorf("seek wav data offset: %w", err)
	}

	data := make([]byte, dataSize)
	if _, err := io.ReadFull(f, data); err != nil {
		return WAVFormat{}, nil, fmt.Errorf("read wav data: %w", err)
	}

	return format, data, nil
}

func validateFormat(audioFormat, bitsPerSample uint16) error {
	switch audioFormat {
	case wavFormatPCM:
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case wavFormatIEEEFloat:
		switch bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}
