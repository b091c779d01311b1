package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/wav"
)

const wavFormatIEEEFloat = 3

// decodeWAV декодирует PCM (8/16/24/32 бит) и IEEE float WAV
func decodeWAV(r io.ReadSeeker) (*PCM, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV header")
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to read PCM data: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, fmt.Errorf("empty PCM buffer")
	}

	channels := buf.Format.NumChannels
	bitDepth := int(d.BitDepth)
	samples := make([]float32, len(buf.Data))

	switch {
	case d.WavAudioFormat == wavFormatIEEEFloat && bitDepth == 32:
		for i, v := range buf.Data {
			samples[i] = math.Float32frombits(uint32(int32(v)))
		}
	case bitDepth == 8:
		// 8-битный WAV беззнаковый
		for i, v := range buf.Data {
			samples[i] = float32(v-128) / 128.0
		}
	case bitDepth == 16 || bitDepth == 24 || bitDepth == 32:
		scale := float32(int64(1) << (bitDepth - 1))
		for i, v := range buf.Data {
			samples[i] = float32(v) / scale
		}
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}

	return &PCM{
		Samples:    samples,
		Channels:   channels,
		SampleRate: buf.Format.SampleRate,
	}, nil
}

// WriteWAV записывает float32 сэмплы (каналы чередуются) как 16-битный PCM WAV
func WriteWAV(w io.Writer, samples []float32, sampleRate, channels int) error {
	if channels <= 0 || sampleRate <= 0 {
		return fmt.Errorf("invalid WAV parameters: %d Hz, %d ch", sampleRate, channels)
	}

	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := uint32(len(samples) * bitsPerSample / 8)

	header := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36 + dataSize),
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),         // chunk size
		uint16(1),          // PCM
		uint16(channels),   // channels
		uint32(sampleRate), // sample rate
		uint32(byteRate),   // byte rate
		uint16(blockAlign), // block align
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return fmt.Errorf("failed to write WAV header: %w", err)
		}
	}

	pcm := make([]int16, len(samples))
	for i, s := range samples {
		pcm[i] = floatToInt16(s)
	}
	if err := binary.Write(w, binary.LittleEndian, pcm); err != nil {
		return fmt.Errorf("failed to write WAV data: %w", err)
	}
	return nil
}

func floatToInt16(s float32) int16 {
	if s > 1.0 {
		s = 1.0
	} else if s < -1.0 {
		s = -1.0
	}
	return int16(s * 32767)
}
