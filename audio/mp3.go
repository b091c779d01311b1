package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/braheezy/shine-mp3/pkg/mp3"
	gomp3 "github.com/hajimehoshi/go-mp3"
)

// decodeMP3 декодирует MP3 (go-mp3 всегда отдаёт 16-битное стерео)
func decodeMP3(r io.Reader) (*PCM, error) {
	decoder, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create MP3 decoder: %w", err)
	}

	pcmData, err := io.ReadAll(decoder)
	if err != nil && len(pcmData) == 0 {
		return nil, fmt.Errorf("failed to read PCM data: %w", err)
	}

	// 4 байта на кадр: 2 байта × 2 канала
	numFrames := len(pcmData) / 4
	samples := make([]float32, numFrames*2)
	for i := 0; i < numFrames*2; i++ {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcmData[i*2:]))) / 32768.0
	}

	return &PCM{
		Samples:    samples,
		Channels:   2,
		SampleRate: decoder.SampleRate(),
	}, nil
}

// WriteMP3 кодирует float32 сэмплы (каналы чередуются) в MP3 через shine.
// Моно дублируется в стерео: shine шагает по входу блоками 1152×2 независимо от числа каналов.
func WriteMP3(w io.Writer, samples []float32, sampleRate, channels int) error {
	if channels < 1 || channels > 2 {
		return fmt.Errorf("MP3 supports 1 or 2 channels, got %d", channels)
	}

	if channels == 1 {
		stereo := make([]float32, len(samples)*2)
		for i, s := range samples {
			stereo[2*i] = s
			stereo[2*i+1] = s
		}
		samples = stereo
	}

	encoder := mp3.NewEncoder(sampleRate, 2)

	// Shine кодирует блоками по 1152 сэмпла на канал, хвост дополняется нулями
	const blockSize = 1152 * 2
	padded := len(samples)
	if rem := padded % blockSize; rem != 0 {
		padded += blockSize - rem
	}

	pcm := make([]int16, padded)
	for i, s := range samples {
		pcm[i] = floatToInt16(s)
	}

	cw := &countingWriter{w: w}
	err := encoder.Write(cw, pcm)
	if cw.err != nil {
		return fmt.Errorf("failed to encode MP3: %w", cw.err)
	}
	if err != nil {
		return fmt.Errorf("failed to encode MP3: %w", err)
	}
	return nil
}

// countingWriter запоминает первую ошибку записи
type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
