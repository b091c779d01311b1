package audio

import (
	"fmt"
	"io"

	"github.com/jfreymuth/oggvorbis"
)

// decodeOGG декодирует OGG Vorbis
func decodeOGG(r io.Reader) (*PCM, error) {
	samples, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read vorbis stream: %w", err)
	}
	if format == nil {
		return nil, fmt.Errorf("missing vorbis header")
	}
	return &PCM{
		Samples:    samples,
		Channels:   format.Channels,
		SampleRate: format.SampleRate,
	}, nil
}
