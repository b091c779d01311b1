package ai

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"moodvoice/audio"
)

// stubClassifier возвращает заданные логиты по кругу
type stubClassifier struct {
	logits [][]float32
	calls  atomic.Int32
	panics bool
}

func (s *stubClassifier) Forward(ctx context.Context, batch *BatchTensor) ([]ClassifierOutput, error) {
	s.calls.Add(1)
	if s.panics {
		panic("stub exploded")
	}
	out := make([]ClassifierOutput, batch.N)
	for i := range out {
		out[i] = ClassifierOutput{
			Logits:    s.logits[i%len(s.logits)],
			Embedding: make([]float32, EmbeddingSize),
		}
	}
	return out, nil
}

func (s *stubClassifier) Backend() string { return "stub" }
func (s *stubClassifier) Close() error    { return nil }

// tone синус с небольшим шумом
func tone(seconds float64, sampleRate int, freq float64, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	n := int(seconds * float64(sampleRate))
	samples := make([]float32, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = float32(0.5*math.Sin(2*math.Pi*freq*t) + 0.02*rng.NormFloat64())
	}
	return samples
}

func wavBytes(t *testing.T, samples []float32, sampleRate, channels int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, audio.WriteWAV(&buf, samples, sampleRate, channels))
	return buf.Bytes()
}

func randomImages(n, size int, seed int64) []SpectrogramImage {
	rng := rand.New(rand.NewSource(seed))
	images := make([]SpectrogramImage, n)
	for i := range images {
		data := make([]float32, size*size)
		for j := range data {
			data[j] = rng.Float32()
		}
		images[i] = SpectrogramImage{Size: size, Data: data}
	}
	return images
}
