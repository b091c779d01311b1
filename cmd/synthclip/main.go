// Синтезирует тестовую запись: голосоподобный тон с вибрато и шумом.
// Формат определяется расширением: .wav или .mp3.
//
// Запуск: go run ./cmd/synthclip -out /tmp/clip.wav -duration 5

package main

import (
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"moodvoice/audio"
)

func main() {
	out := flag.String("out", "/tmp/clip.wav", "output file (.wav or .mp3)")
	duration := flag.Float64("duration", 5, "length in seconds")
	sampleRate := flag.Int("rate", 16000, "sample rate")
	pitch := flag.Float64("pitch", 140, "base frequency in Hz")
	noise := flag.Float64("noise", 0.01, "white noise amplitude")
	flag.Parse()

	n := int(*duration * float64(*sampleRate))
	if n <= 0 {
		log.Fatalf("Duration must be positive")
	}

	rng := rand.New(rand.NewSource(1))
	samples := make([]float32, n)
	phase := 0.0
	for i := range samples {
		t := float64(i) / float64(*sampleRate)
		// вибрато 5 Гц и слоговая огибающая 4 Гц
		f := *pitch * (1 + 0.03*math.Sin(2*math.Pi*5*t))
		phase += 2 * math.Pi * f / float64(*sampleRate)
		env := 0.5 + 0.5*math.Abs(math.Sin(2*math.Pi*2*t))

		v := 0.0
		for h := 1; h <= 5; h++ {
			v += math.Sin(float64(h)*phase) / float64(h)
		}
		samples[i] = float32(0.25*env*v + *noise*rng.NormFloat64())
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create file: %v", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(*out)) {
	case ".wav":
		err = audio.WriteWAV(f, samples, *sampleRate, 1)
	case ".mp3":
		err = audio.WriteMP3(f, samples, *sampleRate, 1)
	default:
		log.Fatalf("Unsupported output format: %s", filepath.Ext(*out))
	}
	if err != nil {
		log.Fatalf("Failed to encode: %v", err)
	}
	log.Printf("Wrote %.1fs at %d Hz to %s", *duration, *sampleRate, *out)
}
