// Генерирует файл весов нативного классификатора со случайной инициализацией.
// Нужен для разработки и тестов, когда обученного артефакта нет.
//
// Запуск: go run ./cmd/initweights -out data/models/depression_cnn_v1.mvw

package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"moodvoice/ai"
	"moodvoice/models"
)

func main() {
	out := flag.String("out", "data/models/depression_cnn_v1.mvw", "output path")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	if err := os.MkdirAll(filepath.Dir(*out), 0755); err != nil {
		log.Fatalf("Failed to create directory: %v", err)
	}

	weights := ai.RandomWeights(*seed)
	if err := weights.Validate(); err != nil {
		log.Fatalf("Invalid weights: %v", err)
	}
	if err := weights.Save(*out); err != nil {
		log.Fatalf("Failed to save weights: %v", err)
	}

	sum, err := models.FileSHA256(*out)
	if err != nil {
		log.Fatalf("Failed to hash weights: %v", err)
	}
	log.Printf("Saved %d tensors to %s", len(weights.Names()), *out)
	log.Printf("sha256: %s", sum)
}
