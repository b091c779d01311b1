// Конвертирует обученный PyTorch state_dict (.pth) в файл весов нативного бэкенда.
// Проверяет имена и формы тензоров до записи.
//
// Запуск: go run ./cmd/convertweights -in best_model.pth -out data/models/depression_cnn_v1.mvw

package main

import (
	"flag"
	"log"

	"moodvoice/ai"
	"moodvoice/models"
)

func main() {
	in := flag.String("in", "", "PyTorch state_dict (.pt or .pth)")
	out := flag.String("out", "data/models/depression_cnn_v1.mvw", "output path")
	flag.Parse()

	if *in == "" {
		log.Fatalf("-in is required")
	}

	weights, err := ai.LoadStateDict(*in)
	if err != nil {
		log.Fatalf("Failed to read state_dict: %v", err)
	}
	if err := weights.Validate(); err != nil {
		log.Fatalf("Incompatible weights: %v", err)
	}
	if err := weights.Save(*out); err != nil {
		log.Fatalf("Failed to save weights: %v", err)
	}

	sum, err := models.FileSHA256(*out)
	if err != nil {
		log.Fatalf("Failed to hash weights: %v", err)
	}
	log.Printf("Converted %d tensors to %s", len(weights.Names()), *out)
	log.Printf("sha256: %s", sum)
}
