// Package models управляет артефактами классификатора: реестр, загрузка, проверка
package models

import "moodvoice/ai"

// ModelInfo информация об артефакте модели
type ModelInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Backend     ai.Backend `json:"backend"`
	Filename    string     `json:"filename"`
	Size        string     `json:"size,omitempty"`
	SizeBytes   int64      `json:"sizeBytes,omitempty"`
	Description string     `json:"description"`
	Recommended bool       `json:"recommended,omitempty"`
	DownloadURL string     `json:"downloadUrl,omitempty"`
	SHA256      string     `json:"sha256,omitempty"` // hex, пустая строка отключает проверку
}

// ModelStatus статус модели на устройстве
type ModelStatus string

const (
	ModelStatusNotDownloaded ModelStatus = "not_downloaded"
	ModelStatusDownloading   ModelStatus = "downloading"
	ModelStatusDownloaded    ModelStatus = "downloaded"
	ModelStatusActive        ModelStatus = "active"
	ModelStatusError         ModelStatus = "error"
)

// ModelState состояние модели с информацией
type ModelState struct {
	ModelInfo
	Status   ModelStatus `json:"status"`
	Progress float64     `json:"progress,omitempty"` // 0-100
	Error    string      `json:"error,omitempty"`
	Path     string      `json:"path,omitempty"`
}

// Registry встроенный реестр известных артефактов.
// URL не задан: артефакты распространяются отдельно, адрес указывается в конфигурации.
var Registry = []ModelInfo{
	{
		ID:          "depression-cnn-v1",
		Name:        "Depression CNN v1",
		Backend:     ai.BackendNative,
		Filename:    "depression_cnn_v1.mvw",
		Size:        "~380 KB",
		Description: "3 conv blocks + 2 FC, 64x64 log-mel input, msgpack weights for the native backend",
		Recommended: true,
	},
	{
		ID:          "depression-cnn-v1-onnx",
		Name:        "Depression CNN v1 (ONNX)",
		Backend:     ai.BackendONNX,
		Filename:    "depression_cnn_v1.onnx",
		Size:        "~380 KB",
		Description: "Same network exported to ONNX, runs on ONNX Runtime",
	},
}

// GetModelByID возвращает модель встроенного реестра по ID
func GetModelByID(id string) *ModelInfo {
	for _, m := range Registry {
		if m.ID == id {
			return &m
		}
	}
	return nil
}

// GetModelsByBackend возвращает модели для бэкенда
func GetModelsByBackend(backend ai.Backend) []ModelInfo {
	var result []ModelInfo
	for _, m := range Registry {
		if m.Backend == backend {
			result = append(result, m)
		}
	}
	return result
}
