package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"moodvoice/ai"
)

// ErrModelMissing артефакт модели отсутствует и не может быть скачан
var ErrModelMissing = errors.New("model artifact is missing")

// ProgressCallback функция обратного вызова для прогресса
type ProgressCallback func(modelID string, progress float64, status ModelStatus, err error)

// Manager менеджер артефактов модели
type Manager struct {
	modelsDir   string
	registry    []ModelInfo
	activeModel string
	downloads   map[string]context.CancelFunc // Активные загрузки
	mu          sync.RWMutex
	onProgress  ProgressCallback
	client      *http.Client
	logger      *zap.Logger
}

// NewManager создаёт новый менеджер моделей
func NewManager(modelsDir string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := make([]ModelInfo, len(Registry))
	copy(registry, Registry)

	return &Manager{
		modelsDir: modelsDir,
		registry:  registry,
		downloads: make(map[string]context.CancelFunc),
		client:    &http.Client{},
		logger:    logger.Named("models"),
	}, nil
}

// SetProgressCallback устанавливает callback для прогресса
func (m *Manager) SetProgressCallback(cb ProgressCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProgress = cb
}

// SetHTTPClient задаёт HTTP клиент для загрузок
func (m *Manager) SetHTTPClient(client *http.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = client
}

// Register добавляет модель или заменяет запись с тем же ID.
// Пустые поля новой записи берутся из существующей.
func (m *Manager) Register(info ModelInfo) error {
	if info.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if strings.ContainsAny(info.ID, `/\`) {
		return fmt.Errorf("invalid model id %q", info.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.registry {
		if existing.ID != info.ID {
			continue
		}
		if info.Name == "" {
			info.Name = existing.Name
		}
		if info.Backend == "" {
			info.Backend = existing.Backend
		}
		if info.Filename == "" {
			info.Filename = existing.Filename
		}
		if info.Description == "" {
			info.Description = existing.Description
		}
		if info.DownloadURL == "" {
			info.DownloadURL = existing.DownloadURL
		}
		if info.SHA256 == "" {
			info.SHA256 = existing.SHA256
		}
		m.registry[i] = info
		return nil
	}

	if info.Backend == "" {
		info.Backend = ai.BackendNative
	}
	if info.Filename == "" {
		ext := ".mvw"
		if info.Backend == ai.BackendONNX {
			ext = ".onnx"
		}
		info.Filename = info.ID + ext
	}
	m.registry = append(m.registry, info)
	return nil
}

// GetModel возвращает модель по ID
func (m *Manager) GetModel(modelID string) *ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, info := range m.registry {
		if info.ID == modelID {
			return &info
		}
	}
	return nil
}

// GetModelsDir возвращает путь к директории моделей
func (m *Manager) GetModelsDir() string {
	return m.modelsDir
}

// GetModelPath возвращает путь к файлу модели
func (m *Manager) GetModelPath(modelID string) string {
	info := m.GetModel(modelID)
	if info == nil {
		return ""
	}
	return filepath.Join(m.modelsDir, info.Filename)
}

// IsModelDownloaded проверяет, что файл модели есть и не пуст
func (m *Manager) IsModelDownloaded(modelID string) bool {
	path := m.GetModelPath(modelID)
	if path == "" {
		return false
	}
	stat, err := os.Stat(path)
	if err != nil || stat.IsDir() {
		return false
	}
	if stat.Size() == 0 {
		return false
	}
	info := m.GetModel(modelID)
	return info.SizeBytes <= 0 || stat.Size() == info.SizeBytes
}

// GetActiveModel возвращает ID активной модели
func (m *Manager) GetActiveModel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeModel
}

// SetActiveModel устанавливает активную модель
func (m *Manager) SetActiveModel(modelID string) error {
	if !m.IsModelDownloaded(modelID) {
		return fmt.Errorf("model %s is not downloaded", modelID)
	}

	m.mu.Lock()
	m.activeModel = modelID
	m.mu.Unlock()

	m.logger.Info("active model set", zap.String("model", modelID))
	return nil
}

// GetAllModelsState возвращает состояние всех моделей
func (m *Manager) GetAllModelsState() []ModelState {
	m.mu.RLock()
	activeModel := m.activeModel
	downloads := make(map[string]bool)
	for id := range m.downloads {
		downloads[id] = true
	}
	registry := make([]ModelInfo, len(m.registry))
	copy(registry, m.registry)
	m.mu.RUnlock()

	states := make([]ModelState, len(registry))
	for i, info := range registry {
		state := ModelState{
			ModelInfo: info,
			Path:      m.GetModelPath(info.ID),
		}

		switch {
		case downloads[info.ID]:
			state.Status = ModelStatusDownloading
		case !m.IsModelDownloaded(info.ID):
			state.Status = ModelStatusNotDownloaded
		case info.ID == activeModel:
			state.Status = ModelStatusActive
		default:
			state.Status = ModelStatusDownloaded
		}

		states[i] = state
	}

	return states
}

// DownloadModel скачивает модель и проверяет контрольную сумму.
// Блокируется до завершения; отмена через ctx или CancelDownload.
func (m *Manager) DownloadModel(ctx context.Context, modelID string) error {
	info := m.GetModel(modelID)
	if info == nil {
		return fmt.Errorf("unknown model: %s", modelID)
	}
	if info.DownloadURL == "" {
		return fmt.Errorf("%w: no download url for %s", ErrModelMissing, modelID)
	}

	m.mu.Lock()
	if _, exists := m.downloads[modelID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("model %s is already downloading", modelID)
	}
	ctx, cancel := context.WithCancel(ctx)
	m.downloads[modelID] = cancel
	client := m.client
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.downloads, modelID)
		m.mu.Unlock()
	}()

	m.logger.Info("downloading model", zap.String("model", modelID), zap.String("url", info.DownloadURL))
	progressCb := func(progress float64) {
		m.notifyProgress(modelID, progress, ModelStatusDownloading, nil)
	}

	destPath := m.GetModelPath(modelID)
	err := DownloadFile(ctx, client, info.DownloadURL, destPath, info.SizeBytes, info.SHA256, progressCb)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			m.logger.Info("download cancelled", zap.String("model", modelID))
			m.notifyProgress(modelID, 0, ModelStatusNotDownloaded, nil)
		} else {
			m.logger.Error("download failed", zap.String("model", modelID), zap.Error(err))
			m.notifyProgress(modelID, 0, ModelStatusError, err)
		}
		m.cleanupPartialDownload(modelID)
		return err
	}

	m.logger.Info("download completed", zap.String("model", modelID), zap.String("path", destPath))
	m.notifyProgress(modelID, 100, ModelStatusDownloaded, nil)
	return nil
}

// CancelDownload отменяет скачивание модели
func (m *Manager) CancelDownload(modelID string) error {
	m.mu.Lock()
	cancel, exists := m.downloads[modelID]
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("model %s is not downloading", modelID)
	}

	cancel()
	return nil
}

// DeleteModel удаляет скачанную модель
func (m *Manager) DeleteModel(modelID string) error {
	if !m.IsModelDownloaded(modelID) {
		return fmt.Errorf("model %s is not downloaded", modelID)
	}

	m.mu.RLock()
	if m.activeModel == modelID {
		m.mu.RUnlock()
		return fmt.Errorf("cannot delete active model")
	}
	m.mu.RUnlock()

	if err := os.Remove(m.GetModelPath(modelID)); err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}

	m.logger.Info("model deleted", zap.String("model", modelID))
	return nil
}

// Verify сверяет SHA-256 скачанного файла с реестром
func (m *Manager) Verify(modelID string) error {
	info := m.GetModel(modelID)
	if info == nil {
		return fmt.Errorf("unknown model: %s", modelID)
	}
	if info.SHA256 == "" {
		return nil
	}
	got, err := FileSHA256(m.GetModelPath(modelID))
	if err != nil {
		return fmt.Errorf("failed to hash model: %w", err)
	}
	if !strings.EqualFold(got, info.SHA256) {
		return fmt.Errorf("%w: %s: got %s, want %s", ErrChecksumMismatch, modelID, got, info.SHA256)
	}
	return nil
}

// EnsureModel возвращает путь к модели, при необходимости скачивая её
func (m *Manager) EnsureModel(ctx context.Context, modelID string) (string, error) {
	info := m.GetModel(modelID)
	if info == nil {
		return "", fmt.Errorf("unknown model: %s", modelID)
	}
	if m.IsModelDownloaded(modelID) {
		return m.GetModelPath(modelID), m.Verify(modelID)
	}
	if info.DownloadURL == "" {
		return "", fmt.Errorf("%w: %s not found at %s", ErrModelMissing, modelID, m.GetModelPath(modelID))
	}
	if err := m.DownloadModel(ctx, modelID); err != nil {
		return "", err
	}
	return m.GetModelPath(modelID), nil
}

// LoadOptions параметры загрузки классификатора
type LoadOptions struct {
	ONNXLibrary string
	Logger      *zap.Logger
}

// Load готовит артефакт модели и создаёт классификатор её бэкенда
func (m *Manager) Load(ctx context.Context, modelID string, opts LoadOptions) (ai.Classifier, error) {
	path, err := m.EnsureModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	classifier, err := LoadArtifact(path, m.GetModel(modelID).Backend, opts)
	if err != nil {
		return nil, err
	}

	if err := m.SetActiveModel(modelID); err != nil {
		classifier.Close()
		return nil, err
	}

	m.logger.Info("model loaded",
		zap.String("model", modelID),
		zap.String("backend", classifier.Backend()),
		zap.String("path", path))
	return classifier, nil
}

// LoadArtifact создаёт классификатор из файла по явному пути
func LoadArtifact(path string, backend ai.Backend, opts LoadOptions) (ai.Classifier, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelMissing, err)
	}

	switch backend {
	case ai.BackendNative, "":
		cnn, err := ai.LoadNativeCNN(path)
		if err != nil {
			return nil, err
		}
		return cnn, nil
	case ai.BackendONNX:
		onnx, err := ai.NewONNXClassifier(ai.ONNXClassifierConfig{
			ModelPath:   path,
			LibraryPath: opts.ONNXLibrary,
		}, opts.Logger)
		if err != nil {
			return nil, err
		}
		return onnx, nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

// notifyProgress уведомляет о прогрессе
func (m *Manager) notifyProgress(modelID string, progress float64, status ModelStatus, err error) {
	m.mu.RLock()
	cb := m.onProgress
	m.mu.RUnlock()

	if cb != nil {
		cb(modelID, progress, status, err)
	}
}

// cleanupPartialDownload удаляет частично скачанный файл
func (m *Manager) cleanupPartialDownload(modelID string) {
	modelPath := m.GetModelPath(modelID)
	if modelPath == "" {
		return
	}
	os.Remove(modelPath + ".tmp")
}

// GetDownloadingModels возвращает список скачиваемых моделей
func (m *Manager) GetDownloadingModels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]string, 0, len(m.downloads))
	for id := range m.downloads {
		result = append(result, id)
	}
	return result
}
