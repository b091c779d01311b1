package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"moodvoice/ai"
	"moodvoice/audio"
	"moodvoice/history"
)

// ErrHistoryDisabled история отключена в конфигурации
var ErrHistoryDisabled = errors.New("prediction history is disabled")

// Upload загружаемый файл. Size < 0 означает, что размер заранее неизвестен.
type Upload struct {
	Filename string
	Size     int64
	Body     io.Reader
}

// Prediction результат классификации, отдаваемый транспортам
type Prediction struct {
	*ai.AggregateResult
	RecordID string `json:"record_id,omitempty"`
}

// Health состояние сервиса
type Health struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	ModelID     string `json:"model_id"`
	Backend     string `json:"backend"`
}

// Options зависимости PredictionService
type Options struct {
	Pipeline      *ai.Pipeline
	Executor      *Executor
	History       *history.Store // nil отключает историю
	Metrics       *Metrics
	Logger        *zap.Logger
	ModelID       string
	TempDir       string
	Timeout       time.Duration
	HistoryWindow time.Duration
}

// PredictionService общий вход для всех транспортов: HTTP, WebSocket, gRPC, MCP, CLI
type PredictionService struct {
	pipeline      *ai.Pipeline
	executor      *Executor
	history       *history.Store
	metrics       *Metrics
	logger        *zap.Logger
	modelID       string
	tempDir       string
	timeout       time.Duration
	historyWindow time.Duration
}

// NewPredictionService создаёт сервис
func NewPredictionService(opts Options) (*PredictionService, error) {
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("prediction service: pipeline is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("prediction service: executor is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 30 * 24 * time.Hour
	}
	if opts.TempDir != "" {
		if err := os.MkdirAll(opts.TempDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
	}

	return &PredictionService{
		pipeline:      opts.Pipeline,
		executor:      opts.Executor,
		history:       opts.History,
		metrics:       opts.Metrics,
		logger:        opts.Logger.Named("prediction"),
		modelID:       opts.ModelID,
		tempDir:       opts.TempDir,
		timeout:       opts.Timeout,
		historyWindow: opts.HistoryWindow,
	}, nil
}

// Predict классифицирует загруженный файл от имени username
func (s *PredictionService) Predict(ctx context.Context, username string, up Upload) (*Prediction, error) {
	start := time.Now()
	pred, err := s.predict(ctx, username, up)
	s.observe(start, pred, err)
	if err != nil {
		s.logger.Info("prediction failed",
			zap.String("user", username),
			zap.String("file", up.Filename),
			zap.String("kind", outcome(err)),
			zap.Error(err))
	}
	return pred, err
}

func (s *PredictionService) predict(ctx context.Context, username string, up Upload) (*Prediction, error) {
	if err := s.pipeline.CheckUpload(up.Filename, max(up.Size, 0)); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.tempDir, "upload-*"+strings.ToLower(filepath.Ext(up.Filename)))
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := tmp.Name()
	defer s.removeTemp(path)

	limit := s.pipeline.Config().MaxBytes
	body := up.Body
	if limit > 0 {
		body = io.LimitReader(body, limit+1)
	}
	written, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if err := s.pipeline.CheckUpload(up.Filename, written); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filename := up.Filename
	future, err := Submit(ctx, s.executor, func(ctx context.Context) (*ai.AggregateResult, error) {
		waveform, err := s.decodeTemp(path, filename)
		if err != nil {
			return nil, err
		}
		return s.pipeline.RunWaveform(ctx, waveform)
	})
	if err != nil {
		return nil, err
	}
	result, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}

	return s.finish(username, up.Filename, result)
}

// decodeTemp декодирует временный файл и удаляет его до начала инференса
func (s *PredictionService) decodeTemp(path, filename string) (audio.Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("failed to open upload: %w", err)
	}
	waveform, err := s.pipeline.Decode(f, filename)
	if closeErr := f.Close(); closeErr != nil {
		s.logger.Warn("failed to close upload", zap.String("path", path), zap.Error(closeErr))
	}
	s.removeTemp(path)
	return waveform, err
}

func (s *PredictionService) removeTemp(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove temp file", zap.String("path", path), zap.Error(err))
	}
}

// PredictWaveform классифицирует уже записанный сигнал (микрофон)
func (s *PredictionService) PredictWaveform(ctx context.Context, username string, waveform audio.Waveform) (*Prediction, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pred, err := func() (*Prediction, error) {
		future, err := Submit(ctx, s.executor, func(ctx context.Context) (*ai.AggregateResult, error) {
			return s.pipeline.RunWaveform(ctx, waveform)
		})
		if err != nil {
			return nil, err
		}
		result, err := future.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return s.finish(username, "recording", result)
	}()
	s.observe(start, pred, err)
	return pred, err
}

func (s *PredictionService) finish(username, filename string, result *ai.AggregateResult) (*Prediction, error) {
	pred := &Prediction{AggregateResult: result}
	if s.history == nil {
		return pred, nil
	}

	rec := &history.Record{
		Username:      username,
		Filename:      filepath.Base(filename),
		OverallClass:  result.OverallPredictedClass,
		ClassLabel:    result.OverallClassLabel,
		Confidence:    result.OverallConfidence,
		Probabilities: result.AverageProbabilities,
		TotalSegments: result.TotalSegments,
	}
	if err := s.history.Save(rec); err != nil {
		// Результат уже посчитан, отдаём его без записи в историю
		s.logger.Error("failed to save history", zap.String("user", username), zap.Error(err))
		return pred, nil
	}
	pred.RecordID = rec.ID
	return pred, nil
}

func (s *PredictionService) observe(start time.Time, pred *Prediction, err error) {
	s.metrics.Predictions.WithLabelValues(outcome(err)).Inc()
	s.metrics.Duration.Observe(time.Since(start).Seconds())
	if pred != nil {
		s.metrics.Segments.Observe(float64(pred.TotalSegments))
	}
}

// outcome метка результата для метрик и логов
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	}
	return string(ai.KindOf(err))
}

// History возвращает записи пользователя за окно истории
func (s *PredictionService) History(username string, limit int) ([]history.Record, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	return s.history.ListByUser(username, time.Now().Add(-s.historyWindow), limit)
}

// HistoryRecord возвращает одну запись пользователя
func (s *PredictionService) HistoryRecord(id, username string) (*history.Record, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	return s.history.Get(id, username)
}

// Health состояние модели
func (s *PredictionService) Health() Health {
	h := Health{
		Status:      "ok",
		ModelLoaded: s.pipeline.ModelLoaded(),
		ModelID:     s.modelID,
		Backend:     s.pipeline.Backend(),
	}
	if !h.ModelLoaded {
		h.Status = "degraded"
	}
	return h
}

// Pipeline возвращает конвейер сервиса
func (s *PredictionService) Pipeline() *ai.Pipeline {
	return s.pipeline
}
