package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"moodvoice/audio"
)

// DegeneratePolicy поведение при плоском сегменте
type DegeneratePolicy string

const (
	// DegenerateReject весь запрос завершается ErrDegenerateSignal
	DegenerateReject DegeneratePolicy = "reject"
	// DegenerateSkip сегмент исключается из агрегации
	DegenerateSkip DegeneratePolicy = "skip"
)

// PipelineConfig конфигурация конвейера
type PipelineConfig struct {
	SampleRate        int
	SegmentSeconds    float64
	NFFT              int
	HopLength         int
	WinLength         int
	NMels             int
	TargetSize        int
	Labels            ClassLabels
	AllowedExtensions []string
	MaxBytes          int64
	DegeneratePolicy  DegeneratePolicy
}

// DefaultPipelineConfig возвращает конфигурацию, на которой обучалась модель
func DefaultPipelineConfig() PipelineConfig {
	mel := DefaultMelConfig()
	loader := audio.DefaultLoaderConfig()
	return PipelineConfig{
		SampleRate:        mel.SampleRate,
		SegmentSeconds:    1.0,
		NFFT:              mel.NFFT,
		HopLength:         mel.HopLength,
		WinLength:         mel.WinLength,
		NMels:             mel.NMels,
		TargetSize:        64,
		Labels:            DefaultClassLabels(),
		AllowedExtensions: loader.AllowedExtensions,
		MaxBytes:          loader.MaxBytes,
		DegeneratePolicy:  DegenerateReject,
	}
}

// MelConfig параметры mel-спектрограммы
func (c PipelineConfig) MelConfig() MelConfig {
	return MelConfig{
		SampleRate: c.SampleRate,
		NMels:      c.NMels,
		HopLength:  c.HopLength,
		WinLength:  c.WinLength,
		NFFT:       c.NFFT,
		Center:     true,
		Scale:      MelScaleSlaney,
	}
}

// LoaderConfig параметры загрузчика
func (c PipelineConfig) LoaderConfig() audio.LoaderConfig {
	return audio.LoaderConfig{
		SampleRate:        c.SampleRate,
		AllowedExtensions: c.AllowedExtensions,
		MaxBytes:          c.MaxBytes,
	}
}

// SegmentLength длина сегмента в сэмплах
func (c PipelineConfig) SegmentLength() int {
	return audio.SegmentLength(c.SegmentSeconds, c.SampleRate)
}

// Validate проверяет конфигурацию
func (c PipelineConfig) Validate() error {
	if err := c.MelConfig().Validate(); err != nil {
		return err
	}
	if c.SegmentSeconds <= 0 || c.SegmentLength() <= 0 {
		return fmt.Errorf("pipeline: segment length must be positive, got %.3fs", c.SegmentSeconds)
	}
	if c.TargetSize < 8 {
		return fmt.Errorf("pipeline: target size must be at least 8, got %d", c.TargetSize)
	}
	if len(c.Labels) != NumClasses {
		return fmt.Errorf("pipeline: expected %d class labels, got %d", NumClasses, len(c.Labels))
	}
	seen := make(map[string]bool, len(c.Labels))
	for i, l := range c.Labels {
		if l == "" {
			return fmt.Errorf("pipeline: class %d has empty label", i)
		}
		if seen[l] {
			return fmt.Errorf("pipeline: duplicate class label %q", l)
		}
		seen[l] = true
	}
	if len(c.AllowedExtensions) == 0 {
		return fmt.Errorf("pipeline: no allowed extensions")
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("pipeline: max bytes must not be negative")
	}
	switch c.DegeneratePolicy {
	case DegenerateReject, DegenerateSkip:
	default:
		return fmt.Errorf("pipeline: unknown degenerate policy %q", c.DegeneratePolicy)
	}
	return nil
}

// Pipeline единый конвейер: загрузка → сегменты → признаки → инференс → агрегация.
// Создаётся один раз и используется всеми транспортами конкурентно.
type Pipeline struct {
	config   PipelineConfig
	loader   *audio.Loader
	features *FeatureExtractor
	engine   *InferenceEngine
	logger   *zap.Logger
}

// NewPipeline создаёт конвейер
func NewPipeline(config PipelineConfig, engine *InferenceEngine, logger *zap.Logger) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if engine == nil {
		engine = NewInferenceEngine(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	loader, err := audio.NewLoader(config.LoaderConfig())
	if err != nil {
		return nil, err
	}
	features, err := NewFeatureExtractor(config.MelConfig(), config.TargetSize)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		config:   config,
		loader:   loader,
		features: features,
		engine:   engine,
		logger:   logger.Named("pipeline"),
	}, nil
}

// Config возвращает конфигурацию
func (p *Pipeline) Config() PipelineConfig {
	return p.config
}

// ModelLoaded сообщает, загружен ли классификатор
func (p *Pipeline) ModelLoaded() bool {
	return p.engine.Loaded()
}

// Backend имя бэкенда классификатора
func (p *Pipeline) Backend() string {
	return p.engine.Backend()
}

// CheckUpload проверяет имя и заявленный размер до чтения данных
func (p *Pipeline) CheckUpload(filename string, size int64) error {
	if _, err := p.loader.CheckExtension(filename); err != nil {
		return wrapStage("validate", err)
	}
	if err := p.loader.CheckSize(size); err != nil {
		return wrapStage("validate", err)
	}
	return nil
}

// Run декодирует поток и классифицирует запись
func (p *Pipeline) Run(ctx context.Context, r io.Reader, filename string) (result *AggregateResult, err error) {
	defer p.recoverPanic(&err)

	waveform, err := p.Decode(r, filename)
	if err != nil {
		return nil, err
	}
	return p.classify(ctx, waveform)
}

// Decode проверяет расширение и декодирует поток в моно-сигнал целевой частоты.
// Источник после возврата больше не нужен.
func (p *Pipeline) Decode(r io.Reader, filename string) (waveform audio.Waveform, err error) {
	defer p.recoverPanic(&err)

	if _, err := p.loader.CheckExtension(filename); err != nil {
		return audio.Waveform{}, wrapStage("validate", err)
	}

	start := time.Now()
	waveform, err = p.loader.Load(r, filename)
	if err != nil {
		return audio.Waveform{}, wrapStage("load", err)
	}
	p.logger.Debug("audio decoded",
		zap.String("file", filename),
		zap.Int("samples", len(waveform.Samples)),
		zap.Duration("duration", waveform.Duration()),
		zap.Duration("elapsed", time.Since(start)))
	return waveform, nil
}

// RunFile классифицирует файл на диске
func (p *Pipeline) RunFile(ctx context.Context, path string) (result *AggregateResult, err error) {
	defer p.recoverPanic(&err)

	waveform, err := p.loader.LoadFile(path)
	if err != nil {
		return nil, wrapStage("load", err)
	}
	return p.classify(ctx, waveform)
}

// RunWaveform классифицирует уже декодированный моно-сигнал
func (p *Pipeline) RunWaveform(ctx context.Context, waveform audio.Waveform) (result *AggregateResult, err error) {
	defer p.recoverPanic(&err)

	if waveform.SampleRate != p.config.SampleRate {
		samples, err := audio.Resample(waveform.Samples, waveform.SampleRate, p.config.SampleRate)
		if err != nil {
			return nil, wrapStage("load", fmt.Errorf("%w: %v", ErrDecode, err))
		}
		waveform = audio.Waveform{Samples: samples, SampleRate: p.config.SampleRate}
	}
	return p.classify(ctx, waveform)
}

func (p *Pipeline) classify(ctx context.Context, waveform audio.Waveform) (*AggregateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	segments := audio.Segment(waveform.Samples, p.config.SegmentLength())
	if len(segments) == 0 {
		return nil, wrapStage("segment", fmt.Errorf("%w: %d samples, need %d",
			ErrInsufficientAudio, len(waveform.Samples), p.config.SegmentLength()))
	}

	images := make([]SpectrogramImage, 0, len(segments))
	indices := make([]int, 0, len(segments))
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := p.features.Extract(seg)
		if err != nil {
			if errors.Is(err, ErrDegenerateSignal) && p.config.DegeneratePolicy == DegenerateSkip {
				p.logger.Debug("skipping degenerate segment", zap.Int("segment", i))
				continue
			}
			return nil, wrapStage("features", fmt.Errorf("segment %d: %w", i, err))
		}
		images = append(images, img)
		indices = append(indices, i)
	}
	if len(images) == 0 {
		return nil, wrapStage("features", fmt.Errorf("%w: all %d segments are flat", ErrDegenerateSignal, len(segments)))
	}

	batch, err := BuildBatch(images)
	if err != nil {
		return nil, wrapStage("batch", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	preds, err := p.engine.Predict(ctx, batch)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, wrapStage("inference", err)
	}

	result, err := Aggregate(preds, indices, p.config.Labels)
	if err != nil {
		return nil, wrapStage("aggregate", err)
	}

	p.logger.Debug("classified",
		zap.Int("segments", result.TotalSegments),
		zap.String("label", result.OverallClassLabel),
		zap.Float64("confidence", result.OverallConfidence))
	return result, nil
}

// recoverPanic превращает панику численного кода в ErrInference
func (p *Pipeline) recoverPanic(err *error) {
	if r := recover(); r != nil {
		p.logger.Error("pipeline panic", zap.Any("panic", r))
		*err = wrapStage("inference", fmt.Errorf("%w: panic: %v", ErrInference, r))
	}
}

// Close освобождает классификатор
func (p *Pipeline) Close() error {
	return p.engine.Close()
}
