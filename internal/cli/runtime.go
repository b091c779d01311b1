package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"moodvoice/ai"
	"moodvoice/history"
	"moodvoice/internal/config"
	"moodvoice/internal/service"
	"moodvoice/models"
)

// runtime bundles the long-lived components built from the config
type runtime struct {
	cfg         *config.Config
	logger      *zap.Logger
	modelMgr    *models.Manager
	pipeline    *ai.Pipeline
	executor    *service.Executor
	history     *history.Store
	predictions *service.PredictionService
}

type runtimeOptions struct {
	history    bool
	registerer prometheus.Registerer
}

// newRuntime loads the classifier and wires the prediction service.
// A missing model artifact is a fatal error.
func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	modelMgr, err := newModelManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.modelMgr = modelMgr

	classifier, err := loadClassifier(ctx, cfg, modelMgr, logger)
	if err != nil {
		return nil, err
	}

	pipelineCfg, err := cfg.Pipeline()
	if err != nil {
		classifier.Close()
		return nil, err
	}
	pipeline, err := ai.NewPipeline(pipelineCfg, ai.NewInferenceEngine(classifier), logger)
	if err != nil {
		classifier.Close()
		return nil, err
	}
	rt.pipeline = pipeline

	metrics := service.NewMetrics(opts.registerer)
	rt.executor = service.NewExecutor(cfg.Inference.Workers, cfg.Inference.QueueSize, metrics, logger)

	if opts.history && cfg.History.Enabled {
		store, err := history.Open(history.Options{
			Dir:      cfg.HistoryDir(),
			InMemory: cfg.History.InMemory,
			Logger:   logger,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.history = store
	}

	modelID := cfg.Model.ID
	if cfg.Model.Path != "" {
		modelID = filepath.Base(cfg.Model.Path)
	}

	rt.predictions, err = service.NewPredictionService(service.Options{
		Pipeline:      pipeline,
		Executor:      rt.executor,
		History:       rt.history,
		Metrics:       metrics,
		Logger:        logger,
		ModelID:       modelID,
		TempDir:       cfg.TempDir,
		Timeout:       cfg.Inference.Timeout,
		HistoryWindow: cfg.HistoryWindow(),
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// newModelManager creates the manager and applies config overrides for the model entry
func newModelManager(cfg *config.Config, logger *zap.Logger) (*models.Manager, error) {
	modelMgr, err := models.NewManager(cfg.Model.ModelsDir, logger)
	if err != nil {
		return nil, err
	}
	modelMgr.SetHTTPClient(&http.Client{Timeout: cfg.Model.DownloadTimeout})
	if cfg.Model.ID != "" && (cfg.Model.URL != "" || cfg.Model.SHA256 != "" || modelMgr.GetModel(cfg.Model.ID) == nil) {
		if err := modelMgr.Register(models.ModelInfo{
			ID:          cfg.Model.ID,
			Backend:     ai.Backend(cfg.Model.Backend),
			DownloadURL: cfg.Model.URL,
			SHA256:      cfg.Model.SHA256,
		}); err != nil {
			return nil, err
		}
	}
	return modelMgr, nil
}

func loadClassifier(ctx context.Context, cfg *config.Config, modelMgr *models.Manager, logger *zap.Logger) (ai.Classifier, error) {
	opts := models.LoadOptions{ONNXLibrary: cfg.Model.ONNXLibrary, Logger: logger}

	if cfg.Model.Path != "" {
		classifier, err := models.LoadArtifact(cfg.Model.Path, ai.Backend(cfg.Model.Backend), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to load model %s: %w", cfg.Model.Path, err)
		}
		return classifier, nil
	}

	classifier, err := modelMgr.Load(ctx, cfg.Model.ID, opts)
	if errors.Is(err, models.ErrModelMissing) {
		return nil, fmt.Errorf("%w (set model.url, place the file there, or run 'moodvoice models download %s')",
			err, cfg.Model.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", cfg.Model.ID, err)
	}
	return classifier, nil
}

// Close stops workers and releases storage and the classifier
func (rt *runtime) Close() {
	if rt.executor != nil {
		rt.executor.Stop()
	}
	if rt.history != nil {
		if err := rt.history.Close(); err != nil {
			rt.logger.Warn("failed to close history", zap.Error(err))
		}
	}
	if rt.pipeline != nil {
		if err := rt.pipeline.Close(); err != nil {
			rt.logger.Warn("failed to close classifier", zap.Error(err))
		}
	}
	rt.logger.Sync()
}
