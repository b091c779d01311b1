package ai

import (
	"context"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ONNX Runtime глобальная инициализация
var (
	onnxInitialized bool
	onnxInitMu      sync.Mutex
)

// onnxSearchPaths стандартные места поиска библиотеки
var onnxSearchPaths = []string{
	"./libonnxruntime.so",
	"./libonnxruntime.dylib",
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/libonnxruntime.so",
	"/opt/homebrew/lib/libonnxruntime.dylib",
	"./onnxruntime.dll",
}

// InitONNXRuntime инициализирует окружение ONNX Runtime один раз на процесс.
// libPath пустой: берётся ONNXRUNTIME_SHARED_LIBRARY_PATH или стандартные пути.
func InitONNXRuntime(libPath string, logger *zap.Logger) error {
	onnxInitMu.Lock()
	defer onnxInitMu.Unlock()

	if onnxInitialized {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if libPath == "" {
		libPath = os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	}
	if libPath == "" {
		for _, path := range onnxSearchPaths {
			if _, err := os.Stat(path); err == nil {
				libPath = path
				break
			}
		}
	}
	if libPath == "" {
		return fmt.Errorf("ONNX Runtime library not found")
	}

	logger.Info("using ONNX Runtime library", zap.String("path", libPath))
	ort.SetSharedLibraryPath(libPath)

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	onnxInitialized = true
	return nil
}

// ONNXClassifierConfig конфигурация ONNX бэкенда
type ONNXClassifierConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string // пусто: первый вход модели
	LogitsName  string // пусто: первый выход модели
	EmbedName   string // пусто: второй выход модели, если есть
}

// ONNXClassifier классификатор на экспортированной ONNX модели.
// Ожидает вход [N,1,H,W] и выходы logits [N,3], embedding [N,128].
type ONNXClassifier struct {
	config      ONNXClassifierConfig
	session     *ort.DynamicAdvancedSession
	hasEmbed    bool
	logger      *zap.Logger
	mu          sync.Mutex
	initialized bool
}

// NewONNXClassifier создаёт сессию ONNX Runtime
func NewONNXClassifier(config ONNXClassifierConfig, logger *zap.Logger) (*ONNXClassifier, error) {
	if _, err := os.Stat(config.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", config.ModelPath)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := InitONNXRuntime(config.LibraryPath, logger); err != nil {
		return nil, err
	}

	c := &ONNXClassifier{
		config: config,
		logger: logger.Named("onnx"),
	}
	if err := c.loadModel(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ONNXClassifier) loadModel() error {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(c.config.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to get model info: %w", err)
	}
	if len(inputInfo) == 0 || len(outputInfo) == 0 {
		return fmt.Errorf("model has no inputs or outputs")
	}

	inputName := c.config.InputName
	if inputName == "" {
		inputName = inputInfo[0].Name
	}
	outputNames := []string{c.config.LogitsName}
	if outputNames[0] == "" {
		outputNames[0] = outputInfo[0].Name
	}
	embedName := c.config.EmbedName
	if embedName == "" && len(outputInfo) > 1 {
		embedName = outputInfo[1].Name
	}
	if embedName != "" {
		outputNames = append(outputNames, embedName)
		c.hasEmbed = true
	}

	c.logger.Info("classifier model io",
		zap.String("input", inputName),
		zap.Strings("outputs", outputNames))

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		c.config.ModelPath,
		[]string{inputName},
		outputNames,
		options,
	)
	if err != nil {
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}

	c.session = session
	c.initialized = true
	return nil
}

// Backend возвращает имя бэкенда
func (c *ONNXClassifier) Backend() string {
	return string(BackendONNX)
}

// Forward выполняет инференс для всего пакета одним вызовом Run.
// Сессия хранит нативное состояние, вызовы сериализуются.
func (c *ONNXClassifier) Forward(ctx context.Context, batch *BatchTensor) ([]ClassifierOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, ErrModelNotLoaded
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(batch.Shape()...), batch.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if c.hasEmbed {
		outputs = append(outputs, nil)
	}
	if err := c.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	logitsTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: unexpected logits tensor type", ErrInference)
	}
	logits := logitsTensor.GetData()
	if len(logits) != batch.N*NumClasses {
		return nil, fmt.Errorf("%w: logits size %d for batch of %d", ErrInference, len(logits), batch.N)
	}

	var embeds []float32
	if c.hasEmbed {
		if t, ok := outputs[1].(*ort.Tensor[float32]); ok {
			embeds = t.GetData()
		}
	}

	// Копируем, так как тензоры будут уничтожены
	result := make([]ClassifierOutput, batch.N)
	for i := range result {
		result[i].Logits = append([]float32(nil), logits[i*NumClasses:(i+1)*NumClasses]...)
		if len(embeds) == batch.N*EmbeddingSize {
			result[i].Embedding = append([]float32(nil), embeds[i*EmbeddingSize:(i+1)*EmbeddingSize]...)
		}
	}
	return result, nil
}

// Close освобождает сессию
func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			return err
		}
		c.session = nil
	}
	c.initialized = false
	return nil
}
