package api

import (
	"bytes"
	"context"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"moodvoice/ai"
	"moodvoice/audio"
	"moodvoice/history"
	"moodvoice/internal/service"
	"moodvoice/models"
)

const testSecret = "test-secret"

type fixedClassifier struct {
	logits []float32
}

func (c *fixedClassifier) Forward(ctx context.Context, batch *ai.BatchTensor) ([]ai.ClassifierOutput, error) {
	out := make([]ai.ClassifierOutput, batch.N)
	for i := range out {
		out[i] = ai.ClassifierOutput{Logits: c.logits, Embedding: make([]float32, ai.EmbeddingSize)}
	}
	return out, nil
}

func (c *fixedClassifier) Backend() string { return "fixed" }
func (c *fixedClassifier) Close() error    { return nil }

type testEnv struct {
	server *Server
	auth   *Authenticator
	models *models.Manager
	http   *httptest.Server
}

// newTestEnv собирает сервер поверх настоящего конвейера с фиксированным классификатором
func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	pipeline, err := ai.NewPipeline(ai.DefaultPipelineConfig(),
		ai.NewInferenceEngine(&fixedClassifier{logits: []float32{0.1, 0.2, 4}}), logger)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := service.NewMetrics(reg)
	executor := service.NewExecutor(2, 8, metrics, logger)
	t.Cleanup(executor.Stop)

	store, err := history.Open(history.Options{InMemory: true, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	predictions, err := service.NewPredictionService(service.Options{
		Pipeline: pipeline,
		Executor: executor,
		History:  store,
		Metrics:  metrics,
		Logger:   logger,
		ModelID:  "depression-cnn-v1",
		TempDir:  t.TempDir(),
		Timeout:  10 * time.Second,
	})
	require.NoError(t, err)

	modelMgr, err := models.NewManager(t.TempDir(), logger)
	require.NoError(t, err)

	auth := NewAuthenticator(secret, "moodvoice", time.Hour)
	srv := NewServer(Options{}, predictions, modelMgr, auth, reg, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, auth: auth, models: modelMgr, http: ts}
}

func (e *testEnv) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := e.auth.IssueToken(user)
	require.NoError(t, err)
	return tok
}

func toneWAV(t *testing.T, seconds float64) []byte {
	t.Helper()
	const sr = 16000
	samples := make([]float32, int(seconds*sr))
	for i := range samples {
		samples[i] = float32(0.4 * math.Sin(2*math.Pi*440*float64(i)/sr))
	}
	var buf bytes.Buffer
	require.NoError(t, audio.WriteWAV(&buf, samples, sr, 1))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, url, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}
