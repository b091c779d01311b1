// Package api exposes the prediction service over HTTP, WebSocket, gRPC and MCP.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"moodvoice/ai"
	"moodvoice/history"
	"moodvoice/internal/service"
	"moodvoice/models"
)

// errBadRequest marks malformed client input
var errBadRequest = errors.New("bad request")

// Options configures the listeners
type Options struct {
	Addr            string // host:port of the HTTP listener
	GRPCAddr        string // unix:/path, npipe:name or host:port; empty disables gRPC
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Server serves every transport on top of one PredictionService
type Server struct {
	opts        Options
	predictions *service.PredictionService
	modelMgr    *models.Manager
	auth        *Authenticator
	gatherer    prometheus.Gatherer
	logger      *zap.Logger

	upgrader websocket.Upgrader
	clients  map[*wsClient]bool
	mu       sync.Mutex
}

// NewServer wires the transports. modelMgr and gatherer may be nil.
func NewServer(
	opts Options,
	predictions *service.PredictionService,
	modelMgr *models.Manager,
	auth *Authenticator,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	if auth == nil {
		auth = NewAuthenticator("", "", 0)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		opts:        opts,
		predictions: predictions,
		modelMgr:    modelMgr,
		auth:        auth,
		gatherer:    gatherer,
		logger:      logger.Named("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]bool),
	}
	s.setupCallbacks()
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/predict", s.handlePredict)
	api.HandleFunc("GET /api/history", s.handleHistory)
	api.HandleFunc("GET /api/history/{id}", s.handleHistoryRecord)
	api.HandleFunc("GET /ws", s.handleWebSocket)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.auth.Middleware(api))
	mux.Handle("GET /ws", s.auth.Middleware(api))
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run serves HTTP and gRPC until ctx is cancelled or a listener fails
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.opts.ReadTimeout,
	}
	g.Go(func() error {
		s.logger.Info("http listening", zap.String("addr", s.opts.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var grpcServer *grpc.Server
	if s.opts.GRPCAddr != "" {
		lis, err := listenGRPC(s.opts.GRPCAddr)
		if err != nil {
			httpServer.Close()
			return fmt.Errorf("grpc listener %s: %w", s.opts.GRPCAddr, err)
		}
		grpcServer = s.NewGRPCServer()
		g.Go(func() error {
			s.logger.Info("grpc listening", zap.String("addr", s.opts.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()

		s.closeClients()
		if grpcServer != nil {
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-shutdownCtx.Done():
				grpcServer.Stop()
			}
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) setupCallbacks() {
	if s.modelMgr == nil {
		return
	}
	s.modelMgr.SetProgressCallback(func(modelID string, progress float64, status models.ModelStatus, err error) {
		msg := Message{
			Type:     MsgProgress,
			ModelID:  modelID,
			Progress: progress,
			Status:   string(status),
		}
		if err != nil {
			msg.Error = err.Error()
		}
		s.broadcast(msg)
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeError(w, fmt.Errorf("%w: expected multipart/form-data", errBadRequest))
		return
	}
	if limit := s.predictions.Pipeline().Config().MaxBytes; limit > 0 {
		// запас на заголовки multipart
		r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	for {
		part, err := reader.NextPart()
		if err != nil {
			writeError(w, fmt.Errorf("%w: multipart field \"audio\" is required", errBadRequest))
			return
		}
		if part.FormName() != "audio" {
			part.Close()
			continue
		}

		// part size is unknown until read; the service enforces the limit while copying
		pred, err := s.predictions.Predict(r.Context(), user, service.Upload{
			Filename: part.FileName(),
			Size:     -1,
			Body:     part,
		})
		part.Close()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pred)
		return
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, v))
			return
		}
		limit = n
	}

	records, err := s.predictions.History(UserFromContext(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHistoryRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.predictions.HistoryRecord(r.PathValue("id"), UserFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.modelStates())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.predictions.Health())
}

func (s *Server) modelStates() []models.ModelState {
	if s.modelMgr == nil {
		return []models.ModelState{}
	}
	return s.modelMgr.GetAllModelsState()
}

// processMessage handles one control-channel request. Shared by /ws and gRPC.
func (s *Server) processMessage(ctx context.Context, user string, msg Message) Message {
	reply := Message{RequestID: msg.RequestID}

	switch msg.Type {
	case MsgPredict:
		data, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return errorMessage(reply, fmt.Errorf("%w: audio is not valid base64", errBadRequest))
		}
		pred, err := s.predictions.Predict(ctx, user, service.Upload{
			Filename: msg.Filename,
			Size:     int64(len(data)),
			Body:     bytes.NewReader(data),
		})
		if err != nil {
			return errorMessage(reply, err)
		}
		reply.Type = MsgPrediction
		reply.Result = pred

	case MsgGetHistory:
		records, err := s.predictions.History(user, msg.Limit)
		if err != nil {
			return errorMessage(reply, err)
		}
		reply.Type = MsgHistoryList
		reply.Records = records

	case MsgGetRecord:
		if msg.RecordID == "" {
			return errorMessage(reply, fmt.Errorf("%w: recordId is required", errBadRequest))
		}
		rec, err := s.predictions.HistoryRecord(msg.RecordID, user)
		if err != nil {
			return errorMessage(reply, err)
		}
		reply.Type = MsgRecord
		reply.Record = rec

	case MsgGetModels:
		reply.Type = MsgModelsList
		reply.Models = s.modelStates()

	case MsgHealth:
		h := s.predictions.Health()
		reply.Type = MsgHealthState
		reply.Health = &h

	case MsgDownloadModel:
		if err := s.startDownload(msg.ModelID); err != nil {
			return errorMessage(reply, err)
		}
		reply.Type = MsgDownloadStarted
		reply.ModelID = msg.ModelID

	case MsgCancelDownload:
		if s.modelMgr == nil {
			return errorMessage(reply, fmt.Errorf("%w: model manager is not available", errBadRequest))
		}
		if err := s.modelMgr.CancelDownload(msg.ModelID); err != nil {
			return errorMessage(reply, fmt.Errorf("%w: %v", errBadRequest, err))
		}
		reply.Type = MsgDownloadCancelled
		reply.ModelID = msg.ModelID

	default:
		return errorMessage(reply, fmt.Errorf("%w: unknown message type %q", errBadRequest, msg.Type))
	}
	return reply
}

// startDownload runs the download in the background; progress reaches clients
// through the model_progress broadcast.
func (s *Server) startDownload(modelID string) error {
	if s.modelMgr == nil {
		return fmt.Errorf("%w: model manager is not available", errBadRequest)
	}
	if modelID == "" {
		return fmt.Errorf("%w: modelId is required", errBadRequest)
	}
	info := s.modelMgr.GetModel(modelID)
	if info == nil {
		return fmt.Errorf("%w: unknown model %q", errBadRequest, modelID)
	}
	if info.DownloadURL == "" {
		return fmt.Errorf("%w: model %s has no download url", errBadRequest, modelID)
	}
	if slices.Contains(s.modelMgr.GetDownloadingModels(), modelID) {
		return fmt.Errorf("%w: model %s is already downloading", errBadRequest, modelID)
	}

	go func() {
		if err := s.modelMgr.DownloadModel(context.Background(), modelID); err != nil {
			s.logger.Warn("model download failed", zap.String("model", modelID), zap.Error(err))
		}
	}()
	return nil
}

func errorMessage(reply Message, err error) Message {
	_, kind := errorStatus(err)
	reply.Type = MsgError
	reply.Error = err.Error()
	reply.Kind = kind
	return reply
}

// errorStatus maps an error to an HTTP status and a machine-readable kind
func errorStatus(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrHistoryDisabled):
		return http.StatusNotFound, "history_disabled"
	case errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrExecutorStopped):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "cancelled"
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, string(ai.KindOversize)
	}

	kind := ai.KindOf(err)
	switch kind {
	case ai.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType, string(kind)
	case ai.KindOversize:
		return http.StatusRequestEntityTooLarge, string(kind)
	case ai.KindDecode, ai.KindInsufficientAudio, ai.KindDegenerateSignal:
		return http.StatusUnprocessableEntity, string(kind)
	case ai.KindModelNotLoaded:
		return http.StatusServiceUnavailable, string(kind)
	case ai.KindInference:
		return http.StatusInternalServerError, string(kind)
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := errorStatus(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}
