package api

import (
	"moodvoice/history"
	"moodvoice/internal/service"
	"moodvoice/models"
)

// Message types of the WebSocket / gRPC control channel
const (
	MsgPredict    = "predict"
	MsgGetHistory = "get_history"
	MsgGetRecord  = "get_record"
	MsgGetModels  = "get_models"
	MsgHealth     = "health"

	MsgDownloadModel  = "download_model"
	MsgCancelDownload = "cancel_download"

	MsgPrediction  = "prediction"
	MsgHistoryList = "history_list"
	MsgRecord      = "record"
	MsgModelsList  = "models_list"
	MsgHealthState = "health_status"
	MsgProgress    = "model_progress"

	MsgDownloadStarted   = "download_started"
	MsgDownloadCancelled = "download_cancelled"
	MsgError       = "error"
)

// Message is the JSON envelope shared by /ws and the gRPC Control stream
type Message struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// predict
	Filename string `json:"filename,omitempty"`
	Audio    string `json:"audio,omitempty"` // base64

	// get_history / get_record
	RecordID string `json:"recordId,omitempty"`
	Limit    int    `json:"limit,omitempty"`

	// Responses
	Result  *service.Prediction `json:"result,omitempty"`
	Records []history.Record    `json:"records,omitempty"`
	Record  *history.Record     `json:"record,omitempty"`
	Models  []models.ModelState `json:"models,omitempty"`
	Health  *service.Health     `json:"health,omitempty"`

	// model_progress / download_model / cancel_download
	ModelID  string  `json:"modelId,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Status   string  `json:"status,omitempty"`

	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// errorResponse is the JSON body of failed HTTP requests
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
