package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"moodvoice/internal/service"
	"moodvoice/models"
)

// ClassifyArgs are the arguments of the classify_audio tool
type ClassifyArgs struct {
	Audio    string `json:"audio" jsonschema:"base64-encoded audio file (wav, mp3 or ogg)"`
	Filename string `json:"filename" jsonschema:"original file name, its extension selects the decoder"`
}

// ListModelsArgs are the arguments of the list_models tool
type ListModelsArgs struct{}

// MCPServer exposes the classifier as MCP tools over stdio
type MCPServer struct {
	server      *sdk.Server
	predictions *service.PredictionService
	modelMgr    *models.Manager
	user        string
	logger      *zap.Logger
}

// NewMCPServer registers the tools. Predictions are stored under user.
func NewMCPServer(name, version string, predictions *service.PredictionService, modelMgr *models.Manager, user string, logger *zap.Logger) *MCPServer {
	if user == "" {
		user = AnonymousUser
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &MCPServer{
		server: sdk.NewServer(&sdk.Implementation{
			Name:    name,
			Version: version,
		}, nil),
		predictions: predictions,
		modelMgr:    modelMgr,
		user:        user,
		logger:      logger.Named("mcp"),
	}
	m.registerTools()
	return m
}

// Run serves MCP on stdin/stdout until ctx is done or the client disconnects
func (m *MCPServer) Run(ctx context.Context) error {
	m.logger.Info("mcp server started on stdio")
	return m.server.Run(ctx, &sdk.StdioTransport{})
}

func (m *MCPServer) registerTools() {
	sdk.AddTool(m.server, &sdk.Tool{
		Name:        "classify_audio",
		Description: "Classify depression severity (Minimal, Moderate, Severe) from a speech recording",
	}, m.handleClassify)

	sdk.AddTool(m.server, &sdk.Tool{
		Name:        "list_models",
		Description: "List known classifier models and their local status",
	}, m.handleListModels)
}

func (m *MCPServer) handleClassify(ctx context.Context, req *sdk.CallToolRequest, args ClassifyArgs) (*sdk.CallToolResult, any, error) {
	data, err := base64.StdEncoding.DecodeString(args.Audio)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid base64 audio: %w", err)
	}

	pred, err := m.predictions.Predict(ctx, m.user, service.Upload{
		Filename: args.Filename,
		Size:     int64(len(data)),
		Body:     bytes.NewReader(data),
	})
	if err != nil {
		_, kind := errorStatus(err)
		return nil, nil, fmt.Errorf("classification failed (%s): %w", kind, err)
	}

	raw, err := json.Marshal(pred)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &sdk.CallToolResult{
		Content: []sdk.Content{
			&sdk.TextContent{Text: fmt.Sprintf("%s (confidence %.2f, %d segments)",
				pred.OverallClassLabel, pred.OverallConfidence, pred.TotalSegments)},
			&sdk.TextContent{Text: string(raw)},
		},
	}, nil, nil
}

func (m *MCPServer) handleListModels(ctx context.Context, req *sdk.CallToolRequest, args ListModelsArgs) (*sdk.CallToolResult, any, error) {
	var states []models.ModelState
	if m.modelMgr != nil {
		states = m.modelMgr.GetAllModelsState()
	}

	content := []sdk.Content{
		&sdk.TextContent{Text: fmt.Sprintf("Models (%d):", len(states))},
	}
	for _, st := range states {
		content = append(content, &sdk.TextContent{
			Text: fmt.Sprintf("- %s [%s] %s", st.ID, st.Backend, st.Status),
		})
	}

	return &sdk.CallToolResult{Content: content}, nil, nil
}
