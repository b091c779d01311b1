package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"moodvoice/ai"
	"moodvoice/history"
	"moodvoice/internal/service"
)

func do(t *testing.T, req *http.Request, token string) (*http.Response, map[string]any) {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		if m, ok := raw.(map[string]any); ok {
			body = m
		} else {
			body = map[string]any{"items": raw}
		}
	}
	return resp, body
}

func get(t *testing.T, url, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return do(t, req, token)
}

func TestHealthAndModels(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := get(t, env.http.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["model_loaded"])
	assert.Equal(t, "depression-cnn-v1", body["model_id"])
	assert.Equal(t, "fixed", body["backend"])

	resp, body = get(t, env.http.URL+"/api/models", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 2)

	resp, _ = get(t, env.http.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPredictAndHistory(t *testing.T) {
	env := newTestEnv(t, testSecret)
	alice := env.token(t, "alice")

	req := multipartRequest(t, env.http.URL+"/api/predict", "audio", "clip.wav", toneWAV(t, 2))
	resp, body := do(t, req, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "Severe", body["overall_class_label"])
	assert.Equal(t, float64(2), body["total_segments"])
	recordID, _ := body["record_id"].(string)
	require.NotEmpty(t, recordID)

	resp, body = get(t, env.http.URL+"/api/history", alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, recordID, items[0].(map[string]any)["id"])

	resp, body = get(t, env.http.URL+"/api/history/"+recordID, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["username"])

	bob := env.token(t, "bob")
	resp, body = get(t, env.http.URL+"/api/history/"+recordID, bob)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["kind"])

	resp, body = get(t, env.http.URL+"/api/history", bob)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["items"])
}

func TestPredictErrors(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
		kind   string
	}{
		{"unsupported extension", func() *http.Request {
			return multipartRequest(t, env.http.URL+"/api/predict", "audio", "notes.txt", []byte("hello"))
		}, http.StatusUnsupportedMediaType, string(ai.KindUnsupportedFormat)},
		{"too short", func() *http.Request {
			return multipartRequest(t, env.http.URL+"/api/predict", "audio", "short.wav", toneWAV(t, 0.4))
		}, http.StatusUnprocessableEntity, string(ai.KindInsufficientAudio)},
		{"corrupt", func() *http.Request {
			return multipartRequest(t, env.http.URL+"/api/predict", "audio", "broken.ogg", []byte("garbage bytes"))
		}, http.StatusUnprocessableEntity, string(ai.KindDecode)},
		{"missing field", func() *http.Request {
			return multipartRequest(t, env.http.URL+"/api/predict", "file", "clip.wav", toneWAV(t, 1))
		}, http.StatusBadRequest, "bad_request"},
		{"not multipart", func() *http.Request {
			req, _ := http.NewRequest(http.MethodPost, env.http.URL+"/api/predict", strings.NewReader("{}"))
			req.Header.Set("Content-Type", "application/json")
			return req
		}, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.req(), "")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.kind, body["kind"])
		})
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, testSecret)

	resp, body := get(t, env.http.URL+"/api/history", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["kind"])

	resp, _ = get(t, env.http.URL+"/api/history", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other := NewAuthenticator("other-secret", "moodvoice", time.Hour)
	forged, err := other.IssueToken("alice")
	require.NoError(t, err)
	resp, _ = get(t, env.http.URL+"/api/history", forged)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = get(t, env.http.URL+"/api/history?token="+env.token(t, "alice"), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, env.http.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketChannel(t *testing.T) {
	env := newTestEnv(t, testSecret)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token(t, "carol"))
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Message{
		Type:      MsgPredict,
		RequestID: "r1",
		Filename:  "clip.wav",
		Audio:     base64.StdEncoding.EncodeToString(toneWAV(t, 1)),
	}))
	var reply Message
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, MsgPrediction, reply.Type, reply.Error)
	assert.Equal(t, "r1", reply.RequestID)
	assert.Equal(t, "Severe", reply.Result.OverallClassLabel)
	assert.NotEmpty(t, reply.Result.RecordID)

	require.NoError(t, conn.WriteJSON(Message{Type: MsgGetHistory}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, MsgHistoryList, reply.Type)
	assert.Len(t, reply.Records, 1)

	require.NoError(t, conn.WriteJSON(Message{Type: MsgPredict, Filename: "clip.wav", Audio: "%%%"}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, MsgError, reply.Type)
	assert.Equal(t, "bad_request", reply.Kind)

	require.NoError(t, conn.WriteJSON(Message{Type: "start_session"}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, MsgError, reply.Type)
}

// jsonClient is a lightweight gRPC JSON client for the Control stream.
type jsonClient struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

func newJSONClient(t *testing.T, addr, token string) *jsonClient {
	t.Helper()

	conn, err := grpc.NewClient(
		"passthrough:///"+addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			if strings.HasPrefix(addr, "unix:") {
				return d.DialContext(ctx, "unix", strings.TrimPrefix(addr, "unix:"))
			}
			return d.DialContext(ctx, "tcp", addr)
		}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	stream, err := conn.NewStream(ctx, &_Control_serviceDesc.Streams[0], "/moodvoice.Control/Stream")
	require.NoError(t, err)

	return &jsonClient{conn: conn, stream: stream}
}

func (c *jsonClient) send(msg Message) error {
	return c.stream.SendMsg(&msg)
}

func (c *jsonClient) recv(timeout time.Duration) (Message, error) {
	var msg Message
	recvDone := make(chan error, 1)
	go func() { recvDone <- c.stream.RecvMsg(&msg) }()
	select {
	case err := <-recvDone:
		return msg, err
	case <-time.After(timeout):
		return Message{}, fmt.Errorf("recv timeout")
	}
}

func (c *jsonClient) close() {
	_ = c.stream.CloseSend()
	_ = c.conn.Close()
}

func startGRPC(t *testing.T, env *testEnv) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := env.server.NewGRPCServer()
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)
	return lis.Addr().String()
}

func TestControlStream(t *testing.T) {
	env := newTestEnv(t, testSecret)
	addr := startGRPC(t, env)

	client := newJSONClient(t, addr, env.token(t, "dave"))
	defer client.close()

	require.NoError(t, client.send(Message{Type: MsgHealth, RequestID: "h"}))
	require.NoError(t, client.send(Message{Type: MsgGetModels, RequestID: "m"}))
	require.NoError(t, client.send(Message{
		Type:      MsgPredict,
		RequestID: "p",
		Filename:  "clip.wav",
		Audio:     base64.StdEncoding.EncodeToString(toneWAV(t, 1)),
	}))

	got := map[string]Message{}
	for len(got) < 3 {
		msg, err := client.recv(5 * time.Second)
		require.NoError(t, err)
		got[msg.RequestID] = msg
	}

	assert.Equal(t, MsgHealthState, got["h"].Type)
	require.NotNil(t, got["h"].Health)
	assert.True(t, got["h"].Health.ModelLoaded)
	assert.Equal(t, MsgModelsList, got["m"].Type)
	assert.Len(t, got["m"].Models, 2)
	require.Equal(t, MsgPrediction, got["p"].Type, got["p"].Error)
	assert.Equal(t, 1, got["p"].Result.TotalSegments)
}

func TestControlStreamRequiresToken(t *testing.T) {
	env := newTestEnv(t, testSecret)
	addr := startGRPC(t, env)

	client := newJSONClient(t, addr, "")
	defer client.close()

	_ = client.send(Message{Type: MsgHealth})
	_, err := client.recv(5 * time.Second)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestRunServesAndShutsDown(t *testing.T) {
	env := newTestEnv(t, "")
	socket := filepath.Join(t.TempDir(), "control.sock")

	srv := NewServer(Options{
		Addr:            "127.0.0.1:0",
		GRPCAddr:        "unix:" + socket,
		ShutdownTimeout: time.Second,
	}, env.server.predictions, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond)

	client := newJSONClient(t, "unix:"+socket, "")
	require.NoError(t, client.send(Message{Type: MsgHealth}))
	msg, err := client.recv(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, MsgHealthState, msg.Type)
	client.close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("x: %w", ErrUnauthorized), http.StatusUnauthorized, "unauthorized"},
		{history.ErrNotFound, http.StatusNotFound, "not_found"},
		{service.ErrHistoryDisabled, http.StatusNotFound, "history_disabled"},
		{service.ErrQueueFull, http.StatusServiceUnavailable, "busy"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{&ai.PipelineError{Kind: ai.KindOversize, Err: ai.ErrOversize}, http.StatusRequestEntityTooLarge, "oversize"},
		{&ai.PipelineError{Kind: ai.KindDegenerateSignal, Err: ai.ErrDegenerateSignal}, http.StatusUnprocessableEntity, "degenerate_signal"},
		{&ai.PipelineError{Kind: ai.KindModelNotLoaded, Err: ai.ErrModelNotLoaded}, http.StatusServiceUnavailable, "model_not_loaded"},
		{&ai.PipelineError{Kind: ai.KindInference, Err: ai.ErrInference}, http.StatusInternalServerError, "inference"},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge, "oversize"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, kind := errorStatus(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.kind, kind, tt.err.Error())
	}
}
