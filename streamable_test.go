package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flounderize/mcp-wire"
)

type streamTestToolServer struct {
	listTools func(ctx context.Context, params mcp.ListToolsParams,
		progress mcp.ProgressReporter) (mcp.ListToolsResult, error)
	callTool func(ctx context.Context, params mcp.CallToolParams,
		progress mcp.ProgressReporter) (mcp.CallToolResult, error)
}

func (s streamTestToolServer) ListTools(ctx context.Context, params mcp.ListToolsParams,
	progress mcp.ProgressReporter,
) (mcp.ListToolsResult, error) {
	if s.listTools == nil {
		return mcp.ListToolsResult{Tools: []mcp.Tool{}}, nil
	}
	return s.listTools(ctx, params, progress)
}

func (s streamTestToolServer) CallTool(ctx context.Context, params mcp.CallToolParams,
	progress mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	if s.callTool == nil {
		return mcp.CallToolResult{}, errors.New("not implemented")
	}
	return s.callTool(ctx, params, progress)
}

func initializeStreamableSession(t *testing.T, client *mcp.StreamableClient) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	initMsg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("init"),
		Method:  "initialize",
		Params: json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{},` +
			`"clientInfo":{"name":"test-client","version":"1.0"}}`),
	}

	for msg, err := range client.Stream(ctx, initMsg) {
		if err != nil {
			t.Fatalf("failed to initialize: %v", err)
		}
		if msg.Error != nil {
			t.Fatalf("initialize returned error: %+v", msg.Error)
		}
	}
}

func TestStreamableInitialize(t *testing.T) {
	server := mcp.NewStreamableServer(mcp.Info{Name: "test-server", Version: "1.0"},
		mcp.WithStreamableToolServer(streamTestToolServer{}))

	httpSrv := httptest.NewServer(server.HandleStream())
	defer httpSrv.Close()

	client := mcp.NewStreamableClient(httpSrv.URL, httpSrv.Client())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	initMsg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("1"),
		Method:  "initialize",
		Params: json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{},` +
			`"clientInfo":{"name":"test-client","version":"1.0"}}`),
	}

	var chunks []mcp.JSONRPCMessage
	for msg, err := range client.Stream(ctx, initMsg) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		chunks = append(chunks, msg)
	}

	if len(chunks) != 1 {
		t.Fatalf("expected 1 terminal chunk, got %d", len(chunks))
	}
	if !chunks[0].IsTerminal() {
		t.Fatal("expected terminal chunk")
	}

	var result struct {
		ProtocolVersion string   `json:"protocolVersion"`
		ServerInfo      mcp.Info `json:"serverInfo"`
	}
	if err := json.Unmarshal(chunks[0].Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("got protocol version %q, want %q", result.ProtocolVersion, "2024-11-05")
	}
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("got server name %q, want %q", result.ServerInfo.Name, "test-server")
	}

	// The minted session rides along on later requests, so this must not be
	// rejected for a missing header.
	listMsg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("2"),
		Method:  mcp.MethodToolsList,
		Params:  json.RawMessage(`{}`),
	}
	for msg, err := range client.Stream(ctx, listMsg) {
		if err != nil {
			t.Fatalf("stream error after initialize: %v", err)
		}
		if msg.Error != nil {
			t.Fatalf("tools/list returned error: %+v", msg.Error)
		}
	}
}

func TestStreamableSessionHeaderGating(t *testing.T) {
	server := mcp.NewStreamableServer(mcp.Info{Name: "test-server", Version: "1.0"},
		mcp.WithStreamableToolServer(streamTestToolServer{}))

	httpSrv := httptest.NewServer(server.HandleStream())
	defer httpSrv.Close()

	body := `{"jsonrpc":"2.0","id":"1","method":"tools/list","params":{}}`

	t.Run("Missing Session Header", func(t *testing.T) {
		resp, err := httpSrv.Client().Post(httpSrv.URL, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", resp.StatusCode)
		}
	})

	t.Run("Unknown Session", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, httpSrv.URL, strings.NewReader(body))
		if err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Mcp-Session-Id", "no-such-session")

		resp, err := httpSrv.Client().Do(req)
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", resp.StatusCode)
		}
	})

	t.Run("Method Not Allowed", func(t *testing.T) {
		resp, err := httpSrv.Client().Get(httpSrv.URL)
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %d", resp.StatusCode)
		}
	})
}

func TestStreamableNotificationAccepted(t *testing.T) {
	server := mcp.NewStreamableServer(mcp.Info{Name: "test-server", Version: "1.0"})

	httpSrv := httptest.NewServer(server.HandleStream())
	defer httpSrv.Close()

	body := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	resp, err := httpSrv.Client().Post(httpSrv.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", resp.StatusCode)
	}
}

func TestStreamableProtocolErrors(t *testing.T) {
	server := mcp.NewStreamableServer(mcp.Info{Name: "test-server", Version: "1.0"})

	httpSrv := httptest.NewServer(server.HandleStream())
	defer httpSrv.Close()

	readErrorChunk := func(t *testing.T, body string) mcp.JSONRPCMessage {
		t.Helper()
		resp, err := httpSrv.Client().Post(httpSrv.URL, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		defer resp.Body.Close()

		var msg mcp.JSONRPCMessage
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			t.Fatalf("failed to decode chunk: %v", err)
		}
		if msg.Error == nil {
			t.Fatal("expected an error chunk")
		}
		return msg
	}

	t.Run("Parse Error", func(t *testing.T) {
		msg := readErrorChunk(t, `{invalid json}`)
		if msg.Error.Code != -32700 {
			t.Errorf("got code %d, want -32700", msg.Error.Code)
		}
	})

	t.Run("Invalid Request", func(t *testing.T) {
		// An ID without a method is neither request nor notification.
		msg := readErrorChunk(t, `{"jsonrpc":"2.0","id":"1"}`)
		if msg.Error.Code != -32600 {
			t.Errorf("got code %d, want -32600", msg.Error.Code)
		}
	})

	t.Run("Unsupported Protocol Version", func(t *testing.T) {
		msg := readErrorChunk(t, `{"jsonrpc":"2.0","id":"1","method":"initialize",`+
			`"params":{"protocolVersion":"1999-01-01","capabilities":{},`+
			`"clientInfo":{"name":"x","version":"1"}}}`)
		if msg.Error.Code != -32602 {
			t.Errorf("got code %d, want -32602", msg.Error.Code)
		}
	})
}

func TestStreamableProgressChunks(t *testing.T) {
	const steps = 3

	toolServer := streamTestToolServer{
		callTool: func(_ context.Context, params mcp.CallToolParams,
			progress mcp.ProgressReporter,
		) (mcp.CallToolResult, error) {
			for i := 1; i <= steps; i++ {
				progress(mcp.ProgressParams{
					ProgressToken: params.Meta.ProgressToken,
					Progress:      float64(i),
					Total:         steps,
				})
			}
			return mcp.CallToolResult{
				Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "done"}},
			}, nil
		},
	}

	server := mcp.NewStreamableServer(mcp.Info{Name: "test-server", Version: "1.0"},
		mcp.WithStreamableToolServer(toolServer))

	httpSrv := httptest.NewServer(server.HandleStream())
	defer httpSrv.Close()

	client := mcp.NewStreamableClient(httpSrv.URL, httpSrv.Client())
	defer client.Close()

	initializeStreamableSession(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	callMsg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("call-1"),
		Method:  mcp.MethodToolsCall,
		Params:  json.RawMessage(`{"name":"slow","arguments":{},"_meta":{"progressToken":"call-1"}}`),
	}

	var progressCount int
	var terminal *mcp.JSONRPCMessage
	for msg, err := range client.Stream(ctx, callMsg) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		if terminal != nil {
			t.Fatal("received chunk after the terminal chunk")
		}
		if msg.IsTerminal() {
			m := msg
			terminal = &m
			continue
		}
		if msg.Method != mcp.MethodProgress {
			t.Errorf("got non-terminal chunk with method %q, want %q", msg.Method, mcp.MethodProgress)
		}
		if msg.ID != callMsg.ID {
			t.Errorf("progress chunk carries ID %q, want %q", msg.ID, callMsg.ID)
		}
		progressCount++
	}

	if progressCount != steps {
		t.Errorf("got %d progress chunks, want %d", progressCount, steps)
	}
	if terminal == nil {
		t.Fatal("no terminal chunk received")
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(terminal.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "done" {
		t.Errorf("unexpected result content: %+v", result.Content)
	}
}

func TestStreamableToolErrorIsResult(t *testing.T) {
	toolServer := streamTestToolServer{
		callTool: func(context.Context, mcp.CallToolParams, mcp.ProgressReporter) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{}, errors.New("tool exploded")
		},
	}

	server := mcp.NewStreamableServer(mcp.Info{Name: "test-server", Version: "1.0"},
		mcp.WithStreamableToolServer(toolServer))

	httpSrv := httptest.NewServer(server.HandleStream())
	defer httpSrv.Close()

	client := mcp.NewStreamableClient(httpSrv.URL, httpSrv.Client())
	defer client.Close()

	initializeStreamableSession(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	callMsg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("boom"),
		Method:  mcp.MethodToolsCall,
		Params:  json.RawMessage(`{"name":"boom","arguments":{}}`),
	}

	for msg, err := range client.Stream(ctx, callMsg) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		// A failing tool is still a successful call at the protocol layer.
		if msg.Error != nil {
			t.Fatalf("expected no protocol error, got %+v", msg.Error)
		}
		var result mcp.CallToolResult
		if err := json.Unmarshal(msg.Result, &result); err != nil {
			t.Fatalf("failed to unmarshal result: %v", err)
		}
		if !result.IsError {
			t.Error("expected IsError to be set")
		}
		if len(result.Content) != 1 || result.Content[0].Text != "tool exploded" {
			t.Errorf("unexpected result content: %+v", result.Content)
		}
	}
}

func TestStreamableClientSession(t *testing.T) {
	toolServer := streamTestToolServer{
		listTools: func(context.Context, mcp.ListToolsParams, mcp.ProgressReporter) (mcp.ListToolsResult, error) {
			return mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "echo"}}}, nil
		},
	}

	server := mcp.NewStreamableServer(mcp.Info{Name: "test-server", Version: "1.0"},
		mcp.WithStreamableToolServer(toolServer))

	httpSrv := httptest.NewServer(server.HandleStream())
	defer httpSrv.Close()

	client := mcp.NewStreamableClient(httpSrv.URL, httpSrv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	received := make(chan mcp.JSONRPCMessage, 4)
	go func() {
		for msg := range msgs {
			received <- msg
		}
	}()

	initMsg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("init"),
		Method:  "initialize",
		Params: json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{},` +
			`"clientInfo":{"name":"test-client","version":"1.0"}}`),
	}
	if err := client.Send(ctx, initMsg); err != nil {
		t.Fatalf("failed to send initialize: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != initMsg.ID {
			t.Errorf("got ID %q, want %q", msg.ID, initMsg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initialize response")
	}

	listMsg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("list"),
		Method:  mcp.MethodToolsList,
		Params:  json.RawMessage(`{}`),
	}
	if err := client.Send(ctx, listMsg); err != nil {
		t.Fatalf("failed to send tools/list: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != listMsg.ID {
			t.Errorf("got ID %q, want %q", msg.ID, listMsg.ID)
		}
		var result mcp.ListToolsResult
		if err := json.Unmarshal(msg.Result, &result); err != nil {
			t.Fatalf("failed to unmarshal result: %v", err)
		}
		if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
			t.Errorf("unexpected tools: %+v", result.Tools)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for tools/list response")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("failed to close client: %v", err)
	}
	if err := client.Send(ctx, listMsg); !errors.Is(err, mcp.ErrTransportClosed) {
		t.Errorf("got error %v, want ErrTransportClosed", err)
	}
}

func TestStreamableClientBrokenStream(t *testing.T) {
	// A server that emits a progress chunk and then drops the connection
	// without ever writing the terminal chunk.
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"jsonrpc":"2.0","id":"req-1","method":"progress","result":{"progressToken":"req-1","progress":1}}`)
	}))
	defer httpSrv.Close()

	client := mcp.NewStreamableClient(httpSrv.URL, httpSrv.Client())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	go func() {
		for range msgs {
		}
	}()

	reqMsg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("req-1"),
		Method:  mcp.MethodToolsCall,
		Params:  json.RawMessage(`{"name":"x"}`),
	}
	if err := client.Send(ctx, reqMsg); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	select {
	case err := <-client.Errors():
		var reqErr mcp.RequestError
		if !errors.As(err, &reqErr) {
			t.Fatalf("got error %T, want RequestError", err)
		}
		if reqErr.ID != "req-1" {
			t.Errorf("got request ID %q, want %q", reqErr.ID, "req-1")
		}
		if !strings.Contains(reqErr.Err.Error(), "terminal chunk") {
			t.Errorf("got error %v, want missing terminal chunk", reqErr.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for request error")
	}
}

// gatedRoundTripper holds every request at the transport layer until the test
// releases it, so the test can order other client calls inside the window.
type gatedRoundTripper struct {
	entered chan struct{}
	release chan struct{}
	base    http.RoundTripper
}

func (g *gatedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.base.RoundTrip(req)
}

func TestStreamableClientCloseDuringSend(t *testing.T) {
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"jsonrpc":"2.0","id":"req-1","result":{}}`)
	}))
	defer httpSrv.Close()

	gate := &gatedRoundTripper{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		base:    http.DefaultTransport,
	}
	client := mcp.NewStreamableClient(httpSrv.URL, &http.Client{Transport: gate})

	msgs, err := client.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	sessionDone := make(chan struct{})
	go func() {
		for range msgs {
		}
		close(sessionDone)
	}()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- client.Send(context.Background(), mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      mcp.MustString("req-1"),
			Method:  mcp.MethodToolsList,
		})
	}()

	// Close the transport while the request is parked inside the HTTP layer,
	// after Send's initial liveness check.
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for request to reach the transport")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("failed to close client: %v", err)
	}
	close(gate.release)

	select {
	case err := <-sendErr:
		if !errors.Is(err, mcp.ErrTransportClosed) {
			t.Errorf("got error %v, want ErrTransportClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for send to return")
	}

	select {
	case <-sessionDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for session iterator to end")
	}
}
