package mcp_test

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flounderize/mcp-wire"
)

type mockPromptServer struct{}

func (mockPromptServer) ListPrompts(_ context.Context, _ mcp.ListPromptsParams,
	_ mcp.ProgressReporter,
) (mcp.ListPromptsResult, error) {
	return mcp.ListPromptsResult{
		Prompts: []mcp.Prompt{{Name: "greet"}},
	}, nil
}

func (mockPromptServer) GetPrompt(_ context.Context, params mcp.GetPromptParams,
	_ mcp.ProgressReporter,
) (mcp.GetPromptResult, error) {
	return mcp.GetPromptResult{
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.Content{Type: mcp.ContentTypeText, Text: "Hello from " + params.Name},
			},
		},
	}, nil
}

type mockResourceServer struct{}

func (mockResourceServer) ListResources(_ context.Context, _ mcp.ListResourcesParams,
	_ mcp.ProgressReporter,
) (mcp.ListResourcesResult, error) {
	return mcp.ListResourcesResult{
		Resources: []mcp.Resource{{URI: "test://resource/1", Name: "First"}},
	}, nil
}

func (mockResourceServer) ReadResource(_ context.Context, params mcp.ReadResourceParams,
	_ mcp.ProgressReporter,
) (mcp.ReadResourceResult, error) {
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{URI: params.URI, MimeType: "text/plain", Text: "content"}},
	}, nil
}

type mockToolServer struct {
	progressSteps int
	callTool      func(ctx context.Context, params mcp.CallToolParams,
		progress mcp.ProgressReporter) (mcp.CallToolResult, error)
}

func (m mockToolServer) ListTools(_ context.Context, _ mcp.ListToolsParams,
	progress mcp.ProgressReporter,
) (mcp.ListToolsResult, error) {
	for i := 1; i <= m.progressSteps; i++ {
		progress(mcp.ProgressParams{Progress: float64(i), Total: float64(m.progressSteps)})
	}
	return mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "echo"}}}, nil
}

func (m mockToolServer) CallTool(ctx context.Context, params mcp.CallToolParams,
	progress mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	if m.callTool != nil {
		return m.callTool(ctx, params, progress)
	}
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "called " + params.Name}},
	}, nil
}

type mockToolListUpdater struct {
	ch chan struct{}
}

func (m mockToolListUpdater) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for range m.ch {
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

// serverTestConn runs a Server over in-process pipes and exposes the raw wire
// to the test: sent frames go in, received frames come out.
type serverTestConn struct {
	recv   chan mcp.JSONRPCMessage
	client mcp.StdIO
}

func startTestServer(t *testing.T, options ...mcp.ServerOption) *serverTestConn {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverTransport := mcp.NewStdIO(serverReader, serverWriter)
	clientTransport := mcp.NewStdIO(clientReader, clientWriter)

	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, serverTransport, options...)
	go srv.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := clientTransport.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start client session: %v", err)
	}

	conn := &serverTestConn{
		recv:   make(chan mcp.JSONRPCMessage, 16),
		client: clientTransport,
	}
	go func() {
		for msg := range msgs {
			conn.recv <- msg
		}
	}()

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		clientTransport.Close()
	})

	return conn
}

func (c *serverTestConn) send(t *testing.T, msg mcp.JSONRPCMessage) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Send(ctx, msg); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
}

// waitFor discards frames until one matches the predicate; server pings and
// progress notifications may interleave with the frame under test.
func (c *serverTestConn) waitFor(t *testing.T, pred func(mcp.JSONRPCMessage) bool) mcp.JSONRPCMessage {
	t.Helper()

	for {
		select {
		case msg := <-c.recv:
			if pred(msg) {
				return msg
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for message")
			return mcp.JSONRPCMessage{}
		}
	}
}

func (c *serverTestConn) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case msg := <-c.recv:
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(d):
	}
}

func (c *serverTestConn) handshake(t *testing.T) {
	t.Helper()

	c.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("init-1"),
		Method:  "initialize",
		Params: json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{},` +
			`"clientInfo":{"name":"test-client","version":"1.0"}}`),
	})
	res := c.waitFor(t, func(msg mcp.JSONRPCMessage) bool { return msg.ID == "init-1" })
	if res.Error != nil {
		t.Fatalf("initialize failed: %+v", res.Error)
	}
	c.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/initialized",
	})
}

func TestServerInitializeHandshake(t *testing.T) {
	conn := startTestServer(t,
		mcp.WithToolServer(mockToolServer{}),
		mcp.WithPromptServer(mockPromptServer{}),
		mcp.WithInstructions("be nice"))

	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("init-1"),
		Method:  "initialize",
		Params: json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{},` +
			`"clientInfo":{"name":"test-client","version":"1.0"}}`),
	})

	res := conn.waitFor(t, func(msg mcp.JSONRPCMessage) bool { return msg.ID == "init-1" })
	if res.Error != nil {
		t.Fatalf("initialize failed: %+v", res.Error)
	}

	var result struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		Capabilities    mcp.ServerCapabilities `json:"capabilities"`
		ServerInfo      mcp.Info               `json:"serverInfo"`
		Instructions    string                 `json:"instructions"`
	}
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal initialize result: %v", err)
	}
	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("got protocol version %q, want %q", result.ProtocolVersion, "2024-11-05")
	}
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("got server name %q, want %q", result.ServerInfo.Name, "test-server")
	}
	if result.Instructions != "be nice" {
		t.Errorf("got instructions %q, want %q", result.Instructions, "be nice")
	}
	if result.Capabilities.Tools == nil || result.Capabilities.Prompts == nil {
		t.Error("expected tools and prompts capabilities to be advertised")
	}
	if result.Capabilities.Resources != nil {
		t.Error("expected no resources capability")
	}

	// Capability requests before the initialized notification are ignored.
	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("early"),
		Method:  mcp.MethodToolsList,
		Params:  json.RawMessage(`{}`),
	})
	conn.expectSilence(t, 200*time.Millisecond)

	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/initialized",
	})
	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("list-1"),
		Method:  mcp.MethodToolsList,
		Params:  json.RawMessage(`{}`),
	})

	listRes := conn.waitFor(t, func(msg mcp.JSONRPCMessage) bool { return msg.ID == "list-1" })
	var listResult mcp.ListToolsResult
	if err := json.Unmarshal(listRes.Result, &listResult); err != nil {
		t.Fatalf("failed to unmarshal tools list: %v", err)
	}
	if len(listResult.Tools) != 1 || listResult.Tools[0].Name != "echo" {
		t.Errorf("unexpected tools: %+v", listResult.Tools)
	}
}

func TestServerProtocolVersionMismatch(t *testing.T) {
	conn := startTestServer(t, mcp.WithToolServer(mockToolServer{}))

	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("init-1"),
		Method:  "initialize",
		Params: json.RawMessage(`{"protocolVersion":"1999-01-01","capabilities":{},` +
			`"clientInfo":{"name":"test-client","version":"1.0"}}`),
	})

	res := conn.waitFor(t, func(msg mcp.JSONRPCMessage) bool { return msg.ID == "init-1" })
	if res.Error == nil {
		t.Fatal("expected an error response")
	}
	if res.Error.Code != -32602 {
		t.Errorf("got code %d, want -32602", res.Error.Code)
	}
	if !strings.Contains(res.Error.Message, "protocol version mismatch") {
		t.Errorf("got message %q, want protocol version mismatch", res.Error.Message)
	}
}

func TestServerPong(t *testing.T) {
	conn := startTestServer(t)

	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("ping-1"),
		Method:  "ping",
	})

	pong := conn.waitFor(t, func(msg mcp.JSONRPCMessage) bool { return msg.ID == "ping-1" })
	if pong.Error != nil {
		t.Errorf("unexpected error in pong: %+v", pong.Error)
	}
	if string(pong.Result) != "{}" {
		t.Errorf("got pong result %s, want {}", pong.Result)
	}
}

func TestServerMethodNotSupported(t *testing.T) {
	conn := startTestServer(t, mcp.WithToolServer(mockToolServer{}))
	conn.handshake(t)

	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("prompts-1"),
		Method:  mcp.MethodPromptsList,
		Params:  json.RawMessage(`{}`),
	})

	res := conn.waitFor(t, func(msg mcp.JSONRPCMessage) bool { return msg.ID == "prompts-1" })
	if res.Error == nil {
		t.Fatal("expected an error response")
	}
	if res.Error.Code != -32601 {
		t.Errorf("got code %d, want -32601", res.Error.Code)
	}
	if !strings.Contains(res.Error.Message, "prompts not supported") {
		t.Errorf("got message %q, want prompts not supported", res.Error.Message)
	}
}

func TestServerCapabilityDispatch(t *testing.T) {
	conn := startTestServer(t,
		mcp.WithToolServer(mockToolServer{}),
		mcp.WithResourceServer(mockResourceServer{}),
		mcp.WithPromptServer(mockPromptServer{}))
	conn.handshake(t)

	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("read-1"),
		Method:  mcp.MethodResourcesRead,
		Params:  json.RawMessage(`{"uri":"test://resource/1"}`),
	})
	readRes := conn.waitFor(t, func(msg mcp.JSONRPCMessage) bool { return msg.ID == "read-1" })
	var readResult mcp.ReadResourceResult
	if err := json.Unmarshal(readRes.Result, &readResult); err != nil {
		t.Fatalf("failed to unmarshal read result: %v", err)
	}
	if len(readResult.Contents) != 1 || readResult.Contents[0].URI != "test://resource/1" {
		t.Errorf("unexpected contents: %+v", readResult.Contents)
	}

	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("prompt-1"),
		Method:  mcp.MethodPromptsGet,
		Params:  json.RawMessage(`{"name":"greet"}`),
	})
	promptRes := conn.waitFor(t, func(msg mcp.JSONRPCMessage) bool { return msg.ID == "prompt-1" })
	var promptResult mcp.GetPromptResult
	if err := json.Unmarshal(promptRes.Result, &promptResult); err != nil {
		t.Fatalf("failed to unmarshal prompt result: %v", err)
	}
	if len(promptResult.Messages) != 1 || promptResult.Messages[0].Content.Text != "Hello from greet" {
		t.Errorf("unexpected messages: %+v", promptResult.Messages)
	}

	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("call-1"),
		Method:  mcp.MethodToolsCall,
		Params:  json.RawMessage(`{"name":"echo","arguments":{}}`),
	})
	callRes := conn.waitFor(t, func(msg mcp.JSONRPCMessage) bool { return msg.ID == "call-1" })
	var callResult mcp.CallToolResult
	if err := json.Unmarshal(callRes.Result, &callResult); err != nil {
		t.Fatalf("failed to unmarshal call result: %v", err)
	}
	if callResult.IsError || len(callResult.Content) != 1 || callResult.Content[0].Text != "called echo" {
		t.Errorf("unexpected call result: %+v", callResult)
	}
}

func TestServerToolErrorIsResult(t *testing.T) {
	conn := startTestServer(t, mcp.WithToolServer(mockToolServer{
		callTool: func(context.Context, mcp.CallToolParams, mcp.ProgressReporter) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{}, context.DeadlineExceeded
		},
	}))
	conn.handshake(t)

	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("boom-1"),
		Method:  mcp.MethodToolsCall,
		Params:  json.RawMessage(`{"name":"boom","arguments":{}}`),
	})

	res := conn.waitFor(t, func(msg mcp.JSONRPCMessage) bool { return msg.ID == "boom-1" })
	if res.Error != nil {
		t.Fatalf("expected no protocol error, got %+v", res.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError to be set")
	}
}

func TestServerRequestCancellation(t *testing.T) {
	started := make(chan struct{})
	conn := startTestServer(t, mcp.WithToolServer(mockToolServer{
		callTool: func(ctx context.Context, _ mcp.CallToolParams,
			_ mcp.ProgressReporter,
		) (mcp.CallToolResult, error) {
			close(started)
			<-ctx.Done()
			return mcp.CallToolResult{}, ctx.Err()
		},
	}))
	conn.handshake(t)

	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("slow-1"),
		Method:  mcp.MethodToolsCall,
		Params:  json.RawMessage(`{"name":"slow","arguments":{}}`),
	})
	<-started

	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/cancelled",
		Params:  json.RawMessage(`{"requestId":"slow-1","reason":"test"}`),
	})

	// The abandoned handler surfaces the cancellation through the tool result
	// contract.
	res := conn.waitFor(t, func(msg mcp.JSONRPCMessage) bool { return msg.ID == "slow-1" })
	var result mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError to be set")
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, "context canceled") {
		t.Errorf("unexpected content: %+v", result.Content)
	}
}

func TestServerProgressNotifications(t *testing.T) {
	const steps = 3

	conn := startTestServer(t, mcp.WithToolServer(mockToolServer{progressSteps: steps}))
	conn.handshake(t)

	conn.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("list-1"),
		Method:  mcp.MethodToolsList,
		Params:  json.RawMessage(`{}`),
	})

	var progressCount int
	for {
		msg := conn.waitFor(t, func(msg mcp.JSONRPCMessage) bool {
			return msg.Method == "notifications/progress" || msg.ID == "list-1"
		})
		if msg.ID == "list-1" {
			break
		}

		var params mcp.ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			t.Fatalf("failed to unmarshal progress params: %v", err)
		}
		// The reporter stamps the request ID when the token is left empty.
		if params.ProgressToken != "list-1" {
			t.Errorf("got token %q, want %q", params.ProgressToken, "list-1")
		}
		progressCount++
	}

	if progressCount != steps {
		t.Errorf("got %d progress notifications, want %d", progressCount, steps)
	}
}

func TestServerToolListChangedBroadcast(t *testing.T) {
	updater := mockToolListUpdater{ch: make(chan struct{}, 1)}

	conn := startTestServer(t,
		mcp.WithToolServer(mockToolServer{}),
		mcp.WithToolListUpdater(updater))
	conn.handshake(t)

	updater.ch <- struct{}{}

	notif := conn.waitFor(t, func(msg mcp.JSONRPCMessage) bool {
		return msg.Method == "notifications/tools/list_changed"
	})
	if notif.ID != "" {
		t.Errorf("list-changed must be a notification, got ID %q", notif.ID)
	}
}

func TestServerClientCallbacks(t *testing.T) {
	var mu sync.Mutex
	var connected []string

	conn := startTestServer(t,
		mcp.WithToolServer(mockToolServer{}),
		mcp.WithServerOnClientConnected(func(id string, _ mcp.Info) {
			mu.Lock()
			connected = append(connected, id)
			mu.Unlock()
		}))
	conn.handshake(t)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(connected)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for connect callback")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
