package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// headerSessionID carries session continuity across the one-shot POSTs of the
// chunked-stream transport. The server assigns it on initialize; the client
// echoes it on every later request.
const headerSessionID = "Mcp-Session-Id"

// StreamableClient implements the chunked-stream transport: every request
// opens its own HTTP POST, and the response body is a finite stream of
// newline-delimited JSON chunks, zero or more progress chunks followed by
// exactly one terminal chunk carrying the result or error.
//
// The client can be used two ways: as a ClientTransport feeding all chunks of
// all requests into one session iterator, or directly through Stream for a
// consumer-paced per-request stream. A failure of one request's stream fails
// that request alone; other in-flight requests are unaffected.
//
// Instances should be created using NewStreamableClient.
type StreamableClient struct {
	httpClient *http.Client
	url        string
	logger     *slog.Logger

	queueSize int

	mu        sync.Mutex
	sessionID string
	cancels   map[string]context.CancelFunc

	messages  chan JSONRPCMessage
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// StreamableClientOption represents the options for the StreamableClient.
type StreamableClientOption func(*StreamableClient)

// WithStreamableClientLogger sets the logger for the client.
func WithStreamableClientLogger(logger *slog.Logger) StreamableClientOption {
	return func(s *StreamableClient) {
		s.logger = logger
	}
}

// WithStreamableClientQueueSize bounds how many decoded chunks may sit
// between the per-request readers and the session iterator. Readers block
// when the queue is full, so a slow consumer applies backpressure to the
// wire instead of growing memory.
func WithStreamableClientQueueSize(size int) StreamableClientOption {
	return func(s *StreamableClient) {
		s.queueSize = size
	}
}

// NewStreamableClient creates a chunked-stream client that POSTs requests to
// the specified url. The optional httpClient parameter allows custom HTTP
// client configuration; if nil, the default HTTP client is used.
func NewStreamableClient(url string, httpClient *http.Client, options ...StreamableClientOption) *StreamableClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &StreamableClient{
		url:        url,
		httpClient: cli,
		logger:     slog.Default(),
		cancels:    make(map[string]context.CancelFunc),
		errs:       make(chan error, 4),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.queueSize == 0 {
		s.queueSize = 8
	}
	s.messages = make(chan JSONRPCMessage, s.queueSize)

	return s
}

// StartSession implements the ClientTransport interface. The transport needs
// no handshake, so the iterator is ready immediately; it yields the chunks of
// every request sent through Send, in arrival order, and ends when Close is
// called.
func (s *StreamableClient) StartSession(_ context.Context) (iter.Seq[JSONRPCMessage], error) {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}, nil
}

// Send transmits a message as its own HTTP POST. For requests the response
// body is consumed in the background and its chunks fed to the session
// iterator; Send returns as soon as the response headers arrive. For
// notifications the acknowledgment is discarded.
//
// The body outlives the provided context on purpose: the chunk stream is torn
// down by Close, CancelRequest, or the terminal chunk, not by the caller's
// send deadline.
func (s *StreamableClient) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrTransportClosed
	default:
	}

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	resp, err := s.post(reqCtx, msg)
	if err != nil {
		cancel()
		return err
	}

	if !msg.IsRequest() {
		resp.Body.Close()
		cancel()
		return nil
	}

	// Re-check liveness while holding the lock: registering the reader and
	// draining in-flight readers on Close must not interleave, or a late
	// reader would feed a closed session iterator.
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		cancel()
		resp.Body.Close()
		return ErrTransportClosed
	default:
	}
	s.cancels[string(msg.ID)] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readChunks(string(msg.ID), resp)

	return nil
}

// Stream sends a single request and returns a consumer-paced iterator over
// its chunk stream: zero or more progress chunks, then exactly one terminal
// chunk, after which the iterator ends. Decoding happens as the consumer
// pulls, so memory stays bounded regardless of stream length. A stream that
// ends without a terminal chunk yields an error.
func (s *StreamableClient) Stream(ctx context.Context, msg JSONRPCMessage) iter.Seq2[JSONRPCMessage, error] {
	return func(yield func(JSONRPCMessage, error) bool) {
		resp, err := s.post(ctx, msg)
		if err != nil {
			yield(JSONRPCMessage{}, err)
			return
		}
		defer resp.Body.Close()

		dec := json.NewDecoder(resp.Body)
		for {
			var chunk JSONRPCMessage
			if err := dec.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) {
					err = errors.New("stream ended without terminal chunk")
				}
				yield(JSONRPCMessage{}, fmt.Errorf("failed to decode chunk: %w", err))
				return
			}

			if !yield(chunk, nil) {
				return
			}
			if chunk.IsTerminal() {
				return
			}
		}
	}
}

// CancelRequest tears down the response stream of a single in-flight request.
// The server observes the closed connection; other requests keep running.
func (s *StreamableClient) CancelRequest(id string) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

// Errors returns the channel of per-request stream failures, reported as
// RequestError values. The channel is closed when the transport closes.
func (s *StreamableClient) Errors() <-chan error {
	return s.errs
}

// Close tears down every in-flight stream and ends the session iterator.
// Safe to call more than once.
func (s *StreamableClient) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		for id, cancel := range s.cancels {
			cancel()
			delete(s.cancels, id)
		}
		s.mu.Unlock()

		s.wg.Wait()
		close(s.messages)
		close(s.errs)
	})
	return nil
}

func (s *StreamableClient) post(ctx context.Context, msg JSONRPCMessage) (*http.Response, error) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(msgBs))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if id := resp.Header.Get(headerSessionID); id != "" {
		s.mu.Lock()
		s.sessionID = id
		s.mu.Unlock()
	}

	return resp, nil
}

func (s *StreamableClient) readChunks(id string, resp *http.Response) {
	defer s.wg.Done()
	defer resp.Body.Close()
	defer s.CancelRequest(id)

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk JSONRPCMessage
		if err := dec.Decode(&chunk); err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			// A broken stream fails this request only.
			if errors.Is(err, io.EOF) {
				err = errors.New("stream ended without terminal chunk")
			}
			s.reportErr(RequestError{ID: MustString(id), Err: err})
			return
		}

		select {
		case s.messages <- chunk:
		case <-s.done:
			return
		}

		if chunk.IsTerminal() {
			return
		}
	}
}

func (s *StreamableClient) reportErr(err error) {
	select {
	case s.errs <- err:
	case <-s.done:
	}
}

// StreamableServer is the server side of the chunked-stream transport. Each
// request arrives as its own POST and is answered with a newline-delimited
// JSON stream: progress chunks while the handler works, then exactly one
// terminal chunk. Session continuity across POSTs rides on the Mcp-Session-Id
// header, assigned during initialize; every other request must present it.
//
// Instances should be created using NewStreamableServer and mounted through
// HandleStream.
type StreamableServer struct {
	info   Info
	logger *slog.Logger

	toolServer     ToolServer
	resourceServer ResourceServer
	promptServer   PromptServer

	mu       sync.Mutex
	sessions map[string]struct{}
}

// StreamableServerOption represents the options for the StreamableServer.
type StreamableServerOption func(*StreamableServer)

// WithStreamableToolServer sets the tool server for the server.
func WithStreamableToolServer(srv ToolServer) StreamableServerOption {
	return func(s *StreamableServer) {
		s.toolServer = srv
	}
}

// WithStreamableResourceServer sets the resource server for the server.
func WithStreamableResourceServer(srv ResourceServer) StreamableServerOption {
	return func(s *StreamableServer) {
		s.resourceServer = srv
	}
}

// WithStreamablePromptServer sets the prompt server for the server.
func WithStreamablePromptServer(srv PromptServer) StreamableServerOption {
	return func(s *StreamableServer) {
		s.promptServer = srv
	}
}

// WithStreamableServerLogger sets the logger for the server.
func WithStreamableServerLogger(logger *slog.Logger) StreamableServerOption {
	return func(s *StreamableServer) {
		s.logger = logger
	}
}

// NewStreamableServer creates a chunked-stream server with the given identity
// and capability servers.
func NewStreamableServer(info Info, options ...StreamableServerOption) *StreamableServer {
	s := &StreamableServer{
		info:     info,
		logger:   slog.Default(),
		sessions: make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// HandleStream returns the http.Handler serving the transport. Requests
// stream their response chunks; notifications are acknowledged with 202 and
// no body; frames that are neither are rejected with an invalid-request
// terminal chunk.
func (s *StreamableServer) HandleStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			writeSingleChunk(w, errorMessage("", jsonRPCParseErrorCode, "Parse error"))
			return
		}

		if msg.IsNotification() {
			// Nothing streams back for a notification.
			w.WriteHeader(http.StatusAccepted)
			return
		}

		if msg.JSONRPC != JSONRPCVersion || !msg.IsRequest() {
			writeSingleChunk(w, errorMessage(msg.ID, jsonRPCInvalidRequestCode, "Invalid request"))
			return
		}

		// Initialize mints the session; everything else must present it.
		sessID := r.Header.Get(headerSessionID)
		if msg.Method == methodInitialize {
			sessID = uuid.New().String()
			s.mu.Lock()
			s.sessions[sessID] = struct{}{}
			s.mu.Unlock()
		} else {
			if sessID == "" {
				http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
				return
			}
			s.mu.Lock()
			_, ok := s.sessions[sessID]
			s.mu.Unlock()
			if !ok {
				http.Error(w, "unknown session", http.StatusNotFound)
				return
			}
		}

		// Headers must be settled before the first chunk goes out.
		w.Header().Set(headerSessionID, sessID)
		w.Header().Set("Content-Type", "application/x-ndjson")

		cw := newChunkWriter(w)
		s.dispatch(r.Context(), msg, cw)
	})
}

// chunkWriter serializes chunk writes from the handler and any progress
// reporting goroutines onto one response body, flushing after each chunk so
// progress reaches the client as it happens.
type chunkWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	flusher http.Flusher
}

func newChunkWriter(w http.ResponseWriter) *chunkWriter {
	flusher, _ := w.(http.Flusher)
	return &chunkWriter{
		enc:     json.NewEncoder(w),
		flusher: flusher,
	}
}

func (c *chunkWriter) write(msg JSONRPCMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Encode appends the newline that frames the chunk.
	if err := c.enc.Encode(msg); err != nil {
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return nil
}

func errorMessage(id MustString, code int, message string) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}

func writeSingleChunk(w http.ResponseWriter, msg JSONRPCMessage) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	_ = json.NewEncoder(w).Encode(msg)
}

//nolint:gocognit // The method dispatch is a long but flat switch.
func (s *StreamableServer) dispatch(ctx context.Context, msg JSONRPCMessage, cw *chunkWriter) {
	writeResult := func(result any) {
		resBs, err := json.Marshal(result)
		if err != nil {
			s.logger.Error("failed to marshal result", "err", err)
			resBs = []byte("{}")
		}
		if err := cw.write(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Result:  resBs,
		}); err != nil {
			s.logger.Warn("failed to write terminal chunk", "err", err)
		}
	}

	writeError := func(code int, message string) {
		if err := cw.write(errorMessage(msg.ID, code, message)); err != nil {
			s.logger.Warn("failed to write error chunk", "err", err)
		}
	}

	// Progress chunks carry the request ID and the progress payload as their
	// result, tagged by method so clients never confuse them with the
	// terminal chunk.
	reporter := ProgressReporter(func(progress ProgressParams) {
		resBs, err := json.Marshal(progress)
		if err != nil {
			s.logger.Error("failed to marshal progress", "err", err)
			return
		}
		if err := cw.write(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Method:  MethodProgress,
			Result:  resBs,
		}); err != nil {
			s.logger.Warn("failed to write progress chunk", "err", err)
		}
	})

	switch msg.Method {
	case methodInitialize:
		var params initializeParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			writeError(jsonRPCInvalidParamsCode, errMsgInvalidParams)
			return
		}
		if params.ProtocolVersion != protocolVersion {
			writeError(jsonRPCInvalidParamsCode, errMsgUnsupportedProtocolVersion)
			return
		}
		writeResult(initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    s.capabilities(),
			ServerInfo:      s.info,
		})
	case methodPing:
		writeResult(struct{}{})
	case MethodToolsList:
		if s.toolServer == nil {
			writeError(jsonRPCMethodNotFoundCode, errMsgMethodNotFound)
			return
		}
		var params ListToolsParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			writeError(jsonRPCInvalidParamsCode, errMsgInvalidParams)
			return
		}
		result, err := s.toolServer.ListTools(ctx, params, reporter)
		if err != nil {
			writeError(jsonRPCInternalErrorCode, err.Error())
			return
		}
		writeResult(result)
	case MethodToolsCall:
		if s.toolServer == nil {
			writeError(jsonRPCMethodNotFoundCode, errMsgMethodNotFound)
			return
		}
		var params CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			writeError(jsonRPCInvalidParamsCode, errMsgInvalidParams)
			return
		}
		result, err := s.toolServer.CallTool(ctx, params, reporter)
		if err != nil {
			// Tool failures are part of the result contract, not protocol errors.
			result = CallToolResult{
				Content: []Content{
					{
						Type: ContentTypeText,
						Text: err.Error(),
					},
				},
				IsError: true,
			}
		}
		writeResult(result)
	case MethodResourcesList:
		if s.resourceServer == nil {
			writeError(jsonRPCMethodNotFoundCode, errMsgMethodNotFound)
			return
		}
		var params ListResourcesParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			writeError(jsonRPCInvalidParamsCode, errMsgInvalidParams)
			return
		}
		result, err := s.resourceServer.ListResources(ctx, params, reporter)
		if err != nil {
			writeError(jsonRPCInternalErrorCode, err.Error())
			return
		}
		writeResult(result)
	case MethodResourcesRead:
		if s.resourceServer == nil {
			writeError(jsonRPCMethodNotFoundCode, errMsgMethodNotFound)
			return
		}
		var params ReadResourceParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			writeError(jsonRPCInvalidParamsCode, errMsgInvalidParams)
			return
		}
		result, err := s.resourceServer.ReadResource(ctx, params, reporter)
		if err != nil {
			writeError(jsonRPCInternalErrorCode, err.Error())
			return
		}
		writeResult(result)
	case MethodPromptsList:
		if s.promptServer == nil {
			writeError(jsonRPCMethodNotFoundCode, errMsgMethodNotFound)
			return
		}
		var params ListPromptsParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			writeError(jsonRPCInvalidParamsCode, errMsgInvalidParams)
			return
		}
		result, err := s.promptServer.ListPrompts(ctx, params, reporter)
		if err != nil {
			writeError(jsonRPCInternalErrorCode, err.Error())
			return
		}
		writeResult(result)
	case MethodPromptsGet:
		if s.promptServer == nil {
			writeError(jsonRPCMethodNotFoundCode, errMsgMethodNotFound)
			return
		}
		var params GetPromptParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			writeError(jsonRPCInvalidParamsCode, errMsgInvalidParams)
			return
		}
		result, err := s.promptServer.GetPrompt(ctx, params, reporter)
		if err != nil {
			writeError(jsonRPCInternalErrorCode, err.Error())
			return
		}
		writeResult(result)
	default:
		writeError(jsonRPCMethodNotFoundCode, errMsgMethodNotFound)
	}
}

func (s *StreamableServer) capabilities() ServerCapabilities {
	caps := ServerCapabilities{}
	if s.toolServer != nil {
		caps.Tools = &ToolsCapability{}
	}
	if s.resourceServer != nil {
		caps.Resources = &ResourcesCapability{}
	}
	if s.promptServer != nil {
		caps.Prompts = &PromptsCapability{}
	}
	return caps
}
