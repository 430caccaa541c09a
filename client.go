package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client that enables communication
// between LLM applications and external data sources and tools. It owns exactly one
// transport and drives the session over it: Connect performs the initialize handshake,
// after which the capability methods (tools, resources, prompts) become available.
//
// Responses are matched to requests by identifier through an internal pending-request
// table, never by arrival order; every sent request resolves exactly once, with a
// result, a typed protocol error, a timeout, or a transport failure. Notifications and
// progress updates are exposed as single-consumer streams through Notifications and
// Progress. Connection health is monitored through periodic pings.
//
// A Client must be created using NewClient() and requires Connect() to be called
// before any operations can be performed. The client should be properly closed using
// Disconnect() when it's no longer needed.
type Client struct {
	capabilities       ClientCapabilities
	info               Info
	serverInfo         Info
	serverCapabilities ServerCapabilities
	transport          ClientTransport

	writeTimeout         time.Duration
	readTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	logger *slog.Logger

	correlator *correlator

	mu    sync.Mutex
	state clientState

	notifications chan JSONRPCMessage
	progresses    chan ProgressParams

	done     chan struct{}
	doneOnce sync.Once
}

// clientState tracks the session lifecycle. Capability calls are only legal
// while the client is active.
type clientState int

const (
	clientCreated clientState = iota
	clientInitializing
	clientActive
	clientClosed
)

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 30 * time.Second
	defaultClientPingInterval = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets the per-request deadline: how long a sent
// request may wait for its terminal response before failing with
// ErrRequestTimeout.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval for the client.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping failures exceeds the threshold, the client
// will close the session.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// NewClient creates a new Model Context Protocol (MCP) client with the specified
// configuration. The info parameter provides client identification and version
// information. The transport parameter defines how the client communicates with the
// server; the client takes exclusive ownership of it.
//
// Optional client behaviors such as timeouts and the ping schedule can be configured
// through ClientOption functions.
//
// The client will not be connected until Connect() is called.
func NewClient(
	info Info,
	transport ClientTransport,
	options ...ClientOption,
) *Client {
	c := &Client{
		info:          info,
		transport:     transport,
		logger:        slog.Default(),
		correlator:    newCorrelator(),
		notifications: make(chan JSONRPCMessage, 16),
		progresses:    make(chan ProgressParams, 16),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	c.capabilities = ClientCapabilities{}

	return c
}

// Connect establishes the session and performs the initialize handshake before
// anything else: it starts the transport, sends the initialize request, verifies
// protocol version compatibility, records the server's capabilities, and confirms
// with the initialized notification. It blocks until the handshake completes or
// fails; afterwards the capability methods become available.
//
// Connect must be called exactly once per client. Calling it on a connected or
// closed client returns ErrAlreadyConnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != clientCreated {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = clientInitializing
	c.mu.Unlock()

	msgs, err := c.transport.StartSession(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = clientClosed
		c.mu.Unlock()
		return fmt.Errorf("failed to start session: %w", err)
	}

	go c.listenMessages(msgs)
	go c.watchTransportErrors()

	if err := c.initialize(ctx); err != nil {
		c.shutdown(err)
		return err
	}

	c.mu.Lock()
	c.state = clientActive
	c.mu.Unlock()

	go c.pingLoop()

	return nil
}

// Disconnect ends the session: every request still in flight fails with
// ErrTransportClosed and the transport is closed. Safe to call more than once.
func (c *Client) Disconnect() error {
	c.shutdown(nil)
	return nil
}

// ListTools retrieves a paginated list of available tools from the server.
// It returns a ListToolsResult containing tool metadata and pagination information.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification will be sent to the server to stop processing.
//
// See ListToolsParams for details on available parameters including cursor for
// pagination and optional progress tracking.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.assertActive(); err != nil {
		return ListToolsResult{}, err
	}
	if c.serverCapabilities.Tools == nil {
		return ListToolsResult{}, errors.New("tools not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodToolsList,
		Params:  paramsBs,
	})
	if err != nil {
		return ListToolsResult{}, err
	}

	if res.Error != nil {
		return ListToolsResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListToolsResult{}, err
	}

	return result, nil
}

// CallTool executes a specific tool and returns its result.
// It provides a way to invoke server-side tools that can perform specialized operations.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification will be sent to the server to stop processing.
//
// See CallToolParams for details on available parameters including tool name,
// arguments, and optional progress tracking.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.assertActive(); err != nil {
		return CallToolResult{}, err
	}
	if c.serverCapabilities.Tools == nil {
		return CallToolResult{}, errors.New("tools not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodToolsCall,
		Params:  paramsBs,
	})
	if err != nil {
		return CallToolResult{}, err
	}

	if res.Error != nil {
		return CallToolResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, err
	}

	return result, nil
}

// ListResources retrieves a paginated list of available resources from the server.
// It returns a ListResourcesResult containing resource metadata and pagination information.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification will be sent to the server to stop processing.
//
// See ListResourcesParams for details on available parameters including cursor for
// pagination and optional progress tracking.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.assertActive(); err != nil {
		return ListResourcesResult{}, err
	}
	if c.serverCapabilities.Resources == nil {
		return ListResourcesResult{}, errors.New("resources not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ListResourcesResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodResourcesList,
		Params:  paramsBs,
	})
	if err != nil {
		return ListResourcesResult{}, err
	}

	if res.Error != nil {
		return ListResourcesResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListResourcesResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListResourcesResult{}, err
	}

	return result, nil
}

// ReadResource retrieves the content and metadata of a specific resource.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification will be sent to the server to stop processing.
//
// See ReadResourceParams for details on available parameters including resource URI
// and optional progress tracking.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.assertActive(); err != nil {
		return ReadResourceResult{}, err
	}
	if c.serverCapabilities.Resources == nil {
		return ReadResourceResult{}, errors.New("resources not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodResourcesRead,
		Params:  paramsBs,
	})
	if err != nil {
		return ReadResourceResult{}, err
	}

	if res.Error != nil {
		return ReadResourceResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ReadResourceResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ReadResourceResult{}, err
	}

	return result, nil
}

// ListPrompts retrieves a paginated list of available prompts from the server.
// It returns a ListPromptsResult containing prompt metadata and pagination information.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification will be sent to the server to stop processing.
//
// See ListPromptsParams for details on available parameters including cursor for
// pagination and optional progress tracking.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	if err := c.assertActive(); err != nil {
		return ListPromptsResult{}, err
	}
	if c.serverCapabilities.Prompts == nil {
		return ListPromptsResult{}, errors.New("prompts not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return ListPromptsResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodPromptsList,
		Params:  paramsBs,
	})
	if err != nil {
		return ListPromptsResult{}, err
	}

	if res.Error != nil {
		return ListPromptsResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListPromptsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListPromptsResult{}, err
	}

	return result, nil
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
// It returns a GetPromptResult containing the prompt's content and metadata.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// notification will be sent to the server to stop processing.
//
// See GetPromptParams for details on available parameters including prompt name,
// arguments, and optional progress tracking.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.assertActive(); err != nil {
		return GetPromptResult{}, err
	}
	if c.serverCapabilities.Prompts == nil {
		return GetPromptResult{}, errors.New("prompts not supported by server")
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodPromptsGet,
		Params:  paramsBs,
	})
	if err != nil {
		return GetPromptResult{}, err
	}

	if res.Error != nil {
		return GetPromptResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result GetPromptResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return GetPromptResult{}, err
	}

	return result, nil
}

// Notifications returns a single-consumer stream of server notifications:
// list-changed updates and anything else that arrives without a request ID,
// except progress updates, which flow through Progress. When nobody consumes
// the stream, notifications are dropped rather than blocking the session.
// The stream ends when the session ends.
func (c *Client) Notifications() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range c.notifications {
			if !yield(msg) {
				return
			}
		}
	}
}

// Progress returns a single-consumer stream of progress updates, whether they
// arrived as progress notifications on a persistent transport or as progress
// chunks on the chunked-stream transport. When nobody consumes the stream,
// updates are dropped rather than blocking the session. The stream ends when
// the session ends.
func (c *Client) Progress() iter.Seq[ProgressParams] {
	return func(yield func(ProgressParams) bool) {
		for params := range c.progresses {
			if !yield(params) {
				return
			}
		}
	}
}

// ServerInfo returns the server's info.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// PromptServerSupported returns true if the server supports prompt management.
func (c *Client) PromptServerSupported() bool {
	return c.serverCapabilities.Prompts != nil
}

// ResourceServerSupported returns true if the server supports resource management.
func (c *Client) ResourceServerSupported() bool {
	return c.serverCapabilities.Resources != nil
}

// ToolServerSupported returns true if the server supports tool management.
func (c *Client) ToolServerSupported() bool {
	return c.serverCapabilities.Tools != nil
}

func (c *Client) assertActive() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != clientActive {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodInitialize,
		Params:  paramsBs,
	})
	if err != nil {
		return fmt.Errorf("failed to send initialize request: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("initialize error: %w", res.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities

	return c.sendNotification(ctx, methodNotificationsInitialized, nil)
}

// listenMessages routes every inbound message for the lifetime of the
// session. Responses go to the pending-request table; progress flows to the
// progress stream; everything else without an ID lands on the notification
// stream. A frame that is none of these is dropped and logged, never fatal.
func (c *Client) listenMessages(msgs iter.Seq[JSONRPCMessage]) {
	for msg := range msgs {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		switch {
		case msg.Method == MethodProgress && msg.ID != "":
			// A progress chunk from the chunked-stream transport: it carries
			// the request ID but must never resolve the request.
			var params ProgressParams
			if err := json.Unmarshal(msg.Result, &params); err != nil {
				c.logger.Error("failed to unmarshal progress chunk", "err", err)
				continue
			}
			c.pushProgress(params)
		case msg.Method == methodPing && msg.ID != "":
			if err := c.sendResult(msg.ID, struct{}{}); err != nil {
				c.logger.Error("failed to handle ping", "err", err)
			}
		case msg.IsResponse():
			if !c.correlator.resolve(string(msg.ID), msg) {
				c.logger.Warn("discarding late or unknown response", "id", string(msg.ID))
			}
		case msg.Method == methodNotificationsProgress:
			var params ProgressParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal progress params", "err", err)
				continue
			}
			c.pushProgress(params)
		case msg.IsNotification():
			c.pushNotification(msg)
		default:
			c.logger.Warn("dropping malformed message", "id", string(msg.ID), "method", msg.Method)
		}
	}

	// The transport iterator ended, so the session is over.
	c.shutdown(nil)
	close(c.notifications)
	close(c.progresses)
}

// watchTransportErrors turns asynchronous transport failures into request
// resolutions: a RequestError fails exactly the request it names, anything
// else fails every request in flight.
func (c *Client) watchTransportErrors() {
	for err := range c.transport.Errors() {
		var reqErr RequestError
		if errors.As(err, &reqErr) {
			if !c.correlator.fail(string(reqErr.ID), reqErr.Err) {
				c.logger.Warn("stream failure for unknown request", "id", string(reqErr.ID), "err", reqErr.Err)
			}
			continue
		}

		c.logger.Warn("transport failure", "err", err)
		c.correlator.failAll(err)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	failedPings := 0

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.logger.Error("failed to send ping", "err", err)
				failedPings++
				if failedPings > c.pingTimeoutThreshold {
					c.shutdown(fmt.Errorf("too many ping failures: %d", failedPings))
					return
				}
			} else {
				failedPings = 0
			}
		}
	}
}

func (c *Client) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.readTimeout)
	defer cancel()

	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodPing,
	})
	if err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("error response: %w", res.Error)
	}

	return nil
}

// sendRequest assigns a fresh ID, registers the request in the pending table,
// sends it, and waits for exactly one terminal event: the response, the
// per-request deadline, a transport failure, or the caller's cancellation.
// The deadline and cancellation paths remove the pending entry first, so a
// response racing in later is treated as late and discarded.
func (c *Client) sendRequest(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	msgID := uuid.New().String()
	msg.ID = MustString(msgID)

	results, err := c.correlator.register(msgID)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.transport.Send(sCtx, msg); err != nil {
		c.correlator.drop(msgID)
		return JSONRPCMessage{}, err
	}

	timer := time.NewTimer(c.readTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		c.correlator.drop(msgID)
		return JSONRPCMessage{}, fmt.Errorf("%w after %s", ErrRequestTimeout, c.readTimeout)
	case <-ctx.Done():
		c.correlator.drop(msgID)
		c.cancelRequest(msgID)
		return JSONRPCMessage{}, ctx.Err()
	case res := <-results:
		if res.err != nil {
			return JSONRPCMessage{}, res.err
		}
		return res.msg, nil
	}
}

// cancelRequest tells the server to stop working on a request the caller
// abandoned. Other in-flight requests are unaffected.
func (c *Client) cancelRequest(msgID string) {
	if err := c.sendNotification(context.Background(), methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: msgID,
		Reason:    userCancelledReason,
	}); err != nil {
		c.logger.Error("failed to send cancellation notification", "err", err)
	}

	// The chunked-stream transport can additionally tear down the request's
	// response stream.
	if canceller, ok := c.transport.(interface{ CancelRequest(id string) }); ok {
		canceller.CancelRequest(msgID)
	}
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	notif := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.transport.Send(sCtx, notif); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	return nil
}

func (c *Client) sendResult(id MustString, result any) error {
	resBs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}

	sCtx, sCancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer sCancel()

	if err := c.transport.Send(sCtx, msg); err != nil {
		return fmt.Errorf("failed to send result: %w", err)
	}

	return nil
}

func (c *Client) pushNotification(msg JSONRPCMessage) {
	select {
	case c.notifications <- msg:
	default:
		c.logger.Warn("notification stream full, dropping notification", "method", msg.Method)
	}
}

func (c *Client) pushProgress(params ProgressParams) {
	select {
	case c.progresses <- params:
	default:
		c.logger.Warn("progress stream full, dropping update", "token", string(params.ProgressToken))
	}
}

// shutdown moves the client to its terminal state: the pending table drains
// with ErrTransportClosed (or the given cause) and the transport closes.
// Idempotent; every teardown path funnels through here.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.state == clientClosed {
		c.mu.Unlock()
		return
	}
	c.state = clientClosed
	c.mu.Unlock()

	if cause == nil {
		cause = ErrTransportClosed
	} else {
		c.logger.Error("session ended", "err", cause)
	}

	c.doneOnce.Do(func() { close(c.done) })
	c.correlator.shutdown(cause)

	if err := c.transport.Close(); err != nil {
		c.logger.Warn("failed to close transport", "err", err)
	}
}
