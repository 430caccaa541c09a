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
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSE event types used on the push channel. The endpoint event carries the
// handshake payload; message and notification carry JSON-RPC frames;
// heartbeat is a keep-alive with no payload of interest.
const (
	sseEventEndpoint     = "endpoint"
	sseEventMessage      = "message"
	sseEventNotification = "notification"
	sseEventHeartbeat    = "heartbeat"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for managing
// bidirectional client communication. It handles server-to-client streaming through SSE
// and client-to-server messaging via HTTP POST endpoints: requests travel out-of-band
// over POST, responses and notifications travel back over the push channel only.
//
// The server provides connection management, message distribution, and session tracking
// capabilities through its HandleSSE and HandleMessage http.Handlers. These handlers can
// be integrated with any HTTP framework.
//
// Instances should be created using NewSSEServer and properly shut down using Shutdown
// when no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	heartbeatInterval time.Duration

	sessions         chan sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done   chan struct{}
	closed chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// WithSSEServerLogger sets the logger for the server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// WithSSEServerHeartbeatInterval sets how often each session emits a
// heartbeat event. Clients discard heartbeats; they only keep intermediaries
// from timing out an idle channel.
func WithSSEServerHeartbeatInterval(interval time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.heartbeatInterval = interval
	}
}

// SSEClient implements a Server-Sent Events (SSE) client that manages server connections
// and bidirectional message handling. It receives responses and notifications through the
// push channel and sends requests via HTTP POST to the endpoint the server hands out
// during the handshake. The POST reply is only an acknowledgment of receipt; the push
// channel is authoritative for results.
//
// When the push channel drops, all in-flight requests fail and the client reconnects
// with exponential backoff, re-running the handshake. Instances should be created using
// NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize   int
	handshakeTimeout time.Duration
	retryPolicy      RetryPolicy

	mu         sync.RWMutex
	messageURL string
	sessionID  string
	body       io.ReadCloser

	messages   chan JSONRPCMessage
	errs       chan error
	handshakes chan error
	done       chan struct{}
	closeOnce  sync.Once
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id                string
	sess              *sse.Session
	sendMsgs          chan sseServerSessionSendMsg
	receivedMsgs      chan JSONRPCMessage
	logger            *slog.Logger
	heartbeatInterval time.Duration

	done           chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

// NewSSEServer creates and initializes a new SSE server whose handshake points clients
// at the specified messageURL. The server is immediately operational upon creation with
// initialized internal channels for session and message management. The returned
// SSEServer must be shut down using Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		sessions:         make(chan sseServerSession, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.heartbeatInterval == 0 {
		s.heartbeatInterval = 30 * time.Second
	}
	return s
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The
// optional httpClient parameter allows custom HTTP client configuration; if nil, the
// default HTTP client is used. The client must call StartSession to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
		messages:   make(chan JSONRPCMessage),
		errs:       make(chan error, 4),
		handshakes: make(chan error, 1),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.handshakeTimeout == 0 {
		s.handshakeTimeout = 10 * time.Second
	}
	if s.retryPolicy == (RetryPolicy{}) {
		s.retryPolicy = defaultRetryPolicy()
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientHandshakeTimeout bounds how long StartSession waits for the
// endpoint event before failing with ErrHandshakeTimeout.
func WithSSEClientHandshakeTimeout(timeout time.Duration) SSEClientOption {
	return func(s *SSEClient) {
		s.handshakeTimeout = timeout
	}
}

// WithSSEClientRetryPolicy sets the backoff schedule used to re-establish the
// push channel after it drops.
func WithSSEClientRetryPolicy(policy RetryPolicy) SSEClientOption {
	return func(s *SSEClient) {
		s.retryPolicy = policy
	}
}

// WithSSEClientLogger sets the logger for the client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// Sessions returns an iterator over active client sessions. The iterator yields new
// Session instances as clients connect to the server. Use this method to access and
// interact with connected clients through the Session interface.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Store all active sessions in a map for easy lookup when we receive a new message.
		sessionsMap := make(map[string]sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				// Received a new session from handler.

				// Process send messages for this session in a separate goroutine
				go sess.processSendMessages()

				// Store the session in the map.
				sessionsMap[sess.id] = sess

				// Forward the session to the caller.
				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				// Received a session ID to remove from the sessions map.
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					// Ignore the message if the session is not found, it might already be closed.
					continue
				}

				// Forward the message to the session.
				select {
				case <-s.done:
					return
				case session.receivedMsgs <- msg.msg:
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the SSE server by terminating all active client
// connections and cleaning up internal resources. This method blocks until shutdown
// is complete.
func (s SSEServer) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown.
	close(s.done)

	// Wait for main loop to finish.
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and sends
// the endpoint handshake event carrying the message URL, the session ID, and the
// protocol version. The connection remains active until either the client disconnects
// or the server closes.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Received the request to establish a new SSE session.
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Form an url for the client that can be used to communicate with the server session.
		payload, err := json.Marshal(endpointEvent{
			Endpoint:        fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID),
			SessionID:       sessID,
			ProtocolVersion: protocolVersion,
		})
		if err != nil {
			nErr := fmt.Errorf("failed to marshal endpoint event: %w", err)
			s.logger.Error("failed to marshal endpoint event", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		msg := sse.Message{
			Type: sse.Type(sseEventEndpoint),
		}
		msg.AppendData(string(payload))
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write endpoint event: %w", err)
			s.logger.Error("failed to write endpoint event", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush SSE: %w", err)
			s.logger.Error("failed to flush SSE", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := sseServerSession{
			id:                sessID,
			sess:              sess,
			logger:            s.logger,
			heartbeatInterval: s.heartbeatInterval,
			sendMsgs:          make(chan sseServerSessionSendMsg, 5),
			receivedMsgs:      make(chan JSONRPCMessage, 5),
			done:              make(chan struct{}),
			sendClosed:        make(chan struct{}),
			receivedClosed:    make(chan struct{}),
		}

		// Feed the sessions channel that would be consumed in Sessions loop, so it can be forwarded to caller.
		s.sessions <- srvSession

		// Block until the session is closed, so the connection is left open.
		<-srvSession.sendClosed
		<-srvSession.receivedClosed

		// Notify the main loop that this session is closed.
		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-encoded message
// body. Valid messages are routed to their corresponding Session's message stream,
// accessible through the Sessions iterator. The HTTP reply is only an acknowledgment:
// the response to the request travels back over the push channel.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Received a request from a client to one of our sessions.
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := errors.New("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		decoder := json.NewDecoder(r.Body)
		var msg JSONRPCMessage

		if err := decoder.Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		// Feed the receivedMessages channel so the Sessions loop can route it to the correct session.
		select {
		case <-s.done:
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg}:
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	})
}

// StartSession establishes the push channel and waits for the endpoint handshake. It
// fails with ErrHandshakeTimeout if the server does not send the endpoint event within
// the handshake timeout. The returned iterator yields every inbound message and stays
// alive across reconnects; it ends only when Close is called, the context is cancelled,
// or the reconnect schedule is exhausted.
func (s *SSEClient) StartSession(ctx context.Context) (iter.Seq[JSONRPCMessage], error) {
	body, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	go s.run(ctx, body)

	select {
	case err := <-s.handshakes:
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	case <-time.After(s.handshakeTimeout):
		_ = s.Close()
		return nil, fmt.Errorf("%w: no endpoint event after %s", ErrHandshakeTimeout, s.handshakeTimeout)
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}

	return func(yield func(JSONRPCMessage) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}, nil
}

// Send transmits a JSON-encoded message to the server through an HTTP POST request to
// the endpoint received during the handshake. The provided context allows request
// cancellation. The reply body is an acknowledgment only and is discarded; results
// arrive on the push channel.
func (s *SSEClient) Send(ctx context.Context, msg JSONRPCMessage) error {
	s.mu.RLock()
	messageURL := s.messageURL
	s.mu.RUnlock()

	if messageURL == "" {
		return fmt.Errorf("%w: no endpoint received yet", ErrNotConnected)
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	r := bytes.NewReader(msgBs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Errors returns the channel of asynchronous channel failures: a drop of the push
// channel (which fails every in-flight request) and the exhaustion of the reconnect
// schedule. The channel is closed when the session ends.
func (s *SSEClient) Errors() <-chan error {
	return s.errs
}

// Close tears the push channel down. Safe to call more than once.
func (s *SSEClient) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		body := s.body
		s.mu.Unlock()
		if body != nil {
			body.Close()
		}
	})
	return nil
}

// connect opens the push channel with a single GET request.
func (s *SSEClient) connect(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.body = resp.Body
	s.mu.Unlock()

	return resp.Body, nil
}

// run drives the read loop across reconnects. When the channel drops it fails the
// in-flight requests through the error channel, then re-establishes the channel under
// the retry policy; pending requests are never replayed.
func (s *SSEClient) run(ctx context.Context, body io.ReadCloser) {
	defer func() {
		close(s.messages)
		close(s.errs)
	}()

	for {
		err := s.readEvents(ctx, body)
		body.Close()

		if err == nil {
			// Deliberate close or context cancellation.
			return
		}

		s.reportErr(fmt.Errorf("%w: %s", ErrTransportClosed, err))
		s.logger.Warn("push channel dropped, reconnecting", "err", err)

		var next io.ReadCloser
		rErr := retryWithPolicy(ctx, s.retryPolicy, func() error {
			b, cErr := s.connect(ctx)
			if cErr != nil {
				return cErr
			}
			next = b
			return nil
		})
		if rErr != nil {
			select {
			case <-s.done:
			default:
				s.reportErr(fmt.Errorf("reconnect failed: %w", rErr))
			}
			return
		}
		body = next
	}
}

// readEvents consumes one physical SSE stream, demultiplexing events by type. It
// returns nil when the session is deliberately shut down, and the stream error when
// the channel drops.
func (s *SSEClient) readEvents(ctx context.Context, body io.ReadCloser) error {
	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		select {
		case <-s.done:
			return nil
		default:
		}

		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch ev.Type {
		case sseEventEndpoint:
			var payload endpointEvent
			if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
				s.signalHandshake(fmt.Errorf("failed to unmarshal endpoint event: %w", err))
				return fmt.Errorf("failed to unmarshal endpoint event: %w", err)
			}
			if err := s.applyEndpoint(payload); err != nil {
				s.signalHandshake(err)
				return err
			}
			s.signalHandshake(nil)
		case sseEventMessage, sseEventNotification:
			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				// Malformed frames are dropped, never fatal.
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			select {
			case s.messages <- msg:
			case <-s.done:
				return nil
			case <-ctx.Done():
				return nil
			}
		case sseEventHeartbeat:
			// Keep-alive only, nothing to route.
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}

	return errors.New("event stream ended")
}

// applyEndpoint validates the handshake payload and stores the message URL, resolved
// against the connect URL so relative endpoints work.
func (s *SSEClient) applyEndpoint(payload endpointEvent) error {
	if payload.Endpoint == "" {
		return errors.New("empty endpoint URL")
	}
	if payload.ProtocolVersion != "" && payload.ProtocolVersion != protocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", payload.ProtocolVersion, protocolVersion)
	}

	base, err := url.Parse(s.connectURL)
	if err != nil {
		return fmt.Errorf("parse connect URL: %w", err)
	}
	u, err := url.Parse(payload.Endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint URL: %w", err)
	}
	resolved := base.ResolveReference(u).String()

	s.mu.Lock()
	s.messageURL = resolved
	s.sessionID = payload.SessionID
	s.mu.Unlock()

	return nil
}

func (s *SSEClient) signalHandshake(err error) {
	select {
	case s.handshakes <- err:
	default:
	}
}

func (s *SSEClient) reportErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s sseServerSession) ID() string { return s.id }

func (s sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// Notifications travel as their own event type so clients can demux
	// without peeking into the payload.
	evType := sseEventMessage
	if msg.IsNotification() {
		evType = sseEventNotification
	}

	sseMsg := &sse.Message{
		Type: sse.Type(evType),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error)

	// Queue the message for sending to avoid race in the sse library
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return ErrTransportClosed
	}

	// Wait and return the error if any
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return ErrTransportClosed
	}
}

func (s sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s sseServerSession) Stop() {
	close(s.done)

	<-s.sendClosed
	<-s.receivedClosed
}

func (s sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case sm := <-s.sendMsgs:
			// Send and flush the message to the client.
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))

				select {
				case sm.errs <- err:
				default:
				}
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))

				select {
				case sm.errs <- err:
				default:
				}
				continue
			}

			select {
			case sm.errs <- nil:
			default:
			}
		case <-ticker.C:
			hb := &sse.Message{
				Type: sse.Type(sseEventHeartbeat),
			}
			hb.AppendData("{}")
			if err := s.sess.Send(hb); err != nil {
				s.logger.Warn("failed to send heartbeat", slog.String("err", err.Error()))
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush heartbeat", slog.String("err", err.Error()))
			}
		case <-s.done:
			return
		}
	}
}
