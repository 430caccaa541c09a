package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StdIO implements a pipe transport using newline-delimited JSON-RPC messages
// over an io.Reader/io.Writer pair. It provides a single persistent session
// and handles bidirectional message passing through internal channels,
// processing messages sequentially.
//
// The same instance can serve as either ServerTransport or ClientTransport.
// Proper initialization requires using the NewStdIO constructor. Resources
// must be released by calling Close (client side) or Shutdown (server side)
// when the instance is no longer needed.
type StdIO struct {
	sess      stdIOSession
	closed    chan struct{}
	errs      chan error
	closeOnce *sync.Once
}

type stdIOSession struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	id string

	writeMessages chan stdIOMessage
	done          chan struct{}
	readClosed    chan struct{}
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO instance configured with the provided reader
// and writer. The instance is initialized with default logging and the
// internal communication channels.
func NewStdIO(reader io.Reader, writer io.Writer) StdIO {
	return StdIO{
		sess: stdIOSession{
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			id:            uuid.New().String(),
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			readClosed:    make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed:    make(chan struct{}),
		errs:      make(chan error, 1),
		closeOnce: &sync.Once{},
	}
}

// Sessions implements the ServerTransport interface by providing an iterator
// that yields a single persistent session. This session remains active
// throughout the lifetime of the StdIO instance.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteMessages()

		// StdIO only supports a single session, so we yield it and wait until it's done.
		yield(s.sess)
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the
// session loop to finish.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface. Pipes need no
// handshake, so the iterator is ready immediately. The iterator ends when the
// peer closes its end of the pipe or Close is called; a peer-initiated close
// is reported through Errors as ErrTransportClosed.
func (s StdIO) StartSession(_ context.Context) (iter.Seq[JSONRPCMessage], error) {
	go s.sess.processWriteMessages()

	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.errs)

		for msg := range s.sess.Messages() {
			if !yield(msg) {
				return
			}
		}

		// The read loop ended: distinguish our own Close from the peer
		// dropping the pipe.
		select {
		case <-s.sess.done:
		default:
			s.errs <- ErrTransportClosed
		}
	}, nil
}

// Send implements the ClientTransport interface by queueing the message on
// the single writer.
func (s StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	return s.sess.Send(ctx, msg)
}

// Errors implements the ClientTransport interface. The channel receives
// ErrTransportClosed when the peer drops the pipe, and is closed when the
// session ends.
func (s StdIO) Errors() <-chan error {
	return s.errs
}

// Close implements the ClientTransport interface by stopping the session.
// Safe to call more than once.
func (s StdIO) Close() error {
	s.closeOnce.Do(s.sess.Stop)
	return nil
}

func (s stdIOSession) ID() string {
	return s.id
}

func (s stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message on the single writer goroutine.
	select {
	case <-ctx.Done():
		s.logger.Error("failed to feed writeMessages channel", slog.String("err", ctx.Err().Error()))
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while feeding writeMessages channel", slog.String("message", string(msgBs)))
		return ErrTransportClosed
	case s.writeMessages <- ioMsg:
	}

	// Wait for the resulting error channel to receive the error.
	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("get error result from write", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		s.logger.Error("failed to wait for write result", slog.String("err", ctx.Err().Error()))
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while waiting for write result", slog.String("message", string(msgBs)))
		return ErrTransportClosed
	}
}

func (s stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.readClosed)

		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(s.reader)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			// Buffered so the read goroutine can always hand its one frame off
			// and exit, even if we return on done first.
			lines := make(chan lineWithErr, 1)

			// We use goroutines to avoid blocking on slow readers, so we can listen
			// to done channel and return if needed.
			go func() {
				line, err := reader.ReadString('\n')
				if err != nil {
					lines <- lineWithErr{err: err}
					return
				}
				lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
			}()

			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if errors.Is(lwe.err, io.EOF) {
					return
				}
				s.logger.Error("failed to read message", "err", lwe.err)
				return
			}

			if lwe.line == "" {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
				// Malformed frames are dropped, never fatal.
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			// We stop iteration if yield returns false
			if !yield(msg) {
				return
			}
		}
	}
}

func (s stdIOSession) Stop() {
	close(s.done)
	<-s.readClosed
	<-s.writeClosed
}

func (s stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process writing the message queue until the session is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

// Lifecycle states of a command-backed pipe transport.
const (
	cmdStdIOUnstarted = iota
	cmdStdIOStarting
	cmdStdIOReady
	cmdStdIOClosing
	cmdStdIOClosed
)

// CommandStdIO is a ClientTransport that spawns a child process and speaks
// the pipe protocol over its standard input and output. The transport owns
// the child's lifecycle: StartSession launches it, Close shuts it down with a
// bounded wait before killing it. A child that dies on its own is terminal,
// there is no restart; the death is reported through Errors.
type CommandStdIO struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	waitDelay time.Duration

	mu    sync.Mutex
	state int
	pipe  StdIO
	stdin io.WriteCloser

	waitDone chan struct{}
	errs     chan error
	errsOnce sync.Once
}

func (c *CommandStdIO) closeErrs() {
	c.errsOnce.Do(func() { close(c.errs) })
}

// CommandStdIOOption is a function that configures a CommandStdIO.
type CommandStdIOOption func(*CommandStdIO)

// WithCommandWaitDelay sets how long Close waits for the child to exit after
// its stdin is closed before killing it.
func WithCommandWaitDelay(delay time.Duration) CommandStdIOOption {
	return func(c *CommandStdIO) {
		c.waitDelay = delay
	}
}

// WithCommandLogger sets the logger for the transport.
func WithCommandLogger(logger *slog.Logger) CommandStdIOOption {
	return func(c *CommandStdIO) {
		c.logger = logger
	}
}

// NewCommandStdIO creates a pipe transport around the given command. The
// command must not have been started; its Stdin and Stdout must be unset, as
// the transport wires them itself.
func NewCommandStdIO(cmd *exec.Cmd, options ...CommandStdIOOption) *CommandStdIO {
	c := &CommandStdIO{
		cmd:      cmd,
		logger:   slog.Default(),
		waitDone: make(chan struct{}),
		errs:     make(chan error, 1),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.waitDelay == 0 {
		c.waitDelay = 5 * time.Second
	}
	return c
}

// StartSession launches the child process and returns the iterator over its
// output. The transport moves through Starting to Ready; a second call fails.
func (c *CommandStdIO) StartSession(ctx context.Context) (iter.Seq[JSONRPCMessage], error) {
	c.mu.Lock()
	if c.state != cmdStdIOUnstarted {
		c.mu.Unlock()
		return nil, errors.New("child process already started")
	}
	c.state = cmdStdIOStarting
	c.mu.Unlock()

	fail := func(err error) (iter.Seq[JSONRPCMessage], error) {
		c.mu.Lock()
		c.state = cmdStdIOClosed
		c.mu.Unlock()
		c.closeErrs()
		return nil, err
	}

	stdin, err := c.cmd.StdinPipe()
	if err != nil {
		return fail(fmt.Errorf("failed to open stdin pipe: %w", err))
	}
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return fail(fmt.Errorf("failed to open stdout pipe: %w", err))
	}

	if err := c.cmd.Start(); err != nil {
		return fail(fmt.Errorf("failed to start child process: %w", err))
	}

	pipe := NewStdIO(stdout, stdin)
	msgs, err := pipe.StartSession(ctx)
	if err != nil {
		_ = c.cmd.Process.Kill()
		return fail(err)
	}

	c.mu.Lock()
	c.pipe = pipe
	c.stdin = stdin
	c.state = cmdStdIOReady
	c.mu.Unlock()

	go c.watch()

	return msgs, nil
}

// Send forwards the message to the child's stdin. It fails fast when the
// child is not running.
func (c *CommandStdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	c.mu.Lock()
	state := c.state
	pipe := c.pipe
	c.mu.Unlock()

	if state != cmdStdIOReady {
		return ErrTransportClosed
	}
	return pipe.Send(ctx, msg)
}

// Errors reports the child exiting on its own. The channel is closed once
// the child is gone.
func (c *CommandStdIO) Errors() <-chan error {
	return c.errs
}

// Close shuts the child down: the writer stops, the child's stdin is closed
// so a well-behaved child exits on EOF, and after the wait delay the child is
// killed. Safe to call more than once.
func (c *CommandStdIO) Close() error {
	c.mu.Lock()
	switch c.state {
	case cmdStdIOClosing, cmdStdIOClosed:
		c.mu.Unlock()
		return nil
	case cmdStdIOUnstarted, cmdStdIOStarting:
		c.state = cmdStdIOClosed
		c.mu.Unlock()
		c.closeErrs()
		return nil
	}
	c.state = cmdStdIOClosing
	pipe := c.pipe
	stdin := c.stdin
	c.mu.Unlock()

	_ = pipe.Close()
	if err := stdin.Close(); err != nil {
		c.logger.Warn("failed to close child stdin", "err", err)
	}

	select {
	case <-c.waitDone:
	case <-time.After(c.waitDelay):
		c.logger.Warn("child process did not exit, killing it")
		if err := c.cmd.Process.Kill(); err != nil {
			c.logger.Error("failed to kill child process", "err", err)
		}
		<-c.waitDone
	}

	c.mu.Lock()
	c.state = cmdStdIOClosed
	c.mu.Unlock()

	return nil
}

func (c *CommandStdIO) watch() {
	err := c.cmd.Wait()
	close(c.waitDone)

	c.mu.Lock()
	state := c.state
	c.state = cmdStdIOClosed
	pipe := c.pipe
	c.mu.Unlock()

	// Only a death during Ready is unexpected; Close drives the other paths.
	if state == cmdStdIOReady {
		_ = pipe.Close()
		if err == nil {
			err = errors.New("child process exited")
		}
		select {
		case c.errs <- fmt.Errorf("%w: %s", ErrTransportClosed, err):
		default:
		}
	}
	c.closeErrs()
}
