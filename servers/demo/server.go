package demo

import (
	"iter"
	"sync"

	"github.com/flounderize/mcp-wire"
)

// Server is a reference capability backend exercising the full protocol
// surface: tools with schema-validated arguments and progress reporting,
// paginated static resources, and prompt templates. It is used by the example
// binary and doubles as a fixture for client implementations under test.
//
// Tools can be registered at runtime; each registration is announced to
// connected clients through the tool list update stream. Callers must call
// Close when finished so pending update listeners unblock.
type Server struct {
	mu         sync.RWMutex
	extraTools []mcp.Tool

	toolListUpdates chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a demo server with the built-in tool, resource, and
// prompt sets.
func NewServer() *Server {
	return &Server{
		toolListUpdates: make(chan struct{}, 5),
		done:            make(chan struct{}),
	}
}

// RegisterTool adds a tool to the advertised list and announces the change
// through ToolListUpdates. Calling a registered tool returns its description,
// the tool carries no behavior of its own.
func (s *Server) RegisterTool(tool mcp.Tool) {
	s.mu.Lock()
	s.extraTools = append(s.extraTools, tool)
	s.mu.Unlock()

	select {
	case s.toolListUpdates <- struct{}{}:
	case <-s.done:
	}
}

// ToolListUpdates implements mcp.ToolListUpdater interface.
func (s *Server) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-s.done:
				return
			case <-s.toolListUpdates:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

// Close releases the update streams. Safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
