package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer for the
// persistent transports (process pipes and the push channel).
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection and provides methods for
	// bidirectional communication. The implementation must guarantee that each session ID
	// is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The
	// implementation should not close the Sessions it produced, the caller already does
	// that when calling this method. The caller is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer. A transport
// instance serves exactly one Client; clients never share transports.
type ClientTransport interface {
	// StartSession connects to the server and returns an iterator yielding every
	// inbound message: responses and notifications alike. StartSession does not
	// return before the transport is ready to carry requests, and fails after a
	// bounded handshake wait. The iterator ends when the transport closes or the
	// context is cancelled; transports that reconnect keep the same iterator
	// alive across reconnects.
	StartSession(ctx context.Context) (iter.Seq[JSONRPCMessage], error)

	// Send transmits a message to the server. It must not be called before
	// StartSession returns successfully.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Errors returns a channel of asynchronous transport failures: connection
	// drops, reconnect exhaustion, and per-request stream failures (reported as
	// RequestError). The channel is closed when the transport closes.
	Errors() <-chan error

	// Close tears the transport down. Safe to call more than once.
	Close() error
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the unique identifier for this session. The implementation must
	// guarantee that session IDs are unique across all active sessions managed.
	ID() string

	// Send transmits a message to the client.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// The implementation should exit the iteration if the session is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The implementation should not call this itself,
	// the caller is guaranteed to call it once.
	Stop()
}

// Server interfaces

// ToolServer defines the interface for exposing callable tools.
type ToolServer interface {
	// ListTools returns a paginated list of available tools. The ProgressReporter
	// can be used to report operation progress.
	// Returns error if the operation fails or the context is cancelled.
	ListTools(context.Context, ListToolsParams, ProgressReporter) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. The ProgressReporter
	// can be used to report operation progress.
	// Returns error if the tool is not found, arguments are invalid, execution fails,
	// or the context is cancelled.
	CallTool(context.Context, CallToolParams, ProgressReporter) (CallToolResult, error)
}

// ToolListUpdater provides an interface for monitoring changes to the available tools list.
//
// The notifications are used by the server to inform connected clients about tool list
// changes via the "notifications/tools/list_changed" method. Clients can then refresh
// their cached tool lists by calling ListTools again.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}

// ResourceServer defines the interface for exposing readable resources.
type ResourceServer interface {
	// ListResources returns a paginated list of available resources. The
	// ProgressReporter can be used to report operation progress.
	// Returns error if the operation fails or the context is cancelled.
	ListResources(context.Context, ListResourcesParams, ProgressReporter) (ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI. The ProgressReporter
	// can be used to report operation progress.
	// Returns error if the resource is not found, cannot be read, or the context
	// is cancelled.
	ReadResource(context.Context, ReadResourceParams, ProgressReporter) (ReadResourceResult, error)
}

// ResourceListUpdater provides an interface for monitoring changes to the available
// resources list, delivered to clients as "notifications/resources/list_changed".
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
type ResourceListUpdater interface {
	ResourceListUpdates() iter.Seq[struct{}]
}

// PromptServer defines the interface for exposing prompt templates.
type PromptServer interface {
	// ListPrompts returns a paginated list of available prompts. The ProgressReporter
	// can be used to report operation progress.
	// Returns error if the operation fails or the context is cancelled.
	ListPrompts(context.Context, ListPromptsParams, ProgressReporter) (ListPromptsResult, error)

	// GetPrompt retrieves a specific prompt template by name with the given arguments.
	// The ProgressReporter can be used to report operation progress.
	// Returns error if the prompt is not found, arguments are invalid, or the context
	// is cancelled.
	GetPrompt(context.Context, GetPromptParams, ProgressReporter) (GetPromptResult, error)
}

// PromptListUpdater provides an interface for monitoring changes to the available
// prompts list, delivered to clients as "notifications/prompts/list_changed".
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
type PromptListUpdater interface {
	PromptListUpdates() iter.Seq[struct{}]
}

// ProgressReporter is a function type used to report progress updates for long-running
// operations. Server implementations use this callback to inform clients about operation
// progress by passing a ProgressParams struct containing the progress details. When Total
// is non-zero in the params, progress percentage can be calculated as (Progress/Total)*100.
type ProgressReporter func(progress ProgressParams)
