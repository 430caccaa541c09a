// Package mcp implements a Model Context Protocol (MCP) client and server
// core over three transports: standard input/output of a child process,
// Server-Sent Events with an out-of-band request channel, and chunked
// bidirectional HTTP streaming (NDJSON). All transports speak the same
// JSON-RPC 2.0 message envelope; responses are correlated to requests by
// identifier, never by arrival order.
package mcp
