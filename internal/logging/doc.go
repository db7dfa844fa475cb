// Package logging configures structured slog output for hybridrag.
//
// Logs are JSON lines written to ~/.hybridrag/logs/server.log through a
// size-rotating writer. The CLI mirrors them to stderr unless the MCP stdio
// transport owns the process streams.
package logging
