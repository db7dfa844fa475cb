// Package mcp implements the Model Context Protocol server for hybridrag.
package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/odprt-iep/hybridrag/internal/assistant"
	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
)

// Custom MCP error codes.
const (
	// ErrCodeUnavailable indicates a transient upstream failure. The caller
	// may retry.
	ErrCodeUnavailable = -32003

	// Standard JSON-RPC error codes.
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors.
//
// Validation failures keep their message so the client can correct the
// request. Transient failures read as a temporary outage. Anything else is
// reported without internal detail.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeUnavailable, Message: "Request was canceled."}
	case rerrors.IsRetryable(err), rerrors.IsCircuitOpen(err):
		return &MCPError{Code: ErrCodeUnavailable, Message: assistant.UnavailableMessage}
	case rerrors.GetCode(err) == rerrors.ErrCodeGenerationRejected:
		return &MCPError{Code: ErrCodeInternalError, Message: assistant.UnavailableMessage}
	case rerrors.IsValidation(err):
		re, _ := rerrors.As(err)
		msg := re.Message
		if re.Suggestion != "" {
			msg = fmt.Sprintf("%s. %s", msg, re.Suggestion)
		}
		return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("Tool '%s' not found.", name)}
}

// NewResourceNotFoundError creates an error for unknown resources.
func NewResourceNotFoundError(uri string) *MCPError {
	return &MCPError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("Resource '%s' not found.", uri)}
}
