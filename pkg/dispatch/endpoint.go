package dispatch

import (
	"context"
	"fmt"

	"github.com/shawn111/goose/pkg/conversation"
)

// Endpoint is one source of callable tools.
type Endpoint interface {
	// Name identifies the endpoint in logs and for conflict prefixing.
	Name() string
	// Describe returns the tools the endpoint serves.
	Describe(ctx context.Context) ([]conversation.ToolSpec, error)
	// Call executes a tool by its endpoint-local name.
	Call(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error)
	// Close releases the endpoint's resources.
	Close() error
}

// EndpointError tags a transport failure with its normalized kind
// (unavailable or invalid_response). The dispatcher converts it into a
// ToolResult; untagged errors count as tool execution failures.
type EndpointError struct {
	Kind string
	Err  error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint failure (%s): %v", e.Kind, e.Err)
}

func (e *EndpointError) Unwrap() error { return e.Err }

func unavailable(err error) *EndpointError {
	return &EndpointError{Kind: ErrKindUnavailable, Err: err}
}

func invalidResponse(err error) *EndpointError {
	return &EndpointError{Kind: ErrKindInvalidResponse, Err: err}
}
