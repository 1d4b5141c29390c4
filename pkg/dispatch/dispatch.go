package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/shawn111/goose/internal/observability"
	"github.com/shawn111/goose/internal/tracing"
	"github.com/shawn111/goose/pkg/conversation"
)

// Tool error kinds recorded on failed results.
const (
	ErrKindNotFound         = "not_found"
	ErrKindInvalidArguments = "invalid_arguments"
	ErrKindUnavailable      = "unavailable"
	ErrKindTimeout          = "timeout"
	ErrKindInvalidResponse  = "invalid_response"
	ErrKindExecutionFailed  = "execution_failed"
	ErrKindCancelled        = "cancelled"
)

const (
	DefaultMaxOutputBytes = 10 * 1024
	DefaultCallTimeout    = 30 * time.Second

	truncationMarker = "\n... [output truncated]"
)

// Options configures a dispatcher.
type Options struct {
	// MaxOutputBytes caps serialized result payloads before they enter
	// the conversation window.
	MaxOutputBytes int
	// CallTimeout applies when the caller's context has no deadline.
	CallTimeout time.Duration
}

type registeredTool struct {
	spec     conversation.ToolSpec
	schema   *gojsonschema.Schema
	endpoint Endpoint
	// remoteName is the endpoint-local tool name, which differs from
	// spec.Name when a conflict was resolved by prefixing.
	remoteName string
}

// Dispatcher resolves tool calls against registered endpoints.
type Dispatcher struct {
	mu             sync.RWMutex
	tools          map[string]*registeredTool
	endpoints      []Endpoint
	maxOutputBytes int
	callTimeout    time.Duration
}

// New creates an empty dispatcher.
func New(opts Options) *Dispatcher {
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Dispatcher{
		tools:          make(map[string]*registeredTool),
		maxOutputBytes: opts.MaxOutputBytes,
		callTimeout:    opts.CallTimeout,
	}
}

// Register fetches the endpoint's tool descriptions and adds them to the
// table. Name conflicts are resolved by prefixing with the endpoint name.
// Returns the registered tool names.
func (d *Dispatcher) Register(ctx context.Context, ep Endpoint) ([]string, error) {
	specs, err := ep.Describe(ctx)
	if err != nil {
		return nil, fmt.Errorf("describe endpoint %s: %w", ep.Name(), err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	registered := make([]string, 0, len(specs))
	for _, spec := range specs {
		remoteName := spec.Name
		if remoteName == "" {
			continue
		}
		name := remoteName
		if _, exists := d.tools[name]; exists {
			name = fmt.Sprintf("%s_%s", ep.Name(), remoteName)
			log.Warn().
				Str("original_name", remoteName).
				Str("prefixed_name", name).
				Str("endpoint", ep.Name()).
				Msg("Tool name conflict resolved by prefixing with endpoint name")
		}

		schema, err := compileSchema(spec.InputSchema)
		if err != nil {
			return registered, fmt.Errorf("compile schema for tool %s: %w", name, err)
		}

		spec.Name = name
		d.tools[name] = &registeredTool{
			spec:       spec,
			schema:     schema,
			endpoint:   ep,
			remoteName: remoteName,
		}
		registered = append(registered, name)
		log.Info().Str("tool", name).Str("endpoint", ep.Name()).Msg("Tool registered")
	}

	d.endpoints = append(d.endpoints, ep)
	return registered, nil
}

// Reload swaps the whole endpoint set. The old endpoints are closed after
// the new table is in place, so in-flight calls on them may still fail;
// those failures surface as normal tool results.
func (d *Dispatcher) Reload(ctx context.Context, endpoints []Endpoint) error {
	replacement := New(Options{MaxOutputBytes: d.maxOutputBytes, CallTimeout: d.callTimeout})
	for _, ep := range endpoints {
		if _, err := replacement.Register(ctx, ep); err != nil {
			replacement.Close()
			return err
		}
	}

	d.mu.Lock()
	old := d.endpoints
	d.tools = replacement.tools
	d.endpoints = replacement.endpoints
	d.mu.Unlock()

	for _, ep := range old {
		if err := ep.Close(); err != nil {
			log.Warn().Err(err).Str("endpoint", ep.Name()).Msg("Failed to close replaced endpoint")
		}
	}
	log.Info().Int("tools", len(replacement.tools)).Msg("Tool registry reloaded")
	return nil
}

// Specs returns the registered tool descriptions sorted by name.
func (d *Dispatcher) Specs() []conversation.ToolSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()

	specs := make([]conversation.ToolSpec, 0, len(d.tools))
	for _, tool := range d.tools {
		specs = append(specs, tool.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Names returns the registered tool names sorted.
func (d *Dispatcher) Names() []string {
	specs := d.Specs()
	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
	}
	return names
}

// Invoke executes one tool call. It always returns a terminal ToolResult;
// failures are data, never Go errors.
func (d *Dispatcher) Invoke(ctx context.Context, call conversation.ToolCall) conversation.ToolResult {
	start := time.Now()
	sessionID := tracing.GetSessionID(ctx)
	observability.RecordDispatchStart(ctx, sessionID, call.Name, call.ID)

	result := d.invoke(ctx, call)
	result.Duration = time.Since(start)

	outcome := result.Status
	if result.ErrorKind != "" {
		outcome = result.ErrorKind
	}
	observability.RecordDispatchEnd(ctx, sessionID, call.Name, call.ID, outcome, result.Duration)
	observability.RecordToolDispatch(call.Name, outcome, result.Duration)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Str("status", result.Status).
		Str("outcome", outcome).
		Dur("duration", result.Duration).
		Msg("Tool dispatch completed")
	return result
}

func (d *Dispatcher) invoke(ctx context.Context, call conversation.ToolCall) conversation.ToolResult {
	d.mu.RLock()
	tool := d.tools[call.Name]
	timeout := d.callTimeout
	maxBytes := d.maxOutputBytes
	d.mu.RUnlock()

	if tool == nil {
		return failedResult(call, ErrKindNotFound, fmt.Sprintf("tool not found: %s", call.Name))
	}

	if err := validateArguments(tool.schema, call.Arguments); err != nil {
		return failedResult(call, ErrKindInvalidArguments, err.Error())
	}

	callCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := tool.endpoint.Call(callCtx, tool.remoteName, call.Arguments)
	if err != nil {
		return normalizeCallError(call, err)
	}

	payload, truncated := truncatePayload(payload, maxBytes)
	if truncated {
		log.Warn().Str("tool", call.Name).Int("limit", maxBytes).Msg("Tool output truncated")
	}
	return conversation.ToolResult{
		ID:      call.ID,
		Name:    call.Name,
		Status:  conversation.ResultSuccess,
		Payload: payload,
	}
}

// Close shuts down every endpoint.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	endpoints := d.endpoints
	d.endpoints = nil
	d.tools = make(map[string]*registeredTool)
	d.mu.Unlock()

	var firstErr error
	for _, ep := range endpoints {
		if err := ep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func failedResult(call conversation.ToolCall, kind, message string) conversation.ToolResult {
	return conversation.ToolResult{
		ID:        call.ID,
		Name:      call.Name,
		Status:    conversation.ResultError,
		ErrorKind: kind,
		Error:     message,
	}
}

// normalizeCallError maps endpoint failures onto the tool error taxonomy.
// Deadline and cancellation produce cancelled results so the turn records
// the call as aborted rather than failed.
func normalizeCallError(call conversation.ToolCall, err error) conversation.ToolResult {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return conversation.ToolResult{
			ID:        call.ID,
			Name:      call.Name,
			Status:    conversation.ResultCancelled,
			ErrorKind: ErrKindTimeout,
			Error:     "tool call deadline exceeded",
		}
	case errors.Is(err, context.Canceled):
		return conversation.ToolResult{
			ID:        call.ID,
			Name:      call.Name,
			Status:    conversation.ResultCancelled,
			ErrorKind: ErrKindCancelled,
			Error:     "tool call cancelled",
		}
	}

	var epErr *EndpointError
	if errors.As(err, &epErr) {
		return failedResult(call, epErr.Kind, epErr.Error())
	}
	return failedResult(call, ErrKindExecutionFailed, err.Error())
}

func compileSchema(inputSchema map[string]interface{}) (*gojsonschema.Schema, error) {
	if len(inputSchema) == 0 {
		return nil, nil
	}
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(inputSchema))
}

func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("argument validation failed: %v", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			details = append(details, verr.String())
		}
		return fmt.Errorf("argument validation failed: %s", strings.Join(details, "; "))
	}
	return nil
}

// truncatePayload caps the serialized payload size. Oversized payloads are
// replaced with a head slice of their JSON form plus a marker.
func truncatePayload(payload map[string]interface{}, maxBytes int) (map[string]interface{}, bool) {
	if len(payload) == 0 || maxBytes <= 0 {
		return payload, false
	}
	raw, err := json.Marshal(payload)
	if err != nil || len(raw) <= maxBytes {
		return payload, false
	}
	return map[string]interface{}{
		"truncated": true,
		"output":    string(raw[:maxBytes]) + truncationMarker,
	}, true
}
