package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/shawn111/goose/pkg/conversation"
)

// EventKind discriminates stream output events.
type EventKind string

const (
	KindTextDelta   EventKind = "text_delta"
	KindToolRequest EventKind = "tool_request"
	KindDone        EventKind = "done"
	KindError       EventKind = "error"
)

// OutputEvent is one element of a generation stream. TextDelta events are
// append-only; consumers must not assume a count ahead of Done.
type OutputEvent struct {
	Kind     EventKind
	Text     string                 // KindTextDelta
	ToolCall *conversation.ToolCall // KindToolRequest
	Usage    conversation.Usage     // KindDone
	Err      error                  // KindError
}

// Request is one generation request built from a context window.
type Request struct {
	Model       string
	System      string
	Messages    []conversation.Message
	Tools       []conversation.ToolSpec
	MaxTokens   int64
	Temperature float64
}

// Stream is a finite, lazy sequence of output events. Recv returns io.EOF
// after the terminal event. A failed stream is restartable from the same
// request, never resumable mid-stream.
type Stream interface {
	Recv() (OutputEvent, error)
	Close() error
}

// Provider turns a request into a streamed generation.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Stream, error)
}

// Generation error kinds.
const (
	ErrKindStreamInterrupted = "stream_interrupted"
	ErrKindRateLimited       = "rate_limited"
	ErrKindInvalidResponse   = "invalid_response"
)

// GenerationError is a normalized provider failure. StreamInterrupted and
// RateLimited are retryable; InvalidResponse is not.
type GenerationError struct {
	Provider string
	Kind     string
	Err      error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s generation failed (%s): %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s generation failed (%s)", e.Provider, e.Kind)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Retryable reports whether a bounded retry may succeed.
func (e *GenerationError) Retryable() bool {
	return e.Kind == ErrKindStreamInterrupted || e.Kind == ErrKindRateLimited
}

// IsRetryable reports whether err is a retryable generation failure.
func IsRetryable(err error) bool {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Retryable()
	}
	return false
}

// classifyStatus maps an HTTP status to an error kind: 429 is rate
// limiting, 5xx is an interrupted exchange, anything else 4xx means the
// request/response pair is unusable.
func classifyStatus(status int) string {
	switch {
	case status == 429:
		return ErrKindRateLimited
	case status >= 500:
		return ErrKindStreamInterrupted
	default:
		return ErrKindInvalidResponse
	}
}

// classify normalizes an SDK or transport error. Context cancellation is
// passed through untouched so callers can tell an abort from a failure.
func classify(providerName string, status int, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	kind := ErrKindStreamInterrupted
	if status > 0 {
		kind = classifyStatus(status)
	}
	return &GenerationError{Provider: providerName, Kind: kind, Err: err}
}

// ErrUnknownProvider is returned by Registry.New for unregistered names.
var ErrUnknownProvider = errors.New("unknown provider")

// Config carries per-provider credentials and endpoint overrides.
type Config struct {
	APIKey  string
	BaseURL string
}

// Factory constructs a provider from its config.
type Factory func(cfg Config) (Provider, error)

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with every built-in provider.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("anthropic", func(cfg Config) (Provider, error) {
		return NewAnthropicProvider(cfg), nil
	})
	r.Register("openai", func(cfg Config) (Provider, error) {
		return NewOpenAIProvider(cfg), nil
	})
	r.Register("scripted", func(Config) (Provider, error) {
		return NewScriptedProvider(), nil
	})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New constructs the named provider.
func (r *Registry) New(name string, cfg Config) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return f(cfg)
}

// chanStream adapts a producer goroutine's event channel to the Stream
// interface. The producer closes the channel after the terminal event.
type chanStream struct {
	events <-chan OutputEvent
	cancel context.CancelFunc
}

func (s *chanStream) Recv() (OutputEvent, error) {
	ev, ok := <-s.events
	if !ok {
		return OutputEvent{}, io.EOF
	}
	if ev.Kind == KindError {
		return ev, ev.Err
	}
	return ev, nil
}

func (s *chanStream) Close() error {
	s.cancel()
	return nil
}

// emit delivers an event unless the generation context is gone.
func emit(ctx context.Context, ch chan<- OutputEvent, ev OutputEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
