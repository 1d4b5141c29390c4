package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shawn111/goose/internal/observability"
	"github.com/shawn111/goose/internal/tracing"
	"github.com/shawn111/goose/pkg/conversation"
	"github.com/shawn111/goose/pkg/dispatch"
	"github.com/shawn111/goose/pkg/provider"
	"github.com/shawn111/goose/pkg/session"
	"github.com/shawn111/goose/pkg/stream"
)

// TurnState names a position in the conversation state machine.
type TurnState string

const (
	StateAwaitingInput TurnState = "awaiting_input"
	StateThinking      TurnState = "thinking"
	StateToolPending   TurnState = "tool_pending"
	StateResponding    TurnState = "responding"
	StateFailed        TurnState = "failed"
)

// ErrTurnInFlight is returned by Submit while a turn is already running.
var ErrTurnInFlight = errors.New("a turn is already in flight")

const (
	defaultWindowBudget      = 128000
	defaultMaxRetries        = 3
	defaultMaxToolRounds     = 10
	defaultGenerationTimeout = 2 * time.Minute
)

// Config holds runner configuration.
type Config struct {
	Provider   provider.Provider
	Dispatcher *dispatch.Dispatcher
	Publisher  *stream.Publisher
	Logger     zerolog.Logger

	SystemPrompt string

	// WindowBudget is the token budget for the history window.
	WindowBudget int

	// MaxRetries bounds generation attempts per round.
	MaxRetries int

	// MaxToolRounds bounds generation/dispatch cycles per turn.
	MaxToolRounds int

	// GenerationTimeout bounds a single generation attempt. A timed-out
	// attempt counts as a transient failure and is retried.
	GenerationTimeout time.Duration

	// ParallelTools dispatches a round's tool calls concurrently. The
	// barrier semantics are the same either way.
	ParallelTools bool

	Temperature float64
	MaxTokens   int64
}

// Runner orchestrates turns for a single attached session.
type Runner struct {
	handle     *session.Handle
	provider   provider.Provider
	dispatcher *dispatch.Dispatcher
	publisher  *stream.Publisher
	logger     zerolog.Logger

	systemPrompt  string
	windowBudget  int
	maxRetries    int
	maxToolRounds int
	genTimeout    time.Duration
	parallel      bool
	temperature   float64
	maxTokens     int64

	mu     sync.Mutex
	state  TurnState
	cancel context.CancelFunc
}

// TurnResult summarizes one completed turn.
type TurnResult struct {
	TurnID string
	Status string
	Reply  string
	Usage  conversation.Usage
}

// NewRunner builds a runner bound to an attached session handle. A turn
// left open by a previous run is closed as failed before new input is
// accepted, so the log's turn bookkeeping matches reality.
func NewRunner(h *session.Handle, cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if h == nil {
		return nil, fmt.Errorf("session handle is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	r := &Runner{
		handle:        h,
		provider:      cfg.Provider,
		dispatcher:    cfg.Dispatcher,
		publisher:     cfg.Publisher,
		logger:        cfg.Logger,
		systemPrompt:  cfg.SystemPrompt,
		windowBudget:  cfg.WindowBudget,
		maxRetries:    cfg.MaxRetries,
		maxToolRounds: cfg.MaxToolRounds,
		genTimeout:    cfg.GenerationTimeout,
		parallel:      cfg.ParallelTools,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		state:         StateAwaitingInput,
	}
	if r.windowBudget <= 0 {
		r.windowBudget = defaultWindowBudget
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxRetries
	}
	if r.maxToolRounds <= 0 {
		r.maxToolRounds = defaultMaxToolRounds
	}
	if r.genTimeout <= 0 {
		r.genTimeout = defaultGenerationTimeout
	}

	if open := h.OpenTurn(); open != "" {
		r.logger.Warn().
			Str("session_id", h.ID()).
			Str("turn_id", open).
			Msg("Closing turn interrupted by a previous run")
		completed := session.TurnCompleted{TurnID: open, Status: session.TurnFailed}
		if _, err := h.Append(session.KindTurnCompleted, completed); err != nil {
			return nil, fmt.Errorf("failed to close interrupted turn: %w", err)
		}
	}

	return r, nil
}

// State returns the current position in the state machine.
func (r *Runner) State() TurnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Cancel aborts the in-flight turn, if any. The turn is recorded as
// cancelled once generation and outstanding dispatches unwind.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		r.logger.Info().Str("session_id", r.handle.ID()).Msg("Cancelling in-flight turn")
		cancel()
	}
}

// Submit runs one full turn: it records the user message, generates against
// the current window, dispatches requested tools, and returns once the
// session is back at AwaitingInput. The returned error is reserved for
// infrastructure faults such as the log rejecting appends; everything
// turn-level is reported in the result status and on the event stream.
func (r *Runner) Submit(ctx context.Context, text string) (TurnResult, error) {
	r.mu.Lock()
	if r.state != StateAwaitingInput {
		r.mu.Unlock()
		return TurnResult{}, ErrTurnInFlight
	}
	turnCtx, cancel := context.WithCancel(ctx)
	r.state = StateThinking
	r.cancel = cancel
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.cancel = nil
		r.state = StateAwaitingInput
		r.mu.Unlock()
	}()

	turnCtx = tracing.NewTurnContext(turnCtx, r.handle.ID())
	return r.runTurn(turnCtx, text)
}

func (r *Runner) runTurn(ctx context.Context, text string) (TurnResult, error) {
	turnID := tracing.GetTurnID(ctx)
	logger := tracing.LoggerFromContext(ctx, r.logger)
	start := time.Now()
	var usage conversation.Usage

	if _, err := r.handle.Append(session.KindTurnStarted, session.TurnStarted{TurnID: turnID}); err != nil {
		return TurnResult{}, fmt.Errorf("failed to open turn: %w", err)
	}
	r.publishState(StateThinking, turnID)

	if _, err := r.handle.Append(session.KindMessage, conversation.NewUserMessage(text)); err != nil {
		logger.Error().Err(err).Msg("Failed to persist user message")
		return r.completeTurn(ctx, turnID, session.TurnFailed, "", usage, start), err
	}

	for round := 0; round < r.maxToolRounds; round++ {
		window, err := conversation.BuildWindow(r.systemPrompt, r.handle.History(), r.windowBudget)
		if err != nil {
			logger.Warn().Err(err).Msg("Turn failed: history does not fit the window")
			r.publishError(turnID, "context_overflow", err.Error())
			return r.completeTurn(ctx, turnID, session.TurnFailed, "", usage, start), nil
		}

		msg, genUsage, genErr := r.generate(ctx, window)
		usage.Add(genUsage)
		if genErr != nil {
			if errors.Is(genErr, context.Canceled) || errors.Is(genErr, context.DeadlineExceeded) {
				logger.Info().Msg("Turn cancelled during generation")
				return r.completeTurn(ctx, turnID, session.TurnCancelled, "", usage, start), nil
			}
			logger.Error().Err(genErr).Msg("Turn failed: generation unrecoverable")
			notice := conversation.NewSystemMessage(fmt.Sprintf("generation failed: %v", genErr))
			if _, err := r.handle.Append(session.KindMessage, notice); err != nil {
				logger.Error().Err(err).Msg("Failed to persist failure notice")
			}
			r.publishError(turnID, "generation_failed", genErr.Error())
			return r.completeTurn(ctx, turnID, session.TurnFailed, "", usage, start), nil
		}

		if _, err := r.handle.Append(session.KindMessage, msg); err != nil {
			logger.Error().Err(err).Msg("Failed to persist assistant message")
			return r.completeTurn(ctx, turnID, session.TurnFailed, "", usage, start), err
		}

		if len(msg.ToolCalls) == 0 {
			r.transition(StateResponding, turnID)
			return r.completeTurn(ctx, turnID, session.TurnDone, msg.Content, usage, start), nil
		}

		r.transition(StateToolPending, turnID)
		if err := r.dispatchCalls(ctx, msg.ToolCalls); err != nil {
			logger.Error().Err(err).Msg("Failed to persist tool records")
			return r.completeTurn(ctx, turnID, session.TurnFailed, "", usage, start), err
		}
		if ctx.Err() != nil {
			logger.Info().Msg("Turn cancelled during tool dispatch")
			return r.completeTurn(ctx, turnID, session.TurnCancelled, "", usage, start), nil
		}
		r.transition(StateThinking, turnID)
	}

	logger.Warn().Int("rounds", r.maxToolRounds).Msg("Turn failed: maximum tool rounds exceeded")
	notice := conversation.NewSystemMessage(fmt.Sprintf("turn aborted after %d tool rounds", r.maxToolRounds))
	if _, err := r.handle.Append(session.KindMessage, notice); err != nil {
		logger.Error().Err(err).Msg("Failed to persist failure notice")
	}
	r.publishError(turnID, "tool_rounds_exceeded", fmt.Sprintf("turn aborted after %d tool rounds", r.maxToolRounds))
	return r.completeTurn(ctx, turnID, session.TurnFailed, "", usage, start), nil
}

// dispatchCalls records every requested call, dispatches under the
// configured policy, and records every result. The turn never proceeds on
// a subset: all results are in before this returns.
func (r *Runner) dispatchCalls(ctx context.Context, calls []conversation.ToolCall) error {
	for _, call := range calls {
		if _, err := r.handle.Append(session.KindToolCall, call); err != nil {
			return err
		}
		r.publisher.Publish(r.handle.ID(), stream.EventToolCall, call)
	}

	results := make([]conversation.ToolResult, len(calls))
	if r.parallel && len(calls) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			g.Go(func() error {
				results[i] = r.dispatcher.Invoke(gctx, call)
				return nil
			})
		}
		// Invoke reports failures as results, so Wait is purely the barrier.
		_ = g.Wait()
	} else {
		for i, call := range calls {
			results[i] = r.dispatcher.Invoke(ctx, call)
		}
	}

	// Results are recorded in call order regardless of completion order,
	// so replay sees one deterministic sequence.
	for _, res := range results {
		if _, err := r.handle.Append(session.KindToolResult, res); err != nil {
			return err
		}
		r.publisher.Publish(r.handle.ID(), stream.EventToolResult, res)
	}
	return nil
}

// completeTurn records turn.completed and emits the done frame. The frame
// follows the durable record, so a client that saw it can rely on the turn
// surviving a crash.
func (r *Runner) completeTurn(ctx context.Context, turnID, status, reply string, usage conversation.Usage, start time.Time) TurnResult {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	completed := session.TurnCompleted{TurnID: turnID, Status: status, Usage: usage}
	if _, err := r.handle.Append(session.KindTurnCompleted, completed); err != nil {
		logger.Error().Err(err).Msg("Failed to record turn completion")
		r.publishError(turnID, "io_failure", err.Error())
	} else {
		r.publisher.Publish(r.handle.ID(), stream.EventTurnDone, map[string]interface{}{
			"turn_id": turnID,
			"status":  status,
			"usage":   usage,
		})
	}

	observability.RecordTurn(r.provider.Name(), status, time.Since(start))
	observability.RecordSessionAudit(ctx, r.handle.ID(), "turn_completed", status, map[string]interface{}{
		"turn_id": turnID,
	})

	if status == session.TurnFailed {
		r.transition(StateFailed, turnID)
	}
	r.transition(StateAwaitingInput, turnID)

	logger.Info().
		Str("status", status).
		Dur("duration", time.Since(start)).
		Int64("input_tokens", usage.InputTokens).
		Int64("output_tokens", usage.OutputTokens).
		Msg("Turn completed")

	return TurnResult{TurnID: turnID, Status: status, Reply: reply, Usage: usage}
}

func (r *Runner) transition(st TurnState, turnID string) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
	r.publishState(st, turnID)
}

func (r *Runner) publishState(st TurnState, turnID string) {
	r.publisher.Publish(r.handle.ID(), stream.EventState, map[string]interface{}{
		"state":   string(st),
		"turn_id": turnID,
	})
}

func (r *Runner) publishError(turnID, kind, message string) {
	r.publisher.Publish(r.handle.ID(), stream.EventError, map[string]interface{}{
		"turn_id": turnID,
		"kind":    kind,
		"message": message,
	})
}
