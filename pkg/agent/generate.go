package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shawn111/goose/internal/observability"
	"github.com/shawn111/goose/internal/tracing"
	"github.com/shawn111/goose/pkg/conversation"
	"github.com/shawn111/goose/pkg/provider"
	"github.com/shawn111/goose/pkg/stream"
)

// generate runs one generation against the window, retrying transient
// provider failures with exponential backoff. Each attempt restarts the
// stream from the same window; a restarted attempt re-emits its text deltas.
func (r *Runner) generate(ctx context.Context, window conversation.Window) (conversation.Message, conversation.Usage, error) {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	req := provider.Request{
		Model:       r.handle.Meta().Model,
		System:      window.System,
		Messages:    window.Messages,
		Tools:       r.dispatcher.Specs(),
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	}

	var total conversation.Usage
	var lastErr error

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		attemptStart := time.Now()
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, r.genTimeout)
		msg, usage, err := r.consumeStream(attemptCtx, req)
		cancelAttempt()
		total.Add(usage)

		if err == nil {
			observability.RecordGeneration(r.provider.Name(), "success", time.Since(attemptStart))
			return msg, total, nil
		}
		observability.RecordGeneration(r.provider.Name(), "error", time.Since(attemptStart))

		// A stalled attempt hit its own deadline; only the caller's
		// cancellation ends the turn.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &provider.GenerationError{
				Provider: r.provider.Name(),
				Kind:     provider.ErrKindStreamInterrupted,
				Err:      err,
			}
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return conversation.Message{}, total, err
		}
		if !provider.IsRetryable(err) {
			return conversation.Message{}, total, err
		}
		if attempt == r.maxRetries-1 {
			break
		}

		delayMs := 1000 * (1 << attempt)
		observability.RecordGenerationRetry(r.provider.Name())
		logger.Info().
			Int("attempt", attempt+1).
			Int("delayMs", delayMs).
			Msg("Retrying generation after error")

		select {
		case <-ctx.Done():
			return conversation.Message{}, total, ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
		}
	}

	return conversation.Message{}, total, fmt.Errorf("max retries (%d) exceeded: %w", r.maxRetries, lastErr)
}

// consumeStream drains one generation stream, publishing text deltas as
// they arrive and accumulating the assistant message. The message is only
// returned once the stream reports completion.
func (r *Runner) consumeStream(ctx context.Context, req provider.Request) (conversation.Message, conversation.Usage, error) {
	var usage conversation.Usage

	s, err := r.provider.Generate(ctx, req)
	if err != nil {
		return conversation.Message{}, usage, err
	}
	defer s.Close()

	turnID := tracing.GetTurnID(ctx)
	var text strings.Builder
	var calls []conversation.ToolCall
	done := false

	for !done {
		ev, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return conversation.Message{}, usage, err
		}

		switch ev.Kind {
		case provider.KindTextDelta:
			text.WriteString(ev.Text)
			r.publisher.Publish(r.handle.ID(), stream.EventTextDelta, map[string]interface{}{
				"turn_id": turnID,
				"text":    ev.Text,
			})
		case provider.KindToolRequest:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
		case provider.KindDone:
			usage = ev.Usage
			done = true
		}
	}

	if !done {
		if ctx.Err() != nil {
			return conversation.Message{}, usage, ctx.Err()
		}
		return conversation.Message{}, usage, &provider.GenerationError{
			Provider: r.provider.Name(),
			Kind:     provider.ErrKindStreamInterrupted,
			Err:      fmt.Errorf("stream ended without completing"),
		}
	}

	return conversation.NewAssistantMessage(text.String(), calls), usage, nil
}
