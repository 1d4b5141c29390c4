package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shawn111/goose/pkg/conversation"
)

// ScriptStep describes one generation of a scripted provider. Err, when
// set, is emitted after the text deltas to simulate a mid-stream failure.
type ScriptStep struct {
	Text      string
	ToolCalls []conversation.ToolCall
	Usage     conversation.Usage
	Err       error
}

// ScriptedProvider replays a fixed script of generations. It serves
// offline runs and tests: no network, deterministic output, word-level
// text deltas.
type ScriptedProvider struct {
	mu          sync.Mutex
	steps       []ScriptStep
	generations int
}

// NewScriptedProvider builds a provider that plays the given steps in
// order, one per Generate call. With no steps it echoes the newest user
// message.
func NewScriptedProvider(steps ...ScriptStep) *ScriptedProvider {
	return &ScriptedProvider{steps: steps}
}

func (p *ScriptedProvider) Name() string { return "scripted" }

// Generations reports how many times Generate has been called.
func (p *ScriptedProvider) Generations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generations
}

func (p *ScriptedProvider) Generate(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	step := p.stepFor(p.generations, req)
	p.generations++
	p.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	events := make(chan OutputEvent, 16)
	go play(streamCtx, step, events)
	return &chanStream{events: events, cancel: cancel}, nil
}

// stepFor picks the script step for the nth generation. Past the end of
// the script the last step repeats.
func (p *ScriptedProvider) stepFor(n int, req Request) ScriptStep {
	if len(p.steps) == 0 {
		return ScriptStep{Text: echoReply(req)}
	}
	if n >= len(p.steps) {
		n = len(p.steps) - 1
	}
	return p.steps[n]
}

func echoReply(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == conversation.RoleUser {
			return fmt.Sprintf("echo: %s", req.Messages[i].Content)
		}
	}
	return "echo:"
}

func play(ctx context.Context, step ScriptStep, events chan<- OutputEvent) {
	defer close(events)

	for _, word := range splitWords(step.Text) {
		if !emit(ctx, events, OutputEvent{Kind: KindTextDelta, Text: word}) {
			return
		}
	}
	if step.Err != nil {
		emit(ctx, events, OutputEvent{Kind: KindError, Err: step.Err})
		return
	}
	for i := range step.ToolCalls {
		call := step.ToolCalls[i]
		if !emit(ctx, events, OutputEvent{Kind: KindToolRequest, ToolCall: &call}) {
			return
		}
	}
	emit(ctx, events, OutputEvent{Kind: KindDone, Usage: step.Usage})
}

// splitWords keeps the separator with each word so deltas concatenate
// back to the original text.
func splitWords(s string) []string {
	if s == "" {
		return nil
	}
	return strings.SplitAfter(s, " ")
}
