package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawn111/goose/pkg/conversation"
)

// drainStream consumes a stream to completion, returning the events seen
// before the terminal error (io.EOF for clean streams).
func drainStream(t *testing.T, s Stream) ([]OutputEvent, error) {
	t.Helper()
	var events []OutputEvent
	for i := 0; i < 1000; i++ {
		ev, err := s.Recv()
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	t.Fatal("stream did not terminate")
	return nil, nil
}

func joinDeltas(events []OutputEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Kind == KindTextDelta {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

func TestScriptedProvider_EchoDefault(t *testing.T) {
	p := NewScriptedProvider()

	stream, err := p.Generate(context.Background(), Request{
		Model:    "test-model",
		Messages: []conversation.Message{conversation.NewUserMessage("hello")},
	})
	require.NoError(t, err)
	defer stream.Close()

	events, err := drainStream(t, stream)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "echo: hello", joinDeltas(events))

	last := events[len(events)-1]
	assert.Equal(t, KindDone, last.Kind)
}

func TestScriptedProvider_PlaysStepsInOrder(t *testing.T) {
	p := NewScriptedProvider(
		ScriptStep{Text: "first"},
		ScriptStep{Text: "second"},
	)

	for _, want := range []string{"first", "second"} {
		stream, err := p.Generate(context.Background(), Request{Model: "test-model"})
		require.NoError(t, err)
		events, err := drainStream(t, stream)
		assert.Equal(t, io.EOF, err)
		assert.Equal(t, want, joinDeltas(events))
		stream.Close()
	}
	assert.Equal(t, 2, p.Generations())
}

func TestScriptedProvider_RepeatsLastStepPastEnd(t *testing.T) {
	p := NewScriptedProvider(ScriptStep{Text: "only"})

	for i := 0; i < 3; i++ {
		stream, err := p.Generate(context.Background(), Request{Model: "test-model"})
		require.NoError(t, err)
		events, err := drainStream(t, stream)
		assert.Equal(t, io.EOF, err)
		assert.Equal(t, "only", joinDeltas(events))
		stream.Close()
	}
	assert.Equal(t, 3, p.Generations())
}

func TestScriptedProvider_EmitsToolRequests(t *testing.T) {
	p := NewScriptedProvider(ScriptStep{
		Text: "let me check ",
		ToolCalls: []conversation.ToolCall{
			{ID: "call-1", Name: "read_file", Arguments: map[string]interface{}{"path": "/tmp/x"}},
		},
		Usage: conversation.Usage{InputTokens: 12, OutputTokens: 7},
	})

	stream, err := p.Generate(context.Background(), Request{Model: "test-model"})
	require.NoError(t, err)
	defer stream.Close()

	events, err := drainStream(t, stream)
	assert.Equal(t, io.EOF, err)

	var calls []*conversation.ToolCall
	for _, ev := range events {
		if ev.Kind == KindToolRequest {
			calls = append(calls, ev.ToolCall)
		}
	}
	require.Len(t, calls, 1)
	assert.Equal(t, "call-1", calls[0].ID)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.Equal(t, "/tmp/x", calls[0].Arguments["path"])

	last := events[len(events)-1]
	require.Equal(t, KindDone, last.Kind)
	assert.Equal(t, int64(12), last.Usage.InputTokens)
	assert.Equal(t, int64(7), last.Usage.OutputTokens)
}

func TestScriptedProvider_MidStreamErrorAfterDeltas(t *testing.T) {
	genErr := &GenerationError{Provider: "scripted", Kind: ErrKindStreamInterrupted, Err: errors.New("connection reset")}
	p := NewScriptedProvider(ScriptStep{Text: "partial answer ", Err: genErr})

	stream, err := p.Generate(context.Background(), Request{Model: "test-model"})
	require.NoError(t, err)
	defer stream.Close()

	var deltas string
	var terminal error
	for {
		ev, err := stream.Recv()
		if err != nil {
			terminal = err
			if err == io.EOF {
				break
			}
			assert.Equal(t, KindError, ev.Kind)
			break
		}
		if ev.Kind == KindTextDelta {
			deltas += ev.Text
		}
	}
	assert.Equal(t, "partial answer ", deltas)
	assert.True(t, IsRetryable(terminal))

	// After the error event the stream is exhausted.
	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestScriptedProvider_CloseAbortsProducer(t *testing.T) {
	longText := strings.Repeat("word ", 200)
	p := NewScriptedProvider(ScriptStep{Text: longText})

	stream, err := p.Generate(context.Background(), Request{Model: "test-model"})
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	events, err := drainStream(t, stream)
	assert.Equal(t, io.EOF, err)
	assert.Less(t, len(events), 200)
}

func TestScriptedProvider_RestartYieldsNextGeneration(t *testing.T) {
	p := NewScriptedProvider(
		ScriptStep{Text: "doomed", Err: &GenerationError{Provider: "scripted", Kind: ErrKindStreamInterrupted}},
		ScriptStep{Text: "recovered"},
	)

	stream, err := p.Generate(context.Background(), Request{Model: "test-model"})
	require.NoError(t, err)
	_, err = drainStream(t, stream)
	require.NotEqual(t, io.EOF, err)
	stream.Close()

	stream, err = p.Generate(context.Background(), Request{Model: "test-model"})
	require.NoError(t, err)
	events, err := drainStream(t, stream)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "recovered", joinDeltas(events))
	stream.Close()
}
