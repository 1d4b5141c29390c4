package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/shawn111/goose/pkg/conversation"
)

const rpcProtocolVersion = "2024-11-05"

// StdioEndpoint runs a tool server as a subprocess speaking JSON-RPC 2.0
// over stdin/stdout, with an initialize handshake before first use. The
// process lives until Close; call deadlines come from the caller's context.
type StdioEndpoint struct {
	name    string
	command string
	args    []string

	mu      sync.Mutex
	process *exec.Cmd
	stdin   io.WriteCloser
	closed  bool
	nextID  int
	pending map[int]chan *rpcResponse
}

// NewStdioEndpoint builds an endpoint that will spawn command on first use.
func NewStdioEndpoint(name, command string, args []string) *StdioEndpoint {
	return &StdioEndpoint{
		name:    name,
		command: command,
		args:    args,
		pending: make(map[int]chan *rpcResponse),
	}
}

func (e *StdioEndpoint) Name() string { return e.name }

func (e *StdioEndpoint) Describe(ctx context.Context) ([]conversation.ToolSpec, error) {
	if err := e.start(ctx); err != nil {
		return nil, err
	}
	result, err := e.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return parseToolList(result)
}

func (e *StdioEndpoint) Call(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	if err := e.start(ctx); err != nil {
		return nil, err
	}
	result, err := e.call(ctx, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, invalidResponse(err)
	}
	return payload, nil
}

// Close kills the subprocess and marks the endpoint unusable. Outstanding
// and subsequent calls fail as unavailable.
func (e *StdioEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	if e.process != nil && e.process.Process != nil {
		return e.process.Process.Kill()
	}
	return nil
}

// start spawns the subprocess once and performs the handshake. The process
// is not bound to ctx: it outlives the call that started it.
func (e *StdioEndpoint) start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return unavailable(fmt.Errorf("endpoint %s is closed", e.name))
	}
	if e.process != nil {
		e.mu.Unlock()
		return nil
	}

	cmd := exec.Command(e.command, e.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		e.mu.Unlock()
		return unavailable(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.mu.Unlock()
		return unavailable(err)
	}
	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		return unavailable(err)
	}

	e.process = cmd
	e.stdin = stdin
	e.mu.Unlock()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	go e.listen(scanner)

	params := map[string]interface{}{
		"protocolVersion": rpcProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "goosed",
			"version": "0.1.0",
		},
	}
	if _, err := e.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("endpoint %s handshake: %w", e.name, err)
	}
	return nil
}

// listen routes responses to their pending calls until stdout closes, then
// fails whatever is still waiting.
func (e *StdioEndpoint) listen(scanner *bufio.Scanner) {
	for scanner.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			log.Error().Err(err).Str("endpoint", e.name).Msg("Failed to unmarshal endpoint response")
			continue
		}
		id, ok := resp.ID.(float64)
		if !ok {
			continue
		}
		e.mu.Lock()
		ch, exists := e.pending[int(id)]
		if exists {
			delete(e.pending, int(id))
			ch <- &resp
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	for id, ch := range e.pending {
		delete(e.pending, id)
		ch <- nil
	}
	e.mu.Unlock()

	e.mu.Lock()
	proc := e.process
	e.mu.Unlock()
	if proc != nil {
		if err := proc.Wait(); err != nil {
			log.Debug().Err(err).Str("endpoint", e.name).Msg("Endpoint process exited")
		}
	}
}

func (e *StdioEndpoint) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	ch := make(chan *rpcResponse, 1)
	e.pending[id] = ch
	stdin := e.stdin
	e.mu.Unlock()

	data, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return nil, err
	}

	if _, err := io.WriteString(stdin, string(data)+"\n"); err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, unavailable(err)
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, unavailable(fmt.Errorf("endpoint %s closed the stream", e.name))
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("tool endpoint error (%d): %s", resp.Error.Code, resp.Error.Message)
		}
		if len(resp.Result) == 0 {
			return nil, invalidResponse(fmt.Errorf("response carries neither result nor error"))
		}
		return resp.Result, nil
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, ctx.Err()
	}
}
