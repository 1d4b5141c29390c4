package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/shawn111/goose/pkg/conversation"
)

// JSON-RPC 2.0 envelopes shared by the http and stdio endpoints.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcToolList struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

// HTTPEndpoint speaks JSON-RPC 2.0 over HTTP POST. The request deadline
// comes from the caller's context.
type HTTPEndpoint struct {
	name   string
	url    string
	client *http.Client
	nextID atomic.Int64
}

// NewHTTPEndpoint builds an endpoint posting to url.
func NewHTTPEndpoint(name, url string) *HTTPEndpoint {
	return &HTTPEndpoint{name: name, url: url, client: &http.Client{}}
}

func (e *HTTPEndpoint) Name() string { return e.name }

func (e *HTTPEndpoint) Describe(ctx context.Context) ([]conversation.ToolSpec, error) {
	result, err := e.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return parseToolList(result)
}

func (e *HTTPEndpoint) Call(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
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

func (e *HTTPEndpoint) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func (e *HTTPEndpoint) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      e.nextID.Add(1),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, unavailable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unavailable(fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, invalidResponse(err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("tool endpoint error (%d): %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if len(rpcResp.Result) == 0 {
		return nil, invalidResponse(errors.New("response carries neither result nor error"))
	}
	return rpcResp.Result, nil
}

func parseToolList(result json.RawMessage) ([]conversation.ToolSpec, error) {
	var list rpcToolList
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, invalidResponse(err)
	}

	specs := make([]conversation.ToolSpec, 0, len(list.Tools))
	for _, tool := range list.Tools {
		spec := conversation.ToolSpec{Name: tool.Name, Description: tool.Description}
		if len(tool.InputSchema) > 0 {
			var schema map[string]interface{}
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, invalidResponse(fmt.Errorf("tool %s schema: %w", tool.Name, err))
			}
			spec.InputSchema = schema
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
