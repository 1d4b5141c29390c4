package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shawn111/goose/pkg/conversation"
)

const defaultReadLimit = 200000

// Handler executes one builtin tool in-process.
type Handler func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

type builtinTool struct {
	spec    conversation.ToolSpec
	handler Handler
}

// BuiltinEndpoint serves in-process tools. File tools are confined to the
// configured root directory.
type BuiltinEndpoint struct {
	root  string
	tools []builtinTool
}

// NewBuiltinEndpoint returns an endpoint with the baseline tool set:
// echo, read_file and list_dir rooted at root.
func NewBuiltinEndpoint(root string) *BuiltinEndpoint {
	ep := &BuiltinEndpoint{root: filepath.Clean(root)}
	ep.AddTool(echoSpec(), echoHandler)
	ep.AddTool(readFileSpec(), ep.readFileHandler)
	ep.AddTool(listDirSpec(), ep.listDirHandler)
	return ep
}

// AddTool registers an additional in-process tool.
func (e *BuiltinEndpoint) AddTool(spec conversation.ToolSpec, handler Handler) {
	e.tools = append(e.tools, builtinTool{spec: spec, handler: handler})
}

func (e *BuiltinEndpoint) Name() string { return "builtin" }

func (e *BuiltinEndpoint) Describe(ctx context.Context) ([]conversation.ToolSpec, error) {
	specs := make([]conversation.ToolSpec, len(e.tools))
	for i, tool := range e.tools {
		specs[i] = tool.spec
	}
	return specs, nil
}

// Call runs the handler in its own goroutine so a stuck tool cannot outlive
// the call deadline.
func (e *BuiltinEndpoint) Call(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	var handler Handler
	for _, t := range e.tools {
		if t.spec.Name == tool {
			handler = t.handler
			break
		}
	}
	if handler == nil {
		return nil, fmt.Errorf("builtin tool not found: %s", tool)
	}

	resultChan := make(chan map[string]interface{}, 1)
	errChan := make(chan error, 1)
	go func() {
		payload, err := handler(ctx, args)
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- payload
	}()

	select {
	case payload := <-resultChan:
		return payload, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *BuiltinEndpoint) Close() error { return nil }

func echoSpec() conversation.ToolSpec {
	return conversation.ToolSpec{
		Name:        "echo",
		Description: "Echo the given text back.",
		InputSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "Text to echo",
				},
			},
			"required": []string{"text"},
		},
	}
}

func echoHandler(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	text, _ := args["text"].(string)
	return map[string]interface{}{"text": text}, nil
}

func readFileSpec() conversation.ToolSpec {
	return conversation.ToolSpec{
		Name:        "read_file",
		Description: "Read a file relative to the session working directory.",
		InputSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Relative file path",
				},
				"max_bytes": map[string]interface{}{
					"type":        "number",
					"description": "Maximum bytes to read (default 200000)",
				},
			},
			"required": []string{"path"},
		},
	}
}

func (e *BuiltinEndpoint) readFileHandler(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	pathValue, _ := args["path"].(string)
	target, err := resolvePathInRoot(e.root, pathValue)
	if err != nil {
		return nil, err
	}

	maxBytes := int64(defaultReadLimit)
	if raw, ok := args["max_bytes"].(float64); ok && raw > 0 {
		maxBytes = int64(raw)
	}

	data, truncated, err := readFileWithLimit(target, maxBytes)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"path":      pathValue,
		"content":   string(data),
		"truncated": truncated,
		"bytes":     len(data),
	}, nil
}

func listDirSpec() conversation.ToolSpec {
	return conversation.ToolSpec{
		Name:        "list_dir",
		Description: "List a directory relative to the session working directory.",
		InputSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Relative directory path (default the root)",
				},
			},
		},
	}
}

func (e *BuiltinEndpoint) listDirHandler(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	pathValue, _ := args["path"].(string)
	target := e.root
	if strings.TrimSpace(pathValue) != "" {
		resolved, err := resolvePathInRoot(e.root, pathValue)
		if err != nil {
			return nil, err
		}
		target = resolved
	}

	dirEntries, err := os.ReadDir(target)
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]interface{}, 0, len(dirEntries))
	for _, entry := range dirEntries {
		kind := "file"
		if entry.IsDir() {
			kind = "dir"
		}
		item := map[string]interface{}{"name": entry.Name(), "type": kind}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			item["size"] = info.Size()
		}
		entries = append(entries, item)
	}
	return map[string]interface{}{"path": pathValue, "entries": entries}, nil
}

// resolvePathInRoot joins a relative path against the root and rejects
// anything that escapes it.
func resolvePathInRoot(root, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the working directory", pathValue)
	}
	return candidate, nil
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if limit <= 0 {
		limit = defaultReadLimit
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}

	truncated := false
	extra := make([]byte, 1)
	if _, err := file.Read(extra); err == nil {
		truncated = true
	}
	return buf.Bytes(), truncated, nil
}
