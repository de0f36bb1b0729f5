package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/automatiq/automat/pkg/decision"
	"github.com/automatiq/automat/pkg/harness"
)

const maxReadBytes = 64 * 1024

// Writer produces and edits documents inside a confined workspace
// directory. Paths outside the workspace are rejected.
type Writer struct {
	workspace string
	logger    zerolog.Logger
}

func NewWriter(workspace string, logger zerolog.Logger) *Writer {
	return &Writer{
		workspace: workspace,
		logger:    logger.With().Str("adapter", KindWriter).Logger(),
	}
}

func (w *Writer) RoleName() string { return KindWriter }

func (w *Writer) ShouldDefer(string) bool { return false }

func (w *Writer) Catalog() []decision.ToolSpec {
	pathProp := map[string]interface{}{
		"type":        "string",
		"description": "Path relative to the workspace",
	}
	return []decision.ToolSpec{
		{
			Name:        "write_file",
			Description: "Create or overwrite a file in the workspace.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":    pathProp,
					"content": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"path", "content"},
			},
		},
		{
			Name:        "read_file",
			Description: "Read a file from the workspace.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProp,
				},
				"required": []interface{}{"path"},
			},
		},
		{
			Name:        "append_file",
			Description: "Append content to a file in the workspace, creating it if absent.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":    pathProp,
					"content": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"path", "content"},
			},
		},
		{
			Name:        "list_files",
			Description: "List files under a workspace directory.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProp,
				},
			},
		},
	}
}

func (w *Writer) ExecuteTool(_ context.Context, call decision.ToolCall) harness.ToolResult {
	res := harness.ToolResult{CallID: call.ID, Name: call.Name}

	switch call.Name {
	case "write_file":
		return w.writeFile(call, false)
	case "append_file":
		return w.writeFile(call, true)
	case "read_file":
		return w.readFile(call)
	case "list_files":
		return w.listFiles(call)
	default:
		res.Error = fmt.Sprintf("unknown tool: %s", call.Name)
		return res
	}
}

func (w *Writer) writeFile(call decision.ToolCall, appendMode bool) harness.ToolResult {
	res := harness.ToolResult{CallID: call.ID, Name: call.Name}

	relPath, _ := call.Args["path"].(string)
	content, _ := call.Args["content"].(string)
	path, err := w.resolve(relPath)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		res.Error = err.Error()
		return res
	}

	if appendMode {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			res.Error = err.Error()
			return res
		}
	} else if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		res.Error = err.Error()
		return res
	}

	w.logger.Debug().Str("path", relPath).Int("bytes", len(content)).Bool("append", appendMode).Msg("file written")
	res.Output = fmt.Sprintf("wrote %d bytes to %s", len(content), relPath)
	res.Success = true
	return res
}

func (w *Writer) readFile(call decision.ToolCall) harness.ToolResult {
	res := harness.ToolResult{CallID: call.ID, Name: call.Name}

	relPath, _ := call.Args["path"].(string)
	path, err := w.resolve(relPath)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	data, err := os.ReadFile(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if len(data) > maxReadBytes {
		data = append(data[:maxReadBytes], []byte("\n... (truncated)")...)
	}
	res.Output = string(data)
	res.Success = true
	return res
}

func (w *Writer) listFiles(call decision.ToolCall) harness.ToolResult {
	res := harness.ToolResult{CallID: call.ID, Name: call.Name}

	relPath, _ := call.Args["path"].(string)
	if relPath == "" {
		relPath = "."
	}
	path, err := w.resolve(relPath)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	res.Output = strings.Join(names, "\n")
	res.Success = true
	return res
}

// resolve maps a workspace-relative path to an absolute one, rejecting
// escapes.
func (w *Writer) resolve(relPath string) (string, error) {
	if strings.TrimSpace(relPath) == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("path must be workspace-relative: %s", relPath)
	}
	cleaned := filepath.Clean(relPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", relPath)
	}
	return filepath.Join(w.workspace, cleaned), nil
}
