package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// bundledFSTools returns the compiled-in filesystem tier: read/write/list/
// edit/search/glob, all confined to the session's workspace directory via
// resolvePath's symlink/hardlink-safe resolution.
func bundledFSTools() []Tool {
	return []Tool{
		&readFileTool{},
		&writeFileTool{},
		&listFilesTool{},
		&editFileTool{},
		&searchTool{},
		&globTool{},
	}
}

func workspaceOf(ectx *ExecContext) string {
	if ectx == nil {
		return "."
	}
	return ectx.ProjectRoot
}

type readFileTool struct{}

func (readFileTool) Name() string        { return "read_file" }
func (readFileTool) Description() string { return "Read the contents of a file" }
func (readFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		"required":   []string{"path"},
	}
}

func (readFileTool) Execute(ctx context.Context, input map[string]interface{}, ectx *ExecContext) (*Result, error) {
	path, _ := input["path"].(string)
	if path == "" {
		return ErrorResult("path is required"), nil
	}
	resolved, err := resolvePath(path, workspaceOf(ectx), true)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return NewResult(string(data)), nil
}

type writeFileTool struct{}

func (writeFileTool) Name() string        { return "write_file" }
func (writeFileTool) Description() string { return "Write content to a file, creating parent directories as needed" }
func (writeFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string"},
			"content": map[string]interface{}{"type": "string"},
		},
		"required": []string{"path", "content"},
	}
}

func (writeFileTool) Execute(ctx context.Context, input map[string]interface{}, ectx *ExecContext) (*Result, error) {
	path, _ := input["path"].(string)
	content, _ := input["content"].(string)
	if path == "" {
		return ErrorResult("path is required"), nil
	}
	resolved, err := resolvePath(path, workspaceOf(ectx), true)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(err.Error()), nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(err.Error()), nil
	}
	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

type listFilesTool struct{}

func (listFilesTool) Name() string        { return "list_files" }
func (listFilesTool) Description() string { return "List files and directories under a path" }
func (listFilesTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
	}
}

func (listFilesTool) Execute(ctx context.Context, input map[string]interface{}, ectx *ExecContext) (*Result, error) {
	path, _ := input["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(path, workspaceOf(ectx), true)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return NewResult(strings.Join(names, "\n")), nil
}

type editFileTool struct{}

func (editFileTool) Name() string        { return "edit_file" }
func (editFileTool) Description() string { return "Replace the first occurrence of old_text with new_text in a file" }
func (editFileTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":     map[string]interface{}{"type": "string"},
			"old_text": map[string]interface{}{"type": "string"},
			"new_text": map[string]interface{}{"type": "string"},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (editFileTool) Execute(ctx context.Context, input map[string]interface{}, ectx *ExecContext) (*Result, error) {
	path, _ := input["path"].(string)
	oldText, _ := input["old_text"].(string)
	newText, _ := input["new_text"].(string)
	if path == "" || oldText == "" {
		return ErrorResult("path and old_text are required"), nil
	}
	resolved, err := resolvePath(path, workspaceOf(ectx), true)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	content := string(data)
	if !strings.Contains(content, oldText) {
		return ErrorResult("old_text not found in file"), nil
	}
	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return ErrorResult(err.Error()), nil
	}
	return NewResult("edit applied"), nil
}

type searchTool struct{}

func (searchTool) Name() string        { return "search" }
func (searchTool) Description() string { return "Search for a substring across files under a path" }
func (searchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":  map[string]interface{}{"type": "string"},
			"query": map[string]interface{}{"type": "string"},
		},
		"required": []string{"query"},
	}
}

func (searchTool) Execute(ctx context.Context, input map[string]interface{}, ectx *ExecContext) (*Result, error) {
	path, _ := input["path"].(string)
	query, _ := input["query"].(string)
	if query == "" {
		return ErrorResult("query is required"), nil
	}
	if path == "" {
		path = "."
	}
	root, err := resolvePath(path, workspaceOf(ectx), true)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}

	var matches []string
	err = filepath.WalkDir(root, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				rel, _ := filepath.Rel(root, p)
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
			}
		}
		return nil
	})
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if len(matches) == 0 {
		return NewResult("no matches"), nil
	}
	return NewResult(strings.Join(matches, "\n")), nil
}

type globTool struct{}

func (globTool) Name() string        { return "glob" }
func (globTool) Description() string { return "Expand a glob pattern relative to a path" }
func (globTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string"},
			"pattern": map[string]interface{}{"type": "string"},
		},
		"required": []string{"pattern"},
	}
}

func (globTool) Execute(ctx context.Context, input map[string]interface{}, ectx *ExecContext) (*Result, error) {
	path, _ := input["path"].(string)
	pattern, _ := input["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required"), nil
	}
	if path == "" {
		path = "."
	}
	root, err := resolvePath(path, workspaceOf(ectx), true)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	matches, err := filepath.Glob(filepath.Join(root, pattern))
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	rels := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, _ := filepath.Rel(root, m)
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	return NewResult(strings.Join(rels, "\n")), nil
}
