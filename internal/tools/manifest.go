package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/titanous/json5"
)

const (
	manifestFile    = "tool.json"
	defaultRunEntry = "run"
)

// manifest is the tool.json document describing one file-discovered tool.
type manifest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	Run         string                 `json:"run"` // executable path, relative to the tool's own directory; defaults to "run"
}

// fileTool is a tool discovered on disk: a directory containing tool.json
// plus an executable. Execution marshals input as JSON on stdin and expects
// a JSON `{output, isError}` document (or plain text) on stdout — a
// polymorphic describe/execute tool shape implemented as a subprocess
// boundary rather than dynamic code loading, so discovery is a file scan at
// startup (with hot-reload) and never a dynamic require of foreign code.
type fileTool struct {
	dir string
	m   manifest
}

func loadFileTool(dir string) (*fileTool, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json5.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("tools: parse %s: %w", filepath.Join(dir, manifestFile), err)
	}
	if m.Name == "" {
		m.Name = filepath.Base(dir)
	}
	if m.Run == "" {
		m.Run = defaultRunEntry
	}
	return &fileTool{dir: dir, m: m}, nil
}

func (t *fileTool) Name() string        { return t.m.Name }
func (t *fileTool) Description() string { return t.m.Description }
func (t *fileTool) Schema() map[string]interface{} {
	if t.m.InputSchema != nil {
		return t.m.InputSchema
	}
	return map[string]interface{}{"type": "object"}
}

func (t *fileTool) Execute(ctx context.Context, input map[string]interface{}, ectx *ExecContext) (*Result, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	runPath := t.m.Run
	if !filepath.IsAbs(runPath) {
		runPath = filepath.Join(t.dir, runPath)
	}

	cmd := exec.CommandContext(ctx, runPath)
	cmd.Dir = t.dir
	cmd.Stdin = bytes.NewReader(payload)
	if ectx != nil {
		cmd.Env = append(os.Environ(),
			"AGENTCORE_AGENT_ID="+ectx.AgentID,
			"AGENTCORE_SESSION_ID="+ectx.SessionID,
			"AGENTCORE_PROJECT_ROOT="+ectx.ProjectRoot,
		)
		for k, v := range ectx.Secrets {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return ErrorResult(msg), nil
	}

	var structured struct {
		Output  interface{} `json:"output"`
		IsError bool        `json:"isError"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &structured); err == nil && structured.Output != nil {
		return &Result{Output: structured.Output, IsError: structured.IsError}, nil
	}
	return NewResult(stdout.String()), nil
}

// discoverFileTools scans dir's immediate subdirectories for tool.json
// manifests, skipping any that fail to parse (a malformed tool under one
// tier must not take down the whole registry).
func discoverFileTools(dir string) []Tool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []Tool
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		toolDir := filepath.Join(dir, e.Name())
		ft, err := loadFileTool(toolDir)
		if err != nil {
			continue
		}
		out = append(out, ft)
	}
	return out
}
