package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jeebsjenkins/agentcore/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return NewRegistry(s), s
}

func TestListAgentToolsIncludesBundled(t *testing.T) {
	r, s := newTestRegistry(t)
	if _, err := s.CreateAgent("researcher", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}

	list, err := r.ListAgentTools("researcher")
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]string)
	for _, ti := range list {
		names[ti.Name] = ti.Source
	}
	for _, want := range []string{"read_file", "write_file", "list_files", "edit_file", "search", "glob", "exec"} {
		if src, ok := names[want]; !ok || src != "bundled" {
			t.Fatalf("expected bundled tool %q, got %+v", want, names)
		}
	}
}

func TestExecuteToolReadWriteRoundTrip(t *testing.T) {
	r, s := newTestRegistry(t)
	if _, err := s.CreateAgent("researcher", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	writeRes, err := r.ExecuteTool(ctx, "researcher", "", "write_file", map[string]interface{}{
		"path":    "notes.txt",
		"content": "hello world",
	}, nil)
	if err != nil {
		t.Fatalf("write_file: %v", err)
	}
	if writeRes.IsError {
		t.Fatalf("write_file returned error result: %+v", writeRes)
	}

	readRes, err := r.ExecuteTool(ctx, "researcher", "", "read_file", map[string]interface{}{
		"path": "notes.txt",
	}, nil)
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if readRes.IsError {
		t.Fatalf("read_file returned error result: %+v", readRes)
	}
	if readRes.Output != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", readRes.Output)
	}
}

func TestExecuteToolUnknownName(t *testing.T) {
	r, s := newTestRegistry(t)
	if _, err := s.CreateAgent("researcher", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ExecuteTool(context.Background(), "researcher", "", "no_such_tool", nil, nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestExecDeniedCommand(t *testing.T) {
	r, s := newTestRegistry(t)
	if _, err := s.CreateAgent("researcher", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}
	res, err := r.ExecuteTool(context.Background(), "researcher", "", "exec", map[string]interface{}{
		"command": "rm -rf /tmp/whatever",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatalf("expected denied command to return an error result, got %+v", res)
	}
}

func TestProjectTierOverridesBundled(t *testing.T) {
	r, s := newTestRegistry(t)
	if _, err := s.CreateAgent("researcher", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}

	projectTools := filepath.Join(s.Root, "tools", "read_file")
	if err := os.MkdirAll(projectTools, 0o755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, projectTools, `{"name": "read_file", "description": "overridden", "run": "run"}`)
	writeRunScript(t, projectTools, "#!/bin/sh\necho '{\"output\": \"overridden output\"}'\n")

	list, err := r.ListAgentTools("researcher")
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, ti := range list {
		if ti.Name == "read_file" {
			found = true
			if ti.Source != "project" {
				t.Fatalf("expected read_file to resolve from project tier, got %q", ti.Source)
			}
		}
	}
	if !found {
		t.Fatal("read_file not found in resolved tool list")
	}

	res, err := r.ExecuteTool(context.Background(), "researcher", "", "read_file", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "overridden output" {
		t.Fatalf("expected overridden output, got %+v", res.Output)
	}
}

func TestAgentTierOverridesParentChain(t *testing.T) {
	r, s := newTestRegistry(t)
	if _, err := s.CreateAgent("teamA/bot1", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}

	parentDir := filepath.Join(s.Root, "teamA", "tools", "greet")
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, parentDir, `{"name": "greet", "description": "parent greeting"}`)
	writeRunScript(t, parentDir, "#!/bin/sh\necho '{\"output\": \"hi from parent\"}'\n")

	agentDir, err := s.GetAgentDir("teamA/bot1")
	if err != nil {
		t.Fatal(err)
	}
	agentToolDir := filepath.Join(agentDir, "tools", "greet")
	if err := os.MkdirAll(agentToolDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, agentToolDir, `{"name": "greet", "description": "agent greeting"}`)
	writeRunScript(t, agentToolDir, "#!/bin/sh\necho '{\"output\": \"hi from agent\"}'\n")

	list, err := r.ListAgentTools("teamA/bot1")
	if err != nil {
		t.Fatal(err)
	}
	var source string
	for _, ti := range list {
		if ti.Name == "greet" {
			source = ti.Source
		}
	}
	if source != "agent" {
		t.Fatalf("expected greet to resolve from agent tier, got %q", source)
	}

	res, err := r.ExecuteTool(context.Background(), "teamA/bot1", "", "greet", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "hi from agent" {
		t.Fatalf("expected agent tier to win, got %+v", res.Output)
	}
}

func TestSecretsInjectedIntoSubprocessNotIntoList(t *testing.T) {
	r, s := newTestRegistry(t)
	if _, err := s.CreateAgent("researcher", store.AgentCreateOpts{}); err != nil {
		t.Fatal(err)
	}

	secretsPath, err := s.SecretsPath("researcher")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(secretsPath, []byte("API_KEY=topsecret\n# comment\n\nBAD_LINE\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	toolDir := filepath.Join(s.Root, "tools", "dump_key")
	if err := os.MkdirAll(toolDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, toolDir, `{"name": "dump_key", "description": "echoes a secret"}`)
	writeRunScript(t, toolDir, "#!/bin/sh\necho '{\"output\": \"'\"$API_KEY\"'\"}'\n")

	list, err := r.ListAgentTools("researcher")
	if err != nil {
		t.Fatal(err)
	}
	for _, ti := range list {
		if ti.Description == "topsecret" || ti.Name == "topsecret" {
			t.Fatalf("secret leaked into tool listing: %+v", ti)
		}
	}

	res, err := r.ExecuteTool(context.Background(), "researcher", "", "dump_key", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "topsecret" {
		t.Fatalf("expected injected secret to reach subprocess, got %+v", res.Output)
	}
}

func writeManifest(t *testing.T, dir, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, manifestFile), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeRunScript(t *testing.T, dir, script string) {
	t.Helper()
	path := filepath.Join(dir, "run")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}
