package llmcli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeCLI writes a shell script standing in for the real LLM-CLI binary: it
// ignores its arguments and prints the given lines to stdout.
func fakeCLI(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-claude.sh")
	script := "#!/bin/sh\n"
	for _, l := range lines {
		script += "printf '%s\\n' '" + l + "'\n"
	}
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunNormalizesEventKinds(t *testing.T) {
	bin := fakeCLI(t,
		`{"type":"thinking","thinking":"pondering"}`,
		`{"type":"text","text":"hello"}`,
		`{"type":"tool_use","name":"read_file"}`,
		`not json at all`,
	)

	var kinds []EventKind
	res, err := Run(context.Background(), Options{Binary: bin, Prompt: "go"}, func(e Event) {
		kinds = append(kinds, e.Kind)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []EventKind{EventThinking, EventText, EventToolUse, EventText}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
	if res.DurationMs < 0 {
		t.Fatalf("unexpected negative duration: %d", res.DurationMs)
	}
}

func TestSanitizedEnvStripsIDEPrefixes(t *testing.T) {
	t.Setenv("CURSOR_TRACE_ID", "abc")
	t.Setenv("VSCODE_PID", "123")
	t.Setenv("MY_APP_TOKEN", "keep-me")

	env := sanitizedEnv()
	for _, kv := range env {
		if len(kv) >= len("CURSOR_") && kv[:len("CURSOR_")] == "CURSOR_" {
			t.Fatalf("expected CURSOR_ vars stripped, found %q", kv)
		}
		if len(kv) >= len("VSCODE_") && kv[:len("VSCODE_")] == "VSCODE_" {
			t.Fatalf("expected VSCODE_ vars stripped, found %q", kv)
		}
	}
	found := false
	for _, kv := range env {
		if kv == "MY_APP_TOKEN=keep-me" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected unrelated env vars to survive sanitization")
	}
}

func TestQueryParsesResultEnvelope(t *testing.T) {
	bin := fakeCLI(t, `{"result":"YES - looks actionable"}`)
	result, err := Query(context.Background(), Options{Binary: bin, Prompt: "triage?"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result != "YES - looks actionable" {
		t.Fatalf("result = %q", result)
	}
}

func TestBuildArgsIncludesDisallowedToolsAndPermissionMode(t *testing.T) {
	args := buildArgs(Options{
		Prompt:            "go",
		SystemPrompt:      "be helpful",
		ToolDocumentation: "- read_file: reads a file",
		DisallowedTools:   []string{"Bash", "WebFetch"},
		PermissionMode:    PermissionModeBypass,
		AdditionalDirs:    []string{"/a", "/b"},
	}, true)

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--disallowedTools Bash,WebFetch") {
		t.Fatalf("expected joined disallowed tools flag, got %v", args)
	}
	if !strings.Contains(joined, "--permission-mode bypassPermissions") {
		t.Fatalf("expected permission mode flag, got %v", args)
	}
	if !strings.Contains(joined, "be helpful") || !strings.Contains(joined, "read_file") {
		t.Fatalf("expected tool documentation folded into system prompt, got %v", args)
	}
	if !strings.Contains(joined, "--add-dir /a --add-dir /b") {
		t.Fatalf("expected both additional dirs, got %v", args)
	}
}

func TestRunExitErrorCarriesCode(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/fail.sh"
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := Run(context.Background(), Options{Binary: path, Prompt: "x"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	exitErr, ok := err.(*ExitError)
	if !ok {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	if exitErr.Code != 3 {
		t.Fatalf("code = %d, want 3", exitErr.Code)
	}
}
