package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeebsjenkins/agentcore/internal/control"
	"github.com/jeebsjenkins/agentcore/internal/store"
)

// Registry resolves, per agent, the deduplicated override-respecting union
// of the bundled tier plus the project/parent-chain/agent directory tiers,
// and executes tools against an enriched ExecContext. It satisfies
// control.ToolExecutor.
type Registry struct {
	root     string
	store    *store.Store
	bundled  []Tool
	mcp      MCPProvider
	services ServiceHandle

	mu    sync.RWMutex
	cache map[string][]resolvedTool // agentID -> resolved tool list, invalidated on fs changes

	watcher *fsnotify.Watcher

	debounceMu sync.Mutex
	debounce   *time.Timer
}

// MCPProvider supplies an agent's MCP-server-backed tools, keyed by the
// agent's own config (so the provider can read its mcpServers declarations).
// Implemented by *mcp.Manager; left nil, the MCP tier is simply empty.
type MCPProvider interface {
	MCPTools(agentID string, cfg *store.AgentConfig) []Tool
}

// SetMCPProvider wires the optional MCP tool tier into the registry. Call
// once at startup; safe to leave unset.
func (r *Registry) SetMCPProvider(p MCPProvider) {
	r.mu.Lock()
	r.mcp = p
	r.mu.Unlock()
}

// SetServiceHandle wires the service supervisor into every ExecContext this
// registry builds, so tools can query "is service X running".
func (r *Registry) SetServiceHandle(h ServiceHandle) {
	r.mu.Lock()
	r.services = h
	r.mu.Unlock()
}

// NewRegistry builds a Registry rooted at s.Root, with the compiled-in fs
// and shell tools as the bundled tier. Call Watch to enable hot-reload;
// without it the registry still works, it simply rescans on every list.
func NewRegistry(s *store.Store) *Registry {
	return &Registry{
		root:    s.Root,
		store:   s,
		bundled: append(bundledFSTools(), bundledShellTools()...),
		cache:   make(map[string][]resolvedTool),
	}
}

// resolvedTool pairs a tool with the tier it was resolved from, so
// ListAgentTools can report where a tool came from (useful when a project-
// or agent-level file overrides a bundled tool of the same name).
type resolvedTool struct {
	Tool
	source string
}

// Watch starts an fsnotify watcher over the project-root tools directory
// and every agent directory's tools subtree, invalidating the resolved-tool
// cache (debounced 300ms, mirroring the pack's own pattern-library
// hot-reloader) on any create/write/remove/rename.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tools: new watcher: %w", err)
	}
	r.watcher = w

	for _, dir := range r.watchDirs() {
		if err := w.Add(dir); err != nil {
			slog.Debug("tools: watch add failed", "dir", dir, "error", err)
		}
	}

	go r.watchLoop(ctx)
	return nil
}

func (r *Registry) watchDirs() []string {
	var dirs []string
	if info, err := os.Stat(r.projectToolsDir()); err == nil && info.IsDir() {
		dirs = append(dirs, r.projectToolsDir())
	}
	ids, err := r.store.ListAgents()
	if err != nil {
		return dirs
	}
	for _, id := range ids {
		for _, d := range r.tierDirsForAgent(id) {
			if info, err := os.Stat(d); err == nil && info.IsDir() {
				dirs = append(dirs, d)
			}
		}
	}
	return dirs
}

func (r *Registry) watchLoop(ctx context.Context) {
	defer r.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.scheduleInvalidate()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("tools: watcher error", "error", err)
		}
	}
}

func (r *Registry) scheduleInvalidate() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	if r.debounce != nil {
		r.debounce.Stop()
	}
	r.debounce = time.AfterFunc(300*time.Millisecond, r.invalidateAll)
}

func (r *Registry) invalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string][]resolvedTool)
	r.mu.Unlock()
}

func (r *Registry) projectToolsDir() string {
	return filepath.Join(r.root, "tools")
}

// tierDirsForAgent returns the parent-chain directories (ancestors of
// agentID, excluding agentID itself) followed by agentID's own tools
// directory last, so later entries in the returned slice win ties.
// A flat agentID ("researcher") has no parent-chain entries; a nested one
// ("teamA/bot1") yields ["<root>/teamA/tools", "<root>/teamA/bot1/tools"].
func (r *Registry) tierDirsForAgent(agentID string) []string {
	segs := strings.Split(strings.Trim(agentID, "/"), "/")
	var dirs []string
	for i := 1; i <= len(segs); i++ {
		dirs = append(dirs, filepath.Join(append([]string{r.root}, segs[:i]...)...)+"/tools")
	}
	return dirs
}

// resolve computes the deduplicated, override-by-name tool list for
// agentID: bundled, then project, then parent-chain (root→self), then the
// agent's own tier. Later entries override earlier ones by name. The
// filesystem tiers are cached and invalidated by fsnotify; the optional MCP
// tier is resolved fresh on every call (server connections are themselves
// cached in the provider) since it has no filesystem event to key off of.
func (r *Registry) resolve(agentID string) []resolvedTool {
	fsTiers := r.resolveFSTiers(agentID)

	mcpTools := r.mcpTier(agentID)
	if len(mcpTools) == 0 {
		return fsTiers
	}

	byName := make(map[string]resolvedTool, len(fsTiers)+len(mcpTools))
	var order []string
	add := func(t Tool, source string) {
		if _, exists := byName[t.Name()]; !exists {
			order = append(order, t.Name())
		}
		byName[t.Name()] = resolvedTool{Tool: t, source: source}
	}
	for _, t := range mcpTools {
		source := "mcp"
		if ms, ok := t.(MCPSourced); ok {
			source = "mcp:" + ms.MCPServer()
		}
		add(t, source)
	}
	for _, rt := range fsTiers {
		add(rt.Tool, rt.source)
	}

	resolved := make([]resolvedTool, 0, len(order))
	for _, name := range order {
		resolved = append(resolved, byName[name])
	}
	return resolved
}

func (r *Registry) mcpTier(agentID string) []Tool {
	r.mu.RLock()
	provider := r.mcp
	r.mu.RUnlock()
	if provider == nil {
		return nil
	}
	cfg, err := r.store.GetAgent(agentID)
	if err != nil {
		return nil
	}
	return provider.MCPTools(agentID, cfg)
}

func (r *Registry) resolveFSTiers(agentID string) []resolvedTool {
	r.mu.RLock()
	if cached, ok := r.cache[agentID]; ok && r.watcher != nil {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	byName := make(map[string]resolvedTool)
	var order []string
	add := func(tools []Tool, source string) {
		for _, t := range tools {
			if _, exists := byName[t.Name()]; !exists {
				order = append(order, t.Name())
			}
			byName[t.Name()] = resolvedTool{Tool: t, source: source}
		}
	}

	add(r.bundled, "bundled")
	add(discoverFileTools(r.projectToolsDir()), "project")

	parentDirs := r.tierDirsForAgent(agentID)
	for _, dir := range parentDirs[:len(parentDirs)-1] {
		add(discoverFileTools(dir), "parent")
	}
	if len(parentDirs) > 0 {
		add(discoverFileTools(parentDirs[len(parentDirs)-1]), "agent")
	}

	resolved := make([]resolvedTool, 0, len(order))
	for _, name := range order {
		resolved = append(resolved, byName[name])
	}

	r.mu.Lock()
	r.cache[agentID] = resolved
	r.mu.Unlock()
	return resolved
}

// ListAgentTools implements control.ToolExecutor.
func (r *Registry) ListAgentTools(agentID string) ([]control.ToolInfo, error) {
	tools := r.resolve(agentID)
	out := make([]control.ToolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, control.ToolInfo{
			Name:        t.Name(),
			Description: t.Description(),
			Source:      t.source,
		})
	}
	return out, nil
}

// ExecuteTool implements control.ToolExecutor: it looks up toolName in
// agentID's resolved tool set, builds the enriched ExecContext (workspace,
// secrets, logger), and invokes it.
func (r *Registry) ExecuteTool(ctx context.Context, agentID, sessionID, toolName string, input map[string]interface{}, askUser control.AskUserFunc) (control.ToolResult, error) {
	tools := r.resolve(agentID)
	var tool Tool
	for _, t := range tools {
		if t.Name() == toolName {
			tool = t
			break
		}
	}
	if tool == nil {
		return control.ToolResult{}, fmt.Errorf("tools: unknown tool %q for agent %q", toolName, agentID)
	}

	ectx, err := r.buildExecContext(agentID, sessionID, askUser)
	if err != nil {
		return control.ToolResult{}, err
	}

	res, err := tool.Execute(ctx, input, ectx)
	if err != nil {
		return control.ToolResult{}, err
	}
	return control.ToolResult{Output: res.Output, IsError: res.IsError}, nil
}

func (r *Registry) buildExecContext(agentID, sessionID string, askUser control.AskUserFunc) (*ExecContext, error) {
	var workDir string
	var err error
	if sessionID != "" {
		workDir, err = r.store.GetSessionDir(agentID, sessionID)
	} else {
		workDir, err = r.store.GetAgentDir(agentID)
	}
	if err != nil {
		return nil, err
	}

	cfg, err := r.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}

	secrets, _ := r.loadSecrets(agentID)

	ectx := &ExecContext{
		AgentID:     agentID,
		SessionID:   sessionID,
		ProjectRoot: workDir,
		Logger:      slog.With("agent", agentID, "session", sessionID),
		Secrets:     secrets,
		AgentConfig: cfg,
		Services:    r.services,
	}
	if askUser != nil {
		ectx.AskUser = func(question string, options []string, qctx map[string]interface{}) (string, error) {
			return askUser(context.Background(), question, options, qctx)
		}
	}
	return ectx, nil
}

// loadSecrets parses agentID's secrets.env file ("KEY=VALUE" per line,
// blank lines and "#"-comments skipped) without ever forwarding its
// contents anywhere but a tool's own Execute call.
func (r *Registry) loadSecrets(agentID string) (map[string]string, error) {
	path, err := r.store.SecretsPath(agentID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	secrets := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		secrets[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return secrets, nil
}
