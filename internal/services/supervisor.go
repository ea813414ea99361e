package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StopFunc is returned by a Constructor's Start and, if non-nil, is invoked
// once to shut the service down.
type StopFunc func()

// Constructor starts one named service and optionally returns a StopFunc.
// Constructors are registered in-process at startup — there is no dynamic
// loading of service code, matching the registry's file-scan-not-require
// tool dispatch design.
type Constructor func(ctx context.Context, cfg Config) (StopFunc, error)

// Config is the services/<name>.json document.
type Config struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// IsEnabled defaults to true when Enabled is unset.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type running struct {
	cfg     Config
	stop    StopFunc
	mtime   time.Time
	running bool
	lastErr string
}

// Supervisor scans <root>/services/*.json for service config stubs and
// starts the correspondingly-named constructor for each. It implements
// tools.ServiceHandle so the registry's exec tools can report status.
type Supervisor struct {
	root         string
	constructors map[string]Constructor

	mu       sync.Mutex
	services map[string]*running // name -> running state

	watcher    *fsnotify.Watcher
	debounceMu sync.Mutex
	debounce   *time.Timer
}

// New creates a Supervisor rooted at <projectRoot>/services.
func New(projectRoot string, constructors map[string]Constructor) *Supervisor {
	return &Supervisor{
		root:         filepath.Join(projectRoot, "services"),
		constructors: constructors,
		services:     make(map[string]*running),
	}
}

// Register adds (or replaces) a named constructor. Safe to call before or
// after StartAll — newly registered constructors take effect on the next
// Refresh.
func (s *Supervisor) Register(name string, ctor Constructor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.constructors == nil {
		s.constructors = make(map[string]Constructor)
	}
	s.constructors[name] = ctor
}

// StartAll scans the services directory and starts every enabled,
// registered service found. A failure starting one service is logged and
// does not prevent the others from starting.
func (s *Supervisor) StartAll(ctx context.Context) {
	configs, err := s.scan()
	if err != nil {
		slog.Debug("services: scan failed", "root", s.root, "error", err)
		return
	}
	for name, entry := range configs {
		s.startOne(ctx, name, entry.cfg, entry.mtime)
	}
}

// Refresh re-scans the services directory: services whose config file has
// vanished are stopped, services whose config file's mtime advanced past
// what was loaded are restarted, and newly-appeared configs are started.
// Failures in one service never block another.
func (s *Supervisor) Refresh(ctx context.Context) {
	configs, err := s.scan()
	if err != nil {
		slog.Debug("services: refresh scan failed", "root", s.root, "error", err)
		return
	}

	s.mu.Lock()
	var vanished []string
	for name := range s.services {
		if _, ok := configs[name]; !ok {
			vanished = append(vanished, name)
		}
	}
	s.mu.Unlock()
	for _, name := range vanished {
		s.stopOne(name)
	}

	for name, entry := range configs {
		s.mu.Lock()
		r, exists := s.services[name]
		s.mu.Unlock()

		switch {
		case !exists:
			s.startOne(ctx, name, entry.cfg, entry.mtime)
		case entry.mtime.After(r.mtime):
			s.stopOne(name)
			s.startOne(ctx, name, entry.cfg, entry.mtime)
		case !entry.cfg.IsEnabled() && r.running:
			s.stopOne(name)
		case entry.cfg.IsEnabled() && !r.running:
			s.startOne(ctx, name, entry.cfg, entry.mtime)
		}
	}
}

// StopAll invokes every running service's stop function.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		s.stopOne(name)
	}
}

// Status implements tools.ServiceHandle.
func (s *Supervisor) Status(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.services[name]
	if !ok {
		return false, fmt.Errorf("services: unknown service %q", name)
	}
	if r.lastErr != "" {
		return r.running, fmt.Errorf("%s", r.lastErr)
	}
	return r.running, nil
}

func (s *Supervisor) startOne(ctx context.Context, name string, cfg Config, mtime time.Time) {
	s.mu.Lock()
	ctor, ok := s.constructors[name]
	s.mu.Unlock()

	if !ok {
		slog.Warn("services: no constructor registered", "service", name)
		s.mu.Lock()
		s.services[name] = &running{cfg: cfg, mtime: mtime, lastErr: "no constructor registered"}
		s.mu.Unlock()
		return
	}
	if !cfg.IsEnabled() {
		s.mu.Lock()
		s.services[name] = &running{cfg: cfg, mtime: mtime}
		s.mu.Unlock()
		return
	}

	stop, err := ctor(ctx, cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		slog.Warn("services: start failed", "service", name, "error", err)
		s.services[name] = &running{cfg: cfg, mtime: mtime, lastErr: err.Error()}
		return
	}
	s.services[name] = &running{cfg: cfg, mtime: mtime, stop: stop, running: true}
	slog.Info("services: started", "service", name)
}

func (s *Supervisor) stopOne(name string) {
	s.mu.Lock()
	r, ok := s.services[name]
	if ok {
		delete(s.services, name)
	}
	s.mu.Unlock()
	if !ok || r.stop == nil {
		return
	}
	r.stop()
	slog.Info("services: stopped", "service", name)
}

type scanEntry struct {
	cfg   Config
	mtime time.Time
}

func (s *Supervisor) scan() (map[string]scanEntry, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]scanEntry{}, nil
		}
		return nil, err
	}

	out := make(map[string]scanEntry)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("services: read config failed", "path", path, "error", err)
			continue
		}
		var cfg Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Warn("services: parse config failed", "path", path, "error", err)
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if cfg.Name == "" {
			cfg.Name = name
		}
		out[name] = scanEntry{cfg: cfg, mtime: info.ModTime()}
	}
	return out, nil
}

// Watch starts an fsnotify watcher over the services directory, calling
// Refresh (debounced 300ms) on any create/write/remove/rename — the same
// pattern the tool registry uses for its own directory tiers.
func (s *Supervisor) Watch(ctx context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("services: ensure root: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("services: new watcher: %w", err)
	}
	if err := w.Add(s.root); err != nil {
		_ = w.Close()
		return fmt.Errorf("services: watch root: %w", err)
	}
	s.watcher = w

	go s.watchLoop(ctx)
	return nil
}

func (s *Supervisor) watchLoop(ctx context.Context) {
	defer s.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.scheduleRefresh(ctx)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("services: watcher error", "error", err)
		}
	}
}

func (s *Supervisor) scheduleRefresh(ctx context.Context) {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(300*time.Millisecond, func() { s.Refresh(ctx) })
}
