package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	logx "readbot/pkg/logx"
)

type ConfigManager struct {
	path    string
	envFile string
	environ func() map[string]string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list so publish never sends on a closed channel.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash skips redundant publishes when an editor fires several events
	// without a content change.
	lastHash uint64
}

type Option func(*ConfigManager)

// WithEnvFile overrides the .env location (default: next to the config file).
// An empty path disables .env loading.
func WithEnvFile(path string) Option { return func(m *ConfigManager) { m.envFile = path } }

// WithEnviron replaces the process environment as the override source.
func WithEnviron(fn func() map[string]string) Option {
	return func(m *ConfigManager) { m.environ = fn }
}

func NewConfigManager(path string, opts ...Option) *ConfigManager {
	m := &ConfigManager{
		path:    path,
		envFile: filepath.Join(filepath.Dir(path), ".env"),
		environ: func() map[string]string { return env.ToMap(os.Environ()) },
		log:     logx.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs an extra check run before a reload is committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file, overlays .env and environment variables, then fills defaults.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	vars, err := m.environment()
	if err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// environment merges .env values with the real environment; the latter wins.
func (m *ConfigManager) environment() (map[string]string, error) {
	vars := map[string]string{}
	if m.envFile != "" {
		fileVars, err := godotenv.Read(m.envFile)
		switch {
		case err == nil:
			maps.Copy(vars, fileVars)
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("%s: %w", m.envFile, err)
		}
	}
	if m.environ != nil {
		maps.Copy(vars, m.environ())
	}
	return vars, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Load parses, validates and commits the config.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Subscribers only care about the latest config: drop the oldest when full.
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Reload parses the file again and, when it changed and validates, commits and
// publishes it. It returns whether a new config was published.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return false, nil
	}
	if err := Validate(cfg); err != nil {
		return false, err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, err
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	return true, nil
}

// Watch reloads on changes to the config file or its .env until ctx is done.
// A broken fsnotify watcher is recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	watched := map[string]bool{strings.ToLower(filepath.Base(m.path)): true}
	if m.envFile != "" {
		watched[strings.ToLower(filepath.Base(m.envFile))] = true
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	// debounce to avoid reading partial writes
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			published, err := m.Reload(ctx)
			switch {
			case err != nil:
				m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			case published:
				m.log.Debug("config published", logx.String("path", m.path))
			default:
				m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := m.watchOnce(ctx, dir, watched, debounce, bo.Reset); err != nil {
			m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Err(err))
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// watchOnce runs one fsnotify watcher until it breaks or ctx is done.
func (m *ConfigManager) watchOnce(ctx context.Context, dir string, watched map[string]bool, onChange func(), onStarted func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch add: %w", err)
	}
	onStarted()
	m.log.Debug("config watcher started", logx.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("events channel closed")
			}
			if watched[strings.ToLower(filepath.Base(ev.Name))] &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("errors channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events may be lost; reload once and keep going
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				onChange()
				continue
			}
			if err != nil {
				m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
			}
		}
	}
}
