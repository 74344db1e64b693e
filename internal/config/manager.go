package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Manager owns the config file: parse, commit, and watch for changes.
//
// Watch() publishes a validated config to subscribers after each edit.
// A content hash suppresses redundant publishes when editors fire
// multiple write events for one save.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	subsMu sync.Mutex
	subs   []chan *Config

	log zerolog.Logger

	lastHash uint64
}

func NewManager(path string, log zerolog.Logger) *Manager {
	return &Manager{path: path, log: log}
}

func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated documents)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
		default:
			// drop the oldest queued config, then push the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

// Watch blocks until ctx is done, reloading the config after each
// write to the file. Reload errors keep the previous config.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	target := filepath.Base(m.path)

	// debounce to avoid reacting to partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		cfg, err := m.Parse()
		if err != nil {
			m.log.Warn().Err(err).Str("path", m.path).Msg("config reload failed; keeping previous")
			return
		}
		m.mu.RLock()
		same := hashConfig(cfg) == m.lastHash
		m.mu.RUnlock()
		if same {
			return
		}
		m.commit(cfg)
		m.log.Info().Str("path", m.path).Msg("config reloaded")
		m.publish(cfg)
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, reload)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn().Err(err).Msg("config watcher error")
		}
	}
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
