package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Well-known bot-config.json keys.
const (
	KeyPrefix     = "prefix"
	KeyEmbedColor = "embedColor"
	KeyStatus     = "status"
	KeyName       = "name"
)

// BotInfo holds the key/value pairs of bot-config.json. Values keep their JSON
// types; the typed getters fall back to a default when a key is missing or has
// the wrong type.
type BotInfo struct {
	values map[string]any
}

// NewBotInfo wraps an existing map.
func NewBotInfo(values map[string]any) *BotInfo {
	if values == nil {
		values = map[string]any{}
	}
	return &BotInfo{values: values}
}

// LoadBotInfo reads a JSON object from path.
func LoadBotInfo(path string) (*BotInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bot config %s: %w", path, err)
	}

	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse bot config %s: %w", path, err)
	}
	return NewBotInfo(values), nil
}

func (b *BotInfo) Get(key string) (any, bool) {
	v, ok := b.values[key]
	return v, ok
}

func (b *BotInfo) String(key, def string) string {
	if s, ok := b.values[key].(string); ok && s != "" {
		return s
	}
	return def
}

// Int accepts JSON numbers and strings in decimal, "0x" hex or "#rrggbb" form.
func (b *BotInfo) Int(key string, def int) int {
	switch v := b.values[key].(type) {
	case float64:
		return int(v)
	case string:
		s := strings.TrimSpace(v)
		base := 10
		switch {
		case strings.HasPrefix(s, "#"):
			s, base = s[1:], 16
		case strings.HasPrefix(strings.ToLower(s), "0x"):
			s, base = s[2:], 16
		}
		if n, err := strconv.ParseInt(s, base, 64); err == nil {
			return int(n)
		}
	}
	return def
}

// Keys returns the sorted key set.
func (b *BotInfo) Keys() []string {
	keys := make([]string, 0, len(b.values))
	for k := range b.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BotInfoWatcher keeps the latest BotInfo and reloads it when the file changes.
type BotInfoWatcher struct {
	path string
	log  zerolog.Logger

	current atomic.Pointer[BotInfo]

	mu        sync.Mutex
	listeners []func(*BotInfo)
}

// NewBotInfoWatcher loads path once. A missing file yields an empty BotInfo.
func NewBotInfoWatcher(path string, log zerolog.Logger) (*BotInfoWatcher, error) {
	w := &BotInfoWatcher{path: path, log: log}

	info, err := LoadBotInfo(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("path", path).Msg("bot config not found, using defaults")
		info = NewBotInfo(nil)
	case err != nil:
		return nil, err
	}
	w.current.Store(info)
	return w, nil
}

// Current returns the last successfully loaded BotInfo.
func (w *BotInfoWatcher) Current() *BotInfo {
	return w.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (w *BotInfoWatcher) OnChange(fn func(*BotInfo)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Reload re-reads the file. On error the previous BotInfo stays active.
func (w *BotInfoWatcher) Reload() error {
	info, err := LoadBotInfo(w.path)
	if err != nil {
		return err
	}
	w.current.Store(info)

	w.mu.Lock()
	listeners := append([]func(*BotInfo){}, w.listeners...)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(info)
	}
	w.log.Info().Str("path", w.path).Int("keys", len(info.values)).Msg("bot config reloaded")
	return nil
}

// Run watches the file's directory until ctx ends. Editors often replace the
// file instead of writing it, so create and rename events count as changes too.
func (w *BotInfoWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.log.Warn().Err(err).Msg("bot config reload failed, keeping previous values")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("bot config watcher error")
		}
	}
}
