package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads operator policies from .rego and .json files. A .rego file
// holds one policy named after the file; its leading comment block may carry
// directives (severity, tags, disabled) that override the defaults. A .json
// file holds either a single policy object or a pack with a policies list,
// so a whole pack drops into a watched directory as one file.
type Loader struct {
	logger   zerolog.Logger
	cache    map[string]cacheEntry
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// cacheEntry pairs parsed policies with the file identity they came from.
// A load hits the cache only while the size and mtime still match.
type cacheEntry struct {
	policies []Policy
	modTime  time.Time
	size     int64
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		cache:    make(map[string]cacheEntry),
		debounce: 500 * time.Millisecond,
	}
}

// isPolicyFile reports whether a path looks like a loadable policy source.
func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Info().Int("total", len(all)).Int("sources", len(paths)).Msg("policies loaded")
	return all, nil
}

// loadPath loads policies from a single path (file or directory).
func (l *Loader) loadPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadDirectory(ctx, path)
	}
	return l.loadFile(path)
}

// loadDirectory loads all .rego and .json files under a directory. WalkDir
// visits lexically, so name collisions between files resolve the same way
// on every load. A broken file is logged and skipped rather than blocking
// the rest.
func (l *Loader) loadDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var policies []Policy

	walk := func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		loaded, err := l.loadFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("policy file rejected")
			return nil
		}
		policies = append(policies, loaded...)
		return nil
	}

	if err := filepath.WalkDir(dir, walk); err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

// loadFile loads the policies held by a single file, consulting the cache
// when the file is unchanged since the last read.
func (l *Loader) loadFile(filePath string) ([]Policy, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.RLock()
	entry, cached := l.cache[filePath]
	l.mu.RUnlock()
	if cached && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
		return entry.policies, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy
	switch {
	case strings.HasSuffix(filePath, ".rego"):
		policies = []Policy{l.policyFromRego(filePath, data)}
	case strings.HasSuffix(filePath, ".json"):
		policies, err = l.policiesFromJSON(filePath, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}

	l.mu.Lock()
	l.cache[filePath] = cacheEntry{policies: policies, modTime: info.ModTime(), size: info.Size()}
	l.mu.Unlock()

	l.logger.Debug().Str("path", filePath).Int("policies", len(policies)).Msg("policy file loaded")
	return policies, nil
}

// policyFromRego builds a Policy from a .rego file. The name comes from the
// file name; severity, tags, enablement, and the description come from the
// leading comment block.
func (l *Loader) policyFromRego(filePath string, data []byte) Policy {
	header := parseRegoHeader(string(data))

	severity := header.severity
	if severity == "" {
		severity = SeverityWarning
	}

	now := time.Now()
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(filePath), ".rego"),
		Description: header.description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     !header.disabled,
		Tags:        header.tags,
		Metadata: map[string]interface{}{
			"source": filePath,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// regoHeader holds what the leading comment block of a .rego file declares.
type regoHeader struct {
	description string
	severity    Severity
	tags        []string
	disabled    bool
}

// parseRegoHeader reads the comment block above the package clause. Lines of
// the form "# severity: error", "# tags: a, b", and "# disabled" are
// directives; the remaining comment lines join into the description.
func parseRegoHeader(content string) regoHeader {
	var header regoHeader
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			// First code line ends the header.
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		key, value, _ := strings.Cut(comment, ":")
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "":
			continue
		case "severity":
			if sev, ok := parseSeverity(strings.TrimSpace(value)); ok {
				header.severity = sev
			}
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					header.tags = append(header.tags, tag)
				}
			}
		case "disabled":
			if v := strings.TrimSpace(value); v == "" || strings.EqualFold(v, "true") {
				header.disabled = true
			}
		default:
			if description.Len() > 0 {
				description.WriteString(" ")
			}
			description.WriteString(comment)
		}
	}

	header.description = description.String()
	return header
}

// parseSeverity maps a directive value onto a known severity.
func parseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(s))
	switch sev {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return sev, true
	}
	return "", false
}

// policiesFromJSON parses a .json file as either a pack (detected by the
// policies key) or a single policy object.
func (l *Loader) policiesFromJSON(filePath string, data []byte) ([]Policy, error) {
	var probe struct {
		Policies []json.RawMessage `json:"policies"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	if probe.Policies != nil {
		var pack PolicyBundle
		if err := json.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("failed to parse policy pack: %w", err)
		}
		for i := range pack.Policies {
			if pack.Policies[i].Name == "" {
				return nil, fmt.Errorf("pack %s: policy %d has no name", filePath, i)
			}
			applyPolicyDefaults(&pack.Policies[i])
		}
		l.logger.Info().
			Str("pack", pack.Name).
			Str("version", pack.Version).
			Int("policies", len(pack.Policies)).
			Msg("policy pack loaded")
		return pack.Policies, nil
	}

	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Name == "" {
		policy.Name = strings.TrimSuffix(filepath.Base(filePath), ".json")
	}
	applyPolicyDefaults(&policy)

	return []Policy{policy}, nil
}

// applyPolicyDefaults fills the fields a JSON definition may omit.
func applyPolicyDefaults(policy *Policy) {
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now()
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = time.Now()
	}
}

// Watch starts watching paths for policy changes and calls reloadFn with the
// full reloaded set after each change settles. Paths that cannot be watched
// are logged and skipped; the watch itself still starts.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		if err := l.watchTarget(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("watch path skipped")
		}
	}

	go l.processEvents(ctx, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("policy watch started")
	return nil
}

// watchTarget registers a file, or a directory tree, with the watcher.
func (l *Loader) watchTarget(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return l.watcher.Add(path)
	}

	return filepath.WalkDir(path, func(sub string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(sub)
		}
		return nil
	})
}

// policyFileEvent reports whether an event should trigger a reload. Removes
// and renames count, so deleting a file retires its policies.
func policyFileEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return isPolicyFile(event.Name)
}

// processEvents drains watcher events until the context ends. Editors fire
// several events per save, so reloads are debounced.
func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	var pending *time.Timer

	for {
		select {
		case <-ctx.Done():
			if l.watcher != nil {
				_ = l.watcher.Close()
			}
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !policyFileEvent(event) {
				continue
			}

			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(l.debounce, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("policy reload failed")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// reload loads all watched paths again and hands the result to the
// caller's reload function.
func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().Int("count", len(policies)).Msg("policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
