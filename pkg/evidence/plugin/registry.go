package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Registry tracks registered scanner plugins and instantiates them on
// demand. Plugins are keyed name@version.
type Registry struct {
	mu sync.RWMutex

	// hosts maps plugin key to an instantiated host.
	hosts map[string]*Host

	// manifests maps plugin key to manifest.
	manifests map[string]*Manifest

	// wasmModules maps plugin key to wasm module bytes.
	wasmModules map[string][]byte

	loader     *ManifestLoader
	hostConfig *HostConfig

	// allowedCapabilities restricts which capabilities registered plugins
	// may request. Empty means allow all.
	allowedCapabilities map[string]bool

	logger zerolog.Logger
}

// NewRegistry creates a plugin registry rooted at baseDir.
func NewRegistry(logger zerolog.Logger, baseDir string, hostConfig *HostConfig) *Registry {
	if hostConfig == nil {
		hostConfig = DefaultHostConfig()
	}
	return &Registry{
		hosts:               make(map[string]*Host),
		manifests:           make(map[string]*Manifest),
		wasmModules:         make(map[string][]byte),
		loader:              NewManifestLoader(baseDir),
		hostConfig:          hostConfig,
		allowedCapabilities: make(map[string]bool),
		logger:              logger,
	}
}

// SetAllowedCapabilities restricts the capabilities plugins may request.
func (r *Registry) SetAllowedCapabilities(capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.allowedCapabilities = make(map[string]bool, len(capabilities))
	for _, cap := range capabilities {
		r.allowedCapabilities[cap] = true
	}
}

// Register registers a plugin from raw manifest YAML and its wasm module.
func (r *Registry) Register(ctx context.Context, manifestYAML, wasmModule []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	manifest, err := r.loader.LoadFromBytes(manifestYAML, wasmModule)
	if err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	return r.register(manifest, wasmModule)
}

// RegisterFromPath registers a plugin from a manifest file, reading the
// wasm module from the resolved entrypoint.
func (r *Registry) RegisterFromPath(ctx context.Context, manifestPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	manifest, err := r.loader.LoadFromFile(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	wasmModule, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return fmt.Errorf("failed to read wasm module: %w", err)
	}

	if manifest.Raw.Checksum != "" {
		if err := manifest.VerifyChecksum(wasmModule); err != nil {
			return fmt.Errorf("checksum verification failed: %w", err)
		}
	}

	return r.register(manifest, wasmModule)
}

// register stores a validated manifest. Callers hold the lock.
func (r *Registry) register(manifest *Manifest, wasmModule []byte) error {
	key := buildPluginKey(manifest.Raw.Metadata.Name, manifest.Raw.Metadata.Version)

	if _, exists := r.manifests[key]; exists {
		return fmt.Errorf("plugin %s already registered", key)
	}

	if err := r.validateCapabilities(manifest.Capabilities()); err != nil {
		return fmt.Errorf("capability validation failed: %w", err)
	}

	r.manifests[key] = manifest
	r.wasmModules[key] = wasmModule

	r.logger.Debug().Str("plugin", key).Strs("capabilities", manifest.Capabilities()).Msg("registered scanner plugin")
	return nil
}

// Get retrieves a plugin by name and version constraint, instantiating it
// on first use. Version supports exact ("1.0.0"), "latest" or empty,
// tilde ("~1.0.0" matches 1.0.x) and caret ("^1.0.0" matches 1.x.x).
func (r *Registry) Get(ctx context.Context, name, version string) (*Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, err := r.resolveVersion(name, version)
	if err != nil {
		return nil, err
	}

	if host, exists := r.hosts[key]; exists {
		return host, nil
	}

	manifest, exists := r.manifests[key]
	if !exists {
		return nil, fmt.Errorf("plugin %s not found", key)
	}
	wasmModule, exists := r.wasmModules[key]
	if !exists {
		return nil, fmt.Errorf("wasm module for plugin %s not found", key)
	}

	host, err := NewHost(ctx, r.logger, manifest, wasmModule, r.hostConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate plugin %s: %w", key, err)
	}

	r.hosts[key] = host
	return host, nil
}

// List returns the metadata of every registered plugin, sorted by key.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.manifests))
	for key := range r.manifests {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	metadata := make([]Metadata, 0, len(keys))
	for _, key := range keys {
		metadata = append(metadata, r.manifests[key].Raw.Metadata)
	}
	return metadata
}

// Unregister removes a plugin, closing it first when instantiated.
func (r *Registry) Unregister(ctx context.Context, name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := buildPluginKey(name, version)

	if host, exists := r.hosts[key]; exists {
		if err := host.Close(ctx); err != nil {
			return fmt.Errorf("failed to close plugin: %w", err)
		}
		delete(r.hosts, key)
	}

	delete(r.manifests, key)
	delete(r.wasmModules, key)
	return nil
}

// ValidateCapabilities checks requested capabilities against the allowed
// set.
func (r *Registry) ValidateCapabilities(capabilities []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validateCapabilities(capabilities)
}

func (r *Registry) validateCapabilities(capabilities []string) error {
	if len(r.allowedCapabilities) == 0 {
		return nil
	}

	var denied []string
	for _, cap := range capabilities {
		if !r.allowedCapabilities[cap] {
			denied = append(denied, cap)
		}
	}
	if len(denied) > 0 {
		return fmt.Errorf("capabilities not allowed: %v", denied)
	}
	return nil
}

// ScanDirectory registers every plugin found under dir. Each plugin lives
// in its own subdirectory with a manifest.yaml next to its wasm module.
// Broken plugins are logged and skipped.
func (r *Registry) ScanDirectory(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), "manifest.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		if err := r.RegisterFromPath(ctx, manifestPath); err != nil {
			r.logger.Warn().Err(err).Str("manifest", manifestPath).Msg("failed to register scanner plugin")
		}
	}
	return nil
}

// Close closes every instantiated plugin and clears the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, host := range r.hosts {
		if err := host.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close plugin %s: %w", key, err))
		}
	}

	r.hosts = make(map[string]*Host)
	r.manifests = make(map[string]*Manifest)
	r.wasmModules = make(map[string][]byte)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing plugins: %v", errs)
	}
	return nil
}

// resolveVersion resolves a version constraint to a registered key.
func (r *Registry) resolveVersion(name, version string) (string, error) {
	if version == "" || version == "latest" {
		return r.findLatestVersion(name)
	}
	if strings.HasPrefix(version, "~") {
		return r.findTildeVersion(name, version[1:])
	}
	if strings.HasPrefix(version, "^") {
		return r.findCaretVersion(name, version[1:])
	}

	key := buildPluginKey(name, version)
	if _, exists := r.manifests[key]; !exists {
		return "", fmt.Errorf("plugin %s not found", key)
	}
	return key, nil
}

func (r *Registry) findLatestVersion(name string) (string, error) {
	var latest string
	for key := range r.manifests {
		if strings.HasPrefix(key, name+"@") {
			if latest == "" || key > latest {
				latest = key
			}
		}
	}
	if latest == "" {
		return "", fmt.Errorf("plugin %s not found", name)
	}
	return latest, nil
}

func (r *Registry) findTildeVersion(name, version string) (string, error) {
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return "", fmt.Errorf("invalid version format: %s", version)
	}
	prefix := name + "@" + parts[0] + "." + parts[1]

	var match string
	for key := range r.manifests {
		if strings.HasPrefix(key, prefix) {
			if match == "" || key > match {
				match = key
			}
		}
	}
	if match == "" {
		return "", fmt.Errorf("no version matching ~%s found for plugin %s", version, name)
	}
	return match, nil
}

func (r *Registry) findCaretVersion(name, version string) (string, error) {
	parts := strings.Split(version, ".")
	if len(parts) < 1 {
		return "", fmt.Errorf("invalid version format: %s", version)
	}
	prefix := name + "@" + parts[0]

	var match string
	for key := range r.manifests {
		if strings.HasPrefix(key, prefix) {
			if match == "" || key > match {
				match = key
			}
		}
	}
	if match == "" {
		return "", fmt.Errorf("no version matching ^%s found for plugin %s", version, name)
	}
	return match, nil
}

func buildPluginKey(name, version string) string {
	return name + "@" + version
}
