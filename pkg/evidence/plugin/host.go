// Package plugin hosts evidence scanners compiled to WASM.
//
// A plugin ships as a manifest plus a wasm module. The manifest declares
// identity and the capabilities the guest may use; the Registry loads and
// verifies plugins; a Host instantiates one guest under wazero and serves
// workspace access through capability-gated host functions. The guest
// exports scanner_scan and scanner_metadata plus malloc/free for payload
// exchange, and calls back into workspace_list, workspace_read and
// log_message on the env module.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	wasi "github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/taskwarden/taskwarden/pkg/evidence"
)

// HostConfig tunes the wasm runtime and the workspace access limits.
type HostConfig struct {
	// Timeout bounds a single call into the guest.
	Timeout time.Duration

	// MemoryLimitPages caps guest linear memory in 64 KiB pages.
	MemoryLimitPages uint32

	// MaxWorkspaceFiles caps how many paths workspace_list returns.
	MaxWorkspaceFiles int

	// Scan carries the tree limits shared with the builtin scanners.
	Scan evidence.ScanOptions
}

// DefaultHostConfig returns the standard host limits.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		Timeout:           30 * time.Second,
		MemoryLimitPages:  256,
		MaxWorkspaceFiles: 20000,
		Scan:              evidence.DefaultScanOptions(),
	}
}

// Host runs one WASM scanner plugin. It implements evidence.Scanner by
// delegating the scan to the guest.
type Host struct {
	// mu serializes calls; a wasm module instance cannot be entered
	// concurrently.
	mu sync.Mutex

	runtime  wazero.Runtime
	module   api.Module
	bridge   *bridge
	enforcer *Enforcer
	manifest *Manifest
	config   *HostConfig
	logger   zerolog.Logger

	// activeRoot is the workspace root of the in-flight scan. Host
	// functions refuse workspace access outside a scan.
	activeRoot string

	closed bool
}

var _ evidence.Scanner = (*Host)(nil)

// NewHost instantiates a scanner plugin from its manifest and wasm module.
func NewHost(ctx context.Context, logger zerolog.Logger, manifest *Manifest, wasmModule []byte, config *HostConfig) (*Host, error) {
	if manifest == nil || manifest.Raw == nil {
		return nil, fmt.Errorf("manifest is required")
	}
	if config == nil {
		config = DefaultHostConfig()
	}

	h := &Host{
		enforcer: NewEnforcer(manifest.Capabilities(), config.Scan, config.MaxWorkspaceFiles),
		manifest: manifest,
		config:   config,
		logger:   logger,
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(config.MemoryLimitPages).
		WithCloseOnContextDone(true)
	h.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	// Instantiation order matters: WASI, then host functions, then guest.
	if _, err := wasi.Instantiate(ctx, h.runtime); err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if err := h.registerHostFunctions(ctx); err != nil {
		h.runtime.Close(ctx)
		return nil, err
	}

	module, err := h.runtime.InstantiateWithConfig(ctx, wasmModule,
		wazero.NewModuleConfig().WithName(manifest.Raw.Metadata.Name))
	if err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate scanner module: %w", err)
	}
	h.module = module

	b, err := newBridge(module, config.Timeout)
	if err != nil {
		h.runtime.Close(ctx)
		return nil, err
	}
	h.bridge = b

	return h, nil
}

// registerHostFunctions builds the env module the guest imports.
func (h *Host) registerHostFunctions(ctx context.Context) error {
	builder := h.runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(h.hostWorkspaceList).
		Export("workspace_list")

	builder.NewFunctionBuilder().
		WithFunc(h.hostWorkspaceRead).
		Export("workspace_read")

	builder.NewFunctionBuilder().
		WithFunc(h.hostLog).
		Export("log_message")

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return nil
}

// scanRequest is the JSON payload handed to scanner_scan.
type scanRequest struct {
	Root      string   `json:"root"`
	SourceIDs []string `json:"source_ids"`
}

// scanResponse is the JSON payload scanner_scan returns.
type scanResponse struct {
	Evidence map[string][]evidence.Location `json:"evidence"`
	Error    string                         `json:"error,omitempty"`
}

// Scan implements evidence.Scanner.
func (h *Host) Scan(ctx context.Context, root string, sourceIDs []string) (map[string][]evidence.Location, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("scanner plugin %s is closed", h.Name())
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}

	req, err := json.Marshal(scanRequest{Root: root, SourceIDs: sourceIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scan request: %w", err)
	}

	h.activeRoot = root
	defer func() { h.activeRoot = "" }()

	out, err := h.bridge.call(ctx, h.bridge.scan, req)
	if err != nil {
		return nil, fmt.Errorf("scanner plugin %s: %w", h.Name(), err)
	}

	var resp scanResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("scanner plugin %s returned invalid response: %w", h.Name(), err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("scanner plugin %s: %s", h.Name(), resp.Error)
	}
	if resp.Evidence == nil {
		resp.Evidence = make(map[string][]evidence.Location)
	}
	return resp.Evidence, nil
}

// Metadata asks the guest for its self-description.
func (h *Host) Metadata(ctx context.Context) (*Metadata, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("scanner plugin %s is closed", h.Name())
	}

	out, err := h.bridge.call(ctx, h.bridge.metadata, nil)
	if err != nil {
		return nil, fmt.Errorf("scanner plugin %s: %w", h.Name(), err)
	}

	var meta Metadata
	if err := json.Unmarshal(out, &meta); err != nil {
		return nil, fmt.Errorf("scanner plugin %s returned invalid metadata: %w", h.Name(), err)
	}
	return &meta, nil
}

// Name returns the plugin name from the manifest.
func (h *Host) Name() string {
	return h.manifest.Raw.Metadata.Name
}

// Capabilities returns the capabilities granted to the guest.
func (h *Host) Capabilities() []string {
	return h.manifest.Capabilities()
}

// Close tears down the guest module and the runtime.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.module != nil {
		if err := h.module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close scanner module: %w", err)
		}
	}
	if h.runtime != nil {
		if err := h.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close wasm runtime: %w", err)
		}
	}
	return nil
}

// hostError is the JSON error envelope host functions hand to the guest.
type hostError struct {
	Error string `json:"error"`
}

// hostWorkspaceList serves workspace_list(ptr, len) -> u64. The input is
// an optional subdirectory path; the response is {"files": [...]}.
func (h *Host) hostWorkspaceList(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	subdir := ""
	if length > 0 {
		raw, ok := mod.Memory().Read(ptr, length)
		if !ok {
			return h.writeGuestJSON(ctx, mod, hostError{Error: "failed to read request from wasm memory"})
		}
		subdir = string(raw)
	}

	if h.activeRoot == "" {
		return h.writeGuestJSON(ctx, mod, hostError{Error: "no scan in progress"})
	}

	files, err := h.enforcer.ListWorkspace(h.activeRoot, subdir)
	if err != nil {
		return h.writeGuestJSON(ctx, mod, hostError{Error: err.Error()})
	}

	return h.writeGuestJSON(ctx, mod, struct {
		Files []string `json:"files"`
	}{Files: files})
}

// hostWorkspaceRead serves workspace_read(ptr, len) -> u64. The input is a
// relative path; the response is {"data": "<base64>"}.
func (h *Host) hostWorkspaceRead(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	raw, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return h.writeGuestJSON(ctx, mod, hostError{Error: "failed to read request from wasm memory"})
	}

	if h.activeRoot == "" {
		return h.writeGuestJSON(ctx, mod, hostError{Error: "no scan in progress"})
	}

	data, err := h.enforcer.ReadWorkspaceFile(h.activeRoot, string(raw))
	if err != nil {
		return h.writeGuestJSON(ctx, mod, hostError{Error: err.Error()})
	}

	return h.writeGuestJSON(ctx, mod, struct {
		Data []byte `json:"data"`
	}{Data: data})
}

// hostLog serves log_message(level, ptr, len), mapping guest levels onto
// the host logger. 0=debug, 1=info, 2=warn, anything else error.
func (h *Host) hostLog(ctx context.Context, mod api.Module, level, ptr, length uint32) {
	raw, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}

	var evt *zerolog.Event
	switch level {
	case 0:
		evt = h.logger.Debug()
	case 1:
		evt = h.logger.Info()
	case 2:
		evt = h.logger.Warn()
	default:
		evt = h.logger.Error()
	}
	evt.Str("plugin", h.Name()).Msg(string(raw))
}

func (h *Host) writeGuestJSON(ctx context.Context, mod api.Module, v interface{}) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return h.writeGuestBytes(ctx, mod, data)
}

// writeGuestBytes allocates guest memory through the guest's own malloc
// and writes data there, returning ptr<<32|len. The guest frees the
// buffer after consuming it. Zero means the write failed.
func (h *Host) writeGuestBytes(ctx context.Context, mod api.Module, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}

	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0
	}
	results, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}

	guestPtr := uint32(results[0])
	if guestPtr == 0 {
		return 0
	}
	if !mod.Memory().Write(guestPtr, data) {
		return 0
	}
	return uint64(guestPtr)<<32 | uint64(len(data))
}
