package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Metadata identifies a scanner plugin.
type Metadata struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Author      string `yaml:"author" json:"author"`
	License     string `yaml:"license" json:"license"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ManifestFile is the raw manifest document as written on disk.
type ManifestFile struct {
	Metadata Metadata `yaml:"metadata"`

	// Capabilities the guest requests. The host only serves workspace
	// access that appears here.
	Capabilities []string `yaml:"capabilities"`

	// Entrypoint is the wasm module path, relative to the manifest file.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the optional sha256 hex digest of the wasm module.
	Checksum string `yaml:"checksum,omitempty"`
}

// Manifest is a parsed plugin manifest with resolved paths.
type Manifest struct {
	// Raw is the manifest document.
	Raw *ManifestFile

	// Path is where the manifest was loaded from, when it came from disk.
	Path string

	// WasmPath is the resolved path to the wasm module.
	WasmPath string

	// Verified reports whether the wasm module checksum has been checked.
	Verified bool
}

// ManifestLoader loads and validates plugin manifests.
type ManifestLoader struct {
	// BaseDir resolves relative entrypoints for manifests loaded from bytes.
	BaseDir string
}

// NewManifestLoader creates a manifest loader.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{BaseDir: baseDir}
}

// LoadFromFile loads a manifest from a YAML file and resolves the wasm
// module path next to it.
func (m *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var raw ManifestFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := m.validateManifest(&raw); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	manifest := &Manifest{
		Raw:  &raw,
		Path: path,
	}

	if err := m.resolveWasmPath(manifest); err != nil {
		return nil, fmt.Errorf("failed to resolve wasm path: %w", err)
	}

	return manifest, nil
}

// LoadFromBytes loads a manifest from raw YAML, verifying the checksum
// against the provided wasm module when the manifest carries one.
func (m *ManifestLoader) LoadFromBytes(data []byte, wasmModule []byte) (*Manifest, error) {
	var raw ManifestFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := m.validateManifest(&raw); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	manifest := &Manifest{Raw: &raw}

	if raw.Checksum != "" {
		if err := manifest.VerifyChecksum(wasmModule); err != nil {
			return nil, err
		}
	}

	return manifest, nil
}

// validateManifest checks the required manifest fields.
func (m *ManifestLoader) validateManifest(manifest *ManifestFile) error {
	if manifest.Metadata.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if manifest.Metadata.Version == "" {
		return fmt.Errorf("plugin version is required")
	}
	if manifest.Metadata.Author == "" {
		return fmt.Errorf("plugin author is required")
	}
	if manifest.Metadata.License == "" {
		return fmt.Errorf("plugin license is required")
	}
	if manifest.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	for _, cap := range manifest.Capabilities {
		if cap == "" {
			return fmt.Errorf("empty capability name")
		}
	}
	return nil
}

// resolveWasmPath resolves the entrypoint to an existing wasm file.
func (m *ManifestLoader) resolveWasmPath(manifest *Manifest) error {
	if filepath.IsAbs(manifest.Raw.Entrypoint) {
		manifest.WasmPath = manifest.Raw.Entrypoint
	} else if manifest.Path != "" {
		manifest.WasmPath = filepath.Join(filepath.Dir(manifest.Path), manifest.Raw.Entrypoint)
	} else {
		manifest.WasmPath = filepath.Join(m.BaseDir, manifest.Raw.Entrypoint)
	}

	if _, err := os.Stat(manifest.WasmPath); err != nil {
		return fmt.Errorf("wasm module not found at %s: %w", manifest.WasmPath, err)
	}
	return nil
}

// VerifyChecksum verifies the wasm module against the manifest checksum.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	if m.Raw.Checksum == "" {
		return fmt.Errorf("no checksum in manifest")
	}

	hash := sha256.Sum256(wasmModule)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Raw.Checksum {
		return fmt.Errorf("wasm module checksum mismatch: expected %s, got %s", m.Raw.Checksum, computed)
	}

	m.Verified = true
	return nil
}

// Capabilities returns the capabilities the plugin requests.
func (m *Manifest) Capabilities() []string {
	caps := make([]string, len(m.Raw.Capabilities))
	copy(caps, m.Raw.Capabilities)
	return caps
}
