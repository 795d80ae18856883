package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/taskwarden/taskwarden/pkg/evidence"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func testManifestYAML(name, version, checksum string) string {
	return fmt.Sprintf(`
metadata:
  name: %s
  version: %s
  author: TaskWarden Authors
  license: Apache-2.0
  description: Test scanner plugin
capabilities:
  - workspace:list
  - workspace:read
entrypoint: scanner.wasm
checksum: %q
`, name, version, checksum)
}

func TestManifestLoader(t *testing.T) {
	t.Run("LoadFromBytes", func(t *testing.T) {
		loader := NewManifestLoader(t.TempDir())
		wasmModule := []byte("fake wasm module")

		manifest, err := loader.LoadFromBytes([]byte(testManifestYAML("tag-scan", "1.0.0", "")), wasmModule)
		if err != nil {
			t.Fatalf("failed to load manifest: %v", err)
		}

		if manifest.Raw.Metadata.Name != "tag-scan" {
			t.Errorf("expected name 'tag-scan', got '%s'", manifest.Raw.Metadata.Name)
		}
		if manifest.Raw.Metadata.Version != "1.0.0" {
			t.Errorf("expected version '1.0.0', got '%s'", manifest.Raw.Metadata.Version)
		}

		caps := manifest.Capabilities()
		if len(caps) != 2 {
			t.Errorf("expected 2 capabilities, got %v", caps)
		}
		if manifest.Verified {
			t.Error("expected unverified manifest without checksum")
		}
	})

	t.Run("ChecksumVerified", func(t *testing.T) {
		loader := NewManifestLoader(t.TempDir())
		wasmModule := []byte("fake wasm module")
		sum := sha256.Sum256(wasmModule)

		manifest, err := loader.LoadFromBytes(
			[]byte(testManifestYAML("tag-scan", "1.0.0", hex.EncodeToString(sum[:]))), wasmModule)
		if err != nil {
			t.Fatalf("failed to load manifest: %v", err)
		}
		if !manifest.Verified {
			t.Error("expected manifest to be verified")
		}
	})

	t.Run("ChecksumMismatch", func(t *testing.T) {
		loader := NewManifestLoader(t.TempDir())
		sum := sha256.Sum256([]byte("other bytes"))

		_, err := loader.LoadFromBytes(
			[]byte(testManifestYAML("tag-scan", "1.0.0", hex.EncodeToString(sum[:]))), []byte("fake wasm module"))
		if err == nil {
			t.Fatal("expected checksum mismatch error")
		}
	})

	t.Run("ValidateManifest", func(t *testing.T) {
		tests := []struct {
			name        string
			manifest    *ManifestFile
			expectError bool
		}{
			{
				name: "valid manifest",
				manifest: &ManifestFile{
					Metadata: Metadata{
						Name:    "tag-scan",
						Version: "1.0.0",
						Author:  "Test",
						License: "MIT",
					},
					Entrypoint: "scanner.wasm",
				},
				expectError: false,
			},
			{
				name: "missing name",
				manifest: &ManifestFile{
					Metadata: Metadata{
						Version: "1.0.0",
						Author:  "Test",
						License: "MIT",
					},
					Entrypoint: "scanner.wasm",
				},
				expectError: true,
			},
			{
				name: "missing entrypoint",
				manifest: &ManifestFile{
					Metadata: Metadata{
						Name:    "tag-scan",
						Version: "1.0.0",
						Author:  "Test",
						License: "MIT",
					},
				},
				expectError: true,
			},
			{
				name: "empty capability",
				manifest: &ManifestFile{
					Metadata: Metadata{
						Name:    "tag-scan",
						Version: "1.0.0",
						Author:  "Test",
						License: "MIT",
					},
					Capabilities: []string{"workspace:read", ""},
					Entrypoint:   "scanner.wasm",
				},
				expectError: true,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				loader := NewManifestLoader(t.TempDir())
				err := loader.validateManifest(tt.manifest)

				if tt.expectError && err == nil {
					t.Error("expected error, got none")
				}
				if !tt.expectError && err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
			})
		}
	})
}

func TestManifestFromFile(t *testing.T) {
	dir := t.TempDir()

	manifestPath := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(manifestPath, []byte(testManifestYAML("file-scan", "1.0.0", "")), 0644); err != nil {
		t.Fatalf("failed to write manifest file: %v", err)
	}

	wasmPath := filepath.Join(dir, "scanner.wasm")
	if err := os.WriteFile(wasmPath, []byte("fake wasm"), 0644); err != nil {
		t.Fatalf("failed to write wasm file: %v", err)
	}

	loader := NewManifestLoader(dir)
	manifest, err := loader.LoadFromFile(manifestPath)
	if err != nil {
		t.Fatalf("failed to load manifest from file: %v", err)
	}

	if manifest.Raw.Metadata.Name != "file-scan" {
		t.Errorf("expected name 'file-scan', got '%s'", manifest.Raw.Metadata.Name)
	}
	if manifest.WasmPath != wasmPath {
		t.Errorf("expected wasm path '%s', got '%s'", wasmPath, manifest.WasmPath)
	}
}

func TestManifestFromFileMissingWasm(t *testing.T) {
	dir := t.TempDir()

	manifestPath := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(manifestPath, []byte(testManifestYAML("file-scan", "1.0.0", "")), 0644); err != nil {
		t.Fatalf("failed to write manifest file: %v", err)
	}

	loader := NewManifestLoader(dir)
	if _, err := loader.LoadFromFile(manifestPath); err == nil {
		t.Error("expected error for missing wasm module")
	}
}

func TestEnforcer(t *testing.T) {
	root := t.TempDir()
	writeFile := func(rel, content string) {
		t.Helper()
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	}
	writeFile("src/main.go", "package main\n")
	writeFile("docs/notes.md", "notes\n")
	writeFile(".git/config", "config\n")

	full := NewEnforcer(
		[]string{string(CapabilityWorkspaceList), string(CapabilityWorkspaceRead)},
		evidence.ScanOptions{}, 0)

	t.Run("Has", func(t *testing.T) {
		if !full.Has(CapabilityWorkspaceList) {
			t.Error("expected workspace:list to be granted")
		}
		none := NewEnforcer(nil, evidence.ScanOptions{}, 0)
		if none.Has(CapabilityWorkspaceRead) {
			t.Error("expected workspace:read to not be granted")
		}
	})

	t.Run("ListWorkspace", func(t *testing.T) {
		files, err := full.ListWorkspace(root, "")
		if err != nil {
			t.Fatalf("failed to list workspace: %v", err)
		}
		if len(files) != 2 {
			t.Fatalf("expected 2 files, got %v", files)
		}
		for _, f := range files {
			if f == ".git/config" {
				t.Error("expected .git to be skipped")
			}
		}
	})

	t.Run("ListWorkspaceSubdir", func(t *testing.T) {
		files, err := full.ListWorkspace(root, "src")
		if err != nil {
			t.Fatalf("failed to list subdir: %v", err)
		}
		if len(files) != 1 || files[0] != "src/main.go" {
			t.Errorf("expected [src/main.go], got %v", files)
		}
	})

	t.Run("ListWorkspaceDenied", func(t *testing.T) {
		none := NewEnforcer(nil, evidence.ScanOptions{}, 0)
		if _, err := none.ListWorkspace(root, ""); err == nil {
			t.Error("expected capability error")
		}
	})

	t.Run("ListWorkspaceFileCap", func(t *testing.T) {
		capped := NewEnforcer([]string{string(CapabilityWorkspaceList)}, evidence.ScanOptions{}, 1)
		files, err := capped.ListWorkspace(root, "")
		if err != nil {
			t.Fatalf("failed to list workspace: %v", err)
		}
		if len(files) != 1 {
			t.Errorf("expected file cap of 1, got %v", files)
		}
	})

	t.Run("ReadWorkspaceFile", func(t *testing.T) {
		data, err := full.ReadWorkspaceFile(root, "src/main.go")
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		if string(data) != "package main\n" {
			t.Errorf("unexpected content: %q", data)
		}
	})

	t.Run("ReadDenied", func(t *testing.T) {
		listOnly := NewEnforcer([]string{string(CapabilityWorkspaceList)}, evidence.ScanOptions{}, 0)
		if _, err := listOnly.ReadWorkspaceFile(root, "src/main.go"); err == nil {
			t.Error("expected capability error")
		}
	})

	t.Run("PathTraversal", func(t *testing.T) {
		if _, err := full.ReadWorkspaceFile(root, "../outside.txt"); err == nil {
			t.Error("expected error for path traversal")
		}
		if _, err := full.ReadWorkspaceFile(root, "/etc/passwd"); err == nil {
			t.Error("expected error for absolute path")
		}
	})

	t.Run("SizeCap", func(t *testing.T) {
		small := NewEnforcer(
			[]string{string(CapabilityWorkspaceRead)},
			evidence.ScanOptions{MaxFileSize: 4}, 0)
		if _, err := small.ReadWorkspaceFile(root, "src/main.go"); err == nil {
			t.Error("expected error for oversized file")
		}
	})
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(testLogger(), t.TempDir(), nil)

	t.Run("RegisterAndList", func(t *testing.T) {
		err := registry.Register(context.Background(),
			[]byte(testManifestYAML("tag-scan", "1.0.0", "")), []byte("fake wasm"))
		if err != nil {
			t.Fatalf("failed to register: %v", err)
		}

		// Duplicate registration is rejected.
		err = registry.Register(context.Background(),
			[]byte(testManifestYAML("tag-scan", "1.0.0", "")), []byte("fake wasm"))
		if err == nil {
			t.Error("expected error for duplicate registration")
		}

		list := registry.List()
		if len(list) != 1 || list[0].Name != "tag-scan" {
			t.Errorf("expected [tag-scan], got %v", list)
		}
	})

	t.Run("AllowedCapabilities", func(t *testing.T) {
		restricted := NewRegistry(testLogger(), t.TempDir(), nil)
		restricted.SetAllowedCapabilities([]string{string(CapabilityWorkspaceList)})

		err := restricted.Register(context.Background(),
			[]byte(testManifestYAML("greedy", "1.0.0", "")), []byte("fake wasm"))
		if err == nil {
			t.Error("expected registration to fail for disallowed capability")
		}

		if err := restricted.ValidateCapabilities([]string{string(CapabilityWorkspaceRead)}); err == nil {
			t.Error("expected error for disallowed capability")
		}
		if err := restricted.ValidateCapabilities([]string{string(CapabilityWorkspaceList)}); err != nil {
			t.Errorf("expected no error, got: %v", err)
		}
	})

	t.Run("GetInvalidWasm", func(t *testing.T) {
		// Registration defers instantiation, so garbage wasm surfaces here.
		_, err := registry.Get(context.Background(), "tag-scan", "1.0.0")
		if err == nil {
			t.Error("expected instantiation error for fake wasm bytes")
		}
	})

	t.Run("VersionResolution", func(t *testing.T) {
		versioned := NewRegistry(testLogger(), t.TempDir(), nil)
		for _, v := range []string{"1.0.0", "1.0.1", "1.1.0"} {
			err := versioned.Register(context.Background(),
				[]byte(testManifestYAML("tag-scan", v, "")), []byte("fake wasm"))
			if err != nil {
				t.Fatalf("failed to register %s: %v", v, err)
			}
		}

		tests := []struct {
			version string
			want    string
		}{
			{version: "1.0.0", want: "tag-scan@1.0.0"},
			{version: "latest", want: "tag-scan@1.1.0"},
			{version: "", want: "tag-scan@1.1.0"},
			{version: "~1.0.0", want: "tag-scan@1.0.1"},
			{version: "^1.0.0", want: "tag-scan@1.1.0"},
		}
		for _, tt := range tests {
			key, err := versioned.resolveVersion("tag-scan", tt.version)
			if err != nil {
				t.Errorf("version %q: unexpected error: %v", tt.version, err)
				continue
			}
			if key != tt.want {
				t.Errorf("version %q: expected %s, got %s", tt.version, tt.want, key)
			}
		}

		if _, err := versioned.resolveVersion("missing", "1.0.0"); err == nil {
			t.Error("expected error for unknown plugin")
		}
	})

	t.Run("BuildPluginKey", func(t *testing.T) {
		if key := buildPluginKey("tag-scan", "1.0.0"); key != "tag-scan@1.0.0" {
			t.Errorf("expected 'tag-scan@1.0.0', got '%s'", key)
		}
	})

	t.Run("Unregister", func(t *testing.T) {
		if err := registry.Unregister(context.Background(), "tag-scan", "1.0.0"); err != nil {
			t.Fatalf("failed to unregister: %v", err)
		}
		if len(registry.List()) != 0 {
			t.Error("expected empty registry after unregister")
		}
	})
}

func TestRegistryScanDirectory(t *testing.T) {
	dir := t.TempDir()

	// One valid plugin.
	good := filepath.Join(dir, "tag-scan")
	if err := os.MkdirAll(good, 0755); err != nil {
		t.Fatalf("failed to create plugin dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(good, "manifest.yaml"),
		[]byte(testManifestYAML("tag-scan", "1.0.0", "")), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(good, "scanner.wasm"), []byte("fake wasm"), 0644); err != nil {
		t.Fatalf("failed to write wasm: %v", err)
	}

	// One broken plugin that should be skipped.
	broken := filepath.Join(dir, "broken")
	if err := os.MkdirAll(broken, 0755); err != nil {
		t.Fatalf("failed to create plugin dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(broken, "manifest.yaml"), []byte("::: not yaml"), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	registry := NewRegistry(testLogger(), dir, nil)
	if err := registry.ScanDirectory(context.Background(), dir); err != nil {
		t.Fatalf("scan directory failed: %v", err)
	}

	list := registry.List()
	if len(list) != 1 || list[0].Name != "tag-scan" {
		t.Errorf("expected only tag-scan to register, got %v", list)
	}
}
