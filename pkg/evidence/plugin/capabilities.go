package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/taskwarden/taskwarden/pkg/evidence"
)

// Capability names an operation a scanner plugin may be granted.
type Capability string

const (
	// CapabilityWorkspaceList lets the guest enumerate workspace files.
	CapabilityWorkspaceList Capability = "workspace:list"

	// CapabilityWorkspaceRead lets the guest read workspace file contents.
	CapabilityWorkspaceRead Capability = "workspace:read"
)

// Enforcer gates workspace access for one plugin instance. The guest never
// touches the filesystem directly; every access funnels through here.
type Enforcer struct {
	granted  map[string]bool
	opts     evidence.ScanOptions
	maxFiles int
}

// NewEnforcer creates an enforcer granting the listed capabilities. The
// scan options bound which parts of the tree are served.
func NewEnforcer(capabilities []string, opts evidence.ScanOptions, maxFiles int) *Enforcer {
	e := &Enforcer{
		granted:  make(map[string]bool, len(capabilities)),
		opts:     opts.Normalized(),
		maxFiles: maxFiles,
	}
	for _, cap := range capabilities {
		e.granted[cap] = true
	}
	return e
}

// Has reports whether a capability was granted.
func (e *Enforcer) Has(c Capability) bool {
	return e.granted[string(c)]
}

// ListWorkspace returns the relative slash-separated paths of scannable
// files under root, optionally narrowed to subdir. Requires workspace:list.
func (e *Enforcer) ListWorkspace(root, subdir string) ([]string, error) {
	if !e.Has(CapabilityWorkspaceList) {
		return nil, fmt.Errorf("capability %s not granted", CapabilityWorkspaceList)
	}
	if root == "" {
		return nil, fmt.Errorf("no workspace root")
	}

	start := filepath.Clean(root)
	if subdir != "" {
		p, err := securePath(root, subdir)
		if err != nil {
			return nil, err
		}
		start = p
	}

	skip := make(map[string]bool, len(e.opts.SkipDirs))
	for _, name := range e.opts.SkipDirs {
		skip[name] = true
	}

	var files []string
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != start && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.Size() > e.opts.MaxFileSize {
			return nil
		}
		if e.maxFiles > 0 && len(files) >= e.maxFiles {
			return fs.SkipAll
		}
		rel, err := filepath.Rel(filepath.Clean(root), path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace: %w", err)
	}
	return files, nil
}

// ReadWorkspaceFile returns the contents of one workspace file. Requires
// workspace:read.
func (e *Enforcer) ReadWorkspaceFile(root, rel string) ([]byte, error) {
	if !e.Has(CapabilityWorkspaceRead) {
		return nil, fmt.Errorf("capability %s not granted", CapabilityWorkspaceRead)
	}
	if root == "" {
		return nil, fmt.Errorf("no workspace root")
	}

	full, err := securePath(root, rel)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("failed to stat workspace file: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", rel)
	}
	if fi.Size() > e.opts.MaxFileSize {
		return nil, fmt.Errorf("%s exceeds the %d byte scan limit", rel, e.opts.MaxFileSize)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace file: %w", err)
	}
	return data, nil
}

// securePath joins rel onto root and rejects anything that escapes it.
func securePath(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}

	cleanRoot := filepath.Clean(root)
	full := filepath.Join(cleanRoot, filepath.FromSlash(rel))
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes the workspace root")
	}
	return full, nil
}
