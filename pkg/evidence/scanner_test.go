package evidence

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestScanner(opts ScanOptions) *RegexScanner {
	return NewRegexScanner(zerolog.New(nil).Level(zerolog.Disabled), opts)
}

func writeFixtureTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("failed to create fixture dir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write fixture file: %v", err)
		}
	}
}

func TestRegexScannerFindsTags(t *testing.T) {
	root := t.TempDir()
	writeFixtureTree(t, root, map[string]string{
		"pkg/intake/handler.go": "package intake\n\n// Implements DR-HIPAA-01 retention rules.\nfunc Handle() {}\n",
		"docs/notes.md":         "Covered rules: DR-HIPAA-01 and PRO-STYLE-9.\n",
	})

	scanner := newTestScanner(ScanOptions{})
	found, err := scanner.Scan(context.Background(), root, []string{"DR-HIPAA-01", "PRO-STYLE-9", "STD-MISSING"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	hipaa := found["DR-HIPAA-01"]
	if len(hipaa) != 2 {
		t.Fatalf("expected 2 locations for DR-HIPAA-01, got %d: %v", len(hipaa), hipaa)
	}
	byFile := make(map[string]int)
	for _, loc := range hipaa {
		byFile[loc.File] = loc.Line
	}
	if byFile["pkg/intake/handler.go"] != 3 {
		t.Errorf("expected DR-HIPAA-01 at pkg/intake/handler.go:3, got %v", byFile)
	}
	if byFile["docs/notes.md"] != 1 {
		t.Errorf("expected DR-HIPAA-01 at docs/notes.md:1, got %v", byFile)
	}

	if len(found["PRO-STYLE-9"]) != 1 {
		t.Errorf("expected 1 location for PRO-STYLE-9, got %v", found["PRO-STYLE-9"])
	}
	if _, ok := found["STD-MISSING"]; ok {
		t.Error("expected STD-MISSING to be absent from results")
	}
}

func TestRegexScannerTokenBoundaries(t *testing.T) {
	root := t.TempDir()
	writeFixtureTree(t, root, map[string]string{
		"a.txt": "tagged with SRC-10 here\nalso DR-HIPAA-01 here\n",
	})

	scanner := newTestScanner(ScanOptions{})

	tests := []struct {
		name     string
		sourceID string
		want     int
	}{
		{name: "exact id matches", sourceID: "SRC-10", want: 1},
		{name: "shorter id does not match inside longer", sourceID: "SRC-1", want: 0},
		{name: "parent id matches inside derived rule id", sourceID: "HIPAA", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := scanner.Scan(context.Background(), root, []string{tt.sourceID})
			if err != nil {
				t.Fatalf("scan failed: %v", err)
			}
			if len(found[tt.sourceID]) != tt.want {
				t.Errorf("expected %d locations for %s, got %v", tt.want, tt.sourceID, found[tt.sourceID])
			}
		})
	}
}

func TestRegexScannerSkipsDirs(t *testing.T) {
	root := t.TempDir()
	writeFixtureTree(t, root, map[string]string{
		".git/config":       "tagged DR-X-1\n",
		"vendor/dep/a.go":   "tagged DR-X-1\n",
		"node_modules/b.js": "tagged DR-X-1\n",
		"src/main.go":       "tagged DR-X-1\n",
	})

	scanner := newTestScanner(ScanOptions{})
	found, err := scanner.Scan(context.Background(), root, []string{"DR-X-1"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	locs := found["DR-X-1"]
	if len(locs) != 1 {
		t.Fatalf("expected 1 location, got %v", locs)
	}
	if locs[0].File != "src/main.go" {
		t.Errorf("expected match in src/main.go, got %s", locs[0].File)
	}
}

func TestRegexScannerSkipsBinaryFiles(t *testing.T) {
	root := t.TempDir()
	binary := append([]byte("DR-X-1"), 0x00, 0x01, 0x02)
	if err := os.WriteFile(filepath.Join(root, "blob.bin"), binary, 0644); err != nil {
		t.Fatalf("failed to write binary fixture: %v", err)
	}

	scanner := newTestScanner(ScanOptions{})
	found, err := scanner.Scan(context.Background(), root, []string{"DR-X-1"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("expected no matches in binary file, got %v", found)
	}
}

func TestRegexScannerSizeCap(t *testing.T) {
	root := t.TempDir()
	big := strings.Repeat("padding line\n", 100) + "DR-X-1\n"
	writeFixtureTree(t, root, map[string]string{"big.txt": big})

	scanner := newTestScanner(ScanOptions{MaxFileSize: 64})
	found, err := scanner.Scan(context.Background(), root, []string{"DR-X-1"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("expected oversized file to be skipped, got %v", found)
	}
}

func TestRegexScannerMaxMatchesPerSource(t *testing.T) {
	root := t.TempDir()
	writeFixtureTree(t, root, map[string]string{
		"a.txt": "DR-X-1\nDR-X-1\nDR-X-1\nDR-X-1\nDR-X-1\n",
	})

	scanner := newTestScanner(ScanOptions{MaxMatchesPerSource: 2})
	found, err := scanner.Scan(context.Background(), root, []string{"DR-X-1"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(found["DR-X-1"]) != 2 {
		t.Errorf("expected match cap of 2, got %d", len(found["DR-X-1"]))
	}
}

func TestRegexScannerNoSources(t *testing.T) {
	scanner := newTestScanner(ScanOptions{})
	found, err := scanner.Scan(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("expected empty result, got %v", found)
	}
}

func TestRegexScannerMissingRoot(t *testing.T) {
	scanner := newTestScanner(ScanOptions{})
	_, err := scanner.Scan(context.Background(), filepath.Join(t.TempDir(), "nope"), []string{"DR-X-1"})
	if err == nil {
		t.Fatal("expected error for missing workspace root")
	}
}

func TestRegexScannerHonorsContext(t *testing.T) {
	root := t.TempDir()
	writeFixtureTree(t, root, map[string]string{"a.txt": "DR-X-1\n"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scanner := newTestScanner(ScanOptions{})
	_, err := scanner.Scan(ctx, root, []string{"DR-X-1"})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestDefaultScanOptions(t *testing.T) {
	opts := DefaultScanOptions()
	if opts.MaxFileSize != DefaultMaxFileSize {
		t.Errorf("expected max file size %d, got %d", DefaultMaxFileSize, opts.MaxFileSize)
	}
	if opts.MaxMatchesPerSource != DefaultMaxMatchesPerSource {
		t.Errorf("expected max matches %d, got %d", DefaultMaxMatchesPerSource, opts.MaxMatchesPerSource)
	}
	if len(opts.SkipDirs) == 0 {
		t.Error("expected default skip dirs")
	}
}

func TestScanOptionsNormalized(t *testing.T) {
	opts := ScanOptions{}.Normalized()
	if opts.MaxFileSize != DefaultMaxFileSize {
		t.Errorf("expected default max file size, got %d", opts.MaxFileSize)
	}

	// An explicit empty slice disables directory skipping.
	opts = ScanOptions{SkipDirs: []string{}}.Normalized()
	if len(opts.SkipDirs) != 0 {
		t.Errorf("expected empty skip dirs to be preserved, got %v", opts.SkipDirs)
	}
}

func TestCompileMatchersDedup(t *testing.T) {
	matchers := compileMatchers([]string{"A-1", "A-1", "", "B-2"})
	if len(matchers) != 2 {
		t.Fatalf("expected 2 matchers, got %d", len(matchers))
	}
}
