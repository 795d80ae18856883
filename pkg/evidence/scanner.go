// Package evidence locates provenance tags in workspace trees.
//
// The review path requires proof that a task's cited source ids actually
// appear in the work product. Scanners produce that proof as source id to
// file/line mappings: RegexScanner walks a local tree, SSHScanner walks a
// remote tree over SFTP, and plugin.Host delegates the scan to a sandboxed
// WASM module.
package evidence

import (
	"bufio"
	"bytes"
	"context"
	"regexp"
)

// Location points at one line of evidence inside a scanned workspace.
type Location struct {
	// File is the path relative to the scan root, slash separated.
	File string `json:"file"`

	// Line is the 1-based line number where the tag appears.
	Line int `json:"line"`
}

// Scanner locates provenance tags in a workspace tree.
//
// Scan searches the tree rooted at root for occurrences of each source id
// and returns the locations where they appear. A source id missing from
// the result map was not found anywhere; the caller decides whether that
// is acceptable.
type Scanner interface {
	Scan(ctx context.Context, root string, sourceIDs []string) (map[string][]Location, error)
}

const (
	// DefaultMaxFileSize is the largest file a scanner reads by default.
	DefaultMaxFileSize = 1 << 20

	// DefaultMaxMatchesPerSource caps the locations recorded per source id.
	DefaultMaxMatchesPerSource = 100
)

// ScanOptions tunes how a workspace tree is walked.
type ScanOptions struct {
	// SkipDirs are directory names excluded from the walk. nil selects the
	// defaults; pass an empty slice to scan everything.
	SkipDirs []string

	// MaxFileSize is the largest file in bytes a scanner will read.
	MaxFileSize int64

	// MaxMatchesPerSource caps the locations recorded per source id so a
	// heavily tagged tree cannot bloat review packets.
	MaxMatchesPerSource int
}

// DefaultScanOptions returns the standard scan tuning.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		SkipDirs:            []string{".git", ".hg", ".svn", "node_modules", "vendor"},
		MaxFileSize:         DefaultMaxFileSize,
		MaxMatchesPerSource: DefaultMaxMatchesPerSource,
	}
}

// Normalized returns a copy with zero fields replaced by their defaults.
func (o ScanOptions) Normalized() ScanOptions {
	defaults := DefaultScanOptions()
	if o.SkipDirs == nil {
		o.SkipDirs = defaults.SkipDirs
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = defaults.MaxFileSize
	}
	if o.MaxMatchesPerSource <= 0 {
		o.MaxMatchesPerSource = defaults.MaxMatchesPerSource
	}
	return o
}

func makeSkipSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

// tagMatcher matches one source id as a whole token.
type tagMatcher struct {
	id string
	re *regexp.Regexp
}

// compileMatchers builds one matcher per distinct source id. Word
// boundaries keep SRC-1 from matching inside SRC-10, while a rule id like
// DR-HIPAA-01 still matches a scan for HIPAA at its hyphen boundaries.
func compileMatchers(sourceIDs []string) []tagMatcher {
	matchers := make([]tagMatcher, 0, len(sourceIDs))
	seen := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		matchers = append(matchers, tagMatcher{
			id: id,
			re: regexp.MustCompile(`\b` + regexp.QuoteMeta(id) + `\b`),
		})
	}
	return matchers
}

// scanContent scans one file's contents line by line and records matches
// in found. file should already be relative to the scan root.
func scanContent(data []byte, file string, matchers []tagMatcher, found map[string][]Location, maxPerSource int) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), int(DefaultMaxFileSize))

	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		for _, m := range matchers {
			if maxPerSource > 0 && len(found[m.id]) >= maxPerSource {
				continue
			}
			if m.re.MatchString(text) {
				found[m.id] = append(found[m.id], Location{File: file, Line: line})
			}
		}
	}
	// An over-long line aborts the rest of this file, never the walk.
	return sc.Err()
}

// looksBinary reports whether the leading bytes contain a NUL, the usual
// tell for non-text content.
func looksBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}
