package main

import (
	"bytes"
	"fmt"
	"regexp"
)

const (
	scannerName    = "regex.scanner"
	scannerVersion = "1.0.0"

	// maxMatchesPerSource mirrors the builtin scanner cap so plugin scans
	// produce review packets of the same size.
	maxMatchesPerSource = 100
)

// Log levels understood by the host's log_message import.
const (
	logDebug uint32 = 0
	logInfo  uint32 = 1
	logWarn  uint32 = 2
)

// location points at one line of evidence, relative to the scan root.
type location struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// scanRequest is the payload the host hands to scanner_scan.
type scanRequest struct {
	Root      string   `json:"root"`
	SourceIDs []string `json:"source_ids"`
}

// scanResponse is the payload scanner_scan returns.
type scanResponse struct {
	Evidence map[string][]location `json:"evidence"`
	Error    string                `json:"error,omitempty"`
}

// metadata is the self-description returned by scanner_metadata.
type metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	License     string `json:"license"`
	Description string `json:"description,omitempty"`
}

func scannerInfo() *metadata {
	return &metadata{
		Name:        scannerName,
		Version:     scannerVersion,
		Author:      "TaskWarden Authors",
		License:     "Apache-2.0",
		Description: "Matches cited source ids as whole tokens against workspace files",
	}
}

// workspace is the host access surface. The wasm build backs it with the
// env imports; tests back it with an in-memory tree.
type workspace interface {
	List(subdir string) ([]string, error)
	Read(path string) ([]byte, error)
	Log(level uint32, msg string)
}

// runScan walks every file the host serves and records where each source
// id appears. Unreadable files are logged and skipped so partial access
// never aborts evidence collection.
func runScan(req *scanRequest, ws workspace) *scanResponse {
	found := make(map[string][]location)
	matchers := compileMatchers(req.SourceIDs)
	if len(matchers) == 0 {
		return &scanResponse{Evidence: found}
	}

	files, err := ws.List("")
	if err != nil {
		return &scanResponse{Error: fmt.Sprintf("failed to list workspace: %v", err)}
	}

	scanned := 0
	for _, file := range files {
		data, err := ws.Read(file)
		if err != nil {
			ws.Log(logWarn, fmt.Sprintf("skipping unreadable file %s: %v", file, err))
			continue
		}
		if looksBinary(data) {
			continue
		}
		scanned++
		scanLines(data, file, matchers, found, maxMatchesPerSource)
	}

	ws.Log(logDebug, fmt.Sprintf("scanned %d of %d files, %d sources found", scanned, len(files), len(found)))
	return &scanResponse{Evidence: found}
}

// tagMatcher matches one source id as a whole token. Word boundaries keep
// SRC-1 from matching inside SRC-10.
type tagMatcher struct {
	id string
	re *regexp.Regexp
}

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

// scanLines records matches per line. The split is manual so an over-long
// line never aborts the rest of the file.
func scanLines(data []byte, file string, matchers []tagMatcher, found map[string][]location, maxPerSource int) {
	line := 0
	for len(data) > 0 {
		line++
		var text []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			text, data = data[:i], data[i+1:]
		} else {
			text, data = data, nil
		}
		for _, m := range matchers {
			if maxPerSource > 0 && len(found[m.id]) >= maxPerSource {
				continue
			}
			if m.re.Match(text) {
				found[m.id] = append(found[m.id], location{File: file, Line: line})
			}
		}
	}
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
