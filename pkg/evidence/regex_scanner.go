package evidence

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// RegexScanner walks a local workspace tree and matches provenance tags
// against file contents.
type RegexScanner struct {
	opts   ScanOptions
	logger zerolog.Logger
}

// NewRegexScanner creates a scanner over the local filesystem. Zero fields
// in opts take their defaults.
func NewRegexScanner(logger zerolog.Logger, opts ScanOptions) *RegexScanner {
	return &RegexScanner{
		opts:   opts.Normalized(),
		logger: logger,
	}
}

// Scan implements Scanner over the tree rooted at root. Unreadable entries
// are skipped with a warning so partial permissions never abort evidence
// collection.
func (s *RegexScanner) Scan(ctx context.Context, root string, sourceIDs []string) (map[string][]Location, error) {
	found := make(map[string][]Location)
	matchers := compileMatchers(sourceIDs)
	if len(matchers) == 0 {
		return found, nil
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}

	skip := makeSkipSet(s.opts.SkipDirs)
	files := 0

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			s.logger.Warn().Err(walkErr).Str("path", path).Msg("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if path != root && skip[d.Name()] {
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
		if fi.Size() > s.opts.MaxFileSize {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable file")
			return nil
		}
		if looksBinary(data) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}

		files++
		if err := scanContent(data, filepath.ToSlash(rel), matchers, found, s.opts.MaxMatchesPerSource); err != nil {
			s.logger.Debug().Err(err).Str("path", path).Msg("scan stopped early in file")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("root", root).
		Int("files", files).
		Int("sources_found", len(found)).
		Msg("workspace scan complete")

	return found, nil
}
