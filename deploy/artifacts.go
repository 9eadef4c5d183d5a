package deploy

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNoArtifacts is returned when a deploy stage's patterns match
// nothing. Deploying an empty set almost always means the build stage
// didn't produce what the config expects, so it fails loudly instead
// of "succeeding" with zero files.
var ErrNoArtifacts = errors.New("no artifacts matched")

// Artifact is one file selected for transfer.
type Artifact struct {
	// Path is where the file lives on disk.
	Path string

	// Rel is the path the file keeps under the target's directory.
	Rel string
}

// SelectArtifacts globs the workspace for the stage's artifact
// patterns. Matches are deduplicated across patterns and returned in
// sorted order so every target receives the same set in the same
// order. Directories are skipped; only regular files transfer.
func SelectArtifacts(workdir string, patterns []string) ([]Artifact, error) {
	fsys := os.DirFS(workdir)

	seen := map[string]bool{}
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, err
		}

		for _, match := range matches {
			if seen[match] {
				continue
			}

			info, err := fs.Stat(fsys, match)
			if err != nil {
				return nil, err
			}
			if !info.Mode().IsRegular() {
				continue
			}

			seen[match] = true
		}
	}

	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, ErrNoArtifacts
	}

	artifacts := make([]Artifact, 0, len(paths))
	for _, path := range paths {
		artifacts = append(artifacts, Artifact{
			Path: filepath.Join(workdir, path),
			Rel:  path,
		})
	}

	return artifacts, nil
}

// Rebase applies a target's strip prefix to selected artifacts, so
// "dist/index.html" can land as "index.html". Artifacts outside the
// prefix keep their paths. The input is not modified; selection runs
// once per stage while each target brings its own prefix.
func Rebase(artifacts []Artifact, stripPrefix string) []Artifact {
	if stripPrefix == "" {
		return artifacts
	}

	strip := stripPrefix
	if !strings.HasSuffix(strip, "/") {
		strip += "/"
	}

	rebased := make([]Artifact, len(artifacts))
	for i, a := range artifacts {
		if strings.HasPrefix(a.Rel, strip) {
			a.Rel = a.Rel[len(strip):]
		}
		rebased[i] = a
	}

	return rebased
}
