package dispatch

import (
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
)

// ExpandFiles expands glob patterns ("**" included) into paths. Matches keep
// pattern order and are de-duplicated; a pattern matching nothing is passed
// through unchanged so a missing file is reported later instead of vanishing.
func ExpandFiles(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, pattern := range patterns {
		if !doublestar.ValidatePathPattern(pattern) {
			return nil, errors.Errorf("invalid file pattern: %s", pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to expand %s", pattern)
		}
		if len(matches) == 0 {
			add(pattern)
			continue
		}
		for _, m := range matches {
			add(m)
		}
	}
	return files, nil
}

// FileRefs turns paths into the references embedded in a prompt: files as
// they are, directories as "dir/**/*". Paths that do not exist are returned
// separately and left out.
func FileRefs(paths []string) (refs []string, missing []string) {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			missing = append(missing, p)
			continue
		}
		if info.IsDir() {
			refs = append(refs, filepath.ToSlash(filepath.Clean(p))+"/**/*")
			continue
		}
		refs = append(refs, p)
	}
	return refs, missing
}
