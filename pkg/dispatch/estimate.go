package dispatch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"

	"github.com/jingkaihe/handoff/pkg/logger"
)

// CharsPerToken is the rough ratio used to turn characters into tokens
const CharsPerToken = 4

// skippedDirs are never walked when estimating a directory
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	"venv":         true,
	".venv":        true,
	"dist":         true,
	"build":        true,
}

// sourceFiles matches the base names counted inside directories
var sourceFiles = glob.MustCompile("*.{py,js,ts,rs,go,md,txt}")

// EstimateTokens approximates the tokens a delegation consumes: the prompt
// length plus the size of every file, divided by CharsPerToken. Directories
// are walked and only source-like files count. Unreadable paths are skipped.
func EstimateTokens(ctx context.Context, prompt string, files []string) int {
	total := int64(len(prompt))
	for _, path := range files {
		total += pathSize(ctx, path)
	}
	return int(total / CharsPerToken)
}

func pathSize(ctx context.Context, path string) int64 {
	log := logger.G(ctx).WithField("path", path)

	info, err := os.Stat(path)
	if err != nil {
		log.WithError(err).Debug("could not access file for token estimate")
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}

	var size int64
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			log.WithError(err).Debug("skipping unreadable entry")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != path && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !sourceFiles.Match(d.Name()) {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			size += fi.Size()
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Debug("directory walk stopped early")
	}
	return size
}
