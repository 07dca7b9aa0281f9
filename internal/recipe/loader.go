package recipe

import (
	"context"
	"path/filepath"

	"github.com/anthropics/agentd/internal/scheduler"
)

// FileLoader implements scheduler.RecipeLoader (the seam recipe_runner.go
// left open) by resolving a job's Recipe field as a path under BaseDir,
// parsing it, and merging in the job's bound Params.
type FileLoader struct {
	BaseDir string
}

func NewFileLoader(baseDir string) *FileLoader {
	return &FileLoader{BaseDir: baseDir}
}

func (l *FileLoader) Load(ctx context.Context, recipe string, params map[string]any) (*scheduler.LoadedRecipe, error) {
	path := recipe
	if l.BaseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(l.BaseDir, path)
	}
	bundle, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	prompt, err := bundle.Resolve(params)
	if err != nil {
		return nil, err
	}
	return &scheduler.LoadedRecipe{
		Prompt: prompt,
		Model:  bundle.Model,
		System: bundle.System,
	}, nil
}

var _ scheduler.RecipeLoader = (*FileLoader)(nil)
