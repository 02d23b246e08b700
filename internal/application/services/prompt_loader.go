package services

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"gopkg.in/yaml.v3"
)

//go:embed prompts/*.yaml
var defaultPrompts embed.FS

// LoadDefaultPrompts registers the built-in template for every pipeline type.
func (r *PromptRegistry) LoadDefaultPrompts() (int, error) {
	return r.LoadYAML(defaultPrompts, "prompts/*.yaml")
}

// LoadPromptDir registers every *.yaml template in dir. Templates loaded
// later win over earlier ones with the same id and version.
func (r *PromptRegistry) LoadPromptDir(dir string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read prompts dir: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("prompts dir %s is not a directory", dir)
	}
	return r.LoadYAML(os.DirFS(dir), "*.yaml")
}

// LoadYAML registers every template document in files matching pattern. A
// file may hold several documents separated by "---".
func (r *PromptRegistry) LoadYAML(fsys fs.FS, pattern string) (int, error) {
	files, err := fs.Glob(fsys, pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid prompt pattern %q: %w", pattern, err)
	}

	loaded := 0
	for _, name := range files {
		n, err := r.loadFile(fsys, name)
		loaded += n
		if err != nil {
			return loaded, err
		}
	}
	log.Info().Int("templates", loaded).Int("files", len(files)).Msg("prompt templates loaded")
	return loaded, nil
}

func (r *PromptRegistry) loadFile(fsys fs.FS, name string) (int, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return 0, fmt.Errorf("failed to open prompt file %s: %w", name, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	loaded := 0
	for {
		var tmpl entities.PromptTemplate
		if err := dec.Decode(&tmpl); err != nil {
			if errors.Is(err, io.EOF) {
				return loaded, nil
			}
			return loaded, fmt.Errorf("failed to parse prompt file %s: %w", name, err)
		}
		if err := r.Register(&tmpl); err != nil {
			return loaded, fmt.Errorf("prompt file %s: %w", name, err)
		}
		loaded++
	}
}
