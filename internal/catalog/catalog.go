// Package catalog reads workflow definitions from a directory of YAML or JSON
// files and registers them with the engine.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/pkg/schema"
)

// Definition is a workflow read from a catalog file.
type Definition struct {
	Path     string
	Workflow *schema.Workflow
}

// Registrar accepts workflow definitions. *engine.Engine satisfies it.
type Registrar interface {
	Register(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, error)
}

// DefinitionValidator checks a definition without registering it.
type DefinitionValidator interface {
	ValidateDefinition(wf *schema.Workflow) error
}

// ErrNoDirectory is returned by Load when dir does not exist.
var ErrNoDirectory = errors.New("catalog directory does not exist")

// Load reads every *.yaml, *.yml and *.json file under dir. YAML files may
// hold several definitions separated by "---". Hidden files and directories
// are skipped. Unknown fields, unnamed definitions and names defined twice are
// errors; all problems are reported together. Definitions are returned sorted
// by workflow name.
func Load(afs afero.Fs, dir string) ([]Definition, error) {
	info, err := afs.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoDirectory, dir)
		}
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var (
		defs []Definition
		errs []error
		seen = map[string]string{}
	)
	walkErr := afero.Walk(afs, dir, func(path string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(fi.Name(), ".") {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if fi.IsDir() || !isDefinitionFile(path) {
			return nil
		}

		wfs, err := readFile(afs, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			return nil
		}
		for _, wf := range wfs {
			if prev, dup := seen[wf.Name]; dup {
				errs = append(errs, fmt.Errorf("%s: workflow %q already defined in %s", path, wf.Name, prev))
				continue
			}
			seen[wf.Name] = path
			defs = append(defs, Definition{Path: path, Workflow: wf})
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, fmt.Errorf("walk %s: %w", dir, walkErr))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Workflow.Name < defs[j].Workflow.Name })
	return defs, nil
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func readFile(afs afero.Fs, path string) ([]*schema.Workflow, error) {
	data, err := afero.ReadFile(afs, path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		wf, err := decodeJSON(data)
		if err != nil {
			return nil, err
		}
		return []*schema.Workflow{wf}, nil
	}
	return decodeYAML(data)
}

func decodeJSON(data []byte) (*schema.Workflow, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var wf schema.Workflow
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if wf.Name == "" {
		return nil, errors.New("definition has no name")
	}
	return &wf, nil
}

func decodeYAML(data []byte) ([]*schema.Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []*schema.Workflow
	for doc := 0; ; doc++ {
		var wf schema.Workflow
		err := dec.Decode(&wf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse yaml document %d: %w", doc, err)
		}
		if isEmpty(&wf) {
			continue
		}
		if wf.Name == "" {
			return nil, fmt.Errorf("document %d: definition has no name", doc)
		}
		out = append(out, &wf)
	}
	return out, nil
}

func isEmpty(wf *schema.Workflow) bool {
	return wf.Name == "" && wf.Description == "" && len(wf.Triggers) == 0 && len(wf.Actions) == 0
}

// Check validates every definition and reports all failures together.
func Check(defs []Definition, v DefinitionValidator) error {
	var errs []error
	for _, d := range defs {
		if err := v.ValidateDefinition(d.Workflow); err != nil {
			errs = append(errs, fmt.Errorf("%s: workflow %q: %w", d.Path, d.Workflow.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Apply registers the definitions in order. A definition that fails is
// logged and skipped; the returned error joins every failure.
func Apply(ctx context.Context, r Registrar, defs []Definition, logger *slog.Logger) (int, error) {
	logger = logging.OrDiscard(logger)
	var (
		n    int
		errs []error
	)
	for _, d := range defs {
		wf, err := r.Register(ctx, d.Workflow)
		if err != nil {
			logger.ErrorContext(ctx, "catalog workflow rejected",
				"path", d.Path, "workflow", d.Workflow.Name, "error", err.Error())
			errs = append(errs, fmt.Errorf("%s: workflow %q: %w", d.Path, d.Workflow.Name, err))
			continue
		}
		n++
		logger.DebugContext(ctx, "catalog workflow registered",
			"path", d.Path, "workflow", wf.Name, "version", wf.Version)
	}
	return n, errors.Join(errs...)
}
