package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	jsonManifestName = "manifest.json"
	tomlManifestName = "manifest.toml"
	specFileName     = "spec.md"
)

// LoadOptions supplies project defaults applied before normalization.
type LoadOptions struct {
	DefaultDoctor string
	DefaultLint   string
	Catalog       Catalog
	// Warn receives non-fatal manifest issues.
	Warn func(string)
}

// LoadTaskDir loads every task directory under root. Each task directory holds a
// manifest.json or manifest.toml and an optional spec.md.
func LoadTaskDir(root string, options LoadOptions) ([]Task, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("tasks dir is required")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read tasks dir %s: %w", root, err)
	}

	var (
		tasks  []Task
		issues []string
	)
	seen := map[string]string{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		task, ok, err := loadTask(dir, options)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if previous, dup := seen[task.Manifest.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %s in %s and %s", task.Manifest.ID, previous, dir)
		}
		seen[task.Manifest.ID] = dir
		for _, issue := range ValidateLocks(task.Manifest, options.Catalog) {
			issues = append(issues, fmt.Sprintf("task %s: %s", task.Manifest.ID, issue))
		}
		if reason := StrictTDDSkipReason(task.Manifest); reason != "" && options.Warn != nil {
			options.Warn(fmt.Sprintf("task %s: strict tdd_mode without %s; failing-test stage will be skipped", task.Manifest.ID, strings.TrimPrefix(reason, "missing_")))
		}
		tasks = append(tasks, task)
	}
	if len(issues) > 0 {
		return nil, fmt.Errorf("invalid task manifests:\n- %s", strings.Join(issues, "\n- "))
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Manifest.ID < tasks[j].Manifest.ID
	})
	return tasks, nil
}

// ReadManifestFile decodes a manifest file by extension and normalizes it.
func ReadManifestFile(path string, options LoadOptions) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var raw Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
		}
	default:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&raw); err != nil {
			return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
		}
	}
	if strings.TrimSpace(raw.Verify.Doctor) == "" {
		raw.Verify.Doctor = options.DefaultDoctor
	}
	if strings.TrimSpace(raw.Verify.Lint) == "" {
		raw.Verify.Lint = options.DefaultLint
	}
	normalized, err := Normalize(raw)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return normalized, nil
}

// loadTask reads one task directory and reports false when it holds no manifest.
func loadTask(dir string, options LoadOptions) (Task, bool, error) {
	manifestPath := ""
	for _, name := range []string{jsonManifestName, tomlManifestName} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			manifestPath = candidate
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return Task{}, false, fmt.Errorf("stat manifest %s: %w", candidate, err)
		}
	}
	if manifestPath == "" {
		return Task{}, false, nil
	}

	parsed, err := ReadManifestFile(manifestPath, options)
	if err != nil {
		return Task{}, false, err
	}

	task := Task{Manifest: parsed, Dir: dir, ManifestPath: manifestPath}
	specPath := filepath.Join(dir, specFileName)
	spec, err := os.ReadFile(specPath)
	switch {
	case err == nil:
		task.SpecPath = specPath
		task.Spec = string(spec)
	case errors.Is(err, os.ErrNotExist):
	default:
		return Task{}, false, fmt.Errorf("read spec %s: %w", specPath, err)
	}
	return task, true, nil
}

// Manifests extracts the manifests from loaded tasks.
func Manifests(tasks []Task) []Manifest {
	manifests := make([]Manifest, 0, len(tasks))
	for _, task := range tasks {
		manifests = append(manifests, task.Manifest)
	}
	return manifests
}
