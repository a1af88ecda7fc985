// Package manifest defines normalized task manifests, the resource lock model, and
// manifest compliance checks against the files a task actually changed.
package manifest

// Manifest describes a single task as declared in its task directory.
type Manifest struct {
	ID               string   `json:"id" toml:"id"`
	Name             string   `json:"name" toml:"name"`
	Description      string   `json:"description,omitempty" toml:"description"`
	EstimatedMinutes int      `json:"estimated_minutes,omitempty" toml:"estimated_minutes"`
	Dependencies     []string `json:"dependencies,omitempty" toml:"dependencies"`
	Locks            Locks    `json:"locks" toml:"locks"`
	Files            Files    `json:"files" toml:"files"`
	AffectedTests    []string `json:"affected_tests,omitempty" toml:"affected_tests"`
	TestPaths        []string `json:"test_paths,omitempty" toml:"test_paths"`
	TDDMode          TDDMode  `json:"tdd_mode,omitempty" toml:"tdd_mode"`
	Verify           Verify   `json:"verify" toml:"verify"`
}

// Locks lists the named resources a task reads and writes.
type Locks struct {
	Reads  []string `json:"reads" toml:"reads"`
	Writes []string `json:"writes" toml:"writes"`
}

// Files lists the path globs a task declares it reads and writes.
type Files struct {
	Reads  []string `json:"reads" toml:"reads"`
	Writes []string `json:"writes" toml:"writes"`
}

// Verify holds the shell commands used to verify a task attempt.
type Verify struct {
	Doctor string `json:"doctor" toml:"doctor"`
	Fast   string `json:"fast,omitempty" toml:"fast"`
	Lint   string `json:"lint,omitempty" toml:"lint"`
}

// TDDMode selects whether a task must add failing tests before implementation.
type TDDMode string

const (
	// TDDModeOff runs implementation directly.
	TDDModeOff TDDMode = "off"
	// TDDModeStrict requires a failing-test stage before implementation.
	TDDModeStrict TDDMode = "strict"
)

// Resource maps a named resource to the repository paths it owns.
type Resource struct {
	Name        string   `json:"name" koanf:"name"`
	Description string   `json:"description,omitempty" koanf:"description"`
	Paths       []string `json:"paths" koanf:"paths"`
}

// Catalog is the set of resources known to a project.
type Catalog []Resource

// Names returns the resource names in catalog order.
func (catalog Catalog) Names() []string {
	names := make([]string, 0, len(catalog))
	for _, resource := range catalog {
		names = append(names, resource.Name)
	}
	return names
}

// Has reports whether the catalog declares the named resource.
func (catalog Catalog) Has(name string) bool {
	for _, resource := range catalog {
		if resource.Name == name {
			return true
		}
	}
	return false
}

// Task pairs a normalized manifest with the files it was loaded from.
type Task struct {
	Manifest     Manifest
	Dir          string
	ManifestPath string
	SpecPath     string
	Spec         string
}

// IsStrictTDD reports whether the manifest opts into the failing-test stage.
func (manifest Manifest) IsStrictTDD() bool {
	return manifest.TDDMode == TDDModeStrict
}
