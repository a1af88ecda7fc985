package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

//go:embed starter.yaml
var starterConfig []byte

const gitignoreContent = "# task manifests are tracked; everything else under .ralph is local\n*\n!.gitignore\n!config.yaml\n!tasks/\n!tasks/**\n"

// InitOptions configures init-time behaviors such as verbose logging.
type InitOptions struct {
	Verbose bool
	Writer  io.Writer
}

func (opts InitOptions) logf(format string, args ...interface{}) {
	if !opts.Verbose {
		return
	}
	writer := opts.Writer
	if writer == nil {
		writer = os.Stdout
	}
	fmt.Fprintf(writer, format+"\n", args...)
}

// InitRepo creates the .ralph layout in a repository: a starter config.yaml, the tasks directory,
// and a .gitignore. It is idempotent and never overwrites existing files.
func InitRepo(repoRoot string, opts InitOptions) error {
	if repoRoot == "" {
		return errors.New("repo root cannot be empty")
	}

	configDir := filepath.Join(repoRoot, repoConfigDirName)
	tasksDir := filepath.Join(repoRoot, defaultTasksDir)
	for _, dir := range []string{configDir, tasksDir} {
		if err := ensureDir(dir, opts); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	if err := ensureFile(filepath.Join(tasksDir, ".keep"), nil, repoRoot, opts); err != nil {
		return err
	}
	if err := ensureFile(RepoConfigPath(repoRoot), starterConfig, repoRoot, opts); err != nil {
		return err
	}
	return ensureFile(filepath.Join(configDir, ".gitignore"), []byte(gitignoreContent), repoRoot, opts)
}

func ensureDir(path string, opts InitOptions) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path %s exists but is not a directory", path)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	opts.logf("created directory %s", path)
	return nil
}

func ensureFile(path string, content []byte, repoRoot string, opts InitOptions) error {
	exists, err := pathExists(path)
	if err != nil {
		return fmt.Errorf("check %s: %w", path, err)
	}
	if exists {
		return nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	opts.logf("created file %s", repoRelativePath(repoRoot, path))
	return nil
}

func pathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func repoRelativePath(repoRoot, target string) string {
	rel, err := filepath.Rel(repoRoot, target)
	if err != nil {
		return filepath.ToSlash(target)
	}
	return filepath.ToSlash(rel)
}
