package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	userConfigDirName  = ".config"
	configFileName     = "config.yaml"
	repoConfigDirName  = ".ralph"
	envPrefix          = "RALPH_"
	maxConfigFileSize  = 1024 * 1024
	envNestedSeparator = "__"
)

// Options selects the configuration sources for Load.
type Options struct {
	// RepoRoot is the repository whose .ralph/config.yaml is layered over user defaults.
	RepoRoot string
	// ConfigFile replaces the repo config file when set. It must exist.
	ConfigFile string
	// UserConfigFile overrides ~/.config/ralph/config.yaml.
	UserConfigFile string
	// Overrides are dotted koanf keys applied last, typically from CLI flags.
	Overrides map[string]any
}

// Load resolves configuration from defaults, the user file, the repo file, RALPH_* environment
// variables, and CLI overrides, in that order of precedence.
//
// Environment variables drop the prefix and lowercase the rest; a double underscore nests:
//
//	RALPH_MAX_PARALLEL             -> max_parallel
//	RALPH_COMPLIANCE__POLICY       -> compliance.policy
//	RALPH_TIMEOUTS__AGENT_SECONDS  -> timeouts.agent_seconds
func Load(options Options, warn func(string)) (Config, error) {
	k := koanf.New(".")

	userPath := options.UserConfigFile
	if userPath == "" {
		path, err := UserConfigPath()
		if err != nil {
			return Config{}, err
		}
		userPath = path
	}
	if err := loadFileLayer(k, userPath, "user", false); err != nil {
		return Config{}, err
	}

	switch {
	case options.ConfigFile != "":
		if err := loadFileLayer(k, options.ConfigFile, "config", true); err != nil {
			return Config{}, err
		}
	case options.RepoRoot != "":
		if err := loadFileLayer(k, RepoConfigPath(options.RepoRoot), "repo", false); err != nil {
			return Config{}, err
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment overrides: %w", err)
	}

	keys := make([]string, 0, len(options.Overrides))
	for key := range options.Overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := k.Set(key, options.Overrides[key]); err != nil {
			return Config{}, fmt.Errorf("apply override %s: %w", key, err)
		}
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if strings.TrimSpace(cfg.RepoPath) == "" {
		cfg.RepoPath = options.RepoRoot
	}
	cfg = ApplyDefaults(cfg, warn)
	return resolvePaths(cfg)
}

// UserConfigPath returns ~/.config/ralph/config.yaml.
func UserConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(homeDir, userConfigDirName, "ralph", configFileName), nil
}

// RepoConfigPath returns the repo-local config file path.
func RepoConfigPath(repoRoot string) string {
	return filepath.Join(repoRoot, repoConfigDirName, configFileName)
}

// envKey maps RALPH_TIMEOUTS__AGENT_SECONDS to timeouts.agent_seconds.
func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, envPrefix))
	return strings.ReplaceAll(key, envNestedSeparator, ".")
}

// loadFileLayer reads a YAML file into k. Missing optional files are skipped.
func loadFileLayer(k *koanf.Koanf, path string, label string, required bool) error {
	content, err := readConfigFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("load %s config %s: %w", label, path, err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("parse %s config %s: %w", label, path, err)
	}
	return nil
}

func readConfigFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
	}
	return io.ReadAll(file)
}

// resolvePaths expands ~ and anchors relative directories. The tasks directory is relative to the
// repository; the others are relative to the working directory.
func resolvePaths(cfg Config) (Config, error) {
	var err error
	if cfg.RepoPath, err = expandPath(cfg.RepoPath); err != nil {
		return Config{}, err
	}
	for _, dir := range []*string{&cfg.StateDir, &cfg.LogsDir, &cfg.WorkspacesDir} {
		if *dir, err = expandPath(*dir); err != nil {
			return Config{}, err
		}
	}
	if cfg.TasksDir, err = expandHome(cfg.TasksDir); err != nil {
		return Config{}, err
	}
	if !filepath.IsAbs(cfg.TasksDir) && cfg.RepoPath != "" {
		cfg.TasksDir = filepath.Join(cfg.RepoPath, cfg.TasksDir)
	}
	return cfg, nil
}

func expandPath(path string) (string, error) {
	expanded, err := expandHome(path)
	if err != nil || expanded == "" {
		return expanded, err
	}
	absolute, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return absolute, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~")), nil
}
