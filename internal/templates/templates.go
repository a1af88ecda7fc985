// Package templates provides the embedded prompt templates sent to agents.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"text/template"
)

const promptsRoot = "prompts"

// Prompt template lookup keys.
const (
	PromptStageA         = "prompts/stage_a.md"
	PromptImplementation = "prompts/implementation.md"
	PromptRetry          = "prompts/retry.md"
)

//go:embed prompts/*.md
var embeddedFS embed.FS

var requiredTemplates = []string{
	PromptStageA,
	PromptImplementation,
	PromptRetry,
}

// Required returns the template lookup keys the worker renders.
func Required() []string {
	return append([]string(nil), requiredTemplates...)
}

// Read returns the embedded template contents for the provided lookup key.
func Read(name string) ([]byte, error) {
	cleaned, err := sanitizeName(name)
	if err != nil {
		return nil, err
	}

	data, err := fs.ReadFile(embeddedFS, cleaned)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", cleaned, err)
	}
	return data, nil
}

// Render executes the named template with data. Missing keys are an error.
func Render(name string, data any) (string, error) {
	raw, err := Read(name)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return strings.TrimSpace(out.String()) + "\n", nil
}

// sanitizeName validates and normalizes template lookup keys.
func sanitizeName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errors.New("template name is required")
	}
	if strings.HasPrefix(trimmed, "/") {
		return "", errors.New("template name must be relative")
	}
	if strings.Contains(trimmed, "\\") {
		return "", errors.New("template name must use forward slashes")
	}
	segments := strings.Split(trimmed, "/")
	for _, segment := range segments {
		if segment == "" {
			return "", errors.New("template name must not contain empty segments")
		}
		if segment == "." || segment == ".." {
			return "", errors.New("template name must not include dot segments")
		}
	}

	cleaned := path.Clean(trimmed)
	if !strings.HasPrefix(cleaned, promptsRoot+"/") {
		return "", errors.New("template name must start with prompts/")
	}
	return cleaned, nil
}
