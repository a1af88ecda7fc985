package worker

import (
	"reflect"
	"testing"
)

// TestResolveCommand covers token substitution and the optional thread argument.
func TestResolveCommand(t *testing.T) {
	t.Parallel()
	template := []string{"agent", "exec", "--cd", "{workdir}", "--resume={thread_id}", "--task", "{task_id}-{attempt}", "{prompt_path}"}
	tests := []struct {
		name   string
		values TemplateValues
		want   []string
	}{
		{
			name:   "new session drops thread token",
			values: TemplateValues{PromptPath: "/w/p.md", Workdir: "/w", TaskID: "001", Attempt: 1},
			want:   []string{"agent", "exec", "--cd", "/w", "--task", "001-1", "/w/p.md"},
		},
		{
			name:   "resumed session keeps thread token",
			values: TemplateValues{PromptPath: "/w/p.md", Workdir: "/w", TaskID: "001", ThreadID: "th-1", Attempt: 3},
			want:   []string{"agent", "exec", "--cd", "/w", "--resume=th-1", "--task", "001-3", "/w/p.md"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ResolveCommand(template, tt.values)
			if err != nil {
				t.Fatalf("ResolveCommand returned error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ResolveCommand = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestResolveCommandRequiresPrompt rejects templates that never receive the prompt.
func TestResolveCommandRequiresPrompt(t *testing.T) {
	t.Parallel()
	if _, err := ResolveCommand([]string{"agent", "{workdir}"}, TemplateValues{Workdir: "/w", PromptPath: "/w/p.md"}); err == nil {
		t.Fatal("expected error without {prompt_path}")
	}
	if _, err := ResolveCommand(nil, TemplateValues{Workdir: "/w"}); err == nil {
		t.Fatal("expected error for empty template")
	}
	if _, err := ResolveCommand([]string{"agent", "{prompt_path}"}, TemplateValues{Workdir: "/w"}); err == nil {
		t.Fatal("expected error for missing prompt path")
	}
}
