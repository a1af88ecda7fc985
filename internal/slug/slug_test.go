package slug

import "testing"

// TestSlugify covers the core normalization rules used for branch names.
func TestSlugify(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "whitespace only", in: "   ", want: ""},
		{name: "letters only", in: "Ralph", want: "ralph"},
		{name: "mixed case and digits", in: "Task 42", want: "task-42"},
		{name: "punctuation collapse", in: "Add!!! Parser", want: "add-parser"},
		{name: "trim hyphen", in: "--slug--", want: "slug"},
		{name: "multiple separators", in: "A/B\\C", want: "a-b-c"},
		{name: "retain numbers", in: "Rule 17-99", want: "rule-17-99"},
		{name: "accents folded", in: "Café Résumé", want: "cafe-resume"},
		{name: "non latin dropped", in: "日本 api", want: "api"},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.in); got != tt.want {
				t.Fatalf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestTruncate ensures truncation never leaves a dangling separator.
func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := Truncate("abc-def", 4); got != "abc" {
		t.Fatalf("Truncate = %q, want abc", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Fatalf("Truncate = %q, want abc", got)
	}
}
