package buildinfo

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		commit   string
		build    *debug.BuildInfo
		expected string
	}{
		{
			name:     "no build info",
			version:  "dev",
			commit:   "unknown",
			expected: "version=dev commit=unknown built_at=unknown",
		},
		{
			name:    "linker flags win",
			version: "1.2.3",
			commit:  "8d3f2a1",
			build: &debug.BuildInfo{
				Main:     debug.Module{Version: "v0.9.0"},
				Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "ffffffffffffffff"}},
			},
			expected: "version=1.2.3 commit=8d3f2a1 built_at=unknown",
		},
		{
			name:    "module build info fills gaps",
			version: "dev",
			commit:  "unknown",
			build: &debug.BuildInfo{
				Main: debug.Module{Version: "v0.4.0"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "0123456789abcdef0123"},
					{Key: "vcs.time", Value: "2026-02-14T09:30:00Z"},
					{Key: "vcs.modified", Value: "true"},
				},
			},
			expected: "version=v0.4.0 commit=0123456789ab-dirty built_at=2026-02-14T09:30:00Z",
		},
		{
			name:     "devel version ignored",
			version:  "dev",
			commit:   "unknown",
			build:    &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
			expected: "version=dev commit=unknown built_at=unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origVersion, origCommit, origBuiltAt := Version, Commit, BuiltAt
			t.Cleanup(func() {
				Version, Commit, BuiltAt = origVersion, origCommit, origBuiltAt
			})
			Version, Commit, BuiltAt = tt.version, tt.commit, "unknown"

			if got := resolve(tt.build).String(); got != tt.expected {
				t.Errorf("resolve().String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestStringFormat(t *testing.T) {
	result := String()
	for _, key := range []string{"version=", "commit=", "built_at="} {
		if !strings.Contains(result, key) {
			t.Errorf("String() = %q, missing %q", result, key)
		}
	}
	if parts := strings.Split(result, " "); len(parts) != 3 {
		t.Errorf("String() should have 3 space-separated parts, got %d: %q", len(parts), result)
	}
}
