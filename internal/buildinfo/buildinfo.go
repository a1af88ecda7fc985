// Package buildinfo reports the ralph binary's version metadata.
package buildinfo

import "runtime/debug"

// Build metadata set via linker flags. Unset values fall back to the module build info embedded
// by the Go toolchain.
var (
	Version = "dev"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info is the resolved build metadata.
type Info struct {
	Version string
	Commit  string
	BuiltAt string
	Dirty   bool
}

// Current resolves build metadata from linker flags and the embedded build info.
func Current() Info {
	info, _ := debug.ReadBuildInfo()
	return resolve(info)
}

func resolve(build *debug.BuildInfo) Info {
	info := Info{Version: Version, Commit: Commit, BuiltAt: BuiltAt}
	if build == nil {
		return info
	}
	if info.Version == "dev" && build.Main.Version != "" && build.Main.Version != "(devel)" {
		info.Version = build.Main.Version
	}
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && setting.Value != "" {
				info.Commit = shortRevision(setting.Value)
			}
		case "vcs.time":
			if info.BuiltAt == "unknown" && setting.Value != "" {
				info.BuiltAt = setting.Value
			}
		case "vcs.modified":
			info.Dirty = setting.Value == "true"
		}
	}
	return info
}

func shortRevision(revision string) string {
	if len(revision) > 12 {
		return revision[:12]
	}
	return revision
}

// String formats the info as "version=<semver> commit=<sha> built_at=<rfc3339>".
func (info Info) String() string {
	commit := info.Commit
	if info.Dirty {
		commit += "-dirty"
	}
	return "version=" + info.Version + " commit=" + commit + " built_at=" + info.BuiltAt
}

// String returns the current build metadata line printed by `ralph version`.
func String() string {
	return Current().String()
}
