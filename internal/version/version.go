// Package version reports build metadata for the tabkeeper binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/tabkeeper"

// buildVersion is set via -ldflags "-X pkt.systems/tabkeeper/internal/version.buildVersion=...".
var buildVersion = ""

// Info is the build metadata printed by `tabkeeper version`.
type Info struct {
	Module    string
	Version   string
	Revision  string
	Time      time.Time
	Dirty     bool
	GoVersion string
}

// Current returns the best available version string (without dirty suffix).
func Current() string {
	return Get().Version
}

// Get collects build metadata from the linker flag and the embedded build info.
func Get() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		info = nil
	}
	return fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) Info {
	out := Info{Module: defaultModule, GoVersion: runtime.Version()}
	vcs := readVCS(info)
	out.Revision, out.Time, out.Dirty = vcs.revision, vcs.time, vcs.modified
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		if v := strings.TrimSpace(info.GoVersion); v != "" {
			out.GoVersion = v
		}
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		out.Version = strings.TrimSuffix(strings.TrimSpace(buildVersion), "+dirty")
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = strings.TrimSuffix(info.Main.Version, "+dirty")
	case vcs.revision != "" && !vcs.time.IsZero():
		out.Version = vcs.pseudo()
	default:
		out.Version = "v0.0.0-unknown"
	}
	return out
}

// String renders the info on one line.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", i.Module, i.Version)
	if i.Revision != "" {
		fmt.Fprintf(&b, " rev=%s", shortRev(i.Revision))
	}
	if i.Dirty {
		b.WriteString(" dirty")
	}
	fmt.Fprintf(&b, " %s", i.GoVersion)
	return b.String()
}

type vcsInfo struct {
	revision string
	time     time.Time
	modified bool
}

func readVCS(info *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	if info == nil {
		return out
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			if parsed, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				out.time = parsed.UTC()
			}
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

func (v vcsInfo) pseudo() string {
	return "v0.0.0-" + v.time.Format("20060102150405") + "-" + shortRev(v.revision)
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
