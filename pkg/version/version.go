// Package version reports the version of covtrace and how it was built.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"text/tabwriter"
)

// Version is a semantic version of covtrace.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
}

// CovtraceVersion is the current version of covtrace.
var CovtraceVersion = Version{Major: "0", Minor: "3", Patch: "0"}

func (v Version) String() string {
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, Revision())
}

// Revision returns the VCS revision the binary was built from, with a
// "-dirty" suffix for modified trees, or "unknown".
func Revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	var rev, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}
	if rev == "" {
		return "unknown"
	}
	if modified == "true" {
		rev += "-dirty"
	}
	return rev
}

// BuildInfo returns the Go version and the modules covtrace was built
// with, one per line.
func BuildInfo() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	info, ok := debug.ReadBuildInfo()
	if !ok {
		sb.WriteString("not built in module mode\n")
		return sb.String()
	}
	w := tabwriter.NewWriter(&sb, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			fmt.Fprintf(w, "dep\t%s\t%s\t=> %s %s\n", dep.Path, dep.Version, dep.Replace.Path, dep.Replace.Version)
			continue
		}
		fmt.Fprintf(w, "dep\t%s\t%s\n", dep.Path, dep.Version)
	}
	w.Flush()
	return sb.String()
}
