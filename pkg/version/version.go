package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const defaultVersion = "0.1.0-dev"

// Version of the running binary. Release builds set it with
// -ldflags "-X github.com/jcserv/homelab/pkg/version.Version=<value>"; otherwise it is derived
// from the module or VCS build info.
var Version = defaultVersion

var readBuildInfo = debug.ReadBuildInfo

func init() {
	Version = deriveVersion(Version)
}

// Build describes the binary for the version command and the startup event.
type Build struct {
	Version   string
	Revision  string
	Modified  bool
	GoVersion string
}

// Current returns build details for the running binary.
func Current() Build {
	b := Build{Version: Version, GoVersion: runtime.Version()}
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return b
	}
	if info.GoVersion != "" {
		b.GoVersion = info.GoVersion
	}
	b.Revision, b.Modified = vcsRevision(info.Settings)
	return b
}

func (b Build) String() string {
	var sb strings.Builder
	sb.WriteString(b.Version)
	if b.Revision != "" && !strings.Contains(b.Version, shortRevision(b.Revision)) {
		fmt.Fprintf(&sb, " (%s", shortRevision(b.Revision))
		if b.Modified {
			sb.WriteString(", modified")
		}
		sb.WriteString(")")
	}
	if b.GoVersion != "" {
		sb.WriteString(" ")
		sb.WriteString(b.GoVersion)
	}
	return sb.String()
}

func deriveVersion(current string) string {
	if current != "" && current != defaultVersion {
		return current
	}
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return current
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	revision, modified := vcsRevision(info.Settings)
	if revision == "" {
		return current
	}
	v := "devel+" + shortRevision(revision)
	if modified {
		v += "-dirty"
	}
	return v
}

func vcsRevision(settings []debug.BuildSetting) (revision string, modified bool) {
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			revision = strings.TrimSpace(setting.Value)
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	return revision, modified
}

func shortRevision(revision string) string {
	if len(revision) > 12 {
		return revision[:12]
	}
	return revision
}
