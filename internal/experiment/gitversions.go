package experiment

import (
	"context"
	"os/exec"
	"runtime/debug"
	"strings"
	"time"
)

// SelfVersionKey records the revision the trainpipe binary was built from.
const SelfVersionKey = "trainpipe"

const gitTimeout = 5 * time.Second

// GitVersions resolves the HEAD revision of each path. Paths that are not
// inside a git checkout, or when git is unavailable, map to
// NoVersionAvailable.
func GitVersions(ctx context.Context, paths []string) map[string]string {
	out := map[string]string{SelfVersionKey: buildRevision()}
	for _, p := range paths {
		out[p] = gitHead(ctx, p)
	}
	return out
}

func gitHead(ctx context.Context, dir string) string {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	raw, err := cmd.Output()
	if err != nil {
		return NoVersionAvailable
	}
	rev := strings.TrimSpace(string(raw))
	if rev == "" {
		return NoVersionAvailable
	}
	return rev
}

func buildRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return NoVersionAvailable
	}
	rev, dirty := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return NoVersionAvailable
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}
