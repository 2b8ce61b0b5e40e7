package cobalt

import (
	"strings"

	"github.com/coreos/go-semver/semver"
)

// parseVersion accepts loose versions such as "10", "v10.2" or
// "10.2.1-beta" by padding the numeric core to three components.
func parseVersion(s string) (*semver.Version, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return nil, false
	}
	core, rest := s, ""
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		core, rest = s[:i], s[i:]
	}
	parts := strings.Split(core, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	v, err := semver.NewVersion(strings.Join(parts, ".") + rest)
	if err != nil {
		return nil, false
	}
	return v, true
}

// VersionAtLeast reports whether version is min or newer. Versions compare
// numerically component by component, so "10.0" is newer than "9.0". When
// either side does not parse the strings are compared as text. An empty
// min accepts everything; an empty version never satisfies a non-empty min.
func VersionAtLeast(version, min string) bool {
	if strings.TrimSpace(min) == "" {
		return true
	}
	if strings.TrimSpace(version) == "" {
		return false
	}
	v, okV := parseVersion(version)
	m, okM := parseVersion(min)
	if okV && okM {
		return !v.LessThan(*m)
	}
	return version >= min
}
