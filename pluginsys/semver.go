package pluginsys

import (
	"fmt"
	"strings"

	mastermind "github.com/Masterminds/semver/v3"
)

// Version is a parsed MAJOR.MINOR.PATCH[-pre][+build] value.
type Version struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	Prerelease string
	Build      string

	raw *mastermind.Version
}

// DefaultVersion is the version a Hook carries when none is supplied.
const DefaultVersion = "0.0.0"

// ParseVersion parses s into a Version or fails with *InvalidSemverError.
func ParseVersion(s string) (Version, error) {
	v, err := mastermind.NewVersion(s)
	if err != nil {
		return Version{}, &InvalidSemverError{Input: s}
	}
	return Version{
		Major:      v.Major(),
		Minor:      v.Minor(),
		Patch:      v.Patch(),
		Prerelease: v.Prerelease(),
		Build:      v.Metadata(),
		raw:        v,
	}, nil
}

// String renders the version back to MAJOR.MINOR.PATCH[-pre][+build] form.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// Compare returns -1, 0, or 1 comparing the numeric triple first, then
// treating an absent prerelease as ranking above any present prerelease,
// then falling back to lexicographic prerelease comparison.
func Compare(a, b Version) int {
	if a.Major != b.Major {
		return cmpU64(a.Major, b.Major)
	}
	if a.Minor != b.Minor {
		return cmpU64(a.Minor, b.Minor)
	}
	if a.Patch != b.Patch {
		return cmpU64(a.Patch, b.Patch)
	}
	if a.Prerelease == "" && b.Prerelease == "" {
		return 0
	}
	if a.Prerelease == "" {
		return 1
	}
	if b.Prerelease == "" {
		return -1
	}
	switch {
	case a.Prerelease < b.Prerelease:
		return -1
	case a.Prerelease > b.Prerelease:
		return 1
	default:
		return 0
	}
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Satisfies reports whether version satisfies range, supporting exact, "*",
// "^", "~", ">=", ">", "<=", "<". Any other operator fails with
// *InvalidRangeError.
func Satisfies(version Version, rng string) (bool, error) {
	rng = strings.TrimSpace(rng)
	if rng == "" || rng == "*" {
		return true, nil
	}
	if version.raw == nil {
		parsed, err := ParseVersion(version.String())
		if err != nil {
			return false, err
		}
		version = parsed
	}
	if !isSupportedRange(rng) {
		return false, &InvalidRangeError{Range: rng}
	}
	constraint, err := mastermind.NewConstraint(rng)
	if err != nil {
		return false, &InvalidRangeError{Range: rng}
	}
	return constraint.Check(version.raw), nil
}

// isSupportedRange restricts ranges to the operator set spec.md §4.2 names;
// Masterminds/semver accepts a broader grammar (comma lists, hyphen ranges,
// "x" wildcards) that this runtime does not expose.
func isSupportedRange(rng string) bool {
	// One operator and one version only: what is left after stripping a
	// leading operator must itself parse as a version.
	if rng != "*" {
		operand := strings.TrimSpace(strings.TrimLeft(rng, "^~<>="))
		if _, err := mastermind.NewVersion(operand); err != nil {
			return false
		}
	}
	switch {
	case rng == "*":
		return true
	case strings.HasPrefix(rng, "^"):
		return true
	case strings.HasPrefix(rng, "~"):
		return true
	case strings.HasPrefix(rng, ">="):
		return true
	case strings.HasPrefix(rng, "<="):
		return true
	case strings.HasPrefix(rng, ">"):
		return true
	case strings.HasPrefix(rng, "<"):
		return true
	default:
		// Exact version match, e.g. "1.2.3".
		_, err := mastermind.NewVersion(rng)
		return err == nil
	}
}
