package hookstore

import (
	"fmt"
	"sort"
	"strings"

	semver "github.com/Masterminds/semver/v3"
)

// HookIndex lists all published versions per hook package.
type HookIndex map[HookID][]HookManifest

// HookRequirement describes a root constraint for resolution.
type HookRequirement struct {
	Name       HookID
	Constraint string
}

// HookResolution is the final mapping of hook package -> pinned version.
type HookResolution map[HookID]string

// ResolveOptions controls resolution behavior.
type ResolveOptions struct {
	// PreferHigher picks the highest satisfying version; otherwise the lowest.
	PreferHigher bool
	// MaxDepth guards against runaway recursion; 0 means unlimited.
	MaxDepth int
}

// ConflictError indicates constraints on a hook package cannot be satisfied.
type ConflictError struct {
	Package HookID
	Reason  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("hookstore: resolution conflict for %s: %s", e.Package, e.Reason)
}

// CycleError indicates a dependency cycle among hook packages (distinct
// from pluginsys.DependencyCycleError, which reports facet-kind cycles
// inside a single build). Stack is the actual descent chain that closed the
// loop, in traversal order.
type CycleError struct {
	Stack []HookID
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Stack))
	for i, p := range e.Stack {
		parts[i] = string(p)
	}
	return fmt.Sprintf("hookstore: dependency cycle detected: %s", strings.Join(parts, " -> "))
}

// FacetKindConflictError indicates two distinct hook packages were both
// selected for resolution and both provide the same pluginsys.Hook kind,
// with neither willing to attach onto the other — the hookstore-level
// analogue of pluginsys.AttachConflictError, raised before any Hook is ever
// constructed.
type FacetKindConflictError struct {
	Kind    string
	Owner   HookID
	Package HookID
}

func (e *FacetKindConflictError) Error() string {
	return fmt.Sprintf("hookstore: facet kind %q is already provided by %s; %s does not declare attach and cannot also provide it", e.Kind, e.Owner, e.Package)
}

// Resolver performs backtracking version-constraint resolution over a
// HookIndex, additionally enforcing that at most one non-attaching package
// in a resolution may claim a given FacetKind.
type Resolver struct {
	index HookIndex
	opts  ResolveOptions
}

// NewResolver constructs a resolver over index.
func NewResolver(index HookIndex, opts ResolveOptions) *Resolver {
	return &Resolver{index: index, opts: opts}
}

// Resolve computes a version assignment satisfying every requirement,
// every transitive hook-package dependency, and the facet-kind exclusivity
// rule above.
func (r *Resolver) Resolve(reqs []HookRequirement) (HookResolution, error) {
	wanted := make(map[HookID]*semver.Constraints)
	for _, q := range reqs {
		c, err := parseConstraint(q.Constraint)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", q.Name, err)
		}
		if existing, ok := wanted[q.Name]; ok {
			combined, err := semver.NewConstraint(existing.String() + ", " + c.String())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", q.Name, err)
			}
			wanted[q.Name] = combined
		} else {
			wanted[q.Name] = c
		}
	}

	roots := make([]HookID, 0, len(wanted))
	for id := range wanted {
		roots = append(roots, id)
	}
	sort.Slice(roots, func(i, j int) bool { return string(roots[i]) < string(roots[j]) })

	pins := make(HookResolution)
	owners := make(map[string]HookID)

	for _, root := range roots {
		if _, ok := pins[root]; ok {
			continue
		}
		if err := r.pin(root, wanted[root], pins, owners, nil, 0); err != nil {
			return nil, err
		}
	}
	return pins, nil
}

// pin attempts to settle pkg on a version satisfying con, recursing into its
// dependencies and backtracking (including facet-kind ownership) on
// failure. path records the current descent chain for cycle reporting.
func (r *Resolver) pin(pkg HookID, con *semver.Constraints, pins HookResolution, owners map[string]HookID, path []HookID, depth int) error {
	if r.opts.MaxDepth > 0 && depth > r.opts.MaxDepth {
		return &ConflictError{Package: pkg, Reason: "max depth exceeded"}
	}
	for _, ancestor := range path {
		if ancestor == pkg {
			return &CycleError{Stack: append(append([]HookID{}, path...), pkg)}
		}
	}
	if pinned, ok := pins[pkg]; ok {
		return r.checkPinnedCompatible(pkg, pinned, con)
	}

	candidates := r.rankedCandidates(pkg)
	if len(candidates) == 0 {
		return &ConflictError{Package: pkg, Reason: "no versions in index"}
	}

	descent := make([]HookID, len(path)+1)
	copy(descent, path)
	descent[len(path)] = pkg

	var lastKindConflict *FacetKindConflictError
	var lastCycle *CycleError
	for _, candidate := range candidates {
		version := mustSemver(candidate.Version)
		if con != nil && !con.Check(version) {
			continue
		}

		var priorOwner HookID
		hadOwner := false
		if candidate.FacetKind != "" {
			if owner, exists := owners[candidate.FacetKind]; exists && owner != pkg && !candidate.Attach {
				lastKindConflict = &FacetKindConflictError{Kind: candidate.FacetKind, Owner: owner, Package: pkg}
				continue
			}
			priorOwner, hadOwner = owners[candidate.FacetKind]
			owners[candidate.FacetKind] = pkg
		}

		pins[pkg] = candidate.Version
		err := r.pinDependencies(candidate, pins, owners, descent, depth)
		if err == nil {
			return nil
		}
		switch e := err.(type) {
		case *CycleError:
			lastCycle = e
		case *FacetKindConflictError:
			lastKindConflict = e
		}

		delete(pins, pkg)
		if candidate.FacetKind != "" {
			if hadOwner {
				owners[candidate.FacetKind] = priorOwner
			} else {
				delete(owners, candidate.FacetKind)
			}
		}
	}

	if lastCycle != nil {
		return lastCycle
	}
	if lastKindConflict != nil {
		return lastKindConflict
	}
	return &ConflictError{Package: pkg, Reason: fmt.Sprintf("no candidate satisfies %s", humanConstraint(con))}
}

func (r *Resolver) pinDependencies(candidate HookManifest, pins HookResolution, owners map[string]HookID, descent []HookID, depth int) error {
	for _, dep := range candidate.Dependencies {
		depConstraint, err := parseConstraint(dep.Constraint)
		if err != nil {
			return fmt.Errorf("%s depends on %s: %w", candidate.Name, dep.Name, err)
		}
		if err := r.pin(dep.Name, depConstraint, pins, owners, descent, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) checkPinnedCompatible(pkg HookID, pinnedVersion string, con *semver.Constraints) error {
	sv, err := semver.NewVersion(pinnedVersion)
	if err != nil {
		return fmt.Errorf("%s pinned invalid version: %w", pkg, err)
	}
	if con != nil && !con.Check(sv) {
		return &ConflictError{Package: pkg, Reason: fmt.Sprintf("pinned %s violates %s", pinnedVersion, con.String())}
	}
	return nil
}

func (r *Resolver) rankedCandidates(pkg HookID) []HookManifest {
	candidates := append([]HookManifest(nil), r.index[pkg]...)
	sort.Slice(candidates, func(i, j int) bool {
		vi := mustSemver(candidates[i].Version)
		vj := mustSemver(candidates[j].Version)
		if r.opts.PreferHigher {
			return vi.GreaterThan(vj)
		}
		return vi.LessThan(vj)
	})
	return candidates
}

func parseConstraint(expr string) (*semver.Constraints, error) {
	if strings.TrimSpace(expr) == "" {
		return semver.NewConstraint(">=0.0.0")
	}
	return semver.NewConstraint(expr)
}

func humanConstraint(c *semver.Constraints) string {
	if c == nil {
		return "<any>"
	}
	return c.String()
}
