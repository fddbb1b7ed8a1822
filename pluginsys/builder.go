package pluginsys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// plan is the cached output of the verify+resolve phases: a topological
// order over kinds and (implicitly, via the registry's own recomputation)
// their dependency levels.
type plan struct {
	orderedKinds []string
}

// DependencyGraphCache memoizes resolved plans keyed by a stable digest of
// the hook set (kinds + versions + required arrays), so an unchanged hook
// list skips re-resolving on repeated builds.
type DependencyGraphCache struct {
	cache *lru[string, plan]
}

// NewDependencyGraphCache constructs a cache holding up to capacity plans.
func NewDependencyGraphCache(capacity int) *DependencyGraphCache {
	return &DependencyGraphCache{cache: newLRU[string, plan](capacity)}
}

// digest computes a stable key for a hook set.
func digest(hooks []*Hook) string {
	parts := make([]string, 0, len(hooks))
	for _, h := range hooks {
		req := make([]string, len(h.Required))
		copy(req, h.Required)
		sort.Strings(req)
		parts = append(parts, fmt.Sprintf("%s@%s[%s]", h.Kind, h.Version.String(), strings.Join(req, ",")))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Invalidate drops any cached plan for hooks, used whenever the hook set
// mutates (e.g. Subsystem.Use after a prior build).
func (c *DependencyGraphCache) Invalidate(hooks []*Hook) {
	c.cache.Delete(digest(hooks))
}

// SubsystemBuilder resolves a Subsystem's hook list into an install order
// and drives the registry through install, contract enforcement, and user
// init callbacks.
type SubsystemBuilder struct {
	contracts   *ContractRegistry
	graphCache  *DependencyGraphCache
	diag        Diagnostics
	thresholds  PhaseThresholds
}

// NewSubsystemBuilder constructs a builder backed by contracts. diag may be
// nil (defaults to a no-op sink).
func NewSubsystemBuilder(contracts *ContractRegistry, cache *DependencyGraphCache, diag Diagnostics) *SubsystemBuilder {
	if diag == nil {
		diag = NoopDiagnostics{}
	}
	if cache == nil {
		cache = NewDependencyGraphCache(64)
	}
	return &SubsystemBuilder{contracts: contracts, graphCache: cache, diag: diag, thresholds: DefaultPhaseThresholds()}
}

// Build runs the full pipeline: verify, plan, install, enforce contracts,
// run user init callbacks. On any failure the registry is left exactly as
// it was before Build was called.
func (b *SubsystemBuilder) Build(subsystem *Subsystem, registry *FacetRegistry, hooks []*Hook, ctx *Context, api any) error {
	facetsByKind, contractByKind, err := b.verify(subsystem, hooks, ctx, api)
	if err != nil {
		return err
	}

	orderedKinds, err := b.resolvePlan(hooks, facetsByKind)
	if err != nil {
		return err
	}

	if err := timePhase(b.diag, "install", "<batch>", b.thresholds.FacetInit, func() error {
		return registry.AddMany(orderedKinds, facetsByKind, AddOpts{Init: true, Attach: true, Ctx: ctx, API: api})
	}); err != nil {
		return err
	}

	if err := b.enforceContracts(orderedKinds, facetsByKind, contractByKind, registry, ctx, api, subsystem); err != nil {
		return err
	}

	if err := subsystem.runInitCallbacks(); err != nil {
		b.rollbackInstalled(orderedKinds, registry)
		return err
	}

	return nil
}

// verify calls each hook's factory to obtain a draft facet, collecting
// kind->facet and kind->contract-name. A hook colliding with an existing
// kind may proceed only if its overwrite flag is true.
func (b *SubsystemBuilder) verify(subsystem *Subsystem, hooks []*Hook, ctx *Context, api any) (map[string]*Facet, map[string]string, error) {
	facetsByKind := make(map[string]*Facet, len(hooks))
	contractByKind := make(map[string]string, len(hooks))

	for _, h := range hooks {
		if _, exists := facetsByKind[h.Kind]; exists && !h.Overwrite {
			return nil, nil, &DuplicateFacetError{Kind: h.Kind}
		}

		var facet *Facet
		err := timePhase(b.diag, "hookExecution", h.Kind, b.thresholds.HookExecution, func() error {
			var callErr error
			facet, callErr = h.Call(ctx, api, subsystem)
			return callErr
		})
		if err != nil {
			return nil, nil, fmt.Errorf("hook %q factory failed: %w", h.Kind, err)
		}

		facetsByKind[h.Kind] = facet
		if h.Contract != "" {
			contractByKind[h.Kind] = h.Contract
		}
	}
	return facetsByKind, contractByKind, nil
}

// resolvePlan builds the dependency graph from each facet's declared
// dependencies and returns a topological order via Kahn's algorithm,
// consulting and refreshing the plan cache by hook-set digest.
func (b *SubsystemBuilder) resolvePlan(hooks []*Hook, facetsByKind map[string]*Facet) ([]string, error) {
	key := digest(hooks)
	if cached, ok := b.graphCache.cache.Get(key); ok {
		return cached.orderedKinds, nil
	}

	inDegree := make(map[string]int, len(facetsByKind))
	dependents := make(map[string][]string, len(facetsByKind))
	for kind := range facetsByKind {
		inDegree[kind] = 0
	}
	for kind, facet := range facetsByKind {
		for _, dep := range facet.GetDependencies() {
			if _, present := facetsByKind[dep]; !present {
				return nil, &MissingDependencyError{Kind: dep, RequiredBy: kind}
			}
			inDegree[kind]++
			dependents[dep] = append(dependents[dep], kind)
		}
	}

	// Stable order: process zero-in-degree nodes in a deterministic order so
	// ties break by original registration order, per spec.md §5.
	registrationOrder := make([]string, 0, len(facetsByKind))
	seen := make(map[string]bool, len(facetsByKind))
	for _, h := range hooks {
		if !seen[h.Kind] {
			seen[h.Kind] = true
			registrationOrder = append(registrationOrder, h.Kind)
		}
	}

	var queue []string
	enqueued := make(map[string]bool, len(facetsByKind))
	for _, kind := range registrationOrder {
		if inDegree[kind] == 0 {
			queue = append(queue, kind)
			enqueued[kind] = true
		}
	}

	var ordered []string
	for len(queue) > 0 {
		kind := queue[0]
		queue = queue[1:]
		ordered = append(ordered, kind)
		for _, dependent := range dependents[kind] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 && !enqueued[dependent] {
				queue = append(queue, dependent)
				enqueued[dependent] = true
			}
		}
	}

	if len(ordered) != len(facetsByKind) {
		var residual []string
		for kind := range facetsByKind {
			if !enqueued[kind] {
				residual = append(residual, kind)
			}
		}
		sort.Strings(residual)
		return nil, &DependencyCycleError{ResidualKinds: residual}
	}

	b.graphCache.cache.Put(key, plan{orderedKinds: ordered})
	return ordered, nil
}

func (b *SubsystemBuilder) enforceContracts(orderedKinds []string, facetsByKind map[string]*Facet, contractByKind map[string]string, registry *FacetRegistry, ctx *Context, api any, subsystem *Subsystem) error {
	for _, kind := range orderedKinds {
		name, ok := contractByKind[kind]
		if !ok {
			continue
		}
		if err := b.contracts.Enforce(name, ctx, api, subsystem, facetsByKind[kind]); err != nil {
			b.rollbackInstalled(orderedKinds, registry)
			return err
		}
	}
	return nil
}

// rollbackInstalled removes every kind in orderedKinds from registry in
// reverse order, disposing each facet, used for the post-install rollbacks
// contract violations and user init-callback failures trigger.
func (b *SubsystemBuilder) rollbackInstalled(orderedKinds []string, registry *FacetRegistry) {
	for i := len(orderedKinds) - 1; i >= 0; i-- {
		registry.Remove(orderedKinds[i])
	}
}
