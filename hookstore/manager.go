package hookstore

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/facetcore/facetcore/pluginsys"

	semver "github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"
)

// Manager ties a Resolver and a Registry together: resolve requirements,
// fetch the pinned blobs, and — via ResolveAndBuild — hand the decoded
// Hooks to a pluginsys.Subsystem.
type Manager struct {
	registry Registry
}

// NewManager constructs a Manager backed by reg.
func NewManager(reg Registry) *Manager { return &Manager{registry: reg} }

// ResolvedHook is one entry of a ResolveAndFetch result.
type ResolvedHook struct {
	Version string
	CID     CID
}

// buildTransitiveIndex walks the dependency closure of roots breadth-first,
// issuing one List call per newly-discovered package per round so a large
// remote registry is never walked in full.
func (m *Manager) buildTransitiveIndex(ctx context.Context, roots []HookID) (HookIndex, error) {
	idx := make(HookIndex)
	discovered := make(map[HookID]bool, len(roots))
	frontier := append([]HookID(nil), roots...)
	for _, name := range roots {
		discovered[name] = true
	}

	type listOutcome struct {
		err      error
		name     HookID
		versions []HookManifest
	}

	for len(frontier) > 0 {
		results := make(chan listOutcome, len(frontier))
		gate := make(chan struct{}, ioConcurrency())

		for _, name := range frontier {
			name := name
			select {
			case gate <- struct{}{}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			go func() {
				defer func() { <-gate }()
				versions, err := m.registry.List(ctx, name)
				results <- listOutcome{name: name, versions: versions, err: err}
			}()
		}

		var discoveredThisRound []HookID
		for i := 0; i < len(frontier); i++ {
			outcome := <-results
			if outcome.err != nil {
				return nil, outcome.err
			}
			idx[outcome.name] = append(idx[outcome.name], outcome.versions...)
			sort.Sort(manifestVersions(idx[outcome.name]))
			for _, manifest := range outcome.versions {
				for _, dep := range manifest.Dependencies {
					if !discovered[dep.Name] {
						discovered[dep.Name] = true
						discoveredThisRound = append(discoveredThisRound, dep.Name)
					}
				}
			}
		}
		frontier = discoveredThisRound
	}
	return idx, nil
}

// ResolveAndFetch resolves reqs against a lazily-built transitive index,
// then fetches every pinned blob in parallel with bounded concurrency.
func (m *Manager) ResolveAndFetch(ctx context.Context, reqs []HookRequirement, preferHigher bool) (map[HookID]ResolvedHook, error) {
	roots := make([]HookID, 0, len(reqs))
	seen := make(map[HookID]bool, len(reqs))
	for _, r := range reqs {
		if !seen[r.Name] {
			seen[r.Name] = true
			roots = append(roots, r.Name)
		}
	}

	idx, err := m.buildTransitiveIndex(ctx, roots)
	if err != nil {
		return nil, err
	}

	pins, err := NewResolver(idx, ResolveOptions{PreferHigher: preferHigher}).Resolve(reqs)
	if err != nil {
		return nil, err
	}

	out := make(map[HookID]ResolvedHook, len(pins))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	gate := make(chan struct{}, ioConcurrency())

	for name, version := range pins {
		name, version := name, version
		g.Go(func() error {
			select {
			case gate <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-gate }()

			exact, _ := semver.NewConstraint("=" + version)
			cid, manifest, err := m.registry.Find(gctx, name, exact)
			if err != nil {
				return fmt.Errorf("resolved %s@%s but it vanished from the registry: %w", name, version, err)
			}
			if _, err := m.registry.Fetch(gctx, cid); err != nil {
				return err
			}

			mu.Lock()
			out[name] = ResolvedHook{Version: manifest.Version, CID: cid}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveAndBuild resolves reqs, fetches every pinned blob, decodes each one
// that declares a facet kind into a pluginsys.Hook, and drives sub through
// Use then Build — the point where hook-package distribution hands off to
// the plugin-runtime core. Blobs with no facet kind (plain source) are
// fetched but not wired into sub.
func (m *Manager) ResolveAndBuild(ctx context.Context, sub *pluginsys.Subsystem, reqs []HookRequirement, preferHigher bool) (map[HookID]ResolvedHook, error) {
	resolved, err := m.ResolveAndFetch(ctx, reqs, preferHigher)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, string(name))
	}
	sort.Strings(names)

	for _, n := range names {
		name := HookID(n)
		r := resolved[name]
		blob, err := m.registry.Fetch(ctx, r.CID)
		if err != nil {
			return nil, fmt.Errorf("fetch %s@%s for build: %w", name, r.Version, err)
		}
		if blob.Manifest.FacetKind == "" {
			continue
		}
		hook, err := DecodeHook(blob)
		if err != nil {
			return nil, fmt.Errorf("decode hook %s@%s: %w", name, r.Version, err)
		}
		if _, err := sub.Use(hook); err != nil {
			return nil, fmt.Errorf("use hook %s@%s: %w", name, r.Version, err)
		}
	}

	if _, err := sub.Build(nil); err != nil {
		return nil, fmt.Errorf("build subsystem: %w", err)
	}
	return resolved, nil
}

// ioConcurrency returns the concurrency for I/O-bound tasks: reads
// FACETCORE_MAX_CONCURRENCY if set, otherwise GOMAXPROCS*8, clamped to
// [4, 1024].
func ioConcurrency() int {
	if v := os.Getenv("FACETCORE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if n > 1024 {
				return 1024
			}
			return n
		}
	}
	c := runtime.GOMAXPROCS(0) * 8
	if c < 4 {
		c = 4
	}
	if c > 1024 {
		c = 1024
	}
	return c
}
