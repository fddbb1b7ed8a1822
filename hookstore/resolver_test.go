package hookstore

import "testing"

func mf(name HookID, version string, deps ...HookDependency) HookManifest {
	return HookManifest{Name: name, Version: version, Dependencies: deps}
}

func mfKind(name HookID, version, kind string, attach bool, deps ...HookDependency) HookManifest {
	return HookManifest{Name: name, Version: version, Dependencies: deps, FacetKind: kind, Attach: attach}
}

func TestResolver_LinearDependencyChain(t *testing.T) {
	idx := HookIndex{
		"app":   {mf("app", "1.0.0", HookDependency{Name: "cache", Constraint: "^1.0.0"})},
		"cache": {mf("cache", "1.0.0"), mf("cache", "1.3.0"), mf("cache", "2.0.0")},
	}
	r := NewResolver(idx, ResolveOptions{PreferHigher: true})
	res, err := r.Resolve([]HookRequirement{{Name: "app", Constraint: "^1.0.0"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res["cache"] != "1.3.0" {
		t.Fatalf("expected cache@1.3.0 (highest ^1.0.0 match), got %s", res["cache"])
	}
}

func TestResolver_ConflictingConstraintsFail(t *testing.T) {
	idx := HookIndex{
		"cache": {mf("cache", "1.0.0")},
	}
	r := NewResolver(idx, ResolveOptions{})
	_, err := r.Resolve([]HookRequirement{{Name: "cache", Constraint: "^2.0.0"}})
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	if _, ok := err.(*ConflictError); !ok {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
}

func TestResolver_DependencyCycleDetected(t *testing.T) {
	idx := HookIndex{
		"a": {mf("a", "1.0.0", HookDependency{Name: "b", Constraint: "^1.0.0"})},
		"b": {mf("b", "1.0.0", HookDependency{Name: "a", Constraint: "^1.0.0"})},
	}
	r := NewResolver(idx, ResolveOptions{})
	_, err := r.Resolve([]HookRequirement{{Name: "a", Constraint: "^1.0.0"}})
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if _, ok := err.(*CycleError); !ok {
		t.Fatalf("expected *CycleError, got %T", err)
	}
}

func TestResolver_MergesConstraintsAcrossRoots(t *testing.T) {
	idx := HookIndex{
		"cache": {mf("cache", "1.0.0"), mf("cache", "1.5.0"), mf("cache", "1.9.0")},
	}
	r := NewResolver(idx, ResolveOptions{PreferHigher: true})
	res, err := r.Resolve([]HookRequirement{
		{Name: "cache", Constraint: ">=1.0.0"},
		{Name: "cache", Constraint: "<1.9.0"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res["cache"] != "1.5.0" {
		t.Fatalf("expected merged constraint to pick 1.5.0, got %s", res["cache"])
	}
}

func TestResolver_FacetKindConflictBetweenNonAttachingPackages(t *testing.T) {
	idx := HookIndex{
		"app": {mf("app", "1.0.0",
			HookDependency{Name: "cache-redis", Constraint: "^1.0.0"},
			HookDependency{Name: "cache-memcached", Constraint: "^1.0.0"},
		)},
		"cache-redis":     {mfKind("cache-redis", "1.0.0", "cache", false)},
		"cache-memcached": {mfKind("cache-memcached", "1.0.0", "cache", false)},
	}
	r := NewResolver(idx, ResolveOptions{PreferHigher: true})
	_, err := r.Resolve([]HookRequirement{{Name: "app", Constraint: "^1.0.0"}})
	if err == nil {
		t.Fatalf("expected a facet kind conflict")
	}
	if _, ok := err.(*FacetKindConflictError); !ok {
		t.Fatalf("expected *FacetKindConflictError, got %T (%v)", err, err)
	}
}

func TestResolver_AttachAllowsSharedFacetKind(t *testing.T) {
	idx := HookIndex{
		"app": {mf("app", "1.0.0",
			HookDependency{Name: "cache-redis", Constraint: "^1.0.0"},
			HookDependency{Name: "cache-metrics", Constraint: "^1.0.0"},
		)},
		"cache-redis":   {mfKind("cache-redis", "1.0.0", "cache", false)},
		"cache-metrics": {mfKind("cache-metrics", "1.0.0", "cache", true)},
	}
	r := NewResolver(idx, ResolveOptions{PreferHigher: true})
	res, err := r.Resolve([]HookRequirement{{Name: "app", Constraint: "^1.0.0"}})
	if err != nil {
		t.Fatalf("expected attach to permit sharing a facet kind, got: %v", err)
	}
	if res["cache-redis"] != "1.0.0" || res["cache-metrics"] != "1.0.0" {
		t.Fatalf("expected both cache packages pinned, got %+v", res)
	}
}

func TestResolver_PreferLowerWhenNotPreferHigher(t *testing.T) {
	idx := HookIndex{
		"cache": {mf("cache", "1.0.0"), mf("cache", "1.5.0")},
	}
	r := NewResolver(idx, ResolveOptions{PreferHigher: false})
	res, err := r.Resolve([]HookRequirement{{Name: "cache", Constraint: "^1.0.0"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res["cache"] != "1.0.0" {
		t.Fatalf("expected lowest satisfying version, got %s", res["cache"])
	}
}
