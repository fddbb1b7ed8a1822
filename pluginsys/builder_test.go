package pluginsys

import (
	"errors"
	"testing"
	"time"

	"github.com/facetcore/facetcore/pluginsys/mocks"
	"go.uber.org/mock/gomock"
)

func hookOf(t *testing.T, kind string, required []string, factory FactoryFunc) *Hook {
	t.Helper()
	h, err := CreateHook(HookOptions{Kind: kind, Source: "test", Required: required, Attach: true, Factory: factory})
	if err != nil {
		t.Fatalf("CreateHook(%q): %v", kind, err)
	}
	return h
}

func plainFactory(kind string) FactoryFunc {
	return func(ctx *Context, api any, subsystem *Subsystem) (*Facet, error) {
		return NewFacet(kind, Version{}, nil, true, false, "test", ""), nil
	}
}

// S1. Linear chain: A (no deps), B requires [A], C requires [B], registered
// in order C, B, A.
func TestBuilder_S1_LinearChain(t *testing.T) {
	sub := NewSubsystem("root", SubsystemOptions{}, nil)

	a := hookOf(t, "A", nil, plainFactory("A"))
	b, err := CreateHook(HookOptions{Kind: "B", Source: "test", Required: []string{"A"}, Attach: true, Factory: func(ctx *Context, api any, s *Subsystem) (*Facet, error) {
		return NewFacet("B", Version{}, []string{"A"}, true, false, "test", ""), nil
	}})
	if err != nil {
		t.Fatalf("create B: %v", err)
	}
	c, err := CreateHook(HookOptions{Kind: "C", Source: "test", Required: []string{"B"}, Attach: true, Factory: func(ctx *Context, api any, s *Subsystem) (*Facet, error) {
		return NewFacet("C", Version{}, []string{"B"}, true, false, "test", ""), nil
	}})
	if err != nil {
		t.Fatalf("create C: %v", err)
	}

	for _, h := range []*Hook{c, b, a} {
		if _, err := sub.Use(h); err != nil {
			t.Fatalf("use %q: %v", h.Kind, err)
		}
	}
	if _, err := sub.Build(nil); err != nil {
		t.Fatalf("build: %v", err)
	}

	fa, _ := sub.Find("A", nil)
	fb, _ := sub.Find("B", nil)
	fc, _ := sub.Find("C", nil)
	if !(fa.OrderIndex() < fb.OrderIndex() && fb.OrderIndex() < fc.OrderIndex()) {
		t.Fatalf("expected A < B < C order indices, got %d %d %d", fa.OrderIndex(), fb.OrderIndex(), fc.OrderIndex())
	}

	caps := sub.Capabilities()
	for _, want := range []string{"A", "B", "C"} {
		found := false
		for _, k := range caps {
			if k == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("capabilities %v missing %q", caps, want)
		}
	}
}

// S2. Diamond: A, B requires [A], C requires [A], D requires [B, C].
func TestBuilder_S2_Diamond(t *testing.T) {
	sub := NewSubsystem("root", SubsystemOptions{}, nil)
	mk := func(kind string, deps []string) *Hook {
		return hookOf(t, kind, deps, func(ctx *Context, api any, s *Subsystem) (*Facet, error) {
			return NewFacet(kind, Version{}, deps, true, false, "test", ""), nil
		})
	}
	for _, h := range []*Hook{mk("D", []string{"B", "C"}), mk("B", []string{"A"}), mk("C", []string{"A"}), mk("A", nil)} {
		if _, err := sub.Use(h); err != nil {
			t.Fatalf("use %q: %v", h.Kind, err)
		}
	}
	if _, err := sub.Build(nil); err != nil {
		t.Fatalf("build: %v", err)
	}
	fa, _ := sub.Find("A", nil)
	fb, _ := sub.Find("B", nil)
	fc, _ := sub.Find("C", nil)
	fd, _ := sub.Find("D", nil)
	if fa.OrderIndex() >= fb.OrderIndex() || fa.OrderIndex() >= fc.OrderIndex() {
		t.Fatalf("expected A first")
	}
	if fd.OrderIndex() <= fb.OrderIndex() || fd.OrderIndex() <= fc.OrderIndex() {
		t.Fatalf("expected D last")
	}
}

// S3. Cycle: X requires [Y], Y requires [X].
func TestBuilder_S3_Cycle(t *testing.T) {
	sub := NewSubsystem("root", SubsystemOptions{}, nil)
	x := hookOf(t, "X", []string{"Y"}, func(ctx *Context, api any, s *Subsystem) (*Facet, error) {
		return NewFacet("X", Version{}, []string{"Y"}, true, false, "test", ""), nil
	})
	y := hookOf(t, "Y", []string{"X"}, func(ctx *Context, api any, s *Subsystem) (*Facet, error) {
		return NewFacet("Y", Version{}, []string{"X"}, true, false, "test", ""), nil
	})
	sub.Use(x)
	sub.Use(y)

	_, err := sub.Build(nil)
	var cycle *DependencyCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected DependencyCycleError, got %v", err)
	}
	if len(sub.Capabilities()) != 0 {
		t.Fatalf("expected empty registry after cycle failure")
	}
	if sub.IsBuilt() {
		t.Fatalf("expected isBuilt = false")
	}
}

// S4. Init failure rollback: A ok, B requires [A] and its init throws.
func TestBuilder_S4_InitFailureRollback(t *testing.T) {
	sub := NewSubsystem("root", SubsystemOptions{}, nil)
	aDisposed := false
	a := hookOf(t, "A", nil, func(ctx *Context, api any, s *Subsystem) (*Facet, error) {
		f := NewFacet("A", Version{}, nil, true, false, "test", "")
		f.OnDispose(func() error {
			aDisposed = true
			return nil
		})
		return f, nil
	})
	b := hookOf(t, "B", []string{"A"}, func(ctx *Context, api any, s *Subsystem) (*Facet, error) {
		f := NewFacet("B", Version{}, []string{"A"}, true, false, "test", "")
		f.OnInit(func(ctx *Context, api any, s *Subsystem) error {
			return errors.New("init boom")
		})
		return f, nil
	})
	sub.Use(a)
	sub.Use(b)

	_, err := sub.Build(nil)
	if err == nil {
		t.Fatalf("expected build failure")
	}
	if len(sub.Capabilities()) != 0 {
		t.Fatalf("expected empty registry after rollback")
	}
	if !aDisposed {
		t.Fatalf("expected A's dispose callback invoked during rollback")
	}
	if sub.IsBuilt() {
		t.Fatalf("expected isBuilt = false")
	}
}

// S5. Contract violation: hook db with contract "database" requiring
// operation "query"; facet provides only "close".
func TestBuilder_S5_ContractViolation(t *testing.T) {
	contracts := NewContractRegistry()
	if err := contracts.Register(NewContract("database", []string{"query"}, nil, nil)); err != nil {
		t.Fatalf("register contract: %v", err)
	}
	sub := NewSubsystem("root", SubsystemOptions{Contracts: contracts}, nil)

	db, err := CreateHook(HookOptions{Kind: "db", Source: "test", Attach: true, Contract: "database", Factory: func(ctx *Context, api any, s *Subsystem) (*Facet, error) {
		f := NewFacet("db", Version{}, nil, true, false, "test", "database")
		f.AddOperations(map[string]any{"close": func() error { return nil }})
		return f, nil
	}})
	if err != nil {
		t.Fatalf("create hook: %v", err)
	}
	sub.Use(db)

	_, buildErr := sub.Build(nil)
	var violation *ContractViolationError
	if !errors.As(buildErr, &violation) {
		t.Fatalf("expected ContractViolationError, got %v", buildErr)
	}
	if violation.Name != "database" || len(violation.MissingOps) != 1 || violation.MissingOps[0] != "query" {
		t.Fatalf("unexpected violation: %+v", violation)
	}
	if len(sub.Capabilities()) != 0 {
		t.Fatalf("expected full rollback after contract violation")
	}
}

// S6. Reload preserves hooks, drops facets: after build with [A, B], reload
// then use(C) then build yields capabilities {A, B, C}; A.init and B.init
// each ran twice; their dispose ran once in between.
func TestBuilder_S6_ReloadPreservesHooksDropsFacets(t *testing.T) {
	sub := NewSubsystem("root", SubsystemOptions{}, nil)
	aInits, bInits, aDisposes, bDisposes := 0, 0, 0, 0

	a := hookOf(t, "A", nil, func(ctx *Context, api any, s *Subsystem) (*Facet, error) {
		f := NewFacet("A", Version{}, nil, true, false, "test", "")
		f.OnInit(func(ctx *Context, api any, s *Subsystem) error { aInits++; return nil })
		f.OnDispose(func() error { aDisposes++; return nil })
		return f, nil
	})
	b := hookOf(t, "B", []string{"A"}, func(ctx *Context, api any, s *Subsystem) (*Facet, error) {
		f := NewFacet("B", Version{}, []string{"A"}, true, false, "test", "")
		f.OnInit(func(ctx *Context, api any, s *Subsystem) error { bInits++; return nil })
		f.OnDispose(func() error { bDisposes++; return nil })
		return f, nil
	})
	sub.Use(a)
	sub.Use(b)
	if _, err := sub.Build(nil); err != nil {
		t.Fatalf("first build: %v", err)
	}

	sub.Reload()
	if sub.IsBuilt() {
		t.Fatalf("expected isBuilt = false after reload")
	}

	c := hookOf(t, "C", nil, plainFactory("C"))
	if _, err := sub.Use(c); err != nil {
		t.Fatalf("use C after reload: %v", err)
	}
	if _, err := sub.Build(nil); err != nil {
		t.Fatalf("second build: %v", err)
	}

	caps := sub.Capabilities()
	if len(caps) != 3 {
		t.Fatalf("expected 3 capabilities after reload+build, got %v", caps)
	}
	if aInits != 2 || bInits != 2 {
		t.Fatalf("expected init to run twice each, got aInits=%d bInits=%d", aInits, bInits)
	}
	if aDisposes != 1 || bDisposes != 1 {
		t.Fatalf("expected dispose to run once each between builds, got aDisposes=%d bDisposes=%d", aDisposes, bDisposes)
	}
}

func TestBuilder_MissingDependency(t *testing.T) {
	sub := NewSubsystem("root", SubsystemOptions{}, nil)
	b := hookOf(t, "B", []string{"A"}, plainFactory("B"))
	sub.Use(b)
	_, err := sub.Build(nil)
	var missing *MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingDependencyError, got %v", err)
	}
}

func TestBuilder_DiagnosticsWarnOnSlowPhase(t *testing.T) {
	ctrl := gomock.NewController(t)
	diag := mocks.NewMockDiagnostics(ctrl)
	diag.EXPECT().Warn(gomock.Any(), gomock.Any()).MinTimes(1)
	diag.EXPECT().Info(gomock.Any(), gomock.Any()).AnyTimes()

	contracts := NewContractRegistry()
	b := NewSubsystemBuilder(contracts, NewDependencyGraphCache(8), diag)
	b.thresholds = PhaseThresholds{HookExecution: time.Nanosecond, FacetInit: time.Nanosecond, Dispose: time.Nanosecond}

	sub := NewSubsystem("root", SubsystemOptions{Contracts: contracts, Diagnostics: diag}, nil)
	sub.builder = b

	slow := hookOf(t, "slow", nil, func(ctx *Context, api any, s *Subsystem) (*Facet, error) {
		time.Sleep(time.Millisecond)
		return NewFacet("slow", Version{}, nil, true, false, "test", ""), nil
	})
	sub.Use(slow)
	if _, err := sub.Build(nil); err != nil {
		t.Fatalf("build: %v", err)
	}
}
