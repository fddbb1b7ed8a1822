package pluginsys

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// SubsystemState is the lifecycle stage of a whole Subsystem.
type SubsystemState int

const (
	SubsystemConstructed SubsystemState = iota
	SubsystemBuilding
	SubsystemReady
	SubsystemDisposing
	SubsystemDisposed
)

// SubsystemOptions configures a new Subsystem.
type SubsystemOptions struct {
	Config       map[string]any
	Debug        bool
	DefaultHooks []*Hook
	Contracts    *ContractRegistry
	Diagnostics  Diagnostics
	// Standalone disables message-transport operations (spec.md §3's
	// StandalonePluginSystem): this runtime never implements a transport in
	// the first place, so Standalone is carried only as a marker collaborators
	// can probe; it does not change any behavior here.
	Standalone bool
}

// Subsystem is the user-facing object: owns a hook list, a facet registry, a
// builder, lifecycle callbacks, and an optional parent/children hierarchy.
type Subsystem struct {
	mu sync.Mutex

	name  string
	ctx   *Context
	state SubsystemState

	hooks []*Hook

	registry *FacetRegistry
	builder  *SubsystemBuilder
	api      any

	initCallbacks    []func() error
	disposeCallbacks []func() error

	parent   *Subsystem
	children []*Subsystem

	standalone bool
	diag       Diagnostics

	surfaceMu sync.RWMutex
	surface   map[string]any

	buildGroup singleflight.Group
}

// NewSubsystem constructs a Subsystem named name. api is the internal API
// object exposed to hook factories and init callbacks; it may be nil.
func NewSubsystem(name string, opts SubsystemOptions, api any) *Subsystem {
	if opts.Diagnostics == nil {
		opts.Diagnostics = NoopDiagnostics{}
	}
	if opts.Contracts == nil {
		opts.Contracts = NewContractRegistry()
	}
	ctx := NewContext()
	if opts.Config != nil {
		ctx.Config = opts.Config
	}
	ctx.Debug = opts.Debug

	s := &Subsystem{
		name:       name,
		ctx:        ctx,
		state:      SubsystemConstructed,
		api:        api,
		standalone: opts.Standalone,
		diag:       opts.Diagnostics,
		surface:    make(map[string]any),
	}
	s.registry = NewFacetRegistry(s, opts.Diagnostics)
	s.builder = NewSubsystemBuilder(opts.Contracts, NewDependencyGraphCache(64), opts.Diagnostics)

	if api != nil {
		s.surface["api"] = InternalAPIMarker
	}

	for _, h := range opts.DefaultHooks {
		s.hooks = append(s.hooks, h)
	}
	return s
}

// Use appends hook to the subsystem's hook list. Fails with
// *AlreadyBuiltError if the subsystem is already built.
func (s *Subsystem) Use(hook *Hook) (*Subsystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SubsystemReady {
		return nil, &AlreadyBuiltError{Subsystem: s.name}
	}
	s.hooks = append(s.hooks, hook)
	s.builder.graphCache.Invalidate(s.hooks)
	return s, nil
}

// Build runs the resolve/install/contract/init-callback pipeline. Build is
// idempotent: a concurrent caller observes the in-flight build and shares
// its result; a caller after a successful build is a no-op.
func (s *Subsystem) Build(extraCtx map[string]any) (*Subsystem, error) {
	s.mu.Lock()
	if s.state == SubsystemReady {
		s.mu.Unlock()
		return s, nil
	}
	if extraCtx != nil {
		s.ctx.Config = MergeConfig(s.ctx.Config, extraCtx)
	}
	s.state = SubsystemBuilding
	hooks := make([]*Hook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	_, err, _ := s.buildGroup.Do("build", func() (any, error) {
		buildErr := s.builder.Build(s, s.registry, hooks, s.ctx, s.api)
		s.mu.Lock()
		if buildErr != nil {
			s.state = SubsystemConstructed
		} else {
			s.state = SubsystemReady
		}
		s.mu.Unlock()
		return nil, buildErr
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// IsBuilt reports whether the subsystem has completed a successful build.
func (s *Subsystem) IsBuilt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == SubsystemReady
}

// Find forwards to the registry. Never errors; returns (nil, false) when
// absent.
func (s *Subsystem) Find(kind string, orderIndex *int) (*Facet, bool) {
	return s.registry.Find(kind, orderIndex)
}

// GetByIndex forwards to the registry.
func (s *Subsystem) GetByIndex(kind string, i int) (*Facet, bool) {
	return s.registry.GetByIndex(kind, i)
}

// Capabilities returns a snapshot of every registered kind.
func (s *Subsystem) Capabilities() []string {
	return s.registry.GetAllKinds()
}

// Dispose disposes children first (reverse registration order), then all
// facets, then user dispose callbacks (registration order). Errors are
// collected and logged, never thrown. Idempotent.
func (s *Subsystem) Dispose() {
	s.mu.Lock()
	if s.state == SubsystemDisposed {
		s.mu.Unlock()
		return
	}
	s.state = SubsystemDisposing
	children := make([]*Subsystem, len(s.children))
	copy(children, s.children)
	callbacks := make([]func() error, len(s.disposeCallbacks))
	copy(callbacks, s.disposeCallbacks)
	s.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		children[i].Dispose()
	}

	s.registry.DisposeAll()

	var errs []error
	for _, cb := range callbacks {
		if err := cb(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.diag.Warn("errors during subsystem dispose callbacks", "subsystem", s.name, "count", len(errs))
	}

	s.mu.Lock()
	s.state = SubsystemDisposed
	s.mu.Unlock()
}

// Reload (if built) disposes facets while preserving hooks, ctx, callbacks,
// and children, resetting isBuilt to false. A reload on an unbuilt
// subsystem is a no-op, and so is a reload while a build is in flight: it
// does not wait for that build to finish.
func (s *Subsystem) Reload() {
	s.mu.Lock()
	if s.state != SubsystemReady {
		s.mu.Unlock()
		return
	}
	children := make([]*Subsystem, len(s.children))
	copy(children, s.children)
	hooks := make([]*Hook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		children[i].Dispose()
	}
	s.registry.DisposeAll()
	s.builder.graphCache.Invalidate(hooks)

	s.mu.Lock()
	s.state = SubsystemConstructed
	s.mu.Unlock()
}

// runInitCallbacks invokes every subsystem-level OnInit callback in
// registration order, for the builder's final pipeline step.
func (s *Subsystem) runInitCallbacks() error {
	s.mu.Lock()
	callbacks := make([]func() error, len(s.initCallbacks))
	copy(callbacks, s.initCallbacks)
	s.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(); err != nil {
			return err
		}
	}
	return nil
}

// OnInit appends a subsystem-level init callback, run once all facets are
// Ready and contracts pass.
func (s *Subsystem) OnInit(cb func() error) error {
	if cb == nil {
		return fmt.Errorf("onInit: callback must be non-nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initCallbacks = append(s.initCallbacks, cb)
	return nil
}

// OnDispose appends a subsystem-level dispose callback.
func (s *Subsystem) OnDispose(cb func() error) error {
	if cb == nil {
		return fmt.Errorf("onDispose: callback must be non-nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposeCallbacks = append(s.disposeCallbacks, cb)
	return nil
}

// SetParent links s under parent and appends s to parent's children list.
func (s *Subsystem) SetParent(parent *Subsystem) {
	s.mu.Lock()
	s.parent = parent
	s.mu.Unlock()
	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, s)
		parent.mu.Unlock()
	}
}

// GetParent returns the parent, or nil if s is root.
func (s *Subsystem) GetParent() *Subsystem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parent
}

// IsRoot reports whether s has no parent.
func (s *Subsystem) IsRoot() bool {
	return s.GetParent() == nil
}

// GetRoot walks the parent chain to the topmost subsystem.
func (s *Subsystem) GetRoot() *Subsystem {
	cur := s
	for {
		p := cur.GetParent()
		if p == nil {
			return cur
		}
		cur = p
	}
}

// QualifiedName renders the fully-qualified "root://child/grandchild" path.
func (s *Subsystem) QualifiedName() string {
	var names []string
	for cur := s; cur != nil; cur = cur.GetParent() {
		names = append([]string{cur.name}, names...)
	}
	if len(names) == 0 {
		return ""
	}
	out := names[0] + "://"
	if len(names) > 1 {
		out += joinNames(names[1:])
	}
	return out
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "/"
		}
		out += n
	}
	return out
}

// --- attach-surface plumbing used by FacetRegistry ---

func (s *Subsystem) surfaceLoad(kind string) (any, bool) {
	s.surfaceMu.RLock()
	defer s.surfaceMu.RUnlock()
	v, ok := s.surface[kind]
	return v, ok
}

func (s *Subsystem) surfaceStore(kind string, v any) {
	s.surfaceMu.Lock()
	defer s.surfaceMu.Unlock()
	s.surface[kind] = v
}

func (s *Subsystem) surfaceRemove(kind string) {
	s.surfaceMu.Lock()
	defer s.surfaceMu.Unlock()
	delete(s.surface, kind)
}

func (s *Subsystem) surfaceRemoveIfSame(kind string, facet *Facet) {
	s.surfaceMu.Lock()
	defer s.surfaceMu.Unlock()
	if existing, ok := s.surface[kind]; ok {
		if ef, isFacet := existing.(*Facet); isFacet && ef == facet {
			delete(s.surface, kind)
		}
	}
}
