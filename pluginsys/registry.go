package pluginsys

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// InternalAPIMarker is the sentinel value an attach slot holds when it
// represents the subsystem's internal API object rather than a facet.
// Attach phases skip (with a diagnostic) rather than overwrite this slot.
var InternalAPIMarker = &struct{ name string }{name: "internal-api"}

// AddOpts controls the behavior of Add/AddMany.
type AddOpts struct {
	Init   bool
	Attach bool
	Ctx    *Context
	API    any
}

type kindEntry struct {
	facets []*Facet // sorted ascending by (orderIndex, sequence)
}

func (e *kindEntry) sort() {
	sort.SliceStable(e.facets, func(i, j int) bool {
		oi, oj := e.facets[i].OrderIndex(), e.facets[j].OrderIndex()
		if oi != oj {
			return oi < oj
		}
		return e.facets[i].sequence < e.facets[j].sequence
	})
}

type frameAddition struct {
	kind  string
	facet *Facet
}

type txFrame struct {
	additions []frameAddition
}

// FacetRegistry is the per-kind ordered storage of facets for one subsystem,
// with transactional bulk install and attach-surface management.
type FacetRegistry struct {
	mu        sync.Mutex
	kinds     map[string]*kindEntry
	frames    []*txFrame
	nextSeq   uint64
	subsystem *Subsystem
	diag      Diagnostics
}

// NewFacetRegistry constructs an empty registry bound to subsystem. diag may
// be nil, in which case a no-op sink is used.
func NewFacetRegistry(subsystem *Subsystem, diag Diagnostics) *FacetRegistry {
	if diag == nil {
		diag = NoopDiagnostics{}
	}
	return &FacetRegistry{kinds: make(map[string]*kindEntry), subsystem: subsystem, diag: diag}
}

// Add stages, initializes (if requested), and attaches (if requested) a
// single facet outside of any transaction. Fails with *DuplicateFacetError
// if kind is already present. On init failure the facet is disposed
// best-effort, removed, and the error is returned.
func (r *FacetRegistry) Add(kind string, facet *Facet, opts AddOpts) error {
	r.mu.Lock()
	if _, exists := r.kinds[kind]; exists {
		r.mu.Unlock()
		return &DuplicateFacetError{Kind: kind}
	}
	facet.sequence = r.nextSeq
	r.nextSeq++
	r.kinds[kind] = &kindEntry{facets: []*Facet{facet}}
	r.mu.Unlock()

	if opts.Init {
		if err := facet.Init(opts.Ctx, opts.API, r.subsystem); err != nil {
			_ = facet.Dispose()
			r.mu.Lock()
			delete(r.kinds, kind)
			r.mu.Unlock()
			return err
		}
	}

	if opts.Attach && facet.ShouldAttach() {
		if err := r.attach(kind, facet); err != nil {
			_ = facet.Dispose()
			r.mu.Lock()
			delete(r.kinds, kind)
			r.mu.Unlock()
			return err
		}
	}
	return nil
}

// AddMany is the bulk transactional install path used by the builder.
// orderedKinds must already be a topological sort; facetsByKind maps each
// kind to its draft Facet.
func (r *FacetRegistry) AddMany(orderedKinds []string, facetsByKind map[string]*Facet, opts AddOpts) error {
	r.mu.Lock()
	frame := &txFrame{}
	r.frames = append(r.frames, frame)
	r.mu.Unlock()

	if err := r.installFrame(orderedKinds, facetsByKind, opts, frame); err != nil {
		r.rollback(frame)
		return err
	}
	r.commit(frame)
	return nil
}

func (r *FacetRegistry) installFrame(orderedKinds []string, facetsByKind map[string]*Facet, opts AddOpts, frame *txFrame) error {
	// 1. Assign orderIndex by position in orderedKinds.
	for i, kind := range orderedKinds {
		f := facetsByKind[kind]
		if f.OrderIndex() == orderIndexSentinel {
			if err := f.SetOrderIndex(i); err != nil {
				return fmt.Errorf("assign order index to %q: %w", kind, err)
			}
		}
	}

	// 2. Group into dependency levels; orderedKinds is already topo-sorted,
	// so one pass suffices.
	levelOf := make(map[string]int, len(orderedKinds))
	maxLevel := 0
	for _, kind := range orderedKinds {
		f := facetsByKind[kind]
		maxDepLevel := -1
		for _, dep := range f.GetDependencies() {
			if dl, inBatch := levelOf[dep]; inBatch {
				if dl > maxDepLevel {
					maxDepLevel = dl
				}
			}
		}
		lvl := maxDepLevel + 1
		levelOf[kind] = lvl
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}
	levels := make([][]string, maxLevel+1)
	for _, kind := range orderedKinds {
		lvl := levelOf[kind]
		levels[lvl] = append(levels[lvl], kind)
	}

	// 3. Process each level in order.
	for _, levelKinds := range levels {
		if err := r.registerLevel(levelKinds, facetsByKind, frame); err != nil {
			return err
		}
		if opts.Init {
			if err := r.initLevel(levelKinds, facetsByKind, opts); err != nil {
				return err
			}
		}
		if opts.Attach {
			if err := r.attachLevel(levelKinds, facetsByKind); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *FacetRegistry) registerLevel(levelKinds []string, facetsByKind map[string]*Facet, frame *txFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range levelKinds {
		facet := facetsByKind[kind]
		entry, exists := r.kinds[kind]
		if !exists {
			facet.sequence = r.nextSeq
			r.nextSeq++
			r.kinds[kind] = &kindEntry{facets: []*Facet{facet}}
			frame.additions = append(frame.additions, frameAddition{kind: kind, facet: facet})
			continue
		}

		alreadyStaged := false
		for _, existing := range entry.facets {
			if existing == facet {
				alreadyStaged = true
				break
			}
		}
		if alreadyStaged {
			continue
		}

		if !facet.ShouldOverwrite() {
			return &OverwriteNotPermittedError{Kind: kind}
		}
		for _, existing := range entry.facets {
			_ = existing.Dispose()
		}
		facet.sequence = r.nextSeq
		r.nextSeq++
		entry.facets = append(entry.facets, facet)
		entry.sort()
		frame.additions = append(frame.additions, frameAddition{kind: kind, facet: facet})
	}
	return nil
}

func (r *FacetRegistry) initLevel(levelKinds []string, facetsByKind map[string]*Facet, opts AddOpts) error {
	var g errgroup.Group
	for _, kind := range levelKinds {
		facet := facetsByKind[kind]
		g.Go(func() error {
			return facet.Init(opts.Ctx, opts.API, r.subsystem)
		})
	}
	return g.Wait()
}

func (r *FacetRegistry) attachLevel(levelKinds []string, facetsByKind map[string]*Facet) error {
	for _, kind := range levelKinds {
		facet := facetsByKind[kind]
		if !facet.ShouldAttach() {
			continue
		}
		if err := r.attach(kind, facet); err != nil {
			return err
		}
	}
	return nil
}

// attach exposes facet on the subsystem surface under kind, per the collision
// policy in spec.md §4.6.
func (r *FacetRegistry) attach(kind string, facet *Facet) error {
	if r.subsystem == nil {
		return nil
	}
	existing, ok := r.subsystem.surfaceLoad(kind)
	if ok {
		if existing == InternalAPIMarker {
			r.diag.Info("attach skipped: slot holds internal API object", "kind", kind)
			return nil
		}
		if existingFacet, isFacet := existing.(*Facet); isFacet {
			if existingFacet == facet {
				return nil // idempotent: same instance already attached
			}
			if !facet.ShouldOverwrite() {
				return &AttachConflictError{Kind: kind}
			}
		}
	}
	r.subsystem.surfaceStore(kind, facet)
	return nil
}

func (r *FacetRegistry) commit(frame *txFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.frames); n > 0 && r.frames[n-1] == frame {
		r.frames = r.frames[:n-1]
	}
}

// rollback disposes every addition in frame, in reverse order, and removes
// it from both the registry and the attach surface.
func (r *FacetRegistry) rollback(frame *txFrame) {
	r.mu.Lock()
	if n := len(r.frames); n > 0 && r.frames[n-1] == frame {
		r.frames = r.frames[:n-1]
	}
	additions := frame.additions
	r.mu.Unlock()

	for i := len(additions) - 1; i >= 0; i-- {
		add := additions[i]
		_ = add.facet.Dispose()

		r.mu.Lock()
		if entry, ok := r.kinds[add.kind]; ok {
			entry.facets = removeFacet(entry.facets, add.facet)
			if len(entry.facets) == 0 {
				delete(r.kinds, add.kind)
			}
		}
		r.mu.Unlock()

		if r.subsystem != nil {
			r.subsystem.surfaceRemoveIfSame(add.kind, add.facet)
		}
	}
}

func removeFacet(facets []*Facet, target *Facet) []*Facet {
	out := facets[:0]
	for _, f := range facets {
		if f != target {
			out = append(out, f)
		}
	}
	return out
}

// Find returns the facet at orderIndex if given, else the one with the
// greatest orderIndex among facets of kind. Never errors; absence is (nil,
// false).
func (r *FacetRegistry) Find(kind string, orderIndex *int) (*Facet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.kinds[kind]
	if !ok || len(entry.facets) == 0 {
		return nil, false
	}
	if orderIndex == nil {
		return entry.facets[len(entry.facets)-1], true
	}
	for _, f := range entry.facets {
		if f.OrderIndex() == *orderIndex {
			return f, true
		}
	}
	return nil, false
}

// GetByIndex returns the facet at list position i (not orderIndex).
func (r *FacetRegistry) GetByIndex(kind string, i int) (*Facet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.kinds[kind]
	if !ok || i < 0 || i >= len(entry.facets) {
		return nil, false
	}
	return entry.facets[i], true
}

// GetCount returns the number of facets stored under kind.
func (r *FacetRegistry) GetCount(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.kinds[kind]
	if !ok {
		return 0
	}
	return len(entry.facets)
}

// HasMultiple reports whether kind holds more than one facet.
func (r *FacetRegistry) HasMultiple(kind string) bool {
	return r.GetCount(kind) > 1
}

// GetAllKinds returns every registered kind, unordered.
func (r *FacetRegistry) GetAllKinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	return out
}

// GetAll returns every facet under kind (sorted ascending by orderIndex), or
// every facet in the registry if kind is empty.
func (r *FacetRegistry) GetAll(kind string) []*Facet {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind != "" {
		entry, ok := r.kinds[kind]
		if !ok {
			return nil
		}
		out := make([]*Facet, len(entry.facets))
		copy(out, entry.facets)
		return out
	}
	var out []*Facet
	for _, entry := range r.kinds {
		out = append(out, entry.facets...)
	}
	return out
}

// Remove disposes every facet of kind and removes the kind's slot from the
// subsystem surface.
func (r *FacetRegistry) Remove(kind string) {
	r.mu.Lock()
	entry, ok := r.kinds[kind]
	if ok {
		delete(r.kinds, kind)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, f := range entry.facets {
		_ = f.Dispose()
	}
	if r.subsystem != nil {
		r.subsystem.surfaceRemove(kind)
	}
}

// DisposeAll disposes every facet, reverse registration order across kinds
// and reverse orderIndex within a kind, logging aggregated errors, and
// clears storage.
func (r *FacetRegistry) DisposeAll() {
	r.mu.Lock()
	type entryAt struct {
		kind  string
		seq   uint64
		facet *Facet
	}
	var all []entryAt
	for kind, entry := range r.kinds {
		for _, f := range entry.facets {
			all = append(all, entryAt{kind: kind, seq: f.sequence, facet: f})
		}
	}
	r.kinds = make(map[string]*kindEntry)
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })

	var errs []error
	for _, e := range all {
		if err := e.facet.Dispose(); err != nil {
			errs = append(errs, fmt.Errorf("dispose %q: %w", e.kind, err))
		}
		if r.subsystem != nil {
			r.subsystem.surfaceRemoveIfSame(e.kind, e.facet)
		}
	}
	if len(errs) > 0 {
		r.diag.Warn("errors during disposeAll", "count", len(errs), "errors", errs)
	}
}
