// Package hookstore distributes hook packages — bundles that provide a
// pluginsys.Hook implementation — via a content-addressed registry and a
// semver resolver. It never stores facet runtime state: only package
// manifests, blobs, and resolved version pins.
package hookstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"

	semver "github.com/Masterminds/semver/v3"
)

// CID is a content identifier computed from a hook package blob.
type CID string

// ComputeCID derives a stable content identifier from the given bytes.
func ComputeCID(data []byte) CID {
	sum := sha256.Sum256(data)
	return CID("hook1-" + hex.EncodeToString(sum[:]))
}

// HookID names a hook package (distinct from a Facet's in-process kind).
type HookID string

// HookDependency is a semver constraint a hook package places on another
// hook package, resolved before the bundle is registered into a Subsystem.
type HookDependency struct {
	Name       HookID
	Constraint string
}

// HookManifest describes a hook package unit and its dependencies.
type HookManifest struct {
	Name         HookID
	Version      string
	Dependencies []HookDependency
	// FacetKind is the pluginsys.Hook.Kind this package's manifest ultimately
	// provides once loaded, surfaced so a CLI can wire it straight into a
	// Subsystem without a second lookup. A blob package may also ship plain
	// source (FacetKind == "") that some other tool interprets.
	FacetKind string
	// Attach mirrors pluginsys.Hook.Attach: whether this package's facet is
	// permitted to merge onto an already-attached surface of the same kind
	// instead of conflicting with it. The resolver enforces this across
	// packages that compete for the same FacetKind.
	Attach bool
}

// HookBlob bundles a manifest with an opaque payload (e.g. compiled plugin
// bytes, a source archive — the runtime never interprets the payload here).
type HookBlob struct {
	Manifest HookManifest
	Data     []byte
}

// Registry is a distributed content-addressed hook package store.
type Registry interface {
	Publish(ctx context.Context, blob HookBlob) (CID, error)
	Fetch(ctx context.Context, id CID) (HookBlob, error)
	Find(ctx context.Context, name HookID, constraint *semver.Constraints) (CID, HookManifest, error)
	List(ctx context.Context, name HookID) ([]HookManifest, error)
	All(ctx context.Context) ([]HookManifest, error)
}

// ErrNotFound is returned when a blob or manifest cannot be found anywhere
// in the registry cluster.
var ErrNotFound = errors.New("hookstore: not found")

type manifestVersions []HookManifest

func (vl manifestVersions) Len() int      { return len(vl) }
func (vl manifestVersions) Swap(i, j int) { vl[i], vl[j] = vl[j], vl[i] }
func (vl manifestVersions) Less(i, j int) bool {
	return mustSemver(vl[i].Version).LessThan(mustSemver(vl[j].Version))
}

// InMemoryRegistry is a thread-safe, content-addressed registry with
// best-effort peer replication.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	blobs map[CID]HookBlob
	index map[HookID][]HookManifest
	peers []*InMemoryRegistry
}

// NewInMemoryRegistry constructs an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		blobs: make(map[CID]HookBlob),
		index: make(map[HookID][]HookManifest),
	}
}

// ConnectPeers sets bidirectional peer links for replication and lookup.
func (r *InMemoryRegistry) ConnectPeers(peers ...*InMemoryRegistry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range peers {
		if p == nil || p == r {
			continue
		}
		r.peers = append(r.peers, p)
		p.mu.Lock()
		found := false
		for _, back := range p.peers {
			if back == r {
				found = true
				break
			}
		}
		if !found {
			p.peers = append(p.peers, r)
		}
		p.mu.Unlock()
	}
}

// Publish stores blob locally, updates the version index, and replicates to
// peers best-effort.
func (r *InMemoryRegistry) Publish(ctx context.Context, blob HookBlob) (CID, error) {
	if blob.Data == nil {
		return "", errors.New("hookstore: empty data")
	}
	if err := validateHookBlob(blob); err != nil {
		return "", err
	}
	id := ComputeCID(blob.Data)

	r.mu.Lock()
	if _, exists := r.blobs[id]; !exists {
		r.blobs[id] = blob
		r.index[blob.Manifest.Name] = append(r.index[blob.Manifest.Name], blob.Manifest)
		sort.Sort(manifestVersions(r.index[blob.Manifest.Name]))
	}
	peers := append([]*InMemoryRegistry(nil), r.peers...)
	r.mu.Unlock()

	for _, p := range peers {
		select {
		case <-ctx.Done():
			return id, ctx.Err()
		default:
		}
		p.replicate(id, blob)
	}
	return id, nil
}

func (r *InMemoryRegistry) replicate(id CID, blob HookBlob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.blobs[id]; !exists {
		r.blobs[id] = blob
		r.index[blob.Manifest.Name] = append(r.index[blob.Manifest.Name], blob.Manifest)
		sort.Sort(manifestVersions(r.index[blob.Manifest.Name]))
	}
}

// Fetch returns a locally stored blob or queries peers sequentially.
func (r *InMemoryRegistry) Fetch(ctx context.Context, id CID) (HookBlob, error) {
	r.mu.RLock()
	if b, ok := r.blobs[id]; ok {
		r.mu.RUnlock()
		return b, nil
	}
	peers := append([]*InMemoryRegistry(nil), r.peers...)
	r.mu.RUnlock()

	for _, p := range peers {
		select {
		case <-ctx.Done():
			return HookBlob{}, ctx.Err()
		default:
		}
		p.mu.RLock()
		b, ok := p.blobs[id]
		p.mu.RUnlock()
		if ok {
			return b, nil
		}
	}
	return HookBlob{}, ErrNotFound
}

// Find returns the CID and manifest of the highest version satisfying
// constraint (any version if constraint is nil), searching peers if needed.
func (r *InMemoryRegistry) Find(ctx context.Context, name HookID, constraint *semver.Constraints) (CID, HookManifest, error) {
	pick := func(list []HookManifest) (HookManifest, bool) {
		bestIdx := -1
		var bestVer *semver.Version
		for i := range list {
			sv := mustSemver(list[i].Version)
			if constraint != nil && !constraint.Check(sv) {
				continue
			}
			if bestIdx == -1 || sv.GreaterThan(bestVer) {
				bestIdx, bestVer = i, sv
			}
		}
		if bestIdx >= 0 {
			return list[bestIdx], true
		}
		return HookManifest{}, false
	}

	r.mu.RLock()
	local := append([]HookManifest(nil), r.index[name]...)
	r.mu.RUnlock()

	if m, ok := pick(local); ok {
		if cid, found := r.cidFor(m); found {
			return cid, m, nil
		}
	}

	r.mu.RLock()
	peers := append([]*InMemoryRegistry(nil), r.peers...)
	r.mu.RUnlock()
	for _, p := range peers {
		select {
		case <-ctx.Done():
			return "", HookManifest{}, ctx.Err()
		default:
		}
		p.mu.RLock()
		m, ok := pick(p.index[name])
		p.mu.RUnlock()
		if ok {
			if cid, found := p.cidFor(m); found {
				return cid, m, nil
			}
		}
	}
	return "", HookManifest{}, ErrNotFound
}

func (r *InMemoryRegistry) cidFor(m HookManifest) (CID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for cid, blob := range r.blobs {
		if blob.Manifest.Name == m.Name && blob.Manifest.Version == m.Version {
			return cid, true
		}
	}
	return "", false
}

// List returns every known manifest for name, local and peer, deduplicated
// and sorted by version.
func (r *InMemoryRegistry) List(ctx context.Context, name HookID) ([]HookManifest, error) {
	r.mu.RLock()
	out := append([]HookManifest(nil), r.index[name]...)
	peers := append([]*InMemoryRegistry(nil), r.peers...)
	r.mu.RUnlock()

	for _, p := range peers {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		p.mu.RLock()
		out = append(out, p.index[name]...)
		p.mu.RUnlock()
	}
	return dedupeSorted(out), nil
}

// All returns every manifest across local and peer registries.
func (r *InMemoryRegistry) All(ctx context.Context) ([]HookManifest, error) {
	r.mu.RLock()
	var out []HookManifest
	for _, versions := range r.index {
		out = append(out, versions...)
	}
	peers := append([]*InMemoryRegistry(nil), r.peers...)
	r.mu.RUnlock()

	for _, p := range peers {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		p.mu.RLock()
		for _, versions := range p.index {
			out = append(out, versions...)
		}
		p.mu.RUnlock()
	}
	return dedupeSorted(out), nil
}

func dedupeSorted(in []HookManifest) []HookManifest {
	seen := make(map[string]bool, len(in))
	uniq := in[:0]
	for _, m := range in {
		key := string(m.Name) + "@" + m.Version
		if !seen[key] {
			seen[key] = true
			uniq = append(uniq, m)
		}
	}
	sort.Slice(uniq, func(i, j int) bool {
		if uniq[i].Name != uniq[j].Name {
			return uniq[i].Name < uniq[j].Name
		}
		return mustSemver(uniq[i].Version).LessThan(mustSemver(uniq[j].Version))
	})
	return uniq
}

func mustSemver(v string) *semver.Version {
	sv, err := semver.NewVersion(v)
	if err != nil {
		return semver.MustParse("0.0.0")
	}
	return sv
}
