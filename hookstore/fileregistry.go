package hookstore

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	semver "github.com/Masterminds/semver/v3"
)

// FileRegistry is a filesystem-backed Registry: each HookBlob is stored as
// JSON under baseDir/blobs/<cid>.json with an index.json for fast startup.
type FileRegistry struct {
	mu      sync.RWMutex
	baseDir string
	blobs   map[CID]HookBlob
	index   map[HookID][]HookManifest
	rev     map[string]CID // name@version -> CID
}

type fileBlob struct {
	Manifest HookManifest `json:"manifest"`
	Data     []byte       `json:"data"`
}

type indexEntry struct {
	Name         HookID           `json:"name"`
	Version      string           `json:"version"`
	CID          CID              `json:"cid"`
	FacetKind    string           `json:"facetKind,omitempty"`
	Attach       bool             `json:"attach,omitempty"`
	Dependencies []HookDependency `json:"dependencies,omitempty"`
}

// NewFileRegistry loads or initializes a registry at baseDir.
func NewFileRegistry(baseDir string) (*FileRegistry, error) {
	if baseDir == "" {
		return nil, errors.New("hookstore: baseDir required")
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "blobs"), 0o755); err != nil {
		return nil, err
	}
	fr := &FileRegistry{
		baseDir: baseDir,
		blobs:   make(map[CID]HookBlob),
		index:   make(map[HookID][]HookManifest),
		rev:     make(map[string]CID),
	}

	if b, err := os.ReadFile(filepath.Join(baseDir, "index.json")); err == nil {
		var idx struct {
			Entries []indexEntry `json:"entries"`
		}
		if json.Unmarshal(b, &idx) == nil {
			for _, e := range idx.Entries {
				fr.index[e.Name] = append(fr.index[e.Name], HookManifest{Name: e.Name, Version: e.Version, FacetKind: e.FacetKind, Attach: e.Attach, Dependencies: e.Dependencies})
				fr.rev[string(e.Name)+"@"+e.Version] = e.CID
			}
			for name := range fr.index {
				sort.Sort(manifestVersions(fr.index[name]))
			}
		}
	}

	err := filepath.WalkDir(filepath.Join(baseDir, "blobs"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var fb fileBlob
		if err := json.Unmarshal(b, &fb); err != nil {
			return err
		}
		cid := ComputeCID(fb.Data)
		fr.blobs[cid] = HookBlob{Manifest: fb.Manifest, Data: fb.Data}
		key := string(fb.Manifest.Name) + "@" + fb.Manifest.Version
		if _, ok := fr.rev[key]; !ok {
			fr.index[fb.Manifest.Name] = append(fr.index[fb.Manifest.Name], fb.Manifest)
			sort.Sort(manifestVersions(fr.index[fb.Manifest.Name]))
			fr.rev[key] = cid
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	_ = fr.persistIndex()
	return fr, nil
}

func (r *FileRegistry) blobPath(cid CID) string {
	return filepath.Join(r.baseDir, "blobs", string(cid)+".json")
}

// Publish writes the blob if absent and updates the in-memory index.
func (r *FileRegistry) Publish(ctx context.Context, blob HookBlob) (CID, error) {
	if blob.Data == nil {
		return "", errors.New("hookstore: empty data")
	}
	if err := validateHookBlob(blob); err != nil {
		return "", err
	}
	id := ComputeCID(blob.Data)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.blobs[id]; exists {
		return id, nil
	}

	fb := fileBlob{Manifest: blob.Manifest, Data: blob.Data}
	b, err := json.MarshalIndent(fb, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(r.blobPath(id), b, 0o644); err != nil {
		return "", err
	}
	r.blobs[id] = blob
	r.index[blob.Manifest.Name] = append(r.index[blob.Manifest.Name], blob.Manifest)
	sort.Sort(manifestVersions(r.index[blob.Manifest.Name]))
	r.rev[string(blob.Manifest.Name)+"@"+blob.Manifest.Version] = id
	_ = r.persistIndexLocked()
	return id, nil
}

// Fetch returns a cached blob or lazily loads it from disk.
func (r *FileRegistry) Fetch(ctx context.Context, id CID) (HookBlob, error) {
	r.mu.RLock()
	if b, ok := r.blobs[id]; ok {
		r.mu.RUnlock()
		return b, nil
	}
	r.mu.RUnlock()

	bb, err := os.ReadFile(r.blobPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return HookBlob{}, ErrNotFound
		}
		return HookBlob{}, err
	}
	var fb fileBlob
	if err := json.Unmarshal(bb, &fb); err != nil {
		return HookBlob{}, err
	}
	blob := HookBlob{Manifest: fb.Manifest, Data: fb.Data}

	r.mu.Lock()
	r.blobs[id] = blob
	found := false
	for _, m := range r.index[fb.Manifest.Name] {
		if m.Version == fb.Manifest.Version {
			found = true
			break
		}
	}
	if !found {
		r.index[fb.Manifest.Name] = append(r.index[fb.Manifest.Name], fb.Manifest)
		sort.Sort(manifestVersions(r.index[fb.Manifest.Name]))
	}
	r.mu.Unlock()
	return blob, nil
}

// Find returns the highest version satisfying constraint.
func (r *FileRegistry) Find(ctx context.Context, name HookID, constraint *semver.Constraints) (CID, HookManifest, error) {
	r.mu.RLock()
	list := append([]HookManifest(nil), r.index[name]...)
	rev := make(map[string]CID, len(r.rev))
	for k, v := range r.rev {
		rev[k] = v
	}
	r.mu.RUnlock()

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
	if bestIdx < 0 {
		return "", HookManifest{}, ErrNotFound
	}
	m := list[bestIdx]
	key := string(m.Name) + "@" + m.Version
	id, ok := rev[key]
	if !ok {
		r.mu.RLock()
		for cid, b := range r.blobs {
			if b.Manifest.Name == m.Name && b.Manifest.Version == m.Version {
				id = cid
				ok = true
				break
			}
		}
		r.mu.RUnlock()
		if !ok {
			return "", HookManifest{}, ErrNotFound
		}
	}
	return id, m, nil
}

// List returns every known manifest for name.
func (r *FileRegistry) List(ctx context.Context, name HookID) ([]HookManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HookManifest, len(r.index[name]))
	copy(out, r.index[name])
	return out, nil
}

// All returns every manifest known to this registry, sorted by name then
// version.
func (r *FileRegistry) All(ctx context.Context) ([]HookManifest, error) {
	r.mu.RLock()
	var out []HookManifest
	for _, versions := range r.index {
		out = append(out, versions...)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return mustSemver(out[i].Version).LessThan(mustSemver(out[j].Version))
	})
	return out, nil
}

func (r *FileRegistry) persistIndex() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.persistIndexLocked()
}

// persistIndexLocked writes index.json; callers must hold r.mu.
func (r *FileRegistry) persistIndexLocked() error {
	var entries []indexEntry
	for name, versions := range r.index {
		for _, m := range versions {
			key := string(name) + "@" + m.Version
			entries = append(entries, indexEntry{Name: name, Version: m.Version, CID: r.rev[key], FacetKind: m.FacetKind, Attach: m.Attach, Dependencies: m.Dependencies})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return mustSemver(entries[i].Version).LessThan(mustSemver(entries[j].Version))
	})
	obj := struct {
		Entries []indexEntry `json:"entries"`
	}{Entries: entries}
	b, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.baseDir, "index.json"), b, 0o644)
}
