package hookstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	semver "github.com/Masterminds/semver/v3"
)

// LockEntry pins a single hook package to an exact version, content hash,
// and the facet it provides — a hook package whose manifest silently
// started providing a different kind (or stopped being attachable) is a
// lockfile violation just as much as a changed byte would be.
type LockEntry struct {
	Name         HookID           `json:"name"`
	Version      string           `json:"version"`
	CID          CID              `json:"cid"`
	SHA256       string           `json:"sha256"`
	FacetKind    string           `json:"facetKind,omitempty"`
	Attach       bool             `json:"attach,omitempty"`
	Dependencies []HookDependency `json:"dependencies,omitempty"`
}

// Lockfile is a deterministic set of lock entries — a build artifact
// analogous to go.sum, never the runtime state of a built Facet.
type Lockfile struct {
	Entries []LockEntry `json:"entries"`
}

// GenerateLockfile produces a Lockfile and its canonical JSON bytes from a
// resolution.
func GenerateLockfile(ctx context.Context, reg Registry, res HookResolution) (Lockfile, []byte, error) {
	names := make([]string, 0, len(res))
	for n := range res {
		names = append(names, string(n))
	}
	sort.Strings(names)

	entries := make([]LockEntry, 0, len(names))
	for _, ns := range names {
		name := HookID(ns)
		version := res[name]

		entry, err := lockEntryFor(ctx, reg, name, version)
		if err != nil {
			return Lockfile{}, nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	lock := Lockfile{Entries: entries}

	raw, err := marshalCanonicalJSON(lock)
	if err != nil {
		return Lockfile{}, nil, err
	}
	return lock, raw, nil
}

func lockEntryFor(ctx context.Context, reg Registry, name HookID, version string) (LockEntry, error) {
	exact, err := exactConstraint(version)
	if err != nil {
		return LockEntry{}, err
	}
	cid, manifest, err := reg.Find(ctx, name, exact)
	if err != nil {
		return LockEntry{}, err
	}
	blob, err := reg.Fetch(ctx, cid)
	if err != nil {
		return LockEntry{}, err
	}

	deps := append([]HookDependency(nil), manifest.Dependencies...)
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].Name != deps[j].Name {
			return deps[i].Name < deps[j].Name
		}
		return deps[i].Constraint < deps[j].Constraint
	})

	sum := sha256.Sum256(blob.Data)
	return LockEntry{
		Name:         name,
		Version:      version,
		CID:          cid,
		SHA256:       hex.EncodeToString(sum[:]),
		FacetKind:    manifest.FacetKind,
		Attach:       manifest.Attach,
		Dependencies: deps,
	}, nil
}

// VerifyLockfile checks content hashes and manifest consistency — including
// the facet kind and attach flag a lock entry pinned — for every entry.
func VerifyLockfile(ctx context.Context, reg Registry, lock Lockfile) error {
	if !isSortedLock(lock) {
		return fmt.Errorf("hookstore: lockfile not sorted by name")
	}
	for _, entry := range lock.Entries {
		blob, err := reg.Fetch(ctx, entry.CID)
		if err != nil {
			return fmt.Errorf("hookstore: lockfile entry %s@%s: %w", entry.Name, entry.Version, err)
		}
		if blob.Manifest.Name != entry.Name || blob.Manifest.Version != entry.Version {
			return fmt.Errorf("hookstore: lockfile manifest mismatch for %s@%s", entry.Name, entry.Version)
		}
		if blob.Manifest.FacetKind != entry.FacetKind || blob.Manifest.Attach != entry.Attach {
			return fmt.Errorf("hookstore: %s@%s now provides facet kind %q (attach=%v), lockfile pinned %q (attach=%v)",
				entry.Name, entry.Version, blob.Manifest.FacetKind, blob.Manifest.Attach, entry.FacetKind, entry.Attach)
		}
		sum := sha256.Sum256(blob.Data)
		if hex.EncodeToString(sum[:]) != entry.SHA256 {
			return fmt.Errorf("hookstore: checksum mismatch for %s@%s", entry.Name, entry.Version)
		}
	}
	return nil
}

// ResolutionFromLock reconstructs a HookResolution from a Lockfile.
func ResolutionFromLock(lock Lockfile) HookResolution {
	out := make(HookResolution, len(lock.Entries))
	for _, e := range lock.Entries {
		out[e.Name] = e.Version
	}
	return out
}

func marshalCanonicalJSON(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func isSortedLock(lock Lockfile) bool {
	return sort.SliceIsSorted(lock.Entries, func(i, j int) bool { return lock.Entries[i].Name < lock.Entries[j].Name })
}

func exactConstraint(version string) (*semver.Constraints, error) {
	return parseConstraint("=" + version)
}
