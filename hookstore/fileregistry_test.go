package hookstore

import (
	"context"
	"testing"
)

func TestFileRegistry_PublishFetchFind(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	r, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatalf("new file registry: %v", err)
	}

	if _, err := r.Publish(ctx, blob("cache", "1.0.0")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	id, err := r.Publish(ctx, blob("cache", "1.2.0"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := r.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Manifest.Version != "1.2.0" {
		t.Fatalf("expected 1.2.0, got %s", got.Manifest.Version)
	}

	c, _ := parseConstraint("^1.0.0")
	_, mf, err := r.Find(ctx, "cache", c)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if mf.Version != "1.2.0" {
		t.Fatalf("expected highest match 1.2.0, got %s", mf.Version)
	}
}

func TestFileRegistry_ReloadsFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	r1, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatalf("new file registry: %v", err)
	}
	if _, err := r1.Publish(ctx, blob("cache", "1.0.0")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	r2, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatalf("reload file registry: %v", err)
	}
	list, err := r2.List(ctx, "cache")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Version != "1.0.0" {
		t.Fatalf("expected reloaded registry to see cache@1.0.0, got %+v", list)
	}
}

func TestFileRegistry_ReloadPreservesFacetKindAndAttach(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	r1, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatalf("new file registry: %v", err)
	}
	if _, err := r1.Publish(ctx, hookBlob("cache-redis", "1.0.0", "cache", true, HookDescriptor{Operations: []string{"get"}})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	r2, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatalf("reload file registry: %v", err)
	}
	list, err := r2.List(ctx, "cache-redis")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 manifest, got %d", len(list))
	}
	if list[0].FacetKind != "cache" || !list[0].Attach {
		t.Fatalf("expected reloaded manifest to keep FacetKind/Attach, got %+v", list[0])
	}
}

func TestFileRegistry_FetchMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatalf("new file registry: %v", err)
	}
	if _, err := r.Fetch(context.Background(), CID("hook1-missing")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileRegistry_AllSortedByNameThenVersion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r, err := NewFileRegistry(dir)
	if err != nil {
		t.Fatalf("new file registry: %v", err)
	}
	if _, err := r.Publish(ctx, blob("zeta", "1.0.0")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := r.Publish(ctx, blob("alpha", "2.0.0")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := r.Publish(ctx, blob("alpha", "1.0.0")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	all, err := r.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].Name != "alpha" || all[0].Version != "1.0.0" {
		t.Fatalf("expected alpha@1.0.0 first, got %+v", all[0])
	}
	if all[1].Name != "alpha" || all[1].Version != "2.0.0" {
		t.Fatalf("expected alpha@2.0.0 second, got %+v", all[1])
	}
}
