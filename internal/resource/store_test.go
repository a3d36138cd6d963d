package resource

import (
	"context"
	"errors"
	"testing"
)

func TestInMemoryStoreStat(t *testing.T) {
	store := NewInMemoryStore()
	store.Put(Info{ID: "res-1", Path: "docs", Name: "intro.md", ContentType: "text/markdown", Size: 42})

	info, err := store.Stat(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Name != "intro.md" || info.Path != "docs" {
		t.Fatalf("unexpected metadata: %+v", info)
	}

	_, err = store.Stat(context.Background(), "missing")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("Stat(missing) error = %v, want ErrNotExist", err)
	}
}

func TestInMemoryStoreRemoveIsIdempotent(t *testing.T) {
	store := NewInMemoryStore()
	store.Put(Info{ID: "res-1", Path: "docs", Name: "intro.md"})

	if err := store.Remove(context.Background(), "res-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := store.Remove(context.Background(), "res-1"); err != nil {
		t.Fatalf("second Remove() error = %v", err)
	}
	if _, err := store.Stat(context.Background(), "res-1"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Stat after remove error = %v, want ErrNotExist", err)
	}
}
