package storage

import (
	"context"
	"testing"
)

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore(" Memory ", "")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("unexpected store type: %T", store)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close memory store: %v", err)
	}
}

func TestNewStoreDefaultKind(t *testing.T) {
	kind := DefaultStoreKind()
	if kind != KindMemory && kind != KindSQLite {
		t.Fatalf("unexpected default store kind: %s", kind)
	}
	if kind == KindMemory {
		if _, err := NewStore("", ""); err != nil {
			t.Fatalf("new default store: %v", err)
		}
	}
}

func TestNewStoreErrors(t *testing.T) {
	if _, err := NewStore("unknown", ""); err == nil {
		t.Fatal("expected unsupported store error")
	}
	if _, err := NewStore(KindSQLite, ""); err == nil {
		t.Fatal("expected sqlite path error")
	}
}
