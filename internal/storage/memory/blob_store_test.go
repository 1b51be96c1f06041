package memory

import (
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "natgeo/images/a.jpg", "image/jpeg", payload)
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://natgeo/images/a.jpg" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, ok := store.Object("natgeo/images/a.jpg")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if _, ok := store.Object("missing"); ok {
		t.Fatal("expected missing object")
	}
}

func TestBlobStorePathsSorted(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b", "a", "c"} {
		if _, err := store.PutObject(context.Background(), p, "text/plain", nil); err != nil {
			t.Fatalf("PutObject(%s) error = %v", p, err)
		}
	}
	got := store.Paths()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected paths %v", got)
	}
}
