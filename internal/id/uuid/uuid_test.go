// Package uuid includes tests for the run ID generator.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique, valid and time ordered.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != goUUID.Version(7) {
		t.Fatalf("expected v7, got %v", parsed.Version())
	}
	if id2 < id1 {
		t.Fatalf("expected %s to sort after %s", id2, id1)
	}
}

// TestParseRejectsGarbage covers the error path.
func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected parse error")
	}
}
