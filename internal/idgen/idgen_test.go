package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q, not a uuid: %v", id, err)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("txn_")
	if !strings.HasPrefix(id, "txn_") {
		t.Fatalf("missing prefix: %q", id)
	}
	if len(id) != len("txn_")+32 {
		t.Fatalf("unexpected length %d for %q", len(id), id)
	}
	if WithPrefix("txn_") == id {
		t.Fatal("expected unique ids")
	}
}

func TestOrderedSorts(t *testing.T) {
	prev := Ordered("evt_")
	for i := 0; i < 50; i++ {
		next := Ordered("evt_")
		if next <= prev {
			t.Fatalf("ids not increasing: %q then %q", prev, next)
		}
		prev = next
	}
}
