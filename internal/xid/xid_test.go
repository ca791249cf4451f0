package xid

import (
	"strings"
	"testing"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := New("dev")
		if !strings.HasPrefix(id, "dev-") {
			t.Fatalf("expected dev- prefix, got %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	if strings.Contains(New(""), "-") {
		t.Fatal("expected bare id without prefix separator")
	}
}
