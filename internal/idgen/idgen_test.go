package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix_Format(t *testing.T) {
	id := WithPrefix("esc_")
	if !strings.HasPrefix(id, "esc_") {
		t.Fatalf("id %q missing prefix", id)
	}
	if len(id) != len("esc_")+2*randomBytes {
		t.Fatalf("id %q has wrong length %d", id, len(id))
	}
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("le_")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
