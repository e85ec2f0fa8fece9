package idgen

import (
	"strings"
	"testing"
)

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if !Valid(id) {
			t.Fatalf("invalid uuid %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("acct_")
	if !strings.HasPrefix(id, "acct_") || len(id) != len("acct_")+24 {
		t.Fatalf("unexpected id %q", id)
	}
}
