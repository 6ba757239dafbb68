package ids

import (
	"strings"
	"testing"
)

func TestNewIsSortableAndUnique(t *testing.T) {
	prev := ""
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := New()
		if len(id) != 26 {
			t.Fatalf("id %q has length %d", id, len(id))
		}
		if id < prev {
			t.Fatalf("ids not monotonic: %q after %q", id, prev)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
		prev = id
	}
}

func TestNewSecret(t *testing.T) {
	a, err := NewSecret(32)
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	b, err := NewSecret(32)
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	if a == b {
		t.Fatal("secrets must not repeat")
	}
	if strings.ContainsAny(a, "+/=") {
		t.Fatalf("secret %q is not url-safe", a)
	}

	// the entropy floor kicks in for tiny requests
	small, err := NewSecret(1)
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	if len(small) < 20 {
		t.Fatalf("secret %q carries too little entropy", small)
	}
}
