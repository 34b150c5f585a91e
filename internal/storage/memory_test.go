package storage

import (
	"context"
	"math/rand"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSkipListMatchesReference(t *testing.T) {
	l := newSkipList()
	var ref []int64 // ids in rank order
	next := int64(1)

	for step := 0; step < 5000; step++ {
		if rand.Intn(3) > 0 || len(ref) == 0 {
			// Constant timestamp: order is purely insertion order.
			if !l.insert(Member{ID: next, EnrolledAt: 1}) {
				t.Fatalf("insert %d rejected", next)
			}
			ref = append(ref, next)
			next++
		} else {
			m, ok := l.popMin()
			if !ok || m.ID != ref[0] {
				t.Fatalf("step %d: popMin = %v,%v want %d", step, m, ok, ref[0])
			}
			ref = ref[1:]
		}

		if l.length != int64(len(ref)) {
			t.Fatalf("step %d: length %d want %d", step, l.length, len(ref))
		}
		if step%97 == 0 {
			for i, id := range ref {
				if r := l.rank(id); r != int64(i) {
					t.Fatalf("step %d: rank(%d) = %d want %d", step, id, r, i)
				}
			}
		}
	}
}

func TestSkipListEarlierTimestampJumpsAhead(t *testing.T) {
	l := newSkipList()
	for i := int64(1); i <= 100; i++ {
		l.insert(Member{ID: i, EnrolledAt: 50})
	}
	l.insert(Member{ID: 500, EnrolledAt: 10})
	l.insert(Member{ID: 501, EnrolledAt: 60})

	if r := l.rank(500); r != 0 {
		t.Fatalf("expected early member at rank 0, got %d", r)
	}
	if r := l.rank(1); r != 1 {
		t.Fatalf("expected member 1 at rank 1, got %d", r)
	}
	if r := l.rank(501); r != 101 {
		t.Fatalf("expected late member at rank 101, got %d", r)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"users:queue:*:wait", "users:queue:default:wait", true},
		{"users:queue:*:wait", "users:queue:a:b:wait", true},
		{"users:queue:*:wait", "users:queue:default:allow", false},
		{"users:queue:*:wait", "users:queue:wait", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.key); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

func TestMemoryStoreScanOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, q := range []string{"c", "a", "b"} {
		mustAdd(t, s, "users:queue:"+q+":wait", Member{ID: 1, EnrolledAt: 1})
	}
	keys, err := s.Scan(ctx, "users:queue:*:wait")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{"users:queue:a:wait", "users:queue:b:wait", "users:queue:c:wait"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("got %v, want %v", keys, want)
		}
	}
}
