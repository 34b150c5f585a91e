package storage

import (
	"context"
	"sync"
	"testing"
)

// runStoreContract exercises the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("AddRejectsDuplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.Add(ctx, "q:wait", Member{ID: 7, EnrolledAt: 100})
		if err != nil || !ok {
			t.Fatalf("first add: ok=%v err=%v", ok, err)
		}
		ok, err = s.Add(ctx, "q:wait", Member{ID: 7, EnrolledAt: 200})
		if err != nil {
			t.Fatalf("second add: %v", err)
		}
		if ok {
			t.Fatal("expected duplicate add to report false")
		}
		if n, _ := s.Size(ctx, "q:wait"); n != 1 {
			t.Fatalf("expected size 1, got %d", n)
		}
	})

	t.Run("RankFollowsTimestampThenInsertion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		// Same-second arrivals keep insertion order; an earlier timestamp
		// sorts ahead regardless of when it was inserted.
		mustAdd(t, s, "q:wait", Member{ID: 30, EnrolledAt: 10})
		mustAdd(t, s, "q:wait", Member{ID: 10, EnrolledAt: 10})
		mustAdd(t, s, "q:wait", Member{ID: 20, EnrolledAt: 10})
		mustAdd(t, s, "q:wait", Member{ID: 99, EnrolledAt: 5})

		want := map[int64]int64{99: 0, 30: 1, 10: 2, 20: 3, 1234: -1}
		for id, rank := range want {
			got, err := s.Rank(ctx, "q:wait", id)
			if err != nil {
				t.Fatalf("rank %d: %v", id, err)
			}
			if got != rank {
				t.Errorf("rank(%d) = %d, want %d", id, got, rank)
			}
		}
	})

	t.Run("RemoveMinPopsOldestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := int64(1); i <= 5; i++ {
			mustAdd(t, s, "q:wait", Member{ID: i, EnrolledAt: 100})
		}

		got, err := s.RemoveMin(ctx, "q:wait", 2)
		if err != nil {
			t.Fatalf("remove min: %v", err)
		}
		if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
			t.Fatalf("unexpected popped members: %+v", got)
		}
		if got[0].EnrolledAt != 100 {
			t.Errorf("expected enrolled-at 100, got %d", got[0].EnrolledAt)
		}
		if r, _ := s.Rank(ctx, "q:wait", 1); r != -1 {
			t.Errorf("popped member still ranked at %d", r)
		}
		if r, _ := s.Rank(ctx, "q:wait", 3); r != 0 {
			t.Errorf("expected member 3 at rank 0, got %d", r)
		}

		rest, err := s.RemoveMin(ctx, "q:wait", 10)
		if err != nil {
			t.Fatalf("remove rest: %v", err)
		}
		if len(rest) != 3 {
			t.Fatalf("expected 3 remaining members, got %d", len(rest))
		}
		if n, _ := s.Size(ctx, "q:wait"); n != 0 {
			t.Fatalf("expected empty set, got size %d", n)
		}

		// A popped member may be added again.
		mustAdd(t, s, "q:wait", Member{ID: 1, EnrolledAt: 200})
	})

	t.Run("RemoveMinZeroAndUnknown", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustAdd(t, s, "q:wait", Member{ID: 1, EnrolledAt: 1})

		if got, err := s.RemoveMin(ctx, "q:wait", 0); err != nil || len(got) != 0 {
			t.Fatalf("remove 0: got=%v err=%v", got, err)
		}
		if got, err := s.RemoveMin(ctx, "missing", 3); err != nil || len(got) != 0 {
			t.Fatalf("remove from unknown: got=%v err=%v", got, err)
		}
		if n, err := s.Size(ctx, "missing"); err != nil || n != 0 {
			t.Fatalf("size of unknown: n=%d err=%v", n, err)
		}
	})

	t.Run("ScanSkipsEmptySets", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustAdd(t, s, "users:queue:a:wait", Member{ID: 1, EnrolledAt: 1})
		mustAdd(t, s, "users:queue:b:wait", Member{ID: 1, EnrolledAt: 1})
		mustAdd(t, s, "users:queue:a:allow", Member{ID: 2, EnrolledAt: 1})
		if _, err := s.RemoveMin(ctx, "users:queue:b:wait", 1); err != nil {
			t.Fatalf("remove: %v", err)
		}

		keys, err := s.Scan(ctx, "users:queue:*:wait")
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if len(keys) != 1 || keys[0] != "users:queue:a:wait" {
			t.Fatalf("unexpected scan result: %v", keys)
		}
	})

	t.Run("ConcurrentDuplicateAdds", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const workers = 32
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Add(ctx, "q:wait", Member{ID: 42, EnrolledAt: 1})
				if err != nil {
					t.Errorf("add: %v", err)
					return
				}
				if ok {
					mu.Lock()
					success++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if success != 1 {
			t.Fatalf("expected exactly one successful add, got %d", success)
		}
		if n, _ := s.Size(ctx, "q:wait"); n != 1 {
			t.Fatalf("expected size 1, got %d", n)
		}
	})

	t.Run("ConcurrentRemoveMinPartitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const total = 200
		for i := int64(1); i <= total; i++ {
			mustAdd(t, s, "q:wait", Member{ID: i, EnrolledAt: 1})
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[int64]int)
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					got, err := s.RemoveMin(ctx, "q:wait", 7)
					if err != nil {
						t.Errorf("remove min: %v", err)
						return
					}
					if len(got) == 0 {
						return
					}
					mu.Lock()
					for _, m := range got {
						seen[m.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != total {
			t.Fatalf("expected %d distinct members, got %d", total, len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("member %d popped %d times", id, n)
			}
		}
	})
}

func mustAdd(t *testing.T, s Store, key string, m Member) {
	t.Helper()
	ok, err := s.Add(context.Background(), key, m)
	if err != nil {
		t.Fatalf("add %d to %s: %v", m.ID, key, err)
	}
	if !ok {
		t.Fatalf("add %d to %s: already present", m.ID, key)
	}
}
