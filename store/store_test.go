package store

import (
	"context"
	"regexp"
	"testing"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBlock(t *testing.T, s *Store, height uint64) {
	t.Helper()
	if err := s.InsertBlock(context.Background(), height, []byte{byte(height)}, []byte{byte(height - 1)}); err != nil {
		t.Fatalf("InsertBlock(%d): %v", height, err)
	}
}

func TestBlockGaplessInvariant(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seedBlock(t, s, 0)
	seedBlock(t, s, 1)
	if err := s.InsertBlock(ctx, 3, []byte{3}, []byte{2}); err == nil {
		t.Fatal("expected gap insert to fail")
	}
	seedBlock(t, s, 2)
}

func TestContractPublishAndDuplicate(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seedBlock(t, s, 0)

	id, err := s.InsertContract(ctx, "counter", 0, 0, []byte("component-bytes"))
	if err != nil {
		t.Fatalf("InsertContract: %v", err)
	}
	if _, err := s.InsertContract(ctx, "counter", 0, 0, []byte("other-bytes")); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := s.ComponentBytes(ctx, id)
	if err != nil || string(got) != "component-bytes" {
		t.Fatalf("ComponentBytes = %q, %v", got, err)
	}
}

func TestGetSetLatestWins(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seedBlock(t, s, 0)
	id, _ := s.InsertContract(ctx, "c", 0, 0, []byte("x"))

	if _, found, err := s.Get(ctx, id, "balance"); err != nil || found {
		t.Fatalf("expected not found before any Set, got found=%v err=%v", found, err)
	}

	if err := s.Set(ctx, id, "balance", []byte("1"), 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, id, "balance", []byte("2"), 0, 1); err != nil {
		t.Fatal(err)
	}
	v, found, err := s.Get(ctx, id, "balance")
	if err != nil || !found || string(v) != "2" {
		t.Fatalf("Get = %q, %v, %v, want 2/true/nil", v, found, err)
	}
}

func TestDeleteMatchingPathsThenGetMisses(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seedBlock(t, s, 0)
	id, _ := s.InsertContract(ctx, "c", 0, 0, []byte("x"))

	s.Set(ctx, id, "shape.kind.circle", []byte("1"), 0, 0)
	s.Set(ctx, id, "shape.kind.square", []byte("1"), 0, 1)

	re := regexp.MustCompilePOSIX("shape.kind.circle")
	n, err := s.DeleteMatchingPaths(ctx, id, re, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d paths, want 1", n)
	}
	if _, found, _ := s.Get(ctx, id, "shape.kind.circle"); found {
		t.Fatal("expected circle to be deleted")
	}
	if _, found, _ := s.Get(ctx, id, "shape.kind.square"); !found {
		t.Fatal("expected square to survive")
	}
}

func TestExtendPathWithMatchPicksLexicographicallySmallest(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seedBlock(t, s, 0)
	id, _ := s.InsertContract(ctx, "c", 0, 0, []byte("x"))

	s.Set(ctx, id, "shape.kind.square", []byte("1"), 0, 0)
	s.Set(ctx, id, "shape.kind.circle", []byte("1"), 0, 1)

	re := regexp.MustCompilePOSIX("shape\\.kind\\.(circle|square)")
	seg, found, err := s.ExtendPathWithMatch(ctx, id, "shape.kind", re)
	if err != nil || !found {
		t.Fatalf("ExtendPathWithMatch: %v, found=%v", err, found)
	}
	if seg != "circle" {
		t.Fatalf("segment = %q, want circle (lexicographically smallest)", seg)
	}
}

func TestKeysIterationAscendingNoDuplicates(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seedBlock(t, s, 0)
	id, _ := s.InsertContract(ctx, "c", 0, 0, []byte("x"))

	s.Set(ctx, id, "accounts.bob.balance", []byte("1"), 0, 0)
	s.Set(ctx, id, "accounts.alice.balance", []byte("1"), 0, 1)
	s.Set(ctx, id, "accounts.alice.nonce", []byte("1"), 0, 2)

	iter, err := s.Keys(ctx, id, "accounts")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for {
		seg, ok := iter.Next()
		if !ok {
			break
		}
		got = append(got, seg)
	}
	want := []string{"alice", "bob"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Keys = %v, want %v", got, want)
	}
}

func TestKeysIterStableAfterFurtherMutation(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seedBlock(t, s, 0)
	id, _ := s.InsertContract(ctx, "c", 0, 0, []byte("x"))
	s.Set(ctx, id, "a.one", []byte("1"), 0, 0)

	iter, err := s.Keys(ctx, id, "a")
	if err != nil {
		t.Fatal(err)
	}
	s.Set(ctx, id, "a.two", []byte("1"), 0, 1)

	var got []string
	for {
		seg, ok := iter.Next()
		if !ok {
			break
		}
		got = append(got, seg)
	}
	if len(got) != 1 || got[0] != "one" {
		t.Fatalf("iterator snapshot changed after mutation: %v", got)
	}
}

func TestSavepointCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seedBlock(t, s, 0)
	id, _ := s.InsertContract(ctx, "c", 0, 0, []byte("x"))
	s.Set(ctx, id, "balance", []byte("1"), 0, 0)

	sp, err := s.Savepoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s.Set(ctx, id, "balance", []byte("2"), 0, 1)
	if v, _, _ := s.Get(ctx, id, "balance"); string(v) != "2" {
		t.Fatalf("expected write visible before commit, got %q", v)
	}
	if err := sp.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := s.Get(ctx, id, "balance"); string(v) != "1" {
		t.Fatalf("Get after rollback = %q, want 1", v)
	}

	sp2, err := s.Savepoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s.Set(ctx, id, "balance", []byte("3"), 0, 2)
	if err := sp2.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := s.Get(ctx, id, "balance"); string(v) != "3" {
		t.Fatalf("Get after commit = %q, want 3", v)
	}
}

func TestRollbackToHeightCascadesAndStaysGapless(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seedBlock(t, s, 0)
	seedBlock(t, s, 1)
	seedBlock(t, s, 2)
	id, _ := s.InsertContract(ctx, "c", 1, 0, []byte("x"))
	s.Set(ctx, id, "balance", []byte("1"), 1, 0)

	if err := s.RollbackToHeight(ctx, 0); err != nil {
		t.Fatal(err)
	}
	last, ok, err := s.LastHeight(ctx)
	if err != nil || !ok || last != 0 {
		t.Fatalf("LastHeight after rollback = %v, %v, %v, want 0/true/nil", last, ok, err)
	}
	if _, found, _ := s.Get(ctx, id, "balance"); found {
		t.Fatal("expected contract_state to cascade-delete with its contract's block")
	}
	if _, found, err := s.ContractID(ctx, "c", 1, 0); err != nil || found {
		t.Fatal("expected contract row to cascade-delete")
	}

	seedBlock(t, s, 1)
}

func TestRollbackToHeightCascadesStateForSurvivingContract(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seedBlock(t, s, 0)
	seedBlock(t, s, 1)

	// The common case: a contract published at a surviving height (0) has
	// its state mutated by a later procedure call (at height 1, the one
	// about to be rolled back). contract_state has no row in contracts
	// pointing at the rolled-back height, so only its own height FK can
	// cascade it.
	id, err := s.InsertContract(ctx, "counter", 0, 0, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, id, "counter", []byte("5"), 1, 0); err != nil {
		t.Fatal(err)
	}
	if v, found, _ := s.Get(ctx, id, "counter"); !found || string(v) != "5" {
		t.Fatalf("Get before rollback = %q, found=%v, want 5/true", v, found)
	}

	if err := s.RollbackToHeight(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if _, found, err := s.ContractID(ctx, "counter", 0, 0); err != nil || !found {
		t.Fatalf("expected contract published at surviving height 0 to remain, found=%v err=%v", found, err)
	}
	if _, found, _ := s.Get(ctx, id, "counter"); found {
		t.Fatal("expected state written at rolled-back height 1 to be gone even though the contract survives")
	}
}
