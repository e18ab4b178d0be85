package docstore_test

import (
	"TangleRecon/internal/docstore"
	"context"
	"errors"
	"testing"
)

type widget struct {
	ID     string   `json:"id"`
	Owner  string   `json:"owner"`
	Active bool     `json:"active"`
	Tags   []string `json:"tags,omitempty"`
	Count  int      `json:"count"`
}

func mustCommit(t *testing.T, s docstore.Store, writes ...docstore.Write) {
	t.Helper()
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) ([]docstore.Write, error) {
		return writes, nil
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// ============================================================================
// Test: Writes
// ============================================================================

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := docstore.NewMemoryStore()
	ctx := context.Background()

	mustCommit(t, s, docstore.Write{Op: docstore.OpCreate, Collection: "widgets", ID: "w1", Data: widget{ID: "w1", Owner: "alice"}})

	w, err := docstore.Get[widget](ctx, s, "widgets", "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if w.Owner != "alice" {
		t.Errorf("owner: got %q, want alice", w.Owner)
	}

	if _, err := docstore.Get[widget](ctx, s, "widgets", "missing"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("missing: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_FailedCommitWritesNothing(t *testing.T) {
	s := docstore.NewMemoryStore()
	mustCommit(t, s, docstore.Write{Op: docstore.OpCreate, Collection: "widgets", ID: "w1", Data: widget{ID: "w1"}})

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) ([]docstore.Write, error) {
		return []docstore.Write{
			{Op: docstore.OpCreate, Collection: "widgets", ID: "w2", Data: widget{ID: "w2"}},
			{Op: docstore.OpCreate, Collection: "widgets", ID: "w1", Data: widget{ID: "w1"}},
		}, nil
	})
	if !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
	if n := s.Count("widgets"); n != 1 {
		t.Errorf("count: got %d, want 1", n)
	}
}

func TestMemoryStore_FunctionErrorAborts(t *testing.T) {
	s := docstore.NewMemoryStore()
	boom := errors.New("boom")

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) ([]docstore.Write, error) {
		return []docstore.Write{{Op: docstore.OpSet, Collection: "widgets", ID: "w1", Data: widget{ID: "w1"}}}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if n := s.Count("widgets"); n != 0 {
		t.Errorf("count: got %d, want 0", n)
	}
}

func TestMemoryStore_UpdateMergesTopLevel(t *testing.T) {
	s := docstore.NewMemoryStore()
	ctx := context.Background()
	mustCommit(t, s, docstore.Write{Op: docstore.OpSet, Collection: "widgets", ID: "w1", Data: widget{ID: "w1", Owner: "alice", Count: 1}})

	mustCommit(t, s, docstore.Write{Op: docstore.OpUpdate, Collection: "widgets", ID: "w1", Data: map[string]any{"count": 5}})

	w, err := docstore.Get[widget](ctx, s, "widgets", "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if w.Count != 5 || w.Owner != "alice" {
		t.Errorf("got %+v", w)
	}

	err = s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) ([]docstore.Write, error) {
		return []docstore.Write{{Op: docstore.OpUpdate, Collection: "widgets", ID: "nope", Data: map[string]any{"count": 1}}}, nil
	})
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("update missing: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_LaterWriteWins(t *testing.T) {
	s := docstore.NewMemoryStore()
	mustCommit(t, s,
		docstore.Write{Op: docstore.OpCreate, Collection: "widgets", ID: "w1", Data: widget{ID: "w1", Count: 1}},
		docstore.Write{Op: docstore.OpSet, Collection: "widgets", ID: "w1", Data: widget{ID: "w1", Count: 2}},
	)

	w, err := docstore.Get[widget](context.Background(), s, "widgets", "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if w.Count != 2 {
		t.Errorf("count: got %d, want 2", w.Count)
	}
}

// ============================================================================
// Test: Queries
// ============================================================================

func TestMemoryStore_QueryContainment(t *testing.T) {
	s := docstore.NewMemoryStore()
	ctx := context.Background()
	mustCommit(t, s,
		docstore.Write{Op: docstore.OpCreate, Collection: "widgets", ID: "w1", Data: widget{ID: "w1", Owner: "alice", Active: true, Tags: []string{"a", "b"}}},
		docstore.Write{Op: docstore.OpCreate, Collection: "widgets", ID: "w2", Data: widget{ID: "w2", Owner: "bob", Active: true}},
		docstore.Write{Op: docstore.OpCreate, Collection: "widgets", ID: "w3", Data: widget{ID: "w3", Owner: "alice"}},
	)

	active, err := docstore.QueryAll[widget](ctx, s, "widgets", docstore.Filter{"active": true}, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(active) != 2 || active[0].ID != "w1" || active[1].ID != "w2" {
		t.Errorf("active: got %+v", active)
	}

	tagged, err := docstore.QueryAll[widget](ctx, s, "widgets", docstore.Filter{"tags": []string{"b"}}, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(tagged) != 1 || tagged[0].ID != "w1" {
		t.Errorf("tagged: got %+v", tagged)
	}

	first, err := docstore.FindOne[widget](ctx, s, "widgets", docstore.Filter{"owner": "alice"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if first.ID != "w1" {
		t.Errorf("first: got %s, want w1", first.ID)
	}

	if _, err := docstore.FindOne[widget](ctx, s, "widgets", docstore.Filter{"owner": "carol"}); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("no match: got %v, want ErrNotFound", err)
	}
}
