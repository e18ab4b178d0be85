package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

type docKey struct {
	collection string
	id         string
}

// MemoryStore keeps documents in process. A transaction holds the store lock from
// its first read to its commit, so transactions are serial and never retried.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[docKey]json.RawMessage
	order map[string][]string // collection -> ids in creation order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[docKey]json.RawMessage),
		order: make(map[string][]string),
	}
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(collection, id)
}

func (s *MemoryStore) Query(ctx context.Context, collection string, filter Filter, limit int) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(collection, filter, limit)
}

func (s *MemoryStore) get(collection, id string) (json.RawMessage, error) {
	doc, ok := s.docs[docKey{collection, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), doc...), nil
}

func (s *MemoryStore) query(collection string, filter Filter, limit int) ([]json.RawMessage, error) {
	want, err := normalize(filter)
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	for _, id := range s.order[collection] {
		doc := s.docs[docKey{collection, id}]
		var got any
		if err := json.Unmarshal(doc, &got); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		if !contains(got, want) {
			continue
		}
		out = append(out, append(json.RawMessage(nil), doc...))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RunTransaction runs fn under the store lock and applies its writes all or nothing.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	writes, err := fn(ctx, memoryTx{s})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.apply(writes)
}

func (s *MemoryStore) apply(writes []Write) error {
	staged := make(map[docKey]json.RawMessage, len(writes))
	var created []docKey

	lookup := func(k docKey) (json.RawMessage, bool) {
		if doc, ok := staged[k]; ok {
			return doc, true
		}
		doc, ok := s.docs[k]
		return doc, ok
	}

	for _, w := range writes {
		k := docKey{w.Collection, w.ID}
		existing, exists := lookup(k)

		switch w.Op {
		case OpCreate, OpSet:
			if w.Op == OpCreate && exists {
				return fmt.Errorf("create %s/%s: %w", w.Collection, w.ID, ErrConflict)
			}
			doc, err := json.Marshal(w.Data)
			if err != nil {
				return fmt.Errorf("encode %s/%s: %w", w.Collection, w.ID, err)
			}
			if !exists {
				created = append(created, k)
			}
			staged[k] = doc
		case OpUpdate:
			if !exists {
				return fmt.Errorf("update %s/%s: %w", w.Collection, w.ID, ErrNotFound)
			}
			doc, err := MergeObject(existing, w.Data)
			if err != nil {
				return fmt.Errorf("update %s/%s: %w", w.Collection, w.ID, err)
			}
			staged[k] = doc
		default:
			return fmt.Errorf("unknown write op %d", w.Op)
		}
	}

	for k, doc := range staged {
		s.docs[k] = doc
	}
	for _, k := range created {
		s.order[k.collection] = append(s.order[k.collection], k.id)
	}
	return nil
}

// Count returns the number of documents in a collection.
func (s *MemoryStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order[collection])
}

type memoryTx struct {
	s *MemoryStore
}

func (t memoryTx) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	return t.s.get(collection, id)
}

func (t memoryTx) Query(ctx context.Context, collection string, filter Filter, limit int) ([]json.RawMessage, error) {
	return t.s.query(collection, filter, limit)
}

// normalize round-trips the filter through JSON so it compares like a stored document.
func normalize(filter Filter) (any, error) {
	if len(filter) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// contains mirrors Postgres jsonb @>: objects match by subset, arrays by element
// containment, scalars by equality.
func contains(doc, want any) bool {
	switch w := want.(type) {
	case map[string]any:
		d, ok := doc.(map[string]any)
		if !ok {
			return false
		}
		for k, wv := range w {
			dv, ok := d[k]
			if !ok || !contains(dv, wv) {
				return false
			}
		}
		return true
	case []any:
		d, ok := doc.([]any)
		if !ok {
			return false
		}
		for _, wv := range w {
			found := false
			for _, dv := range d {
				if contains(dv, wv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(doc, want)
	}
}
