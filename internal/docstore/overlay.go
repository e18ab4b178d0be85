package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Overlay reads through base but sees the writes staged so far in the same
// transaction function, in order, as if they were already applied. Staged
// Data is encoded at read time, so later mutations of a staged value show.
//
// Query identifies documents by their top-level "id" field.
type Overlay struct {
	base   Reader
	staged func() []Write
}

var _ Tx = (*Overlay)(nil)

func NewOverlay(base Reader, staged func() []Write) *Overlay {
	return &Overlay{base: base, staged: staged}
}

func (v *Overlay) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	writes := v.writesFor(collection)
	if _, ok := writes[id]; !ok {
		return v.base.Get(ctx, collection, id)
	}

	doc, err := v.base.Get(ctx, collection, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	doc, err = replay(doc, writes[id])
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (v *Overlay) Query(ctx context.Context, collection string, filter Filter, limit int) ([]json.RawMessage, error) {
	writes := v.writesFor(collection)
	if len(writes) == 0 {
		return v.base.Query(ctx, collection, filter, limit)
	}

	want, err := normalize(filter)
	if err != nil {
		return nil, err
	}
	// Staged writes can move documents in or out of the filter, so the base
	// query runs unbounded and the limit applies to the merged result.
	base, err := v.base.Query(ctx, collection, filter, 0)
	if err != nil {
		return nil, err
	}

	var out []json.RawMessage
	seen := make(map[string]bool, len(base))
	for _, doc := range base {
		id := documentID(doc)
		if id == "" {
			out = append(out, doc)
			continue
		}
		seen[id] = true
		if ws, ok := writes[id]; ok {
			if doc, err = replay(doc, ws); err != nil {
				return nil, err
			}
			keep, err := matches(doc, want)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
		}
		out = append(out, doc)
	}

	for _, id := range stagedOrder(v.staged(), collection) {
		if seen[id] {
			continue
		}
		doc, err := v.base.Get(ctx, collection, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if doc, err = replay(doc, writes[id]); err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		if docID := documentID(doc); docID != "" && seen[docID] {
			continue
		}
		ok, err := matches(doc, want)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// writesFor groups the staged writes of one collection by document id.
func (v *Overlay) writesFor(collection string) map[string][]Write {
	out := make(map[string][]Write)
	for _, w := range v.staged() {
		if w.Collection == collection {
			out[w.ID] = append(out[w.ID], w)
		}
	}
	return out
}

func stagedOrder(writes []Write, collection string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, w := range writes {
		if w.Collection == collection && !seen[w.ID] {
			seen[w.ID] = true
			ids = append(ids, w.ID)
		}
	}
	return ids
}

// replay applies writes to doc the way a commit would. A nil doc is absent.
func replay(doc json.RawMessage, writes []Write) (json.RawMessage, error) {
	for _, w := range writes {
		switch w.Op {
		case OpCreate, OpSet:
			raw, err := json.Marshal(w.Data)
			if err != nil {
				return nil, fmt.Errorf("encode %s/%s: %w", w.Collection, w.ID, err)
			}
			doc = raw
		case OpUpdate:
			if doc == nil {
				continue
			}
			merged, err := MergeObject(doc, w.Data)
			if err != nil {
				return nil, fmt.Errorf("update %s/%s: %w", w.Collection, w.ID, err)
			}
			doc = merged
		}
	}
	return doc, nil
}

func matches(doc json.RawMessage, want any) (bool, error) {
	var got any
	if err := json.Unmarshal(doc, &got); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	return contains(got, want), nil
}

func documentID(doc json.RawMessage) string {
	var head struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(doc, &head) != nil {
		return ""
	}
	return head.ID
}
