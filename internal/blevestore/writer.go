package blevestore

import (
	"fmt"
	"math/rand"

	store "github.com/blevesearch/upsidedown_store_api"
)

// Writer is the store's single KVWriter.
type Writer struct {
	s *Store
}

// NewBatch returns an emulated batch that collects sets, deletes, and
// merge operands until ExecuteBatch.
func (w *Writer) NewBatch() store.KVBatch {
	return store.NewEmulatedBatch(w.s.mo)
}

// NewBatchEx returns a byte buffer of the requested size plus a batch.
func (w *Writer) NewBatchEx(options store.KVBatchOptions) ([]byte, store.KVBatch, error) {
	return make([]byte, options.TotalBytes), w.NewBatch(), nil
}

// ExecuteBatch resolves merges against the current state, applies every
// mutation to the treap, and appends the resolved mutations as one
// write-ahead blob. Readers opened before this call keep their snapshot.
func (w *Writer) ExecuteBatch(batch store.KVBatch) error {
	emulated, ok := batch.(*store.EmulatedBatch)
	if !ok {
		return fmt.Errorf("blevestore: wrong type of batch")
	}

	w.s.m.Lock()
	defer w.s.m.Unlock()

	t := w.s.t
	recs := make([]record, 0, len(emulated.Merger.Merges)+len(emulated.Ops))

	for k, mergeOps := range emulated.Merger.Merges {
		kb := []byte(k)
		var existing []byte
		if itm := t.Get(&Item{k: kb}); itm != nil {
			existing = itm.(*Item).v
		}
		merged, fullMergeOk := w.s.mo.FullMerge(kb, existing, mergeOps)
		if !fullMergeOk {
			return fmt.Errorf("blevestore: merge operator returned failure")
		}
		t = t.Upsert(&Item{k: kb, v: merged}, rand.Int())
		recs = append(recs, record{op: opSet, key: kb, val: merged})
	}

	for _, op := range emulated.Ops {
		if op.V != nil {
			t = t.Upsert(&Item{k: op.K, v: op.V}, rand.Int())
			recs = append(recs, record{op: opSet, key: op.K, val: op.V})
		} else {
			t = t.Delete(&Item{k: op.K})
			recs = append(recs, record{op: opDelete, key: op.K})
		}
	}

	if w.s.persist && len(recs) > 0 {
		if err := w.s.writeBlob(walName(w.s.nextSeq), recs); err != nil {
			return err
		}
		w.s.nextSeq++
	}

	w.s.t = t
	return nil
}

// Close releases the writer.
func (w *Writer) Close() error { return nil }
