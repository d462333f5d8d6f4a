package blevestore

import (
	"github.com/blevesearch/gtreap"
	store "github.com/blevesearch/upsidedown_store_api"
)

// Reader is a KVReader over an immutable treap snapshot. It stays valid
// and consistent regardless of writes executed after it was opened.
type Reader struct {
	t *gtreap.Treap
}

// Get returns the value for key, or nil if absent.
func (r *Reader) Get(key []byte) ([]byte, error) {
	if itm := r.t.Get(&Item{k: key}); itm != nil {
		return itm.(*Item).v, nil
	}
	return nil, nil
}

// MultiGet returns the values for a set of keys.
func (r *Reader) MultiGet(keys [][]byte) ([][]byte, error) {
	return store.MultiGet(r, keys)
}

// PrefixIterator iterates all entries whose key starts with prefix.
func (r *Reader) PrefixIterator(prefix []byte) store.KVIterator {
	it := &Iterator{t: r.t, prefix: prefix}
	it.restart(&Item{k: prefix})
	return it
}

// RangeIterator iterates all entries with start <= key < end.
func (r *Reader) RangeIterator(start, end []byte) store.KVIterator {
	it := &Iterator{t: r.t, start: start, end: end}
	it.restart(&Item{k: start})
	return it
}

// Close releases the reader.
func (r *Reader) Close() error { return nil }
