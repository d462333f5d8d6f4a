// Package blevestore implements the bleve KVStore contract on top of the
// container's named-blob storage. The full key/value state lives in an
// immutable treap; every executed batch appends one write-ahead blob, and
// compaction folds the log into a single snapshot blob.
//
// Blob layout: "snap.<seq>" holds a full state snapshot, "wal.<seq>" one
// batch of mutations. Opening a store replays the newest snapshot plus all
// later logs in sequence order. All blob writes land in whatever ambient
// transaction is open on the container, which is how index mutations and
// scan metadata commit together.
package blevestore

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/gtreap"
	store "github.com/blevesearch/upsidedown_store_api"

	"github.com/lodestone-search/lodestone/internal/blob"
)

// Name is the registered bleve KVStore name.
const Name = "lodestone_blob"

// Config keys understood by the constructor. ConfigBlobStore carries the
// *blob.Store; ConfigInstance is set by the constructor so the session
// that opened the index can reach the live store for compaction.
const (
	ConfigBlobStore = "lodestone_blob_store"
	ConfigInstance  = "lodestone_store_instance"
)

func init() {
	_ = registry.RegisterKVStore(Name, New)
}

// Item is one key/value entry in the treap.
type Item struct {
	k []byte
	v []byte
}

func itemCompare(a, b interface{}) int {
	return bytes.Compare(a.(*Item).k, b.(*Item).k)
}

// Store is the blob-backed KVStore.
type Store struct {
	m  sync.Mutex
	t  *gtreap.Treap
	mo store.MergeOperator

	blobs   *blob.Store
	ctx     context.Context
	nextSeq uint64
	// persist is false for read-only containers: mutations (the engine
	// writes its mapping descriptor at open) stay in memory only.
	persist bool
}

// New is the registered KVStore constructor. The config map must carry a
// *blob.Store under ConfigBlobStore.
func New(mo store.MergeOperator, config map[string]interface{}) (store.KVStore, error) {
	blobs, ok := config[ConfigBlobStore].(*blob.Store)
	if !ok {
		return nil, fmt.Errorf("blevestore: config is missing the blob store")
	}
	ctx := context.Background()
	if c, ok := config["ctx"].(context.Context); ok {
		ctx = c
	}

	s := &Store{
		t:       gtreap.NewTreap(itemCompare),
		mo:      mo,
		blobs:   blobs,
		ctx:     ctx,
		persist: !blobs.ReadOnly(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	config[ConfigInstance] = s
	return s, nil
}

// load replays the newest snapshot and all later write-ahead blobs.
func (s *Store) load() error {
	names, err := s.blobs.ListNames(s.ctx)
	if err != nil {
		return err
	}

	snapSeq := uint64(0)
	haveSnap := false
	maxSeq := uint64(0)
	for _, name := range names {
		kind, seq, ok := parseBlobName(name)
		if !ok {
			continue
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		if kind == kindSnapshot && (!haveSnap || seq > snapSeq) {
			snapSeq = seq
			haveSnap = true
		}
	}

	if haveSnap {
		if err := s.replay(snapshotName(snapSeq)); err != nil {
			return err
		}
	}
	for _, name := range names {
		kind, seq, ok := parseBlobName(name)
		if !ok || kind != kindWAL {
			continue
		}
		if haveSnap && seq <= snapSeq {
			continue
		}
		if err := s.replay(name); err != nil {
			return err
		}
	}
	s.nextSeq = maxSeq + 1
	return nil
}

func (s *Store) replay(name string) error {
	r, err := s.blobs.OpenInput(s.ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	recs, err := decodeRecords(r)
	if err != nil {
		return fmt.Errorf("blevestore: replay %s: %w", name, err)
	}
	t := s.t
	for _, rec := range recs {
		if rec.op == opSet {
			t = t.Upsert(&Item{k: rec.key, v: rec.val}, rand.Int())
		} else {
			t = t.Delete(&Item{k: rec.key})
		}
	}
	s.t = t
	return nil
}

// Writer returns the single KVWriter. Only one write session exists per
// container, so no further exclusion is needed here.
func (s *Store) Writer() (store.KVWriter, error) {
	return &Writer{s: s}, nil
}

// Reader returns a KVReader over a point-in-time snapshot of the state.
func (s *Store) Reader() (store.KVReader, error) {
	s.m.Lock()
	t := s.t
	s.m.Unlock()
	return &Reader{t: t}, nil
}

// Close releases the store. The treap needs no teardown; durability is
// the container transaction's concern.
func (s *Store) Close() error { return nil }

// Compact writes the full state as one snapshot blob and deletes every
// superseded snapshot and write-ahead blob.
func (s *Store) Compact() error {
	s.m.Lock()
	defer s.m.Unlock()
	if !s.persist {
		return nil
	}

	seq := s.nextSeq
	var recs []record
	if min := s.t.Min(); min != nil {
		s.t.VisitAscend(min, func(it gtreap.Item) bool {
			i := it.(*Item)
			recs = append(recs, record{op: opSet, key: i.k, val: i.v})
			return true
		})
	}
	if err := s.writeBlob(snapshotName(seq), recs); err != nil {
		return err
	}
	s.nextSeq = seq + 1

	names, err := s.blobs.ListNames(s.ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		_, old, ok := parseBlobName(name)
		if !ok || old >= seq {
			continue
		}
		if err := s.blobs.DeleteFile(s.ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeBlob(name string, recs []record) error {
	w, err := s.blobs.CreateOutput(s.ctx, name)
	if err != nil {
		return err
	}
	if err := encodeRecords(w, recs); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
