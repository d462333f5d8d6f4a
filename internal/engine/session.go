package engine

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/index/upsidedown"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/lodestone-search/lodestone/internal/blevestore"
	"github.com/lodestone-search/lodestone/internal/blob"
	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

// Mode selects what a session may do.
type Mode int

const (
	// ModeWrite sessions add and delete documents.
	ModeWrite Mode = iota
	// ModeRead sessions search.
	ModeRead
)

// Equality is a field = value condition for DeleteMatching.
type Equality struct {
	Field string
	Value string
}

// Hit is one scored search result with its stored fields.
type Hit struct {
	ID        string
	Score     float64
	Path      string
	Ext       string
	LineCount int
	BatchID   string
	DirID     string
}

// Result is the outcome of a search.
type Result struct {
	Total uint64
	Hits  []Hit
}

// Session is an open index handle over a container's blobs. A write
// session buffers adds into a batch that executes on Commit; a read
// session searches a point-in-time view. Using a session the wrong way
// round is a state error.
type Session struct {
	mode    Mode
	idx     bleve.Index
	store   *blevestore.Store
	blobs   *blob.Store
	batch   *bleve.Batch
	pending int
	closed  bool
}

// OpenWriter opens a write session. The blob store must belong to a
// container opened read-write.
func OpenWriter(blobs *blob.Store) (*Session, error) {
	if blobs.ReadOnly() {
		return nil, apperrors.State(apperrors.ErrCodeSessionReadOnly,
			"cannot open a write session on a read-only container")
	}
	return open(blobs, ModeWrite)
}

// OpenReader opens a read session over the blobs' current state.
func OpenReader(blobs *blob.Store) (*Session, error) {
	return open(blobs, ModeRead)
}

func open(blobs *blob.Store, mode Mode) (*Session, error) {
	kvconfig := map[string]interface{}{
		blevestore.ConfigBlobStore: blobs,
	}
	// The empty path keeps bleve from writing an index_meta.json next to
	// anything; all state flows through the registered KVStore.
	idx, err := bleve.NewUsing("", buildMapping(), upsidedown.Name, blevestore.Name, kvconfig)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeContainerOpen,
			"opening index: "+err.Error(), err)
	}
	st, _ := kvconfig[blevestore.ConfigInstance].(*blevestore.Store)

	s := &Session{mode: mode, idx: idx, store: st, blobs: blobs}
	if mode == ModeWrite {
		s.batch = idx.NewBatch()
	}
	return s, nil
}

func (s *Session) writable() error {
	if s.closed {
		return apperrors.State(apperrors.ErrCodeClosed, "session is closed")
	}
	if s.mode != ModeWrite {
		return apperrors.State(apperrors.ErrCodeSessionReadOnly,
			"write attempted on a read session")
	}
	return nil
}

func (s *Session) readable() error {
	if s.closed {
		return apperrors.State(apperrors.ErrCodeClosed, "session is closed")
	}
	if s.mode != ModeRead {
		return apperrors.State(apperrors.ErrCodeSessionWriteOnly,
			"search attempted on a write session")
	}
	return nil
}

// Add buffers one document. Nothing is searchable until Commit (or a
// DeleteMatching, which flushes the buffer first).
func (s *Session) Add(doc Document) error {
	if err := s.writable(); err != nil {
		return err
	}
	if doc.Path == "" {
		return apperrors.Validation("document path is empty")
	}
	if doc.BatchID == "" {
		return apperrors.Validation("document batch id is empty")
	}
	if err := s.batch.Index(DocID(doc.DirID, doc.Path), doc.fields()); err != nil {
		return apperrors.Transaction("buffering document "+doc.Path, err)
	}
	s.pending++
	return nil
}

// flush executes the pending batch.
func (s *Session) flush() error {
	if s.pending == 0 {
		return nil
	}
	if err := s.idx.Batch(s.batch); err != nil {
		return apperrors.Transaction("executing index batch", err)
	}
	s.batch = s.idx.NewBatch()
	s.pending = 0
	return nil
}

// Commit executes all buffered mutations. Durability still depends on
// the container transaction committing.
func (s *Session) Commit() error {
	if err := s.writable(); err != nil {
		return err
	}
	return s.flush()
}

// DeleteMatching removes every document where match holds, except those
// that also satisfy the except condition. Returns the number deleted.
// Any buffered adds are flushed first so a delete can never clobber a
// document added earlier in the same session.
func (s *Session) DeleteMatching(match Equality, except *Equality) (int, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}
	if match.Field == "" {
		return 0, apperrors.Validation("delete condition has no field")
	}
	if err := s.flush(); err != nil {
		return 0, err
	}

	var q query.Query = termQuery(match)
	if except != nil {
		bq := bleve.NewBooleanQuery()
		bq.AddMust(termQuery(match))
		bq.AddMustNot(termQuery(*except))
		q = bq
	}

	req := bleve.NewSearchRequest(q)
	req.Size = 0
	res, err := s.idx.Search(req)
	if err != nil {
		return 0, apperrors.Transaction("finding documents to delete", err)
	}
	total := int(res.Total)
	if total == 0 {
		return 0, nil
	}

	req = bleve.NewSearchRequest(q)
	req.Size = total
	res, err = s.idx.Search(req)
	if err != nil {
		return 0, apperrors.Transaction("finding documents to delete", err)
	}

	batch := s.idx.NewBatch()
	for _, h := range res.Hits {
		batch.Delete(h.ID)
	}
	if err := s.idx.Batch(batch); err != nil {
		return 0, apperrors.Transaction("deleting documents", err)
	}
	return len(res.Hits), nil
}

// Search runs q and returns up to max scored hits with stored fields.
func (s *Session) Search(q query.Query, max int) (*Result, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}
	if q == nil {
		return nil, apperrors.Validation("query is nil")
	}
	if max <= 0 {
		return nil, apperrors.Validation("max results must be positive")
	}

	req := bleve.NewSearchRequest(q)
	req.Size = max
	req.Fields = []string{FieldPath, FieldExt, FieldLineCount, FieldBatchID, FieldDirID}
	res, err := s.idx.Search(req)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidQuery,
			"search failed: "+err.Error(), err)
	}

	out := &Result{Total: res.Total, Hits: make([]Hit, 0, len(res.Hits))}
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		hit.Path, _ = h.Fields[FieldPath].(string)
		hit.Ext, _ = h.Fields[FieldExt].(string)
		hit.BatchID, _ = h.Fields[FieldBatchID].(string)
		hit.DirID, _ = h.Fields[FieldDirID].(string)
		if n, ok := h.Fields[FieldLineCount].(float64); ok {
			hit.LineCount = int(n)
		}
		out.Hits = append(out.Hits, hit)
	}
	return out, nil
}

// DocCount reports the number of live documents in the index.
func (s *Session) DocCount() (uint64, error) {
	if err := s.readable(); err != nil {
		return 0, err
	}
	return s.idx.DocCount()
}

// DocFreq reports how many documents contain term in their body. The
// term must be in analyzed form, as produced by Analyze.
func (s *Session) DocFreq(term string) (uint64, error) {
	if err := s.readable(); err != nil {
		return 0, err
	}
	req := bleve.NewSearchRequest(termQuery(Equality{Field: FieldBody, Value: term}))
	req.Size = 0
	res, err := s.idx.Search(req)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrCodeInvalidQuery,
			"doc frequency lookup failed: "+err.Error(), err)
	}
	return res.Total, nil
}

// Reset discards the session's in-memory index state and replays the
// persisted blobs. A scan whose container transaction rolled back leaves
// the in-memory key/value state ahead of what the container holds;
// continuing to write through it would persist records that replay
// cannot reconstruct. Reset drops the blob cache and rebuilds the index
// from the surviving blobs, leaving the session usable for the next
// scan. An error poisons the session: it closes and stays closed.
func (s *Session) Reset() error {
	if err := s.writable(); err != nil {
		return err
	}
	if err := s.idx.Close(); err != nil {
		s.closed = true
		return apperrors.New(apperrors.ErrCodeContainerOpen,
			"closing stale index: "+err.Error(), err)
	}
	s.blobs.Purge()
	fresh, err := open(s.blobs, s.mode)
	if err != nil {
		s.closed = true
		return err
	}
	s.idx = fresh.idx
	s.store = fresh.store
	s.batch = fresh.batch
	s.pending = 0
	return nil
}

// Compact folds the index's blob log into a single snapshot.
func (s *Session) Compact() error {
	if err := s.writable(); err != nil {
		return err
	}
	if err := s.flush(); err != nil {
		return err
	}
	return s.store.Compact()
}

// Close releases the session. Pending uncommitted adds are dropped.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.idx.Close()
}

func termQuery(eq Equality) *query.TermQuery {
	q := bleve.NewTermQuery(eq.Value)
	q.SetField(eq.Field)
	return q
}
