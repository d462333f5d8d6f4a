// Package highlight maps query terms back onto arbitrary text as scored,
// ordered, non-overlapping fragments. The text need not be the indexed
// body; hits are typically re-read from disk before highlighting. By
// default the whole text is one fragment, which suits whole-file
// highlighting; windowed fragmenting is opt-in.
package highlight

import (
	"fmt"
	"math"

	"github.com/lodestone-search/lodestone/internal/engine"
	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

// Fragment is a scored span of the supplied text. Start and End are
// absolute byte offsets, End exclusive. Text is the verbatim slice.
type Fragment struct {
	Start int
	End   int
	Score float64
	Text  string
}

// CorpusStats supplies document counts for inverse-document-frequency
// weighting. engine read sessions implement it.
type CorpusStats interface {
	DocCount() (uint64, error)
	DocFreq(term string) (uint64, error)
}

// Tokenizer produces the token stream for a text. The default is the
// index body analyzer.
type Tokenizer func(text string) ([]engine.Token, error)

// Highlighter scores text against a bound term-weight map, usually the
// output of engine.QueryTerms.
type Highlighter struct {
	weights  map[string]float64
	fragSize int
	tokenize Tokenizer
}

// Option configures a Highlighter.
type Option func(*Highlighter) error

// WithFragmentSize enables windowed fragmenting: a fragment closes at
// the first token end crossing a multiple of n bytes.
func WithFragmentSize(n int) Option {
	return func(h *Highlighter) error {
		if n <= 0 {
			return apperrors.Validation("fragment size must be positive")
		}
		h.fragSize = n
		return nil
	}
}

// WithIDF scales every term weight by 1 + ln(N / (1 + df)), so rare
// terms count for more than common ones.
func WithIDF(stats CorpusStats) Option {
	return func(h *Highlighter) error {
		n, err := stats.DocCount()
		if err != nil {
			return err
		}
		for term, w := range h.weights {
			df, err := stats.DocFreq(term)
			if err != nil {
				return err
			}
			h.weights[term] = w * (1 + math.Log(float64(n)/float64(1+df)))
		}
		return nil
	}
}

// WithTokenizer overrides the analysis pipeline.
func WithTokenizer(fn Tokenizer) Option {
	return func(h *Highlighter) error {
		h.tokenize = fn
		return nil
	}
}

// New builds a Highlighter over a term -> weight map. The map is copied.
func New(weights map[string]float64, opts ...Option) (*Highlighter, error) {
	h := &Highlighter{
		weights:  make(map[string]float64, len(weights)),
		tokenize: engine.Analyze,
	}
	for term, w := range weights {
		h.weights[term] = w
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Highlight scores text and returns the fragments with score > 0, in
// text order, never overlapping. The first occurrence of each distinct
// matched term within a fragment contributes that term's weight once.
func (h *Highlighter) Highlight(text string) ([]Fragment, error) {
	tokens, err := h.tokenize(text)
	if err != nil {
		return nil, err
	}

	var frags []Fragment
	cur := Fragment{}
	seen := make(map[string]bool)
	boundary := h.fragSize

	for _, tok := range tokens {
		if tok.Start < 0 || tok.End < tok.Start || tok.End > len(text) {
			return nil, apperrors.Integrity(apperrors.ErrCodeOffsetOutOfRange,
				fmt.Sprintf("token %q offsets [%d,%d) exceed text length %d",
					tok.Term, tok.Start, tok.End, len(text)))
		}
		if w, ok := h.weights[tok.Term]; ok && !seen[tok.Term] {
			cur.Score += w
			seen[tok.Term] = true
		}
		if h.fragSize > 0 && tok.End >= boundary {
			cur.End = tok.End
			frags = append(frags, cur)
			cur = Fragment{Start: tok.End}
			seen = make(map[string]bool)
			boundary = (tok.End/h.fragSize + 1) * h.fragSize
		}
	}

	// The remaining tail of the text belongs to the last fragment.
	cur.End = len(text)
	if cur.End > cur.Start || len(frags) == 0 {
		frags = append(frags, cur)
	}

	out := frags[:0]
	for _, f := range frags {
		if f.Score <= 0 {
			continue
		}
		f.Text = text[f.Start:f.End]
		out = append(out, f)
	}
	return out, nil
}
