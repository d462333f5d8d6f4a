package engine

import (
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

// ParseQuery parses user query text with bleve's query-string grammar.
// The default field is the document body.
func ParseQuery(text string) (query.Query, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidQuery, "query is empty", nil)
	}
	q, err := bleve.NewQueryStringQuery(text).Parse()
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidQuery,
			"parsing query: "+err.Error(), err)
	}
	return q, nil
}

// QueryTerms walks a parsed query and returns the term -> weight map the
// highlighter binds. Terms are in analyzed (lowercased) form. Weights are
// accumulated boosts; a term reached through several branches keeps its
// highest weight. Must-not branches contribute nothing.
func QueryTerms(q query.Query) map[string]float64 {
	terms := make(map[string]float64)
	collectTerms(q, 1.0, terms)
	return terms
}

func collectTerms(q query.Query, boost float64, out map[string]float64) {
	if q == nil {
		return
	}
	if bq, ok := q.(query.BoostableQuery); ok {
		boost *= bq.Boost()
	}

	switch t := q.(type) {
	case *query.BooleanQuery:
		collectTerms(t.Must, boost, out)
		collectTerms(t.Should, boost, out)
		// MustNot terms never appear in results, so they carry no weight.
	case *query.ConjunctionQuery:
		for _, c := range t.Conjuncts {
			collectTerms(c, boost, out)
		}
	case *query.DisjunctionQuery:
		for _, d := range t.Disjuncts {
			collectTerms(d, boost, out)
		}
	case *query.MatchQuery:
		addAnalyzed(t.Match, boost, out)
	case *query.MatchPhraseQuery:
		addAnalyzed(t.MatchPhrase, boost, out)
	case *query.PhraseQuery:
		for _, term := range t.Terms {
			addTerm(term, boost, out)
		}
	case *query.MultiPhraseQuery:
		for _, pos := range t.Terms {
			for _, term := range pos {
				addTerm(term, boost, out)
			}
		}
	case *query.TermQuery:
		addTerm(strings.ToLower(t.Term), boost, out)
	case *query.PrefixQuery:
		addTerm(strings.ToLower(t.Prefix), boost, out)
	case *query.FuzzyQuery:
		addTerm(strings.ToLower(t.Term), boost, out)
	case *query.WildcardQuery:
		// Only the literal part of a wildcard can bind to tokens.
		addTerm(strings.ToLower(strings.Trim(t.Wildcard, "*?")), boost, out)
	case *query.QueryStringQuery:
		if parsed, err := t.Parse(); err == nil {
			collectTerms(parsed, boost, out)
		}
	}
}

// addAnalyzed tokenizes raw match text and binds each resulting term.
func addAnalyzed(text string, boost float64, out map[string]float64) {
	tokens, err := Analyze(text)
	if err != nil {
		return
	}
	for _, tok := range tokens {
		addTerm(tok.Term, boost, out)
	}
}

func addTerm(term string, weight float64, out map[string]float64) {
	if term == "" {
		return
	}
	if existing, ok := out[term]; !ok || weight > existing {
		out[term] = weight
	}
}
