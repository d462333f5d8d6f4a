// Package engine binds the bleve full-text library to the container's
// blob storage. It owns the document schema, the analysis pipeline, and
// the read/write session surface the scanner and the CLI consume. The
// index persists through the blevestore KVStore, so index mutations land
// in whatever ambient transaction is open on the container.
package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

// Document field names. All but body are stored and returned with hits.
const (
	FieldPath      = "path"
	FieldExt       = "ext"
	FieldLineCount = "line_count"
	FieldBatchID   = "batch_id"
	FieldDirID     = "dir_id"
	FieldBody      = "body"
)

// Document is one indexed file.
type Document struct {
	// Path is the file's path relative to its directory root, slash
	// separated.
	Path      string
	Ext       string // extension without the leading dot
	LineCount int
	BatchID   string
	DirID     int64
	// Body is the indexable text: the relative path followed by the
	// file's lines joined with \n. Indexed, never stored.
	Body string
}

// DocID builds the index document id. Relative paths are unique modulo
// case within a directory, so the id folds case: rescanning a file whose
// name only changed case replaces the old document instead of adding one.
func DocID(dirID int64, relPath string) string {
	return fmt.Sprintf("%d:%s", dirID, strings.ToLower(filepath.ToSlash(relPath)))
}

func (d Document) fields() map[string]interface{} {
	return map[string]interface{}{
		FieldPath:      d.Path,
		FieldExt:       d.Ext,
		FieldLineCount: d.LineCount,
		FieldBatchID:   d.BatchID,
		FieldDirID:     fmt.Sprintf("%d", d.DirID),
		FieldBody:      d.Body,
	}
}

// buildMapping defines the index schema. Metadata fields use the keyword
// analyzer so equality queries see exact values; body uses the standard
// analyzer, which is also what Analyze exposes for highlighting.
func buildMapping() *mapping.IndexMappingImpl {
	keywordField := func() *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = keyword.Name
		fm.Store = true
		fm.IncludeInAll = false
		fm.IncludeTermVectors = false
		return fm
	}

	body := bleve.NewTextFieldMapping()
	body.Analyzer = standard.Name
	body.Store = false
	body.IncludeInAll = false
	body.IncludeTermVectors = true

	lineCount := bleve.NewNumericFieldMapping()
	lineCount.Store = true
	lineCount.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(FieldPath, keywordField())
	doc.AddFieldMappingsAt(FieldExt, keywordField())
	doc.AddFieldMappingsAt(FieldBatchID, keywordField())
	doc.AddFieldMappingsAt(FieldDirID, keywordField())
	doc.AddFieldMappingsAt(FieldLineCount, lineCount)
	doc.AddFieldMappingsAt(FieldBody, body)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	m.DefaultField = FieldBody
	m.StoreDynamic = false
	m.IndexDynamic = false
	return m
}

// analyzeMapping backs Analyze. Analysis is stateless, so one shared
// mapping serves the whole process.
var analyzeMapping = buildMapping()

// Token is one analyzed term with its byte offsets into the source text.
type Token struct {
	Term     string
	Start    int
	End      int
	Position int
}

// Analyze runs the body field's analysis pipeline over text and returns
// the token stream with byte offsets, exactly as indexing would see it.
func Analyze(text string) ([]Token, error) {
	analyzer := analyzeMapping.AnalyzerNamed(standard.Name)
	if analyzer == nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput,
			"analyzer not registered: "+standard.Name, nil)
	}
	stream := analyzer.Analyze([]byte(text))
	tokens := make([]Token, 0, len(stream))
	for _, t := range stream {
		tokens = append(tokens, Token{
			Term:     string(t.Term),
			Start:    t.Start,
			End:      t.End,
			Position: t.Position,
		})
	}
	return tokens, nil
}
