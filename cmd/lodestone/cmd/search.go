package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/blob"
	"github.com/lodestone-search/lodestone/internal/container"
	"github.com/lodestone-search/lodestone/internal/engine"
	"github.com/lodestone-search/lodestone/internal/highlight"
	"github.com/lodestone-search/lodestone/internal/linemap"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit        int
	format       string // "text", "json"
	fragmentSize int    // 0 = one fragment per file
	noIDF        bool
}

// searchResult is one hit prepared for output.
type searchResult struct {
	Path      string          `json:"path"`
	AbsPath   string          `json:"abs_path,omitempty"`
	Score     float64         `json:"score"`
	LineCount int             `json:"line_count"`
	Snippets  []searchSnippet `json:"snippets,omitempty"`
}

// searchSnippet is one highlighted fragment with its position.
type searchSnippet struct {
	Line  int     `json:"line"` // 1-based
	Col   int64   `json:"col"`  // byte offset within the line
	Score float64 `json:"snippet_score"`
	Text  string  `json:"text"`
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index",
		Long: `Search the index with full query syntax: bare terms, "quoted
phrases", +required, -excluded, field:value and term^boost.

Examples:
  lodestone search "error handling"
  lodestone search '+alpha -beta' --limit 5
  lodestone search 'ext:go context' --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of results (default from config)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().IntVar(&opts.fragmentSize, "fragment-size", 200, "Snippet window in bytes (0 = whole file as one snippet)")
	cmd.Flags().BoolVar(&opts.noIDF, "no-idf", false, "Score snippets by term weight only, without corpus rarity")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, queryText string, opts searchOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	limit := opts.limit
	if limit <= 0 {
		limit = cfg.Search.MaxResults
	}

	c, err := container.OpenReader(indexPath)
	if err != nil {
		return err
	}
	defer c.Close()

	blobs, err := blob.New(c)
	if err != nil {
		return err
	}
	session, err := engine.OpenReader(blobs)
	if err != nil {
		return err
	}
	defer session.Close()

	q, err := engine.ParseQuery(queryText)
	if err != nil {
		return err
	}
	res, err := session.Search(q, limit)
	if err != nil {
		return err
	}

	dirs, err := directoryPaths(ctx, c)
	if err != nil {
		return err
	}

	highlighter, err := newHighlighter(q, session, opts)
	if err != nil {
		return err
	}

	results := make([]searchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, buildResult(ctx, hit, dirs, highlighter))
	}

	out := cmd.OutOrStdout()
	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Query   string         `json:"query"`
			Total   uint64         `json:"total"`
			Results []searchResult `json:"results"`
		}{queryText, res.Total, results})
	}

	fmt.Fprintf(out, "%d results (showing %d)\n", res.Total, len(results))
	for _, r := range results {
		fmt.Fprintf(out, "\n%s  (score %.3f, %d lines)\n", r.Path, r.Score, r.LineCount)
		for _, s := range r.Snippets {
			fmt.Fprintf(out, "  %d:%d: %s\n", s.Line, s.Col, condense(s.Text, 160))
		}
	}
	return nil
}

// newHighlighter builds the snippet scorer from the query's terms.
func newHighlighter(q query.Query, session *engine.Session, opts searchOptions) (*highlight.Highlighter, error) {
	weights := engine.QueryTerms(q)
	hlOpts := []highlight.Option{}
	if opts.fragmentSize > 0 {
		hlOpts = append(hlOpts, highlight.WithFragmentSize(opts.fragmentSize))
	}
	if !opts.noIDF {
		hlOpts = append(hlOpts, highlight.WithIDF(session))
	}
	return highlight.New(weights, hlOpts...)
}

// buildResult re-reads the hit's file and attaches highlighted
// snippets. A file that has changed or vanished since indexing still
// yields a result, just without snippets.
func buildResult(ctx context.Context, hit engine.Hit, dirs map[string]string, h *highlight.Highlighter) searchResult {
	r := searchResult{
		Path:      hit.Path,
		Score:     hit.Score,
		LineCount: hit.LineCount,
	}

	dirPath, ok := dirs[hit.DirID]
	if !ok {
		return r
	}
	abs := filepath.Join(dirPath, filepath.FromSlash(hit.Path))
	r.AbsPath = abs

	data, err := os.ReadFile(abs)
	if err != nil {
		slog.Warn("hit file unreadable", slog.String("path", abs),
			slog.String("error", err.Error()))
		return r
	}

	text, mapper, err := decodeForDisplay(ctx, data)
	if err != nil {
		slog.Warn("hit file undecodable", slog.String("path", abs),
			slog.String("error", err.Error()))
		return r
	}

	frags, err := h.Highlight(text)
	if err != nil {
		slog.Warn("highlighting failed", slog.String("path", abs),
			slog.String("error", err.Error()))
		return r
	}

	for _, f := range frags {
		pos, err := mapper.ResolveRange(int64(f.Start), int64(f.End-f.Start))
		if err != nil {
			continue
		}
		r.Snippets = append(r.Snippets, searchSnippet{
			Line:  pos.StartLine + 1,
			Col:   pos.StartCol,
			Score: f.Score,
			Text:  f.Text,
		})
	}
	return r
}

// decodeForDisplay decodes file bytes to UTF-8 text and builds a line
// mapper over the decoded form, so highlight offsets and line numbers
// agree.
func decodeForDisplay(ctx context.Context, data []byte) (string, *linemap.Mapper, error) {
	raw, err := linemap.New(ctx, bytes.NewReader(data), linemap.Options{})
	if err != nil {
		return "", nil, err
	}
	raw.Wait()

	text, err := linemap.Decode(data[raw.BOMLen():], raw.Encoding())
	if err != nil {
		return "", nil, err
	}

	mapper, err := linemap.New(ctx, strings.NewReader(text), linemap.Options{})
	if err != nil {
		return "", nil, err
	}
	mapper.Wait()
	return text, mapper, nil
}

// directoryPaths maps directory IDs (as stored on hits) to root paths.
func directoryPaths(ctx context.Context, c *container.Container) (map[string]string, error) {
	dirs, err := c.Directories(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(dirs))
	for _, d := range dirs {
		out[strconv.FormatInt(d.ID, 10)] = d.Path
	}
	return out, nil
}

// condense flattens a snippet to one trimmed line of at most max bytes.
func condense(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isBoundary(s[cut-1]) {
		cut--
	}
	if cut == 0 {
		cut = max
	}
	return strings.TrimSpace(s[:cut]) + "..."
}

func isBoundary(b byte) bool { return b == ' ' }
