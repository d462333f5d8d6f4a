package scan

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lodestone-search/lodestone/internal/config"
	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

// Ruleset is a compiled set of inclusion/exclusion rules plus excluded
// directory-name patterns. Exclusions are always evaluated before
// inclusions.
type Ruleset struct {
	includes    []compiledRule
	excludes    []compiledRule
	excludeDirs []string
	source      []config.Rule
}

type compiledRule struct {
	pattern string
	match   string
	re      *regexp.Regexp
}

// CompileRules validates and compiles rules. Regex rules compile once
// here; a pattern that does not compile is an invalid-rule error.
// Directory patterns use path.Match semantics (*, ?, [...]; no **) and
// match case-insensitively against base names.
func CompileRules(rules []config.Rule, excludeDirs []string) (*Ruleset, error) {
	rs := &Ruleset{source: rules}
	for _, r := range rules {
		cr := compiledRule{match: r.Match}
		switch r.Match {
		case config.MatchExtension:
			cr.pattern = strings.ToLower(strings.TrimPrefix(r.Pattern, "."))
		case config.MatchSuffix:
			cr.pattern = strings.ToLower(r.Pattern)
		case config.MatchRegex:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, apperrors.New(apperrors.ErrCodeInvalidRule,
					"invalid rule regex "+r.Pattern+": "+err.Error(), err)
			}
			cr.re = re
		default:
			return nil, apperrors.New(apperrors.ErrCodeInvalidRule,
				"unknown rule match mode "+r.Match, nil)
		}
		if r.Exclude {
			rs.excludes = append(rs.excludes, cr)
		} else {
			rs.includes = append(rs.includes, cr)
		}
	}
	for _, pat := range excludeDirs {
		if _, err := path.Match(pat, "sample"); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeInvalidRule,
				"invalid directory pattern "+pat+": "+err.Error(), err)
		}
		rs.excludeDirs = append(rs.excludeDirs, strings.ToLower(pat))
	}
	return rs, nil
}

// Includes decides whether a relative file path gets indexed. Any
// matching exclusion wins; otherwise at least one inclusion must match.
func (rs *Ruleset) Includes(relPath string) bool {
	if rs.Excluded(relPath) {
		return false
	}
	for _, r := range rs.includes {
		if r.matches(relPath) {
			return true
		}
	}
	return false
}

// Excluded reports whether any exclusion rule matches the path. Callers
// that track why a file was skipped need this separately from Includes:
// an exclusion-matched file is only counted as skipped, while a file
// matching no inclusion also records its extension as non-indexed.
func (rs *Ruleset) Excluded(relPath string) bool {
	for _, r := range rs.excludes {
		if r.matches(relPath) {
			return true
		}
	}
	return false
}

// ExcludesDir reports whether a directory base name matches any excluded
// directory pattern. The subtree of an excluded directory is never
// entered.
func (rs *Ruleset) ExcludesDir(name string) bool {
	lower := strings.ToLower(name)
	for _, pat := range rs.excludeDirs {
		if ok, _ := path.Match(pat, lower); ok {
			return true
		}
	}
	return false
}

// ExcludedDirs returns the configured directory patterns, lowercased.
func (rs *Ruleset) ExcludedDirs() []string {
	return append([]string(nil), rs.excludeDirs...)
}

// Snapshot serializes the source rules for storage on a batch record.
func (rs *Ruleset) Snapshot() string {
	out, err := yaml.Marshal(rs.source)
	if err != nil {
		return ""
	}
	return string(out)
}

func (r compiledRule) matches(relPath string) bool {
	switch r.match {
	case config.MatchExtension:
		return Ext(relPath) == r.pattern
	case config.MatchSuffix:
		return strings.HasSuffix(strings.ToLower(relPath), r.pattern)
	case config.MatchRegex:
		return r.re.MatchString(relPath)
	}
	return false
}

// Ext returns the lowercased extension without its leading dot, "" when
// the file has none.
func Ext(p string) string {
	e := filepath.Ext(p)
	if e == "" {
		return ""
	}
	return strings.ToLower(e[1:])
}
