// Package config loads and validates Lodestone configuration.
//
// Configuration is resolved from an explicit path or from .lodestone.yaml
// in the working directory, falling back to built-in defaults.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	lserrors "github.com/lodestone-search/lodestone/internal/errors"
)

// DefaultConfigName is the per-directory config file name.
const DefaultConfigName = ".lodestone.yaml"

// Rule match modes.
const (
	MatchExtension = "extension"
	MatchSuffix    = "suffix"
	MatchRegex     = "regex"
)

// Config represents the complete Lodestone configuration.
type Config struct {
	Version int          `yaml:"version"`
	Index   IndexConfig  `yaml:"index"`
	Lines   LinesConfig  `yaml:"lines"`
	Watch   WatchConfig  `yaml:"watch"`
	Logging LogConfig    `yaml:"logging"`
	Search  SearchConfig `yaml:"search"`
}

// IndexConfig configures which files a scan indexes.
type IndexConfig struct {
	// Rules are evaluated per candidate file. All exclusions are checked
	// before any inclusion; a file that matches no inclusion is skipped.
	Rules []Rule `yaml:"rules"`

	// ExcludeDirs are glob patterns matched case-insensitively against
	// directory base names (path.Match dialect: *, ?, [...]).
	ExcludeDirs []string `yaml:"exclude_dirs"`

	// MaxFileSize is the largest file in bytes a scan will read (0 = 10MB).
	MaxFileSize int64 `yaml:"max_file_size"`
}

// Rule is one inclusion or exclusion pattern.
type Rule struct {
	// Pattern is interpreted according to Match: an extension without the
	// leading dot, a path suffix, or a regular expression.
	Pattern string `yaml:"pattern"`
	// Match is one of "extension", "suffix", "regex".
	Match string `yaml:"match"`
	// Exclude inverts the rule's polarity.
	Exclude bool `yaml:"exclude,omitempty"`
}

// LinesConfig configures the line mapper.
type LinesConfig struct {
	// BackgroundThreshold is the line count at which parsing promotes
	// itself to a background task (default: 10000).
	BackgroundThreshold int `yaml:"background_threshold"`
}

// WatchConfig configures watch mode.
type WatchConfig struct {
	// Debounce is the quiet period before a change triggers a rescan.
	Debounce time.Duration `yaml:"debounce"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// SearchConfig configures the query surface.
type SearchConfig struct {
	// MaxResults caps the number of hits returned per search (default: 50).
	MaxResults int `yaml:"max_results"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Index: IndexConfig{
			Rules: []Rule{
				{Pattern: "txt", Match: MatchExtension},
				{Pattern: "md", Match: MatchExtension},
				{Pattern: "go", Match: MatchExtension},
				{Pattern: "py", Match: MatchExtension},
				{Pattern: "js", Match: MatchExtension},
				{Pattern: "ts", Match: MatchExtension},
				{Pattern: "java", Match: MatchExtension},
				{Pattern: "c", Match: MatchExtension},
				{Pattern: "h", Match: MatchExtension},
				{Pattern: "cpp", Match: MatchExtension},
				{Pattern: "cs", Match: MatchExtension},
				{Pattern: "rs", Match: MatchExtension},
				{Pattern: "rb", Match: MatchExtension},
				{Pattern: "sh", Match: MatchExtension},
				{Pattern: "yaml", Match: MatchExtension},
				{Pattern: "yml", Match: MatchExtension},
				{Pattern: "json", Match: MatchExtension},
				{Pattern: "xml", Match: MatchExtension},
				{Pattern: "sql", Match: MatchExtension},
				{Pattern: ".min.js", Match: MatchSuffix, Exclude: true},
				{Pattern: ".min.css", Match: MatchSuffix, Exclude: true},
			},
			ExcludeDirs: []string{
				".git", ".svn", ".hg", "node_modules", "vendor",
				"__pycache__", "bin", "obj", "dist", "build",
			},
			MaxFileSize: 10 * 1024 * 1024,
		},
		Lines: LinesConfig{
			BackgroundThreshold: 10000,
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Search: SearchConfig{
			MaxResults: 50,
		},
	}
}

// Load reads configuration from path. An empty path tries
// DefaultConfigName in the working directory; if the file is absent the
// defaults are returned.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultConfigName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(), nil
		}
		return nil, lserrors.Wrap(lserrors.ErrCodeConfigNotFound, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, lserrors.Wrap(lserrors.ErrCodeConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	for _, r := range c.Index.Rules {
		switch r.Match {
		case MatchExtension, MatchSuffix, MatchRegex:
		default:
			return lserrors.New(lserrors.ErrCodeInvalidRule,
				"rule match mode must be extension, suffix, or regex", nil).
				WithDetail("match", r.Match).
				WithDetail("pattern", r.Pattern)
		}
		if r.Pattern == "" {
			return lserrors.New(lserrors.ErrCodeInvalidRule, "rule pattern is empty", nil)
		}
	}
	if c.Lines.BackgroundThreshold < 0 {
		return lserrors.New(lserrors.ErrCodeConfigInvalid,
			"lines.background_threshold must not be negative", nil)
	}
	if c.Index.MaxFileSize < 0 {
		return lserrors.New(lserrors.ErrCodeConfigInvalid,
			"index.max_file_size must not be negative", nil)
	}
	return nil
}
