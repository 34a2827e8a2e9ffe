// Package config loads tenx configuration and resolves project paths.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/serp256/tenx/internal/errs"
)

const (
	DefaultModel     = "anthropic/claude-sonnet-4-20250514"
	DefaultDialect   = "tags"
	DefaultMaxTokens = 8192
)

// projectFiles are checked in order in the project root.
var projectFiles = []string{".tenx.jsonc", ".tenx.json", ".tenx.yaml", ".tenx.yml"}

// Config is the merged tenx configuration for one project root.
type Config struct {
	// Root is the absolute project root. It is never read from a file.
	Root string `json:"-" yaml:"-"`

	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	Dialect    string `json:"dialect,omitempty" yaml:"dialect,omitempty"`
	MaxTokens  int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	SessionDir string `json:"session_dir,omitempty" yaml:"session_dir,omitempty"`

	// Include and Exclude are doublestar patterns relative to Root.
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	Provider map[string]ProviderConfig `json:"provider,omitempty" yaml:"provider,omitempty"`
	Checks   map[string]CheckConfig    `json:"checks,omitempty" yaml:"checks,omitempty"`
	// Builtins switches built-in checks off by name (e.g. "go-test": false).
	Builtins map[string]bool `json:"builtins,omitempty" yaml:"builtins,omitempty"`
}

// ProviderConfig holds credentials for one model provider.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// CheckConfig declares a custom shell check.
type CheckConfig struct {
	Command string   `json:"command" yaml:"command"`
	Globs   []string `json:"globs,omitempty" yaml:"globs,omitempty"`
	// Mode is "validate" (default) or "format".
	Mode     string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Default returns a configuration rooted at root with no files applied.
func Default(root string) *Config {
	return &Config{
		Root:       root,
		Model:      DefaultModel,
		Dialect:    DefaultDialect,
		MaxTokens:  DefaultMaxTokens,
		SessionDir: GetPaths().StoragePath(),
		Include:    []string{"**"},
		Exclude:    []string{".git/**", "node_modules/**", "target/**", "vendor/**"},
		Provider:   map[string]ProviderConfig{},
		Checks:     map[string]CheckConfig{},
		Builtins:   map[string]bool{},
	}
}

// BuiltinEnabled reports whether a built-in check is switched on.
func (c *Config) BuiltinEnabled(name string) bool {
	on, ok := c.Builtins[name]
	return !ok || on
}

// Load builds the configuration for the project containing dir. Sources, in
// increasing priority: defaults, global config, project config, environment.
func Load(dir string) (*Config, error) {
	root, err := FindRoot(dir)
	if err != nil {
		return nil, err
	}

	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errs.Wrap(errs.Config, ".env", err, "load .env")
	}

	cfg := Default(root)
	global := GetPaths().Config
	for _, name := range []string{"tenx.jsonc", "tenx.json", "tenx.yaml", "tenx.yml"} {
		if err := loadFile(filepath.Join(global, name), cfg); err != nil {
			return nil, err
		}
	}
	for _, name := range projectFiles {
		if err := loadFile(filepath.Join(root, name), cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// FindRoot walks upward from dir to the first directory holding a tenx
// project file or a .git entry. dir itself is returned when none is found.
func FindRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	for cur := abs; ; {
		for _, marker := range append([]string{".git"}, projectFiles...) {
			if _, err := os.Stat(filepath.Join(cur, marker)); err == nil {
				return cur, nil
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		cur = parent
	}
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Config, path, err, "read config")
	}

	var file Config
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(interpolate(data), &file)
	default:
		err = json.Unmarshal(interpolate(jsonc.ToJSON(data)), &file)
	}
	if err != nil {
		return errs.Wrap(errs.Config, path, err, "parse config")
	}
	merge(cfg, &file)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate expands {env:NAME} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(envPattern.FindSubmatch(m)[1])))
	})
}

func merge(dst, src *Config) {
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.Dialect != "" {
		dst.Dialect = src.Dialect
	}
	if src.MaxTokens > 0 {
		dst.MaxTokens = src.MaxTokens
	}
	if src.SessionDir != "" {
		dst.SessionDir = src.SessionDir
	}
	if len(src.Include) > 0 {
		dst.Include = src.Include
	}
	if len(src.Exclude) > 0 {
		dst.Exclude = src.Exclude
	}
	for k, v := range src.Provider {
		cur := dst.Provider[k]
		if v.APIKey != "" {
			cur.APIKey = v.APIKey
		}
		if v.BaseURL != "" {
			cur.BaseURL = v.BaseURL
		}
		dst.Provider[k] = cur
	}
	for k, v := range src.Checks {
		dst.Checks[k] = v
	}
	for k, v := range src.Builtins {
		dst.Builtins[k] = v
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TENX_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("TENX_DIALECT"); v != "" {
		cfg.Dialect = v
	}
	if v := os.Getenv("TENX_SESSION_DIR"); v != "" {
		cfg.SessionDir = v
	}
	if v := os.Getenv("TENX_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxTokens = n
		}
	}
	for provider, env := range map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"ark":       "ARK_API_KEY",
	} {
		if key := os.Getenv(env); key != "" {
			p := cfg.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = key
			}
			cfg.Provider[provider] = p
		}
	}
}
