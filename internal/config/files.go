package config

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// Abspath resolves a project-relative path. Paths that leave the project root
// are rejected.
func (c *Config) Abspath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path")
	}
	abs := p
	if !filepath.IsAbs(p) {
		abs = filepath.Join(c.Root, filepath.FromSlash(p))
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(c.Root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside project root %s", p, c.Root)
	}
	return abs, nil
}

// Relpath converts a path to slash-separated form relative to the root.
func (c *Config) Relpath(p string) (string, error) {
	abs, err := c.Abspath(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(c.Root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Included reports whether a root-relative path passes the include and
// exclude rules.
func (c *Config) Included(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pat := range c.Exclude {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return false
		}
	}
	for _, pat := range c.Include {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// IncludedFiles lists every included regular file under the root, sorted.
func (c *Config) IncludedFiles(fsys afero.Fs) ([]string, error) {
	var files []string
	err := afero.Walk(fsys, c.Root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			if rel != "." && c.excludedDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if c.Included(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", c.Root, err)
	}
	sort.Strings(files)
	return files, nil
}

// excludedDir is true when every file below dir would be excluded.
func (c *Config) excludedDir(dir string) bool {
	for _, pat := range c.Exclude {
		if ok, _ := doublestar.Match(pat, dir+"/x"); ok && strings.HasSuffix(pat, "/**") {
			return true
		}
	}
	return false
}

// MatchFiles expands a pattern to root-relative paths. A pattern without glob
// metacharacters names a single file, which must exist.
func (c *Config) MatchFiles(fsys afero.Fs, pattern string) ([]string, error) {
	if !hasMeta(pattern) {
		abs, err := c.Abspath(pattern)
		if err != nil {
			return nil, err
		}
		info, err := fsys.Stat(abs)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", pattern)
		}
		rel, err := c.Relpath(abs)
		if err != nil {
			return nil, err
		}
		return []string{rel}, nil
	}

	if filepath.IsAbs(pattern) {
		rel, err := filepath.Rel(c.Root, pattern)
		if err != nil {
			return nil, err
		}
		pattern = rel
	}
	pattern = filepath.ToSlash(pattern)
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}

	all, err := c.IncludedFiles(fsys)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range all {
		if ok, _ := doublestar.Match(pattern, f); ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
