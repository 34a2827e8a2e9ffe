// Package contextspec describes reference material attached to a session
// and loads it for prompt rendering.
package contextspec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/afero"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/logging"
)

// Type identifies a context source.
type Type string

const (
	TypePath Type = "path"
	TypeURL  Type = "url"
)

const (
	maxResponseSize = 5 * 1024 * 1024
	fetchTimeout    = 30 * time.Second
)

// HTTPClient fetches URL contexts.
var HTTPClient = &http.Client{Timeout: fetchTimeout}

// Spec is a context source: a file path or doublestar glob relative to the
// project root, or a documentation URL.
type Spec struct {
	Type  Type   `json:"type"`
	Value string `json:"value"`
}

// Path returns a path context for a file or glob pattern.
func Path(pattern string) Spec { return Spec{Type: TypePath, Value: pattern} }

// URL returns a context that fetches and converts a web page.
func URL(u string) Spec { return Spec{Type: TypeURL, Value: u} }

// Item is one loaded piece of context.
type Item struct {
	Type Type   `json:"type"`
	Name string `json:"name"`
	Body string `json:"body"`
}

// Human is a short display form.
func (s Spec) Human() string {
	return fmt.Sprintf("%s: %s", s.Type, s.Value)
}

// Count reports how many items the spec expands to without loading them.
func (s Spec) Count(fsys afero.Fs, cfg *config.Config) (int, error) {
	switch s.Type {
	case TypePath:
		files, err := cfg.MatchFiles(fsys, s.Value)
		if err != nil {
			return 0, err
		}
		return len(files), nil
	case TypeURL:
		return 1, nil
	}
	return 0, fmt.Errorf("unknown context type %q", s.Type)
}

// Contexts loads the items for the spec.
func (s Spec) Contexts(ctx context.Context, fsys afero.Fs, cfg *config.Config) ([]Item, error) {
	switch s.Type {
	case TypePath:
		return s.paths(fsys, cfg)
	case TypeURL:
		body, err := fetch(ctx, s.Value)
		if err != nil {
			return nil, errs.Wrap(errs.ReadFailure, "", err, "fetch %s", s.Value)
		}
		return []Item{{Type: TypeURL, Name: s.Value, Body: body}}, nil
	}
	return nil, fmt.Errorf("unknown context type %q", s.Type)
}

func (s Spec) paths(fsys afero.Fs, cfg *config.Config) ([]Item, error) {
	files, err := cfg.MatchFiles(fsys, s.Value)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errs.New(errs.ReadFailure, s.Value, "no files match %s", s.Value)
	}
	items := make([]Item, 0, len(files))
	for _, rel := range files {
		abs, err := cfg.Abspath(rel)
		if err != nil {
			return nil, err
		}
		data, err := afero.ReadFile(fsys, abs)
		if err != nil {
			return nil, errs.Wrap(errs.ReadFailure, rel, err, "read %s", rel)
		}
		items = append(items, Item{Type: TypePath, Name: rel, Body: string(data)})
	}
	return items, nil
}

// Gather loads every spec in order.
func Gather(ctx context.Context, fsys afero.Fs, cfg *config.Config, specs []Spec) ([]Item, error) {
	var items []Item
	for _, s := range specs {
		got, err := s.Contexts(ctx, fsys, cfg)
		if err != nil {
			return nil, err
		}
		items = append(items, got...)
	}
	return items, nil
}

func fetch(ctx context.Context, url string) (string, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("URL must start with http:// or https://")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8,*/*;q=0.1")

	resp, err := HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("request failed with status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if len(body) > maxResponseSize {
		return "", fmt.Errorf("response too large (exceeds 5MB limit)")
	}
	logging.Debug().Str("url", url).Int("bytes", len(body)).Msg("fetched context")

	if !strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return string(body), nil
	}
	return htmlToMarkdown(string(body))
}

// htmlToMarkdown keeps the main document text, dropping navigation chrome.
func htmlToMarkdown(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, iframe, nav, header, footer").Remove()

	sel := doc.Find("main").First()
	if sel.Length() == 0 {
		sel = doc.Find("body")
	}

	converter := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
	})
	out := converter.Convert(sel)
	return strings.TrimSpace(out), nil
}
