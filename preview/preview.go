// Package preview resolves the first http(s) link of a message into a small
// metadata card. Results (including failures) are cached so a busy room does
// not hammer the same URL.
package preview

import (
	"context"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/globals"
	"github.com/parleychat/parley/types"
)

const (
	maxBodyBytes = 128 * 1024
	maxTitleLen  = 200

	defaultTimeout   = 5 * time.Second
	defaultCacheSize = 256
)

var (
	urlPattern   = regexp.MustCompile(`https?://[^\s<>"]+`)
	titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaPattern  = regexp.MustCompile(`(?is)<meta[^>]+>`)
	propPattern  = regexp.MustCompile(`(?is)(?:property|name)\s*=\s*["']og:(\w+)["']`)
	contPattern  = regexp.MustCompile(`(?is)content\s*=\s*["']([^"']*)["']`)
)

// Fetcher fetches link metadata with a bounded timeout and an ARC cache of
// previous lookups keyed by URL. A cached nil entry means the last fetch
// failed or yielded no usable metadata.
type Fetcher struct {
	client *http.Client
	cache  *lru.ARCCache
}

func NewFetcher(cfg *config.Config) (*Fetcher, error) {
	timeout := defaultTimeout
	if cfg.PreviewConfig.TimeoutSec > 0 {
		timeout = time.Duration(cfg.PreviewConfig.TimeoutSec) * time.Second
	}
	size := cfg.PreviewConfig.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		cache:  cache,
	}, nil
}

// FirstUrl returns the first http(s) URL contained in text, or "".
func FirstUrl(text string) string {
	return urlPattern.FindString(text)
}

// Fetch resolves the first URL in text into a LinkPreview. It returns nil
// when the text contains no URL or the page yields no title. Errors are
// logged, never returned, a message must not fail because a link is dead.
func (f *Fetcher) Fetch(ctx context.Context, text string) *types.LinkPreview {
	if f == nil {
		return nil
	}
	url := FirstUrl(text)
	if url == "" {
		return nil
	}
	if cached, ok := f.cache.Get(url); ok {
		if p, ok := cached.(*types.LinkPreview); ok && p != nil {
			cp := *p
			return &cp
		}
		return nil
	}
	p := f.fetch(ctx, url)
	f.cache.Add(url, p)
	if p != nil {
		cp := *p
		return &cp
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) *types.LinkPreview {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", "parley-link-preview/1.0")
	resp, err := f.client.Do(req)
	if err != nil {
		globals.AppLogger.Debug("link preview fetch failed", "url", url, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "text/html") {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil
	}
	return Parse(url, string(body))
}

// Parse extracts title and OpenGraph metadata from an HTML document.
func Parse(url, doc string) *types.LinkPreview {
	p := &types.LinkPreview{Url: url}
	if m := titlePattern.FindStringSubmatch(doc); m != nil {
		p.Title = cleanText(m[1])
	}
	for _, tag := range metaPattern.FindAllString(doc, -1) {
		prop := propPattern.FindStringSubmatch(tag)
		cont := contPattern.FindStringSubmatch(tag)
		if prop == nil || cont == nil {
			continue
		}
		val := cleanText(cont[1])
		switch strings.ToLower(prop[1]) {
		case "title":
			p.Title = val
		case "image":
			p.Image = val
		case "description":
			p.Description = val
		case "site_name", "sitename":
			p.SiteName = val
		}
	}
	if p.Title == "" {
		return nil
	}
	return p
}

func cleanText(s string) string {
	s = html.UnescapeString(s)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxTitleLen {
		s = s[:maxTitleLen]
	}
	return s
}
