// Package webenrich supplies the answer pipeline's web-context step:
// URL extraction and main-content fetch over
// github.com/go-shiori/go-readability, plus a SearXNG search fallback
// over go-resty, gated by a deterministic time-sensitive keyword
// heuristic instead of a semantic-intent call.
package webenrich

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/go-resty/resty/v2"
)

var urlPattern = regexp.MustCompile(`https?://[^\s\)\]\}\x{80}-\x{10FFFF}]+`)

// ExtractURLs returns the distinct http(s) URLs found in text, in
// first-seen order.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// timeSensitiveMarkers is a fixed keyword list used in place of a
// semantic-intent call.
var timeSensitiveMarkers = []string{
	"今天", "最新", "现在", "价格", "比分", "股价", "天气",
	"news", "latest", "today", "price", "score",
}

// NeedsWebSearch reports whether text contains a time-sensitive
// marker, case-insensitively.
func NeedsWebSearch(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range timeSensitiveMarkers {
		if strings.Contains(text, m) || strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Fetcher fetches and extracts webpage main content.
type Fetcher struct {
	http    *resty.Client
	timeout time.Duration
}

// NewFetcher builds a Fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	return &Fetcher{http: c, timeout: timeout}
}

// FetchContent retrieves rawURL and extracts its main-content text via
// go-readability, truncated to maxLength (default 5000).
func (f *Fetcher) FetchContent(ctx context.Context, rawURL string, maxLength int) (string, error) {
	if maxLength <= 0 {
		maxLength = 5000
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}

	resp, err := f.http.R().SetContext(ctx).Get(rawURL)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode() >= 400 {
		return "", fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode())
	}

	article, err := readability.FromReader(strings.NewReader(resp.String()), parsed)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", rawURL, err)
	}

	text := strings.TrimSpace(article.TextContent)
	lines := make([]string, 0)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	text = strings.Join(lines, "\n")

	if len(text) > maxLength {
		text = text[:maxLength] + "...[内容已截断]"
	}
	return text, nil
}

// ProcessURLs fetches up to maxURLs of urls, skipping failures, and
// returns url -> content.
func (f *Fetcher) ProcessURLs(ctx context.Context, urls []string, maxURLs int) map[string]string {
	if maxURLs <= 0 || maxURLs > len(urls) {
		maxURLs = len(urls)
	}
	out := make(map[string]string, maxURLs)
	for _, u := range urls[:maxURLs] {
		content, err := f.FetchContent(ctx, u, 5000)
		if err == nil && content != "" {
			out[u] = content
		}
	}
	return out
}

// SearchResult is one SearXNG hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// SearchClient wraps a SearXNG instance's JSON search API.
type SearchClient struct {
	http    *resty.Client
	baseURL string
}

// NewSearchClient builds a SearchClient. An empty baseURL disables
// the search branch entirely.
func NewSearchClient(baseURL string, timeout time.Duration) *SearchClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SearchClient{
		http:    resty.New().SetTimeout(timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Configured reports whether a SearXNG base URL is set.
func (s *SearchClient) Configured() bool {
	return s != nil && s.baseURL != ""
}

// Search queries SearXNG and returns up to numResults snippets,
// truncated to 200 chars each.
func (s *SearchClient) Search(ctx context.Context, query string, numResults int) ([]SearchResult, error) {
	if !s.Configured() {
		return nil, fmt.Errorf("search not configured")
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query")
	}
	if numResults <= 0 {
		numResults = 3
	}

	var out searxResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":       query,
			"format":  "json",
			"pageno":  "1",
			"results": fmt.Sprintf("%d", numResults),
		}).
		SetResult(&out).
		Get(s.baseURL + "/search")
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("search service error: HTTP %d", resp.StatusCode())
	}
	if len(out.Results) == 0 {
		return nil, fmt.Errorf("no results found")
	}

	n := numResults
	if n > len(out.Results) {
		n = len(out.Results)
	}
	results := make([]SearchResult, 0, n)
	for _, r := range out.Results[:n] {
		snippet := r.Content
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: snippet})
	}
	return results, nil
}
