package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	fetchMaxChars  = 50000
	fetchTimeout   = 30 * time.Second
	searchMaxCount = 10
	searchTimeout  = 30 * time.Second
	toolsUserAgent = "Mozilla/5.0 (compatible; chatrelay/1.0)"
	searchEndpoint = "https://html.duckduckgo.com/html/"
)

// RegisterBuiltins adds the in-process tools to a registry.
func RegisterBuiltins(r *Registry) {
	r.Register(&CurrentTimeTool{})
	r.Register(NewWebFetchTool())
	r.Register(NewWebSearchTool())
}

// CurrentTimeTool reports the current time, optionally in a named zone.
type CurrentTimeTool struct {
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (t *CurrentTimeTool) Name() string        { return "current_time" }
func (t *CurrentTimeTool) Description() string { return "Get the current date and time, optionally for an IANA timezone." }

func (t *CurrentTimeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"timezone": map[string]interface{}{
				"type":        "string",
				"description": `IANA timezone name, e.g. "Europe/Berlin". Default: UTC.`,
			},
		},
	}
}

func (t *CurrentTimeTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}

	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return ErrorResult(fmt.Sprintf("unknown timezone %q", tz))
		}
		loc = l
	}
	return NewResult(now().In(loc).Format("Monday, 2 January 2006 15:04:05 MST"))
}

// WebFetchTool fetches a URL and returns its text content.
type WebFetchTool struct {
	client   *http.Client
	maxChars int
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client:   &http.Client{Timeout: fetchTimeout},
		maxChars: fetchMaxChars,
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch an HTTP(S) URL and return its content as plain text. Private and loopback addresses are refused."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"maxChars": map[string]interface{}{
				"type":        "number",
				"description": "Maximum characters to return.",
				"minimum":     100.0,
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if err := refusePrivateHost(parsed.Hostname()); err != nil {
		return ErrorResult(err.Error())
	}

	maxChars := t.maxChars
	if mc, ok := args["maxChars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("build request: %v", err)).WithError(err)
	}
	req.Header.Set("User-Agent", toolsUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err)).WithError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return ErrorResult(fmt.Sprintf("fetch failed: HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars)*4))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read body: %v", err)).WithError(err)
	}

	text := string(body)
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "html") {
		text = stripHTML(text)
	}
	if len(text) > maxChars {
		text = text[:maxChars] + "\n[truncated]"
	}
	return NewResult(text)
}

// refusePrivateHost blocks SSRF targets: loopback, link-local, RFC1918
// ranges, and the metadata endpoint.
func refusePrivateHost(host string) error {
	if host == "" {
		return fmt.Errorf("missing hostname")
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || lower == "metadata.google.internal" {
		return fmt.Errorf("refusing to fetch internal host %q", host)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %q: %v", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("refusing to fetch private address %s", ip)
		}
	}
	return nil
}

var (
	htmlScriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

func stripHTML(s string) string {
	s = htmlScriptRe.ReplaceAllString(s, "")
	s = htmlTagRe.ReplaceAllString(s, "")
	s = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(s)
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLinesRe.ReplaceAllString(s, "\n\n"))
}

// WebSearchTool queries the DuckDuckGo HTML endpoint and extracts the
// organic results. No API key required.
type WebSearchTool struct {
	client *http.Client
}

func NewWebSearchTool() *WebSearchTool {
	return &WebSearchTool{client: &http.Client{Timeout: searchTimeout}}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return result titles, URLs, and snippets."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query.",
			},
			"count": map[string]interface{}{
				"type":        "number",
				"description": "Number of results (max 10, default 5).",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	count := 5
	if c, ok := args["count"].(float64); ok && int(c) > 0 {
		count = int(c)
		if count > searchMaxCount {
			count = searchMaxCount
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchEndpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("build request: %v", err)).WithError(err)
	}
	req.Header.Set("User-Agent", toolsUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search failed: %v", err)).WithError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read response: %v", err)).WithError(err)
	}

	results := extractSearchResults(string(body), count)
	if len(results) == 0 {
		return NewResult("No results found for: " + query)
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, r.title, r.url, r.snippet)
	}
	return NewResult(strings.TrimSpace(b.String()))
}

type searchHit struct {
	title   string
	url     string
	snippet string
}

var (
	resultLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	resultSnippetRe = regexp.MustCompile(`<a[^>]*class="result__snippet[^"]*"[^>]*>([\s\S]*?)</a>`)
)

func extractSearchResults(html string, count int) []searchHit {
	links := resultLinkRe.FindAllStringSubmatch(html, count)
	snippets := resultSnippetRe.FindAllStringSubmatch(html, count)

	hits := make([]searchHit, 0, len(links))
	for i, m := range links {
		hit := searchHit{
			url:   decodeResultURL(m[1]),
			title: strings.TrimSpace(htmlTagRe.ReplaceAllString(m[2], "")),
		}
		if i < len(snippets) {
			hit.snippet = strings.TrimSpace(htmlTagRe.ReplaceAllString(snippets[i][1], ""))
		}
		hits = append(hits, hit)
	}
	return hits
}

// decodeResultURL unwraps the redirect layer around result links.
func decodeResultURL(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		if target := u.Query().Get("uddg"); target != "" {
			if dec, derr := url.QueryUnescape(target); derr == nil {
				return dec
			}
		}
	}
	return raw
}
