package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"

	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/engagement"
	"horse.fit/trawl/internal/fingerprint"
)

const (
	DefaultFetchTimeout   = 12 * time.Second
	DefaultBodyByteLimit  = 2 * 1024 * 1024
	DefaultImageByteLimit = 4 * 1024 * 1024

	defaultUserAgent = "trawl-fetch/1.0"
)

// HTTPOptions controls HTTP behavior for page fetching and extraction.
type HTTPOptions struct {
	Timeout        time.Duration
	BodyByteLimit  int64
	ImageByteLimit int64
	UserAgent      string
	HTTPClient     *http.Client
	// MediaHashing downloads the lead image and records its perceptual hash.
	MediaHashing bool
}

// HTTPStrategy fetches a page over plain HTTP and extracts readable text,
// page metadata and any schema.org interaction counters it publishes.
type HTTPStrategy struct {
	opts HTTPOptions
}

func NewHTTPStrategy(opts HTTPOptions) *HTTPStrategy {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.BodyByteLimit <= 0 {
		opts.BodyByteLimit = DefaultBodyByteLimit
	}
	if opts.ImageByteLimit <= 0 {
		opts.ImageByteLimit = DefaultImageByteLimit
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPStrategy{opts: opts}
}

func (s *HTTPStrategy) Name() string { return "http" }

func (s *HTTPStrategy) Supports(normalizedURL string) bool {
	return strings.HasPrefix(normalizedURL, "http://") || strings.HasPrefix(normalizedURL, "https://")
}

func (s *HTTPStrategy) Fetch(ctx context.Context, normalizedURL string) (engagement.Content, error) {
	page := strings.TrimSpace(normalizedURL)
	pageURL, err := url.Parse(page)
	if err != nil {
		return engagement.Content{}, fmt.Errorf("%w: parse page url: %v", engagement.ErrFetchFailed, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	body, contentType, err := s.get(fetchCtx, page, "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8", s.opts.BodyByteLimit)
	if err != nil {
		return engagement.Content{}, err
	}

	if strings.HasPrefix(contentType, "text/plain") {
		text := CleanText(string(body))
		if text == "" {
			return engagement.Content{}, fmt.Errorf("%w: empty plain text body", engagement.ErrFetchFailed)
		}
		return engagement.Content{Text: text}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return engagement.Content{}, fmt.Errorf("%w: parse html: %v", engagement.ErrFetchFailed, err)
	}

	content := engagement.Content{
		Title:    pageTitle(doc),
		Author:   firstMeta(doc, `meta[name="author"]`, `meta[property="article:author"]`),
		Language: strings.ToLower(strings.TrimSpace(doc.Find("html").AttrOr("lang", ""))),
	}
	if published := parseTime(firstMeta(doc, `meta[property="article:published_time"]`, `meta[itemprop="datePublished"]`)); published != nil {
		content.PublishedAt = published
	}
	content.MediaURLs = allMeta(doc, `meta[property="og:image"]`, `meta[name="twitter:image"]`, `meta[property="og:video"]`)
	applyLinkedData(doc, &content)
	content.MediaURLs = resolveMedia(pageURL, content.MediaURLs)

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil {
		var rendered bytes.Buffer
		if renderErr := article.RenderText(&rendered); renderErr == nil {
			content.Text = CleanText(rendered.String())
		}
		if content.Text == "" {
			content.Text = CleanText(article.Excerpt())
		}
	}
	if content.Text == "" {
		content.Text = CleanText(firstMeta(doc, `meta[property="og:description"]`, `meta[name="description"]`))
	}
	if content.Text == "" && content.Title == "" {
		return engagement.Content{}, fmt.Errorf("%w: page has no extractable content", engagement.ErrFetchFailed)
	}

	if s.opts.MediaHashing && len(content.MediaURLs) > 0 {
		if hash, ok := s.imageHash(fetchCtx, content.MediaURLs[0]); ok {
			content.MediaHash = &hash
		}
	}
	return content, nil
}

func (s *HTTPStrategy) get(ctx context.Context, target, accept string, limit int64) ([]byte, string, error) {
	return getBody(ctx, s.opts.HTTPClient, s.opts.UserAgent, target, accept, limit)
}

// getBody performs a GET and returns at most limit bytes of the body with the
// lowercased content type. Failures wrap the engagement fetch sentinels.
func getBody(ctx context.Context, client *http.Client, userAgent, target, accept string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build request: %v", engagement.ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("%w: %v", engagement.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, "", fmt.Errorf("%w: %s", err, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", engagement.ErrFetchFailed, err)
	}
	return body, strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type"))), nil
}

func (s *HTTPStrategy) imageHash(ctx context.Context, target string) (uint64, bool) {
	body, _, err := s.get(ctx, target, "image/*", s.opts.ImageByteLimit)
	if err != nil {
		return 0, false
	}
	hash, err := fingerprint.DHashBytes(body)
	if err != nil {
		return 0, false
	}
	return hash, true
}

// statusError maps an HTTP status to the fetch error taxonomy.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone:
		return fmt.Errorf("%w: status %d", engagement.ErrNotFound, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", engagement.ErrRateLimited, code)
	default:
		return fmt.Errorf("%w: status %d", engagement.ErrFetchFailed, code)
	}
}

func pageTitle(doc *goquery.Document) string {
	if title := firstMeta(doc, `meta[property="og:title"]`, `meta[name="twitter:title"]`); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func firstMeta(doc *goquery.Document, selectors ...string) string {
	for _, selector := range selectors {
		if value := strings.TrimSpace(doc.Find(selector).First().AttrOr("content", "")); value != "" {
			return value
		}
	}
	return ""
}

func allMeta(doc *goquery.Document, selectors ...string) []string {
	var out []string
	for _, selector := range selectors {
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			if value := strings.TrimSpace(sel.AttrOr("content", "")); value != "" {
				out = append(out, value)
			}
		})
	}
	return out
}

// resolveMedia makes media references absolute against the page and drops
// anything that is not http(s).
func resolveMedia(page *url.URL, refs []string) []string {
	resolved := make([]string, 0, len(refs))
	for _, ref := range refs {
		u, err := page.Parse(ref)
		if err != nil {
			continue
		}
		resolved = append(resolved, u.String())
	}
	return engagement.MediaURLs(resolved)
}

// applyLinkedData reads JSON-LD blocks for author, publication date and
// interaction counters. Values already taken from meta tags win.
func applyLinkedData(doc *goquery.Document, content *engagement.Content) {
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		var data any
		if err := json.Unmarshal([]byte(sel.Text()), &data); err != nil {
			return
		}
		walkLinkedData(data, content)
	})
}

func walkLinkedData(node any, content *engagement.Content) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			walkLinkedData(item, content)
		}
	case map[string]any:
		if content.Author == "" {
			content.Author = linkedName(v["author"])
		}
		if content.AuthorFollowers == nil {
			content.AuthorFollowers = linkedFollowers(v["author"])
		}
		for _, key := range []string{"image", "thumbnailUrl", "contentUrl"} {
			for _, media := range asList(v[key]) {
				if ref := linkedURL(media); ref != "" {
					content.MediaURLs = append(content.MediaURLs, ref)
				}
			}
		}
		if content.PublishedAt == nil {
			if raw, ok := v["datePublished"].(string); ok {
				content.PublishedAt = parseTime(raw)
			}
		}
		if n, ok := linkedCount(v["commentCount"]); ok && content.Metrics.Comments == nil {
			content.Metrics.Comments = &n
		}
		for _, stat := range asList(v["interactionStatistic"]) {
			applyInteraction(stat, &content.Metrics)
		}
		if graph, ok := v["@graph"]; ok {
			walkLinkedData(graph, content)
		}
	}
}

func applyInteraction(node any, m *domain.Metrics) {
	action, n, ok := interaction(node)
	if !ok {
		return
	}
	switch action {
	case "WatchAction", "ViewAction":
		m.Views = &n
	case "LikeAction":
		m.Likes = &n
	case "ShareAction":
		m.Shares = &n
	case "CommentAction":
		m.Comments = &n
	}
}

// interaction returns the schema.org action name and count of an
// InteractionCounter.
func interaction(node any) (string, int64, bool) {
	stat, ok := node.(map[string]any)
	if !ok {
		return "", 0, false
	}
	n, ok := linkedCount(stat["userInteractionCount"])
	if !ok {
		return "", 0, false
	}

	var action string
	switch t := stat["interactionType"].(type) {
	case string:
		action = t
	case map[string]any:
		action, _ = t["@type"].(string)
	}
	return action[strings.LastIndex(action, "/")+1:], n, true
}

// linkedFollowers reads a FollowAction counter from an author object.
func linkedFollowers(node any) *int64 {
	for _, item := range asList(node) {
		author, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for _, stat := range asList(author["interactionStatistic"]) {
			if action, n, ok := interaction(stat); ok && action == "FollowAction" {
				return &n
			}
		}
	}
	return nil
}

func linkedURL(node any) string {
	switch v := node.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		for _, key := range []string{"url", "contentUrl"} {
			if ref, ok := v[key].(string); ok && strings.TrimSpace(ref) != "" {
				return strings.TrimSpace(ref)
			}
		}
	}
	return ""
}

func linkedName(node any) string {
	switch v := node.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		name, _ := v["name"].(string)
		return strings.TrimSpace(name)
	case []any:
		if len(v) > 0 {
			return linkedName(v[0])
		}
	}
	return ""
}

func linkedCount(node any) (int64, bool) {
	switch v := node.(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(v), ",", ""), 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func asList(node any) []any {
	switch v := node.(type) {
	case nil:
		return nil
	case []any:
		return v
	default:
		return []any{v}
	}
}

func parseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

// CleanText normalizes line endings and collapses extra in-line whitespace.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(strings.TrimSpace(line)), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}
