package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"horse.fit/trawl/internal/discovery"
	"horse.fit/trawl/internal/engagement"
	"horse.fit/trawl/internal/fault"
)

type LinkOptions struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	HTTPClient    *http.Client
	// AllowOffsite keeps links that leave the source's host.
	AllowOffsite bool
	MaxLinks     int
}

// LinkPoller polls a source page and returns the article links on it.
type LinkPoller struct {
	opts LinkOptions
}

func NewLinkPoller(opts LinkOptions) *LinkPoller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.BodyByteLimit <= 0 {
		opts.BodyByteLimit = DefaultBodyByteLimit
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.MaxLinks <= 0 {
		opts.MaxLinks = 200
	}
	return &LinkPoller{opts: opts}
}

func (p *LinkPoller) Poll(ctx context.Context, source discovery.Source) ([]string, error) {
	base, err := url.Parse(strings.TrimSpace(source.URL))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fault.Invalid("source url %q is not an http(s) url", source.URL)
	}

	pollCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	body, _, err := getBody(pollCtx, p.opts.HTTPClient, p.opts.UserAgent, base.String(), "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8", p.opts.BodyByteLimit)
	if err != nil {
		if errors.Is(err, engagement.ErrNotFound) {
			return nil, fault.Wrap(fault.KindTerminal, err)
		}
		return nil, fault.Wrap(fault.KindTransient, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fault.Retryable("parse source page %s: %v", base, err)
	}

	seen := make(map[string]struct{})
	links := make([]string, 0, 32)
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		ref, err := base.Parse(href)
		if err != nil || (ref.Scheme != "http" && ref.Scheme != "https") {
			return true
		}
		ref.Fragment = ""
		if !p.opts.AllowOffsite && !sameSite(base.Hostname(), ref.Hostname()) {
			return true
		}
		link := ref.String()
		if link == base.String() {
			return true
		}
		if _, ok := seen[link]; ok {
			return true
		}
		seen[link] = struct{}{}
		links = append(links, link)
		return len(links) < p.opts.MaxLinks
	})
	return links, nil
}

func sameSite(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(a), "www.")
	b = strings.TrimPrefix(strings.ToLower(b), "www.")
	return a == b
}
