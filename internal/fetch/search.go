package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"horse.fit/trawl/internal/discovery"
	"horse.fit/trawl/internal/fault"
)

const defaultSearchLimit = 50

type SearchOptions struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	// RatePerSecond caps outgoing requests. Zero means unlimited.
	RatePerSecond float64
	DefaultLimit  int
}

// SearchClient queries a JSON search endpoint. The endpoint receives the
// keywords as q plus competitor_id, platform_id and limit, and answers with
// {"results":[{"url":"..."}]}.
type SearchClient struct {
	endpoint *url.URL
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	limit    int
}

type searchResponse struct {
	Results []struct {
		URL string `json:"url"`
	} `json:"results"`
}

func NewSearchClient(opts SearchOptions) (*SearchClient, error) {
	endpoint, err := url.Parse(strings.TrimSpace(opts.Endpoint))
	if err != nil || endpoint.Host == "" || (endpoint.Scheme != "http" && endpoint.Scheme != "https") {
		return nil, fmt.Errorf("search endpoint must be an http(s) url: %q", opts.Endpoint)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = defaultSearchLimit
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return &SearchClient{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(opts.APIKey),
		client:   opts.HTTPClient,
		limiter:  limiter,
		limit:    opts.DefaultLimit,
	}, nil
}

func (c *SearchClient) Search(ctx context.Context, query discovery.SearchQuery) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.KindTransient, fmt.Errorf("search rate limit wait: %w", err))
	}

	limit := query.Limit
	if limit <= 0 {
		limit = c.limit
	}
	target := *c.endpoint
	params := target.Query()
	params.Set("q", strings.Join(query.Keywords, " OR "))
	params.Set("limit", strconv.Itoa(limit))
	if query.CompetitorID > 0 {
		params.Set("competitor_id", strconv.FormatInt(query.CompetitorID, 10))
	}
	if query.PlatformID > 0 {
		params.Set("platform_id", strconv.FormatInt(query.PlatformID, 10))
	}
	target.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fault.Invalid("build search request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, fmt.Errorf("search request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fault.Retryable("search provider status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fault.Permanent("search provider status %d", resp.StatusCode)
	}

	var payload searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, DefaultBodyByteLimit)).Decode(&payload); err != nil {
		return nil, fault.Retryable("decode search response: %v", err)
	}

	urls := make([]string, 0, len(payload.Results))
	for _, r := range payload.Results {
		if u := strings.TrimSpace(r.URL); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) > limit {
		urls = urls[:limit]
	}
	return urls, nil
}
