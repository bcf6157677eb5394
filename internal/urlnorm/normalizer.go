// Package urlnorm canonicalizes raw URLs into the comparable keys used by the
// dedup cache.
package urlnorm

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"horse.fit/trawl/internal/fault"
)

var ErrInvalidURL = errors.New("invalid url")

// Normalizer applies a compiled Rules table. It is safe for concurrent use.
type Normalizer struct {
	trackingPrefixes []string
	tracking         map[string]struct{}
	platforms        []compiledPlatform
}

func New(rules Rules) (*Normalizer, error) {
	n := &Normalizer{
		tracking: lowerSet(rules.TrackingParams),
	}
	for _, prefix := range rules.TrackingPrefixes {
		if p := strings.ToLower(strings.TrimSpace(prefix)); p != "" {
			n.trackingPrefixes = append(n.trackingPrefixes, p)
		}
	}
	for _, rule := range rules.Platforms {
		compiled, err := compilePlatform(rule)
		if err != nil {
			return nil, err
		}
		n.platforms = append(n.platforms, compiled)
	}
	return n, nil
}

// NewDefault builds a Normalizer from the built-in rules.
func NewDefault() (*Normalizer, error) {
	rules, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	return New(rules)
}

// Normalize returns the canonical form of raw. The result is a fixed point:
// Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(raw string) (string, error) {
	parsed, err := parseAbsolute(raw)
	if err != nil {
		return "", err
	}

	host := canonicalHost(parsed)
	platform, hasPlatform := n.platformFor(host)
	if hasPlatform {
		if rewritten, ok := rewriteCanonicalID(platform, host, parsed); ok {
			parsed = rewritten
			host = canonicalHost(parsed)
		}
		if alias, ok := platform.aliases[host]; ok {
			host = alias
		}
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = host
	parsed.User = nil
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.Path = canonicalPath(parsed.Path)
	parsed.RawPath = ""
	parsed.RawQuery = n.canonicalQuery(parsed.Query(), platform, hasPlatform)
	parsed.ForceQuery = false

	return parsed.String(), nil
}

// Platform reports the platform id owning normalizedURL's host.
func (n *Normalizer) Platform(normalizedURL string) (int64, bool) {
	parsed, err := url.Parse(strings.TrimSpace(normalizedURL))
	if err != nil || parsed.Host == "" {
		return 0, false
	}
	platform, ok := n.platformFor(strings.ToLower(parsed.Hostname()))
	if !ok {
		return 0, false
	}
	return platform.id, true
}

// Host returns the lowercase host of a normalized URL.
func Host(normalizedURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(normalizedURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func (n *Normalizer) platformFor(host string) (compiledPlatform, bool) {
	for _, p := range n.platforms {
		if p.owns(host) {
			return p, true
		}
	}
	return compiledPlatform{}, false
}

func (n *Normalizer) isTracking(key string, platform compiledPlatform, hasPlatform bool) bool {
	lower := strings.ToLower(key)
	for _, prefix := range n.trackingPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	if _, ok := n.tracking[lower]; ok {
		return true
	}
	if hasPlatform {
		if _, ok := platform.tracking[lower]; ok {
			return true
		}
	}
	return false
}

func (n *Normalizer) canonicalQuery(q url.Values, platform compiledPlatform, hasPlatform bool) string {
	for key := range q {
		if n.isTracking(key, platform, hasPlatform) {
			q.Del(key)
		}
	}
	if len(q) == 0 {
		return ""
	}
	for key := range q {
		sort.Strings(q[key])
	}
	// Encode sorts by key.
	return q.Encode()
}

func parseAbsolute(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fault.Wrap(fault.KindInvalidInput, fmt.Errorf("%w: empty", ErrInvalidURL))
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, fmt.Errorf("%w: %q: %v", ErrInvalidURL, trimmed, err))
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fault.Wrap(fault.KindInvalidInput, fmt.Errorf("%w: %q: scheme must be http or https", ErrInvalidURL, trimmed))
	}
	if parsed.Hostname() == "" || parsed.Opaque != "" {
		return nil, fault.Wrap(fault.KindInvalidInput, fmt.Errorf("%w: %q: missing host", ErrInvalidURL, trimmed))
	}
	// Query() drops pairs it cannot decode, which would fold distinct URLs
	// into one key.
	if _, err := url.ParseQuery(parsed.RawQuery); err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, fmt.Errorf("%w: %q: malformed query: %v", ErrInvalidURL, trimmed, err))
	}
	return parsed, nil
}

func canonicalHost(u *url.URL) string {
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	port := u.Port()
	scheme := strings.ToLower(u.Scheme)
	if port == "" || (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}

func canonicalPath(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return strings.TrimRight(path, "/")
}

func rewriteCanonicalID(platform compiledPlatform, host string, u *url.URL) (*url.URL, bool) {
	path := canonicalPath(u.Path)
	for _, pattern := range platform.patterns {
		if pattern.host != "" && pattern.host != host {
			continue
		}
		match := pattern.path.FindStringSubmatch(path)
		if match == nil {
			continue
		}

		target := pattern.template
		for i, name := range pattern.path.SubexpNames() {
			if name == "" || i >= len(match) {
				continue
			}
			target = strings.ReplaceAll(target, "{"+name+"}", match[i])
		}

		rewritten, err := url.Parse(target)
		if err != nil || rewritten.Host == "" {
			continue
		}
		merged := rewritten.Query()
		for key, values := range u.Query() {
			if _, taken := merged[key]; taken {
				continue
			}
			merged[key] = values
		}
		rewritten.RawQuery = merged.Encode()
		return rewritten, true
	}
	return nil, false
}
