package urlnorm

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Rules is the configurable normalization table.
type Rules struct {
	TrackingPrefixes []string       `yaml:"tracking_prefixes"`
	TrackingParams   []string       `yaml:"tracking_params"`
	Platforms        []PlatformRule `yaml:"platforms"`
}

// PlatformRule describes how one platform's URLs collapse to a canonical form.
type PlatformRule struct {
	ID             int64             `yaml:"id"`
	Name           string            `yaml:"name"`
	Hosts          []string          `yaml:"hosts"`
	HostAliases    map[string]string `yaml:"host_aliases"`
	TrackingParams []string          `yaml:"tracking_params"`
	CanonicalIDs   []IDPattern       `yaml:"canonical_ids"`
}

// IDPattern rewrites a matching path into Template. Named groups in Path are
// substituted into Template as {name}. Host, when set, restricts the pattern
// to URLs whose original host equals it.
type IDPattern struct {
	Host     string `yaml:"host"`
	Path     string `yaml:"path"`
	Template string `yaml:"template"`
}

// DefaultRules returns the built-in table.
func DefaultRules() (Rules, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules reads a YAML rule table from path. An empty path yields the
// built-in table.
func LoadRules(path string) (Rules, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return DefaultRules()
	}
	raw, err := os.ReadFile(trimmed)
	if err != nil {
		return Rules{}, fmt.Errorf("read url rules %s: %w", trimmed, err)
	}
	return ParseRules(raw)
}

func ParseRules(raw []byte) (Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return Rules{}, fmt.Errorf("decode url rules: %w", err)
	}

	seen := make(map[int64]struct{}, len(rules.Platforms))
	for i, platform := range rules.Platforms {
		if platform.ID <= 0 {
			return Rules{}, fmt.Errorf("platforms[%d]: id must be positive", i)
		}
		if _, dup := seen[platform.ID]; dup {
			return Rules{}, fmt.Errorf("platforms[%d]: duplicate id %d", i, platform.ID)
		}
		seen[platform.ID] = struct{}{}
		if len(platform.Hosts) == 0 {
			return Rules{}, fmt.Errorf("platforms[%d]: at least one host is required", i)
		}
	}
	return rules, nil
}

type compiledPattern struct {
	host     string
	path     *regexp.Regexp
	template string
}

type compiledPlatform struct {
	id       int64
	name     string
	hosts    []string
	aliases  map[string]string
	tracking map[string]struct{}
	patterns []compiledPattern
}

func compilePlatform(rule PlatformRule) (compiledPlatform, error) {
	out := compiledPlatform{
		id:       rule.ID,
		name:     strings.TrimSpace(rule.Name),
		aliases:  make(map[string]string, len(rule.HostAliases)),
		tracking: lowerSet(rule.TrackingParams),
	}
	for _, host := range rule.Hosts {
		if h := strings.ToLower(strings.TrimSpace(host)); h != "" {
			out.hosts = append(out.hosts, h)
		}
	}
	for from, to := range rule.HostAliases {
		out.aliases[strings.ToLower(strings.TrimSpace(from))] = strings.ToLower(strings.TrimSpace(to))
	}
	for i, p := range rule.CanonicalIDs {
		re, err := regexp.Compile(p.Path)
		if err != nil {
			return compiledPlatform{}, fmt.Errorf("platform %d canonical_ids[%d]: %w", rule.ID, i, err)
		}
		if strings.TrimSpace(p.Template) == "" {
			return compiledPlatform{}, fmt.Errorf("platform %d canonical_ids[%d]: template is required", rule.ID, i)
		}
		out.patterns = append(out.patterns, compiledPattern{
			host:     strings.ToLower(strings.TrimSpace(p.Host)),
			path:     re,
			template: strings.TrimSpace(p.Template),
		})
	}
	return out, nil
}

func (p compiledPlatform) owns(host string) bool {
	if _, ok := p.aliases[host]; ok {
		return true
	}
	for _, h := range p.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if key := strings.ToLower(strings.TrimSpace(v)); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}
