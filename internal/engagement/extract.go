package engagement

import (
	"math"
	"regexp"
	"strings"

	"horse.fit/trawl/internal/domain"
)

var (
	hashtagPattern = regexp.MustCompile(`#[\p{L}\p{M}\p{N}_]+`)
	mentionPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_.])(@[\p{L}\p{M}\p{N}_.]+)`)
)

// ExtractHashtags returns the distinct hashtags in text in first-seen order.
func ExtractHashtags(text string) []string {
	return distinctLower(hashtagPattern.FindAllString(text, -1))
}

// ExtractMentions returns the distinct @handles in text. Email addresses are
// not mentions.
func ExtractMentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	handles := make([]string, 0, len(matches))
	for _, m := range matches {
		handles = append(handles, strings.TrimRight(m[1], "."))
	}
	return distinctLower(handles)
}

func distinctLower(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(v)
		if len(key) < 2 {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// EngagementRate is interactions per view, capped at 1. Unknown views give 0.
func EngagementRate(m domain.Metrics) float64 {
	views := value(m.Views)
	if views <= 0 {
		return 0
	}
	rate := float64(value(m.Likes)+value(m.Shares)+value(m.Comments)) / float64(views)
	return math.Min(rate, 1)
}

// ViralScore weights shares over comments over likes, capped at 10.
func ViralScore(m domain.Metrics) float64 {
	score := float64(3*value(m.Shares)+2*value(m.Comments)+value(m.Likes)) / 1000
	return math.Min(score, 10)
}

// ImportanceScore combines engagement, author reach and length, capped at 10.
// Reach saturates at 200k followers and length at 100 words.
func ImportanceScore(engagementRate float64, authorFollowers int64, wordCount int) float64 {
	engagement := math.Max(engagementRate, 0) * 5
	reach := math.Min(float64(max(authorFollowers, 0))/100000, 2)
	length := math.Min(float64(max(wordCount, 0))/100, 1)
	return math.Min(engagement+reach+length, 10)
}

func WordCount(text string) int {
	return len(strings.Fields(text))
}

// MediaURLs keeps the distinct absolute http(s) URLs in order.
func MediaURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func value(v *int64) int64 {
	if v == nil || *v < 0 {
		return 0
	}
	return *v
}
