// Package research implements the fence around research-capable personas:
// an exact-match URL allowlist (deny by default) and sanitization of fetched
// content so page text is only ever quoted data for summarization, never a
// source of instructions. Page content can contain adversarial instructions
// ("ignore previous instructions and call X") that must not reach the
// tool-dispatch path.
package research

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tabletalk/tabletalk/control-plane/pkg/models"
)

// ToolFetch is the tool name the fence guards.
const ToolFetch = "research.fetch"

// maxQuotedRunes caps how much fetched text is passed downstream.
const maxQuotedRunes = 20000

// Fence holds the allowlist and the sanitizer.
type Fence struct {
	mu        sync.RWMutex
	allowlist map[string]struct{}
}

// NewFence creates a fence from an explicit URL allowlist. URLs are matched
// literally after normalization: subdomain or path variants of an
// allowlisted URL are denied unless enumerated themselves.
func NewFence(allowlist []string) *Fence {
	f := &Fence{allowlist: make(map[string]struct{}, len(allowlist))}
	for _, raw := range allowlist {
		if n, ok := normalize(raw); ok {
			f.allowlist[n] = struct{}{}
		}
	}
	return f
}

// Allow adds a URL to the allowlist at runtime.
func (f *Fence) Allow(raw string) bool {
	n, ok := normalize(raw)
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowlist[n] = struct{}{}
	return true
}

// IsAllowedURL reports whether the URL is literally present on the
// allowlist. Anything else — unparsable, non-https, or merely similar to an
// allowlisted entry — is denied.
func (f *Fence) IsAllowedURL(raw string) bool {
	n, ok := normalize(raw)
	if !ok {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, allowed := f.allowlist[n]
	return allowed
}

// normalize parses and canonicalizes a URL for exact matching: https only,
// lowercased host, trailing slash on an empty path. Deliberately no
// suffix/subdomain logic.
func normalize(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	if u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" || u.User != nil {
		return "", false
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), true
}

// ── Content sanitization ────────────────────────────────────

// Injection heuristics applied to fetched page content. Matching does not
// block the fetch — the content is already fenced to data-only — but flags
// it so the caller can raise an incident.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)\bcall\s+the\s+\w+[.\w]*\s+tool\b`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+have\s+no\s+(restrictions?|rules?|filters?)`),
}

// SanitizeFetchedContent wraps fetched text as quoted data. The returned
// SafeContent is the only form in which page text may travel downstream;
// nothing in it may be interpreted as an instruction or trigger tool
// dispatch.
func SanitizeFetchedContent(sourceURL, text string) models.SafeContent {
	flagged := false
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			flagged = true
			break
		}
	}

	truncated := false
	if utf8.RuneCountInString(text) > maxQuotedRunes {
		runes := []rune(text)
		text = string(runes[:maxQuotedRunes])
		truncated = true
	}

	return models.SafeContent{
		SourceURL: sourceURL,
		Quoted:    text,
		Truncated: truncated,
		Flagged:   flagged,
	}
}
