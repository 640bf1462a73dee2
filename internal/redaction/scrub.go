// Package redaction scrubs credentials from captured request headers before
// they reach the hit archive. Visitors caught by the tarpit still sometimes
// send cookies and API tokens; storing those would turn the archive into a
// credential dump.
package redaction

import (
	"regexp"
	"strings"
	"sync"
)

const masked = "[SCRUBBED]"

// Pattern rewrites token-shaped substrings inside header values.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// DefaultPatterns covers the token shapes that show up in real traffic.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_.-]{16,})`),
			Replacement: "$1" + masked,
		},
		{
			Name:        "jwt",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: masked,
		},
		{
			Name:        "sk_key",
			Regex:       regexp.MustCompile(`(?i)sk-[a-zA-Z0-9]{20,}`),
			Replacement: masked,
		},
		{
			Name:        "aws_access_key",
			Regex:       regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
			Replacement: masked,
		},
		{
			Name:        "generic_key",
			Regex:       regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|auth[_-]?token)[:\s=]["']?([a-zA-Z0-9_.-]{16,})["']?`),
			Replacement: "$1=" + masked,
		},
	}
}

// defaultMaskedHeaders are replaced wholesale; their values are credentials
// by definition.
var defaultMaskedHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"Set-Cookie",
	"X-Api-Key",
	"X-Auth-Token",
}

// Scrubber masks credential-bearing headers and token-shaped values.
type Scrubber struct {
	mu       sync.RWMutex
	masked   map[string]struct{} // lowercase header names
	patterns []Pattern
}

// NewScrubber creates a Scrubber with the default header list and patterns.
func NewScrubber() *Scrubber {
	m := make(map[string]struct{}, len(defaultMaskedHeaders))
	for _, name := range defaultMaskedHeaders {
		m[strings.ToLower(name)] = struct{}{}
	}
	return &Scrubber{masked: m, patterns: DefaultPatterns()}
}

// MaskHeader adds a header name whose value is always replaced.
func (s *Scrubber) MaskHeader(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masked[strings.ToLower(name)] = struct{}{}
}

// AddPattern registers an extra value pattern.
func (s *Scrubber) AddPattern(name, pattern, replacement string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append(s.patterns, Pattern{Name: name, Regex: re, Replacement: replacement})
	return nil
}

// Headers returns a scrubbed copy of h. The input map is not modified.
func (s *Scrubber) Headers(h map[string]string) map[string]string {
	if len(h) == 0 {
		return h
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(h))
	for name, value := range h {
		if _, ok := s.masked[strings.ToLower(name)]; ok {
			out[name] = masked
			continue
		}
		out[name] = s.value(value)
	}
	return out
}

// Value scrubs token-shaped substrings from a single string.
func (s *Scrubber) Value(v string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value(v)
}

func (s *Scrubber) value(v string) string {
	for _, p := range s.patterns {
		v = p.Regex.ReplaceAllString(v, p.Replacement)
	}
	return v
}
