// Package route computes low-cardinality route templates from matched mux
// patterns and owns the path-exclusion list shared by every telemetry
// pillar.
package route

import (
	"fmt"
	"net/http"
	"path"
	"slices"
	"strings"
)

// Unmatched is the template recorded for requests no route matches. A single
// sentinel keeps unmatched traffic (scanners, typos) to one tag value
// instead of one value per probed path.
const Unmatched = "/unmatched"

// Matcher reports the handler and pattern that would serve a request.
// *http.ServeMux implements it.
type Matcher interface {
	Handler(r *http.Request) (http.Handler, string)
}

// Template pre-matches the request against the matcher and returns the
// registered pattern as a path template. This runs before any metric is
// tagged with a route; the raw URL path is never returned.
func Template(m Matcher, r *http.Request) string {
	if m == nil {
		return Unmatched
	}
	_, pattern := m.Handler(r)
	return Normalize(pattern)
}

// Normalize reduces a ServeMux pattern ("[METHOD ][HOST]/PATH") to its path
// template: "GET /orders/{id}" becomes "/orders/{id}". Empty patterns
// normalize to Unmatched.
func Normalize(pattern string) string {
	if pattern == "" {
		return Unmatched
	}
	if _, rest, ok := strings.Cut(pattern, " "); ok {
		pattern = rest
	}
	if !strings.HasPrefix(pattern, "/") {
		// Host-qualified pattern; drop the host.
		i := strings.Index(pattern, "/")
		if i < 0 {
			return Unmatched
		}
		pattern = pattern[i:]
	}
	// "/{$}" matches the exact path; the template is the path itself.
	if trimmed := strings.TrimSuffix(pattern, "{$}"); trimmed != pattern && trimmed != "" {
		pattern = trimmed
	}
	return pattern
}

// Exclusions is the compiled path-exclusion list. The interceptor consults
// it once per request and skips the span, the metrics, and the summary log
// line together, so the three pillars can never disagree about an excluded
// endpoint.
type Exclusions struct {
	patterns []string
}

// NewExclusions validates the glob patterns (path.Match syntax: `*` matches
// within one path segment, `?` a single character, `[...]` a class) and
// returns the compiled list. A nil Exclusions excludes nothing.
func NewExclusions(patterns []string) (*Exclusions, error) {
	for _, p := range patterns {
		if p == "" {
			return nil, fmt.Errorf("route: empty exclusion pattern")
		}
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("route: exclusion pattern %q must start with /", p)
		}
		if _, err := path.Match(p, "/"); err != nil {
			return nil, fmt.Errorf("route: invalid exclusion pattern %q: %w", p, err)
		}
	}
	return &Exclusions{patterns: slices.Clone(patterns)}, nil
}

// Excluded reports whether the request path matches any exclusion pattern.
func (e *Exclusions) Excluded(requestPath string) bool {
	if e == nil {
		return false
	}
	for _, p := range e.patterns {
		if ok, _ := path.Match(p, requestPath); ok {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns, for logging at startup.
func (e *Exclusions) Patterns() []string {
	if e == nil {
		return nil
	}
	return slices.Clone(e.patterns)
}
