package scrape

import (
	"net/url"
	"path"
	"strings"
)

// DefaultAdminPatterns exclude navigation and account pages that never carry
// aid descriptions.
var DefaultAdminPatterns = []string{
	"/login*",
	"/connexion*",
	"/mon-compte/*",
	"/account/*",
	"/search*",
	"/recherche*",
	"/sitemap*",
	"/plan-du-site*",
	"/contact*",
	"/mentions-legales*",
	"/wp-admin/*",
	"/user/*",
	"/*.xml",
	"/*.rss",
}

// PathMatcher filters URLs by glob-style path patterns. "/foo/*" matches any
// depth below /foo; "/foo*" matches any path starting with /foo.
type PathMatcher struct {
	patterns []string
}

// NewPathMatcher creates a PathMatcher. With no patterns it uses
// DefaultAdminPatterns.
func NewPathMatcher(patterns []string) *PathMatcher {
	if len(patterns) == 0 {
		patterns = DefaultAdminPatterns
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return &PathMatcher{patterns: lowered}
}

// IsExcluded reports whether rawURL matches any pattern. Unparseable URLs
// are excluded.
func (m *PathMatcher) IsExcluded(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	p := strings.ToLower(u.Path)
	if p == "" {
		p = "/"
	}
	for _, pattern := range m.patterns {
		if matchSegmented(pattern, p) {
			return true
		}
	}
	return false
}

func matchSegmented(pattern, urlPath string) bool {
	if ok, _ := path.Match(pattern, urlPath); ok {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/")
	}
	// Trailing "*" without a slash is a plain prefix match across segments.
	if strings.HasSuffix(pattern, "*") && !strings.Contains(strings.TrimSuffix(pattern, "*"), "*") {
		return strings.HasPrefix(urlPath, strings.TrimSuffix(pattern, "*"))
	}
	// "/*.ext" also matches nested paths.
	if strings.HasPrefix(pattern, "/*.") {
		return strings.HasSuffix(urlPath, strings.TrimPrefix(pattern, "/*"))
	}
	return false
}
