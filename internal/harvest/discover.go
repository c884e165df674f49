package harvest

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/agrisubsidy/harvest-cli/internal/scrape"
	"github.com/agrisubsidy/harvest-cli/internal/textnorm"
)

// Link is an anchor found on a seed page.
type Link struct {
	URL  string
	Text string
}

// ExtractLinks returns the absolute, fragment-free links of an HTML page in
// document order. Non-HTTP schemes are dropped.
func ExtractLinks(html []byte, pageURL string) ([]Link, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, eris.Wrapf(err, "harvest: parse page url %s", pageURL)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return nil, eris.Wrap(err, "harvest: parse html")
	}

	var links []Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		text := textnorm.CollapseSpace(s.Text())
		if text == "" {
			text, _ = s.Attr("title")
		}
		links = append(links, Link{URL: abs.String(), Text: text})
	})
	return links, nil
}

// Discoverer decides which links of a seed page are subsidy candidates.
type Discoverer struct {
	site    SiteConfig
	matcher *scrape.PathMatcher
}

// NewDiscoverer creates a Discoverer for site. Admin-like paths are always
// excluded in addition to the site's own patterns.
func NewDiscoverer(site SiteConfig) *Discoverer {
	patterns := append(append([]string{}, scrape.DefaultAdminPatterns...), site.ExcludePatterns...)
	return &Discoverer{site: site, matcher: scrape.NewPathMatcher(patterns)}
}

// IsCandidate reports whether link, found on a page of host, looks like a
// subsidy page.
func (d *Discoverer) IsCandidate(link Link, host string) bool {
	u, err := url.Parse(link.URL)
	if err != nil || !strings.EqualFold(u.Host, host) {
		return false
	}
	if d.site.CandidatePattern != nil && !d.site.CandidatePattern.MatchString(link.URL) {
		return false
	}
	if !textnorm.ContainsAny(link.Text, d.site.AnchorKeywords) {
		return false
	}
	if isAttachment(u) {
		return false
	}
	return !d.matcher.IsExcluded(link.URL)
}

// Candidates filters links to candidates. Order is preserved and each URL
// appears once.
func (d *Discoverer) Candidates(links []Link, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	var out []string
	for _, l := range links {
		if d.IsCandidate(l, base.Host) {
			out = append(out, l.URL)
		}
	}
	return Dedupe(out)
}

// Dedupe removes repeated URLs, keeping first occurrences in order.
func Dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
