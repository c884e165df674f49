package harvest

import (
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// SiteConfig describes how candidate subsidy pages are found on one source
// site.
type SiteConfig struct {
	ID                string         `yaml:"id"`
	BaseURL           string         `yaml:"base_url"`
	SeedURLs          []string       `yaml:"seed_urls"`
	CandidatePattern  *regexp.Regexp `yaml:"-"`
	AnchorKeywords    []string       `yaml:"anchor_keywords"`
	ContentKeywords   []string       `yaml:"content_keywords"`
	ExcludePatterns   []string       `yaml:"exclude_patterns"`
	AllowList         []string       `yaml:"allow_list"`
	Language          string         `yaml:"language"`
	RequestsPerSecond float64        `yaml:"requests_per_second"`
}

// DefaultAnchorKeywords mark link text that usually leads to an aid page.
var DefaultAnchorKeywords = []string{
	"aide", "aides", "subvention", "dispositif", "soutien", "appel a projets",
	"financement", "programme", "mesure", "investissement", "prime",
}

// DefaultContentKeywords must appear in a page body for it to be kept.
var DefaultContentKeywords = []string{
	"eligibilite", "eligible", "beneficiaire", "montant", "taux", "subvention",
	"dossier", "candidature", "financement",
}

// DefaultSites is the built-in registry of French public-aid sites.
func DefaultSites() []SiteConfig {
	return []SiteConfig{
		{
			ID:               "franceagrimer",
			BaseURL:          "https://www.franceagrimer.fr",
			SeedURLs:         []string{"https://www.franceagrimer.fr/Accompagner"},
			CandidatePattern: regexp.MustCompile(`(?i)/(aides?|accompagner|dispositifs?)/`),
			Language:         "fr",
		},
		{
			ID:               "agriculture-gouv",
			BaseURL:          "https://agriculture.gouv.fr",
			SeedURLs:         []string{"https://agriculture.gouv.fr/aides"},
			CandidatePattern: regexp.MustCompile(`(?i)agriculture\.gouv\.fr/[a-z0-9-]+`),
			Language:         "fr",
		},
		{
			ID:               "europe-en-france",
			BaseURL:          "https://www.europe-en-france.gouv.fr",
			SeedURLs:         []string{"https://www.europe-en-france.gouv.fr/fr/aides-europeennes"},
			CandidatePattern: regexp.MustCompile(`(?i)/fr/(aides|appels|fonds)`),
			Language:         "fr",
		},
	}
}

// Registry holds site configurations by id.
type Registry struct {
	sites map[string]SiteConfig
	order []string
}

// NewRegistry builds a registry, filling unset keyword lists with the
// defaults. Later entries replace earlier ones with the same id.
func NewRegistry(sites []SiteConfig) *Registry {
	r := &Registry{sites: make(map[string]SiteConfig)}
	for _, s := range sites {
		if len(s.AnchorKeywords) == 0 {
			s.AnchorKeywords = DefaultAnchorKeywords
		}
		if len(s.ContentKeywords) == 0 {
			s.ContentKeywords = DefaultContentKeywords
		}
		if _, ok := r.sites[s.ID]; !ok {
			r.order = append(r.order, s.ID)
		}
		r.sites[s.ID] = s
	}
	return r
}

// Get returns the site with the given id.
func (r *Registry) Get(id string) (SiteConfig, bool) {
	s, ok := r.sites[id]
	return s, ok
}

// IDs returns every registered site id in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

type siteFile struct {
	Sites []struct {
		SiteConfig       `yaml:",inline"`
		CandidatePattern string `yaml:"candidate_pattern"`
	} `yaml:"sites"`
}

// LoadSites reads a YAML site registry. With an empty path the built-in
// sites are returned.
func LoadSites(path string) ([]SiteConfig, error) {
	if path == "" {
		return DefaultSites(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "harvest: read sites file %s", path)
	}
	return ParseSites(data)
}

// ParseSites decodes a YAML site registry.
func ParseSites(data []byte) ([]SiteConfig, error) {
	var f siteFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "harvest: parse sites file")
	}
	sites := make([]SiteConfig, 0, len(f.Sites))
	for i, raw := range f.Sites {
		s := raw.SiteConfig
		if strings.TrimSpace(s.ID) == "" {
			return nil, eris.Errorf("harvest: site %d has no id", i)
		}
		if len(s.SeedURLs) == 0 && len(s.AllowList) == 0 {
			return nil, eris.Errorf("harvest: site %s has no seed urls or allow list", s.ID)
		}
		if raw.CandidatePattern != "" {
			re, err := regexp.Compile(raw.CandidatePattern)
			if err != nil {
				return nil, eris.Wrapf(err, "harvest: site %s candidate pattern", s.ID)
			}
			s.CandidatePattern = re
		}
		sites = append(sites, s)
	}
	return sites, nil
}
