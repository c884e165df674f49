package harvest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/resilience"
	"github.com/agrisubsidy/harvest-cli/internal/scrape"
	"github.com/agrisubsidy/harvest-cli/internal/store"
)

const seedHTML = `<html><head><title>Les aides</title></head><body>
<nav><a href="/connexion">Aide à la connexion</a></nav>
<ul>
  <li><a href="/aide/xyz">Guide du dispositif de soutien 2024</a></li>
  <li><a href="/aide/xyz#criteres">Guide du dispositif (critères)</a></li>
  <li><a href="/aide/court">Aide au stockage</a></li>
  <li><a href="/actualites/salon">Actualités du salon</a></li>
  <li><a href="/aide/notice.pdf">Aide : notice PDF</a></li>
  <li><a href="https://ailleurs.example.org/aide/abc">Aide régionale</a></li>
  <li><a href="mailto:contact@example.fr">Aide par courriel</a></li>
</ul>
</body></html>`

func longAidPage() string {
	sentence := "Les exploitations agricoles peuvent bénéficier d'une subvention pour leurs investissements. "
	body := strings.Repeat(sentence, 16) + "Conditions d'éligibilité : être installé depuis moins de cinq ans."
	return `<html><head><title>Dispositif de soutien 2024</title></head><body>
<header><a href="/">Accueil</a></header>
<article><h1>Dispositif de soutien 2024</h1><p>` + body + `</p>
<ul><li>Taux : 20 %</li><li>Plafond : 30 000 €</li></ul>
<p><a href="/docs/formulaire.pdf">Formulaire de demande</a></p></article>
</body></html>`
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "harvest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newSiteServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/aides", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(seedHTML))
	})
	mux.HandleFunc("/aide/xyz", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(longAidPage()))
	})
	mux.HandleFunc("/aide/court", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`<html><body><p>Aide au stockage : éligibilité en cours de définition.</p></body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testSite(baseURL string) SiteConfig {
	return SiteConfig{
		ID:               "test-site",
		BaseURL:          baseURL,
		SeedURLs:         []string{baseURL + "/aides"},
		CandidatePattern: regexp.MustCompile(`/aide/`),
	}
}

func newTestHarvester(st store.Store, site SiteConfig, opts ...Option) *Harvester {
	f := scrape.NewHTTPFetcher(
		scrape.WithHostLimiter(scrape.NewHostLimiter(0)),
		scrape.WithRetry(resilience.Policy{MaxAttempts: 1}),
	)
	return New(st, f, NewRegistry([]SiteConfig{site}), opts...)
}

func TestExtractLinks(t *testing.T) {
	links, err := ExtractLinks([]byte(seedHTML), "https://aides.example.fr/aides")
	require.NoError(t, err)

	var urls []string
	for _, l := range links {
		urls = append(urls, l.URL)
	}
	assert.Contains(t, urls, "https://aides.example.fr/aide/xyz")
	assert.Contains(t, urls, "https://ailleurs.example.org/aide/abc")
	assert.NotContains(t, urls, "mailto:contact@example.fr")
	for _, u := range urls {
		assert.NotContains(t, u, "#")
	}
	assert.Equal(t, "Guide du dispositif de soutien 2024", links[1].Text)
}

func TestDiscoverer_Candidates(t *testing.T) {
	site := NewRegistry([]SiteConfig{testSite("https://aides.example.fr")}).sites["test-site"]
	links, err := ExtractLinks([]byte(seedHTML), "https://aides.example.fr/aides")
	require.NoError(t, err)

	got := NewDiscoverer(site).Candidates(links, "https://aides.example.fr/aides")
	assert.Equal(t, []string{
		"https://aides.example.fr/aide/xyz",
		"https://aides.example.fr/aide/court",
	}, got)
}

func TestDiscoverer_IsCandidate(t *testing.T) {
	site := testSite("https://aides.example.fr")
	site.AnchorKeywords = DefaultAnchorKeywords
	site.ExcludePatterns = []string{"/aide/archives/*"}
	d := NewDiscoverer(site)

	tests := []struct {
		name string
		link Link
		want bool
	}{
		{"guide", Link{"https://aides.example.fr/aide/xyz", "Guide du dispositif de soutien 2024"}, true},
		{"accents folded", Link{"https://aides.example.fr/aide/a", "APPEL À PROJETS"}, true},
		{"no keyword", Link{"https://aides.example.fr/aide/b", "En savoir plus"}, false},
		{"pattern mismatch", Link{"https://aides.example.fr/presse/c", "Aide presse"}, false},
		{"off host", Link{"https://autre.fr/aide/d", "Aide"}, false},
		{"admin path", Link{"https://aides.example.fr/recherche/aide/x", "Aide recherche"}, false},
		{"site exclusion", Link{"https://aides.example.fr/aide/archives/2019", "Aide 2019"}, false},
		{"attachment", Link{"https://aides.example.fr/aide/notice.pdf", "Aide notice"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.IsCandidate(tt.link, "aides.example.fr"))
		})
	}
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, Dedupe([]string{"b", "a", "", "b", "c", "a"}))
}

func TestExtractContent(t *testing.T) {
	c, err := ExtractContent([]byte(longAidPage()), "https://aides.example.fr/aide/xyz")
	require.NoError(t, err)

	assert.Equal(t, "Dispositif de soutien 2024", c.Title)
	assert.Contains(t, c.Text, "Conditions d'éligibilité")
	assert.GreaterOrEqual(t, len([]rune(c.Text)), 1400)
	assert.NotContains(t, c.Text, "Accueil")
	assert.Contains(t, c.Markdown, "- Taux : 20 %")
	assert.Equal(t, []string{"https://aides.example.fr/docs/formulaire.pdf"}, c.Attachments)
	assert.Len(t, ContentHash(c.Text), 64)
}

func TestExtractContent_UsesReadableTitle(t *testing.T) {
	page := strings.Replace(longAidPage(),
		`<head><title>Dispositif de soutien 2024</title></head>`,
		`<head><title>Portail des aides</title><meta property="og:title" content="Plantation de haies bocagères"></head>`, 1)

	c, err := ExtractContent([]byte(page), "https://aides.example.fr/aide/haies")
	require.NoError(t, err)
	assert.Equal(t, "Plantation de haies bocagères", c.Title)
	assert.Contains(t, c.Text, "Conditions d'éligibilité")
}

type stubDetector string

func (s stubDetector) Detect(string) (string, bool) { return string(s), s != "" }

func TestFilter_Check(t *testing.T) {
	site := SiteConfig{ContentKeywords: DefaultContentKeywords, Language: "fr"}
	long := strings.Repeat("Texte descriptif. ", 40) + "Critères d'éligibilité."

	tests := []struct {
		name     string
		text     string
		detector LanguageDetector
		reason   string
		lang     string
	}{
		{"kept", long, stubDetector("fr"), "", "fr"},
		{"too short", "Éligibilité : voir le site.", nil, SkipTooShort, ""},
		{"no keyword", strings.Repeat("Rien à signaler. ", 60), nil, SkipNoContentKeyword, ""},
		{"language mismatch", long, stubDetector("en"), SkipLanguageMismatch, "en"},
		{"undetected language kept", long, stubDetector(""), "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Filter{MinTextLength: 500, Detector: tt.detector}
			reason, lang := f.Check(&Content{Text: tt.text}, site)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.lang, lang)
		})
	}
}

func TestLinguaDetector(t *testing.T) {
	d := NewLinguaDetector()
	lang, ok := d.Detect("Les exploitations agricoles peuvent bénéficier d'une aide à l'investissement pour moderniser leurs bâtiments.")
	require.True(t, ok)
	assert.Equal(t, "fr", lang)
}

func TestHarvester_Run(t *testing.T) {
	var hits atomic.Int32
	srv := newSiteServer(t, &hits)
	st := newTestStore(t)
	ctx := context.Background()

	orphan := &model.RawPage{
		ID:              uuid.NewString(),
		SourceSite:      "test-site",
		SourceURL:       srv.URL + "/aide/ancienne",
		RawText:         "Aide ancienne",
		Status:          model.PageStatusScraped,
		ScrapeTimestamp: time.Now().Add(-10 * time.Minute).UTC(),
	}
	require.NoError(t, st.InsertRawPage(ctx, orphan))

	h := newTestHarvester(st, testSite(srv.URL))
	res, err := h.Run(ctx, Request{Action: ActionScrape, SourceSites: []string{"test-site"}, MaxPages: 10, RunID: "run-1"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 2, res.PagesDiscovered)
	assert.Equal(t, 1, res.PagesInsertedToStore)
	require.Len(t, res.InsertedIDs, 1)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Errors)
	assert.Equal(t, 1, res.OrphansReconciled)

	page, err := st.GetRawPage(ctx, res.InsertedIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.PageStatusScraped, page.Status)
	assert.Equal(t, srv.URL+"/aide/xyz", page.SourceURL)
	require.NotNil(t, page.RunID)
	assert.Equal(t, "run-1", *page.RunID)
	assert.Contains(t, page.RawText, "éligibilité")
	assert.Equal(t, 1, page.AttachmentCount)

	adopted, err := st.GetRawPage(ctx, orphan.ID)
	require.NoError(t, err)
	require.NotNil(t, adopted.RunID)
	assert.Equal(t, "run-1", *adopted.RunID)

	run, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, 1, run.PagesInserted)
	assert.NotNil(t, run.FinishedAt)
}

func TestHarvester_RunIsIdempotent(t *testing.T) {
	var hits atomic.Int32
	srv := newSiteServer(t, &hits)
	st := newTestStore(t)
	h := newTestHarvester(st, testSite(srv.URL))
	ctx := context.Background()

	first, err := h.Run(ctx, Request{SourceSites: []string{"test-site"}})
	require.NoError(t, err)
	require.Equal(t, 1, first.PagesInsertedToStore)

	second, err := h.Run(ctx, Request{SourceSites: []string{"test-site"}})
	require.NoError(t, err)
	assert.Equal(t, 0, second.PagesInsertedToStore)
	assert.Empty(t, second.InsertedIDs)
	assert.Equal(t, 1, second.Duplicates)
	assert.NotEqual(t, first.RunID, second.RunID)

	pages, err := st.ListRawPages(ctx, model.PageFilter{SourceSite: "test-site"})
	require.NoError(t, err)
	assert.Len(t, pages, 1)
}

type duplicateStore struct {
	store.Store
}

func (duplicateStore) PageExists(context.Context, string, string) (bool, error) { return false, nil }

func (duplicateStore) InsertRawPage(context.Context, *model.RawPage) error {
	return store.ErrDuplicate
}

func TestHarvester_InsertRaceCountsDuplicate(t *testing.T) {
	var hits atomic.Int32
	srv := newSiteServer(t, &hits)
	st := duplicateStore{Store: newTestStore(t)}
	h := newTestHarvester(st, testSite(srv.URL))

	res, err := h.Run(context.Background(), Request{SourceSites: []string{"test-site"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.PagesInsertedToStore)
	assert.Equal(t, 1, res.Duplicates)
}

func TestHarvester_MaxPagesAndAllowList(t *testing.T) {
	var hits atomic.Int32
	srv := newSiteServer(t, &hits)
	st := newTestStore(t)
	site := testSite(srv.URL)
	site.AllowList = []string{srv.URL + "/aide/xyz", srv.URL + "/aide/curated"}
	h := newTestHarvester(st, site)

	res, err := h.Run(context.Background(), Request{SourceSites: []string{"test-site"}, MaxPages: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, res.PagesDiscovered)
	assert.Equal(t, 1, res.PagesInsertedToStore)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHarvester_SeedFailureIsCounted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	st := newTestStore(t)
	h := newTestHarvester(st, testSite(srv.URL))

	res, err := h.Run(context.Background(), Request{SourceSites: []string{"test-site"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 0, res.PagesDiscovered)
}

func TestHarvester_RejectsBadRequests(t *testing.T) {
	st := newTestStore(t)
	h := newTestHarvester(st, testSite("https://aides.example.fr"))

	_, err := h.Run(context.Background(), Request{Action: "delete"})
	assert.Error(t, err)

	_, err = h.Run(context.Background(), Request{SourceSites: []string{"nope"}})
	assert.ErrorIs(t, err, ErrUnknownSite)
}

func TestHarvester_CancelledRunIsFailed(t *testing.T) {
	var hits atomic.Int32
	srv := newSiteServer(t, &hits)
	st := newTestStore(t)
	h := newTestHarvester(st, testSite(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.Run(ctx, Request{SourceSites: []string{"test-site"}, RunID: "run-cancelled"})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, int32(0), hits.Load())
}

func TestParseSites(t *testing.T) {
	data := []byte(`
sites:
  - id: region-occitanie
    base_url: https://www.laregion.fr
    seed_urls: [https://www.laregion.fr/aides]
    candidate_pattern: '/aides?/'
    anchor_keywords: [aide, pass]
    language: fr
    requests_per_second: 0.5
  - id: curated
    allow_list: [https://example.fr/aide/1]
`)
	sites, err := ParseSites(data)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "region-occitanie", sites[0].ID)
	require.NotNil(t, sites[0].CandidatePattern)
	assert.True(t, sites[0].CandidatePattern.MatchString("https://www.laregion.fr/aides/pass-agri"))
	assert.InDelta(t, 0.5, sites[0].RequestsPerSecond, 1e-9)
	assert.Nil(t, sites[1].CandidatePattern)

	reg := NewRegistry(sites)
	assert.Equal(t, []string{"region-occitanie", "curated"}, reg.IDs())
	curated, ok := reg.Get("curated")
	require.True(t, ok)
	assert.Equal(t, DefaultContentKeywords, curated.ContentKeywords)

	_, err = ParseSites([]byte("sites:\n  - id: x\n"))
	assert.Error(t, err)
	_, err = ParseSites([]byte("sites:\n  - id: x\n    seed_urls: [a]\n    candidate_pattern: '('\n"))
	assert.Error(t, err)
}

func TestLoadSites_DefaultsWhenUnset(t *testing.T) {
	sites, err := LoadSites("")
	require.NoError(t, err)
	assert.NotEmpty(t, sites)
	for _, s := range sites {
		assert.NotEmpty(t, s.SeedURLs, s.ID)
		assert.Equal(t, "fr", s.Language, s.ID)
	}

	_, err = LoadSites(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func ExampleDedupe() {
	fmt.Println(Dedupe([]string{"/aide/1", "/aide/2", "/aide/1"}))
	// Output: [/aide/1 /aide/2]
}
