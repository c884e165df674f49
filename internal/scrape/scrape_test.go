package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/agrisubsidy/harvest-cli/internal/resilience"
)

func testFetcher() *HTTPFetcher {
	return NewHTTPFetcher(
		WithHostLimiter(NewHostLimiter(0)),
		WithRetry(resilience.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}),
	)
}

func TestFetch_OK(t *testing.T) {
	var ua, lang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		lang = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><head><title>Aides</title></head><body>" + strings.Repeat("contenu ", 50) + "</body></html>"))
	}))
	defer srv.Close()

	page, err := testFetcher().Fetch(context.Background(), srv.URL+"/aide/xyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, string(page.Body), "<title>Aides</title>")
	assert.Contains(t, page.ContentType, "text/html")
	assert.Contains(t, ua, "SubsidyHarvester")
	assert.Contains(t, lang, "fr-FR")
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	_, err := testFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_NotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	_, err := testFetcher().Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_Blocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("cf-ray", "abc")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testFetcher().Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestDetectBlock(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		body   string
		want   BlockType
	}{
		{"cloudflare 503", 503, http.Header{"Server": {"cloudflare"}}, "", BlockCloudflare},
		{"challenge page", 200, http.Header{}, "Checking your browser before accessing", BlockCloudflare},
		{"short captcha wall", 200, http.Header{}, "<html>Please solve the reCAPTCHA</html>", BlockCaptcha},
		{"long page with captcha form", 200, http.Header{}, strings.Repeat("x", captchaBodyLimit) + "recaptcha", BlockNone},
		{"js shell", 200, http.Header{}, "<html><noscript>Enable JavaScript</noscript></html>", BlockJSShell},
		{"normal", 200, http.Header{}, "<html><body>Aide aux agriculteurs</body></html>", BlockNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocked, kind := DetectBlock(&http.Response{StatusCode: tt.status, Header: tt.header}, []byte(tt.body))
			assert.Equal(t, tt.want != BlockNone, blocked)
			assert.Equal(t, tt.want, kind)
		})
	}
	blocked, _ := DetectBlock(nil, nil)
	assert.False(t, blocked)
}

func TestPathMatcher_AdminDefaults(t *testing.T) {
	m := NewPathMatcher(nil)
	excluded := []string{
		"https://site.fr/login",
		"https://site.fr/connexion?next=/",
		"https://site.fr/recherche?q=aide",
		"https://site.fr/sitemap.xml",
		"https://site.fr/mon-compte/profil",
		"https://site.fr/feeds/news.rss",
		"://bad",
	}
	for _, u := range excluded {
		assert.True(t, m.IsExcluded(u), u)
	}
	kept := []string{
		"https://site.fr/aide/xyz",
		"https://site.fr/dispositifs/soutien-2024",
		"https://site.fr/",
	}
	for _, u := range kept {
		assert.False(t, m.IsExcluded(u), u)
	}
}

func TestPathMatcher_Custom(t *testing.T) {
	m := NewPathMatcher([]string{"/Actualites/*"})
	assert.True(t, m.IsExcluded("https://site.fr/actualites/2024/05/x"))
	assert.False(t, m.IsExcluded("https://site.fr/login"))
}

func TestHostLimiter_AdaptsWithinBounds(t *testing.T) {
	h := NewHostLimiter(4)
	h.OnRateLimit("a.fr")
	assert.Equal(t, rate.Limit(2), h.Limit("a.fr"))
	h.OnRateLimit("a.fr")
	h.OnRateLimit("a.fr")
	assert.Equal(t, rate.Limit(1), h.Limit("a.fr"))

	for i := 0; i < 20; i++ {
		h.OnSuccess("a.fr")
	}
	assert.Equal(t, rate.Limit(4), h.Limit("a.fr"))
	assert.Equal(t, rate.Limit(4), h.Limit("b.fr"))

	unlimited := NewHostLimiter(0)
	unlimited.OnRateLimit("a.fr")
	assert.Equal(t, rate.Inf, unlimited.Limit("a.fr"))
	require.NoError(t, unlimited.Wait(context.Background(), "a.fr"))
}

func TestHostLimiter_SetHostRate(t *testing.T) {
	h := NewHostLimiter(1)
	assert.Equal(t, rate.Limit(1), h.Limit("a.fr"))
	h.SetHostRate("a.fr", 0.5)
	assert.Equal(t, rate.Limit(0.5), h.Limit("a.fr"))
	h.OnSuccess("a.fr")
	assert.Equal(t, rate.Limit(0.5), h.Limit("a.fr"))
	h.SetHostRate("b.fr", 2)
	assert.Equal(t, rate.Limit(2), h.Limit("b.fr"))
	h.SetHostRate("a.fr", 0)
	assert.Equal(t, rate.Limit(1), h.Limit("a.fr"))
}
