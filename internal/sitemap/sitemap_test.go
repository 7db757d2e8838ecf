package sitemap

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const urlsetXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
	<url>
		<loc>https://example.com/</loc>
		<lastmod>2026-08-01</lastmod>
	</url>
	<url>
		<loc>https://example.com/about</loc>
	</url>
	<url>
		<loc>not a url</loc>
	</url>
</urlset>`

func TestFetchURLSet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Write([]byte(urlsetXML))
	}))
	defer server.Close()

	entries, err := NewFetcher("test-agent").Fetch(context.Background(), server.URL+"/sitemap.xml")
	require.NoError(t, err)

	require.Len(t, entries, 2, "invalid URLs are dropped")
	assert.Equal(t, Entry{Loc: "https://example.com/", LastMod: "2026-08-01"}, entries[0])
	assert.Equal(t, Entry{Loc: "https://example.com/about", LastMod: ""}, entries[1])
}

func TestFetchSitemapIndex(t *testing.T) {
	// Child sitemap URLs get normalised to https, so the test server must
	// speak TLS.
	mux := http.NewServeMux()
	server := httptest.NewTLSServer(mux)
	defer server.Close()

	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
	<sitemap><loc>%s/pages.xml</loc></sitemap>
	<sitemap><loc>%s/broken.xml</loc></sitemap>
</sitemapindex>`, server.URL, server.URL)
	})
	mux.HandleFunc("/pages.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(urlsetXML))
	})
	mux.HandleFunc("/broken.xml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	fetcher := NewFetcher("test-agent")
	fetcher.httpClient = server.Client()

	entries, err := fetcher.Fetch(context.Background(), server.URL+"/sitemap.xml")
	require.NoError(t, err, "a broken child sitemap should not lose the whole set")
	assert.Len(t, entries, 2)
}

func TestFetchSelfReferencingIndex(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
	<sitemap><loc>%s/sitemap.xml</loc></sitemap>
</sitemapindex>`, server.URL)
	}))
	defer server.Close()

	fetcher := NewFetcher("test-agent")
	fetcher.httpClient = server.Client()

	entries, err := fetcher.Fetch(context.Background(), server.URL+"/sitemap.xml")
	require.NoError(t, err)
	assert.Empty(t, entries, "recursion must stop at the depth limit")
}

func TestFetchErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.xml":
			w.WriteHeader(http.StatusNotFound)
		case "/garbage.xml":
			w.Write([]byte("this is not xml at all <<<"))
		}
	}))
	defer server.Close()

	fetcher := NewFetcher("test-agent")

	_, err := fetcher.Fetch(context.Background(), server.URL+"/missing.xml")
	assert.ErrorContains(t, err, "404")

	_, err = fetcher.Fetch(context.Background(), server.URL+"/garbage.xml")
	assert.ErrorContains(t, err, "parse")
}
