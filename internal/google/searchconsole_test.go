package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyticsPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "sc-domain")
		assert.Contains(t, r.URL.Path, "searchAnalytics/query")

		var payload struct {
			Dimensions []string `json:"dimensions"`
			RowLimit   int      `json:"rowLimit"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, []string{"page"}, payload.Dimensions)
		assert.Equal(t, 25000, payload.RowLimit)

		w.Write([]byte(`{"rows": [
			{"keys": ["https://example.com/"]},
			{"keys": ["https://example.com/about"]},
			{"keys": []}
		]}`))
	}))
	defer server.Close()

	client := NewSearchConsoleClient(newTestProvider(connectedStore(), ""))
	client.baseURL = server.URL

	pages, err := client.AnalyticsPages(context.Background(), "user-1", "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/", "https://example.com/about"}, pages)
}

func TestAnalyticsPagesEmptyProperty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewSearchConsoleClient(newTestProvider(connectedStore(), ""))
	client.baseURL = server.URL

	pages, err := client.AnalyticsPages(context.Background(), "user-1", "example.com")
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestInspectURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "urlInspection/index:inspect"))

		var payload struct {
			InspectionURL string `json:"inspectionUrl"`
			SiteURL       string `json:"siteUrl"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "https://example.com/page", payload.InspectionURL)
		assert.Equal(t, "sc-domain:example.com", payload.SiteURL)

		w.Write([]byte(`{"inspectionResult": {"indexStatusResult": {"coverageState": "Submitted and indexed"}}}`))
	}))
	defer server.Close()

	client := NewSearchConsoleClient(newTestProvider(connectedStore(), ""))
	client.baseURL = server.URL

	state, err := client.InspectURL(context.Background(), "user-1", "example.com", "https://example.com/page")
	require.NoError(t, err)
	assert.Equal(t, "Submitted and indexed", state)
}

func TestInspectURLRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewSearchConsoleClient(newTestProvider(connectedStore(), ""))
	client.baseURL = server.URL

	_, err := client.InspectURL(context.Background(), "user-1", "example.com", "https://example.com/page")
	assert.ErrorIs(t, err, ErrInspectionRateLimited)
}
