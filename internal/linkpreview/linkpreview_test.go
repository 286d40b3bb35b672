package linkpreview

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstURLExtractsFirstMatch(t *testing.T) {
	require.Equal(t, "https://example.com/a", FirstURL("check out https://example.com/a and https://example.com/b"))
	require.Equal(t, "", FirstURL("no links here"))
}

func TestFetchExtractsOpenGraphTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head>
			<title>Fallback Title</title>
			<meta property="og:title" content="Real Title">
			<meta property="og:description" content="A description">
		</head><body>ignored</body></html>`))
	}))
	defer srv.Close()

	preview, err := Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "Real Title", preview.Title)
	require.Equal(t, "A description", preview.Desc)
}

func TestFetchSkipsNonHTMLContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	preview, err := Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Empty(t, preview.Title)
}
