package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitequest/sitequest/internal/crawler"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/echo-header", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("X-Probe")))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCollyFetcher_FetchesPage(t *testing.T) {
	t.Parallel()

	srv := testServer(t)
	f := NewCollyFetcher(CollyConfig{RequestTimeout: 5 * time.Second}, nil)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{JobID: "job-1", URL: srv.URL + "/ok"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "hello")
	require.Positive(t, resp.Duration)
}

func TestCollyFetcher_FollowsRedirects(t *testing.T) {
	t.Parallel()

	srv := testServer(t)
	f := NewCollyFetcher(CollyConfig{}, nil)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/redirect"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, srv.URL+"/ok", resp.FinalURL)
}

func TestCollyFetcher_SurfacesHTTPErrorsAsResponses(t *testing.T) {
	t.Parallel()

	srv := testServer(t)
	f := NewCollyFetcher(CollyConfig{}, nil)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCollyFetcher_PassesRequestHeaders(t *testing.T) {
	t.Parallel()

	srv := testServer(t)
	f := NewCollyFetcher(CollyConfig{}, nil)

	headers := http.Header{}
	headers.Set("X-Probe", "present")
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL + "/echo-header",
		Headers: headers,
	})
	require.NoError(t, err)
	require.Equal(t, "present", string(resp.Body))
}

func TestCollyFetcher_ConnectionErrorIsError(t *testing.T) {
	t.Parallel()

	f := NewCollyFetcher(CollyConfig{RequestTimeout: time.Second}, nil)
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "http://127.0.0.1:1/unreachable"})
	require.Error(t, err)
	require.False(t, crawler.IsFatal(err))
}

func TestNewHeadlessFetcher_DisabledWithoutConcurrency(t *testing.T) {
	t.Parallel()

	_, err := NewHeadlessFetcher(HeadlessConfig{}, nil)
	require.ErrorIs(t, err, ErrHeadlessDisabled)
}
