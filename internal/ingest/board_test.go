package ingest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ljluestc/awesome-apply/internal/clock/system"
)

const boardHTML = `<!DOCTYPE html>
<html><body>
<div class="job-listing">
  <h3><a href="/jobs/1/apply">Senior Gopher</a></h3>
  <span class="company">Acme</span>
  <span class="location">NYC</span>
</div>
<div class="job-listing">
  <h3><a href="https://other.example.com/jobs/2">Platform Engineer</a></h3>
  <span class="company-name">Globex</span>
</div>
<div class="job-listing">
  <h3>Posting without a link</h3>
</div>
</body></html>`

func TestFetchBoardExtractsRows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, boardHTML)
	}))
	defer srv.Close()

	board := NewBoardFetcher(NewPageFetcher(FetcherConfig{Timeout: 5 * time.Second}), system.New())
	raws, err := board.FetchBoard(context.Background(), srv.URL+"/jobs")
	require.NoError(t, err)
	require.Len(t, raws, 2, "rows without a link are skipped")

	require.Equal(t, "Senior Gopher", raws[0].Title)
	require.Equal(t, "Acme", raws[0].Company)
	require.Equal(t, "NYC", raws[0].Location)
	require.Equal(t, srv.URL+"/jobs/1/apply", raws[0].URL, "relative links resolve against the board url")
	require.Equal(t, "127.0.0.1", raws[0].Source)
	require.False(t, raws[0].PostedAt.IsZero())

	require.Equal(t, "Platform Engineer", raws[1].Title)
	require.Equal(t, "Globex", raws[1].Company)
	require.Empty(t, raws[1].Location)
	require.Equal(t, "https://other.example.com/jobs/2", raws[1].URL)
}

func TestFetchBoardRejectsBadURL(t *testing.T) {
	t.Parallel()

	board := NewBoardFetcher(NewPageFetcher(FetcherConfig{}), system.New())
	_, err := board.FetchBoard(context.Background(), "://not-a-url")
	require.Error(t, err)
}
