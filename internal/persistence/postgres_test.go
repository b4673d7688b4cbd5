package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/sitequest/sitequest/internal/crawler"
)

func samplePage() crawler.PageResult {
	return crawler.PageResult{
		URL:        "https://example.com/docs",
		Success:    true,
		StatusCode: 200,
		Markdown:   "# Docs",
		Text:       "Docs",
		Links:      []string{"https://example.com/docs/install"},
		Relevance:  0.8,
		FetchedAt:  time.Unix(1700000000, 0).UTC(),
		DurationMs: 42,
	}
}

func TestSavePageInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStoreWithPool(mock, "pages")
	require.NoError(t, err)

	page := samplePage()
	mock.ExpectExec("INSERT INTO pages").
		WithArgs(
			"job-1",
			page.URL,
			page.Success,
			page.StatusCode,
			page.ErrorText,
			page.Markdown,
			page.Text,
			[]byte(`["https://example.com/docs/install"]`),
			page.Relevance,
			page.FetchedAt,
			page.DurationMs,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SavePage(context.Background(), "job-1", page))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePagePropagatesExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStoreWithPool(mock, "pages")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO pages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err = store.SavePage(context.Background(), "job-1", samplePage())
	require.Error(t, err)
	require.Contains(t, err.Error(), "insert page row")
}

func TestSavePageRequiresJobID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStoreWithPool(mock, "pages")
	require.NoError(t, err)

	require.Error(t, store.SavePage(context.Background(), "", samplePage()))
}

func TestNewPageStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPageStoreWithPool(mock, "pages; drop table jobs")
	require.Error(t, err)
}
