package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/sessiond/internal/models"
)

func makeRecords(n int, base time.Time) []models.SessionRecord {
	records := make([]models.SessionRecord, 0, n)
	for i := range n {
		records = append(records, models.SessionRecord{
			Key:       fmt.Sprintf("key-%02d", i),
			SubjectID: "alice",
			SessionID: fmt.Sprintf("sid-%02d", i),
			Created:   base.Add(time.Duration(i) * time.Second),
		})
	}
	return records
}

func keys(records []models.SessionRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Key)
	}
	return out
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{
		First: Position{Created: 10, Key: "a"},
		Last:  Position{Created: 20, Key: "b"},
	}

	decoded, err := DecodeCursor(EncodeCursor(c))
	require.NoError(t, err)
	require.Equal(t, c, decoded)
}

func TestDecodeCursor_Invalid(t *testing.T) {
	for _, token := range []string{"not-base58-0OIl", "3mJr7AoUXx2Wqd", base58.Encode([]byte(`{"f":{}}`))} {
		_, err := DecodeCursor(token)
		require.ErrorIs(t, err, ErrInvalidResultsToken, token)
	}
}

func TestPageSize(t *testing.T) {
	require.Equal(t, DefaultPageSize, PageSize(models.SessionQuery{}))
	require.Equal(t, MaxPageSize, PageSize(models.SessionQuery{PageSize: 1000}))
	require.Equal(t, 7, PageSize(models.SessionQuery{PageSize: 7}))
}

func TestPaginate(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("empty set", func(t *testing.T) {
		res, err := Paginate(nil, models.SessionQuery{PageSize: 2})
		require.NoError(t, err)
		require.Empty(t, res.Results)
		require.NotNil(t, res.Results)
		require.Equal(t, 0, res.TotalCount)
		require.Equal(t, 0, res.TotalPages)
		require.Equal(t, 0, res.CurrentPage)
		require.False(t, res.HasNextResults)
		require.False(t, res.HasPrevResults)
	})

	t.Run("walk forward and back", func(t *testing.T) {
		records := makeRecords(5, base)

		first, err := Paginate(records, models.SessionQuery{PageSize: 2})
		require.NoError(t, err)
		require.Equal(t, []string{"key-00", "key-01"}, keys(first.Results))
		require.Equal(t, 5, first.TotalCount)
		require.Equal(t, 3, first.TotalPages)
		require.Equal(t, 1, first.CurrentPage)
		require.False(t, first.HasPrevResults)
		require.True(t, first.HasNextResults)

		second, err := Paginate(records, models.SessionQuery{PageSize: 2, ResultsToken: first.ResultsToken})
		require.NoError(t, err)
		require.Equal(t, []string{"key-02", "key-03"}, keys(second.Results))
		require.Equal(t, 2, second.CurrentPage)
		require.True(t, second.HasPrevResults)
		require.True(t, second.HasNextResults)

		third, err := Paginate(records, models.SessionQuery{PageSize: 2, ResultsToken: second.ResultsToken})
		require.NoError(t, err)
		require.Equal(t, []string{"key-04"}, keys(third.Results))
		require.Equal(t, 3, third.CurrentPage)
		require.True(t, third.HasPrevResults)
		require.False(t, third.HasNextResults)

		back, err := Paginate(records, models.SessionQuery{PageSize: 2, ResultsToken: third.ResultsToken, RequestPriorResults: true})
		require.NoError(t, err)
		require.Equal(t, keys(second.Results), keys(back.Results))
		require.Equal(t, second.ResultsToken, back.ResultsToken)
		require.Equal(t, second.CurrentPage, back.CurrentPage)
	})

	t.Run("prior from second page returns a full first page", func(t *testing.T) {
		records := makeRecords(5, base)

		res, err := Paginate(records, models.SessionQuery{PageSize: 3})
		require.NoError(t, err)
		res, err = Paginate(records, models.SessionQuery{PageSize: 2, ResultsToken: res.ResultsToken})
		require.NoError(t, err)
		require.Equal(t, []string{"key-03", "key-04"}, keys(res.Results))

		res, err = Paginate(records, models.SessionQuery{PageSize: 2, ResultsToken: res.ResultsToken, RequestPriorResults: true})
		require.NoError(t, err)
		require.Equal(t, []string{"key-01", "key-02"}, keys(res.Results))
		require.True(t, res.HasPrevResults)
	})

	t.Run("ties on created are broken by key", func(t *testing.T) {
		records := []models.SessionRecord{
			{Key: "c", Created: base},
			{Key: "a", Created: base},
			{Key: "b", Created: base},
		}

		res, err := Paginate(records, models.SessionQuery{PageSize: 2})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, keys(res.Results))

		res, err = Paginate(records, models.SessionQuery{PageSize: 2, ResultsToken: res.ResultsToken})
		require.NoError(t, err)
		require.Equal(t, []string{"c"}, keys(res.Results))
	})

	t.Run("inserts do not shift the next page", func(t *testing.T) {
		records := makeRecords(4, base)

		first, err := Paginate(records, models.SessionQuery{PageSize: 2})
		require.NoError(t, err)

		// a record created before the cursor must not reappear in later pages
		records = append(records, models.SessionRecord{Key: "early", Created: base.Add(-time.Hour)})

		second, err := Paginate(records, models.SessionQuery{PageSize: 2, ResultsToken: first.ResultsToken})
		require.NoError(t, err)
		require.Equal(t, []string{"key-02", "key-03"}, keys(second.Results))
		require.Equal(t, 5, second.TotalCount)
	})

	t.Run("invalid token", func(t *testing.T) {
		_, err := Paginate(makeRecords(2, base), models.SessionQuery{ResultsToken: "!!"})
		require.ErrorIs(t, err, ErrInvalidResultsToken)
	})

	t.Run("identical queries produce identical metadata", func(t *testing.T) {
		q := models.SessionQuery{PageSize: 2}
		a, err := Paginate(makeRecords(5, base), q)
		require.NoError(t, err)
		b, err := Paginate(makeRecords(5, base), q)
		require.NoError(t, err)
		require.Equal(t, a, b)
	})
}
