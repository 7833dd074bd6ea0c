package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/wolfeidau/sessiond/internal/models"
)

const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Position is a record's place in the (Created, Key) ordering.
type Position struct {
	Created int64  `json:"c"` // unix microseconds
	Key     string `json:"k"`
}

// PositionOf returns the ordering position of a record.
func PositionOf(r *models.SessionRecord) Position {
	return Position{Created: r.Created.UnixMicro(), Key: r.Key}
}

// Compare orders positions by creation time then key.
func (p Position) Compare(o Position) int {
	switch {
	case p.Created < o.Created:
		return -1
	case p.Created > o.Created:
		return 1
	}
	return strings.Compare(p.Key, o.Key)
}

// Cursor is the decoded form of a results token. It brackets the page it was
// issued with so the next request can continue after Last or before First.
type Cursor struct {
	First Position `json:"f"`
	Last  Position `json:"l"`
}

// EncodeCursor returns the opaque results token for a cursor.
func EncodeCursor(c Cursor) string {
	data, _ := json.Marshal(c) //nolint:errcheck // plain struct always marshals
	return base58.Encode(data)
}

// DecodeCursor parses a results token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	var c Cursor

	data, err := base58.Decode(token)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidResultsToken, err)
	}

	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidResultsToken, err)
	}

	if c.First.Key == "" || c.Last.Key == "" {
		return c, ErrInvalidResultsToken
	}

	return c, nil
}

// PageSize returns the effective page size for a query.
func PageSize(q models.SessionQuery) int {
	switch {
	case q.PageSize <= 0:
		return DefaultPageSize
	case q.PageSize > MaxPageSize:
		return MaxPageSize
	}
	return q.PageSize
}

// SortRecords orders records by (Created, Key) ascending.
func SortRecords(records []models.SessionRecord) {
	sort.Slice(records, func(i, j int) bool {
		return PositionOf(&records[i]).Compare(PositionOf(&records[j])) < 0
	})
}

// Paginate selects one page from the full set of matching records. Backends
// that can filter but not page natively use this so every backend returns the
// same metadata for the same data.
func Paginate(records []models.SessionRecord, q models.SessionQuery) (*models.SessionQueryResult, error) {
	SortRecords(records)

	size := PageSize(q)
	start := 0

	if q.ResultsToken != "" {
		cur, err := DecodeCursor(q.ResultsToken)
		if err != nil {
			return nil, err
		}

		if q.RequestPriorResults {
			end := sort.Search(len(records), func(i int) bool {
				return PositionOf(&records[i]).Compare(cur.First) >= 0
			})
			start = max(0, end-size)
		} else {
			start = sort.Search(len(records), func(i int) bool {
				return PositionOf(&records[i]).Compare(cur.Last) > 0
			})
		}
	}

	end := min(start+size, len(records))

	page := make([]models.SessionRecord, end-start)
	copy(page, records[start:end])

	return NewQueryResult(len(records), start, size, page, q.ResultsToken), nil
}

// NewQueryResult computes pagination metadata for a page that begins at offset
// within total ordered records. An empty page echoes the request token.
func NewQueryResult(total, offset, pageSize int, page []models.SessionRecord, requestToken string) *models.SessionQueryResult {
	if page == nil {
		page = []models.SessionRecord{}
	}

	res := &models.SessionQueryResult{
		TotalCount: total,
		Results:    page,
	}

	if total == 0 {
		return res
	}

	res.TotalPages = (total + pageSize - 1) / pageSize
	res.CurrentPage = min((offset+pageSize-1)/pageSize+1, res.TotalPages)
	res.HasPrevResults = offset > 0
	res.HasNextResults = offset+len(page) < total

	if len(page) == 0 {
		res.ResultsToken = requestToken
		return res
	}

	res.ResultsToken = EncodeCursor(Cursor{
		First: PositionOf(&page[0]),
		Last:  PositionOf(&page[len(page)-1]),
	})

	return res
}
