package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePage(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantErr    bool
	}{
		{"", defaultPageLimit, 0, false},
		{"limit=25&offset=5", 25, 5, false},
		{"limit=0", defaultPageLimit, 0, false},
		{"limit=500", maxPageLimit, 0, false},
		{"offset=999999", defaultPageLimit, 999999, false},
		{"limit=-1", 0, 0, true},
		{"offset=-5", 0, 0, true},
		{"limit=abc", 0, 0, true},
		{"offset=1.5", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/keys?"+tt.query, nil)
			p, err := parsePage(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, errBadPage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, p.limit, "limit")
			assert.Equal(t, tt.wantOffset, p.offset, "offset")
		})
	}
}

func TestPaginate(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}

	page, meta := paginate(items, pageRequest{limit: 2, offset: 1})
	assert.Equal(t, []string{"b", "c"}, page)
	assert.Equal(t, PaginationMeta{TotalCount: 5, Limit: 2, Offset: 1, HasMore: true}, meta)

	page, meta = paginate(items, pageRequest{limit: 10, offset: 3})
	assert.Equal(t, []string{"d", "e"}, page)
	assert.False(t, meta.HasMore)

	page, meta = paginate(items, pageRequest{limit: 2, offset: 10})
	assert.Empty(t, page)
	assert.Equal(t, 5, meta.TotalCount)
	assert.False(t, meta.HasMore)

	page, meta = paginate([]string(nil), pageRequest{limit: 2})
	assert.Empty(t, page)
	assert.Zero(t, meta.TotalCount)
}
