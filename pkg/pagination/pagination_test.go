package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		page    int
		perPage int
		offset  int
	}{
		{"defaults", "", 1, 20, 0},
		{"custom", "?page=3&per_page=50", 3, 50, 100},
		{"negative page", "?page=-1", 1, 20, 0},
		{"zero page", "?page=0&per_page=10", 1, 10, 0},
		{"non numeric", "?page=abc&per_page=xyz", 1, 20, 0},
		{"per page at cap", "?per_page=100", 1, 100, 0},
		{"per page over cap", "?page=2&per_page=101", 2, 20, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FromRequest(httptest.NewRequest(http.MethodGet, "/api/v1/settlements"+tt.query, nil))
			assert.Equal(t, tt.page, p.Page)
			assert.Equal(t, tt.perPage, p.PerPage)
			assert.Equal(t, tt.offset, p.Offset)
		})
	}
}

func TestNewResult_MiddlePage(t *testing.T) {
	r := NewResult([]string{"pi_3", "pi_4"}, 5, Params{Page: 2, PerPage: 2, Offset: 2})

	assert.Equal(t, 3, r.TotalPages)
	assert.True(t, r.HasNext)
	assert.True(t, r.HasPrev)
	assert.Len(t, r.Data, 2)
}

func TestNewResult_ExactMultiple(t *testing.T) {
	r := NewResult([]int{1, 2}, 4, Params{Page: 2, PerPage: 2})
	assert.Equal(t, 2, r.TotalPages)
	assert.False(t, r.HasNext)
}

func TestNewResult_Empty(t *testing.T) {
	r := NewResult[string](nil, 0, DefaultParams())

	assert.NotNil(t, r.Data)
	assert.Zero(t, r.TotalPages)
	assert.False(t, r.HasNext)
	assert.False(t, r.HasPrev)
}
