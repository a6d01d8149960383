package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPage(t *testing.T) {
	cases := []struct {
		page, size    int
		offset, limit int
	}{
		{1, 10, 0, 10},
		{3, 10, 20, 10},
		{0, 0, 0, DefaultPageSize},
		{-2, 5, 0, 5},
		{2, MaxPageSize + 1, DefaultPageSize, DefaultPageSize},
		{2, MaxPageSize, MaxPageSize, MaxPageSize},
	}
	for _, tc := range cases {
		offset, limit := Page(tc.page, tc.size)
		assert.Equal(t, tc.offset, offset, "page=%d size=%d", tc.page, tc.size)
		assert.Equal(t, tc.limit, limit, "page=%d size=%d", tc.page, tc.size)
	}
}
