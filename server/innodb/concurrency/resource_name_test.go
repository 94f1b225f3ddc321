package concurrency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResourceName(t *testing.T) {
	db := NewResourceName("database", 0)
	table := db.Child("table", 3)
	page := table.Child("page", 30000000007)
	other := db.Child("table", 4)

	assert.Equal(t, "database:0/table:3/page:30000000007", page.String())
	assert.Equal(t, 3, page.Depth())
	assert.Equal(t, int64(30000000007), page.ID())

	assert.True(t, page.IsDescendantOf(db))
	assert.True(t, page.IsDescendantOf(table))
	assert.False(t, page.IsDescendantOf(page))
	assert.False(t, page.IsDescendantOf(other))
	assert.False(t, db.IsDescendantOf(page))

	parent, ok := page.Parent()
	assert.True(t, ok)
	assert.True(t, parent.Equal(table))
	_, ok = db.Parent()
	assert.False(t, ok)

	// Child 不修改原路径
	a := table.Child("page", 1)
	b := table.Child("page", 2)
	assert.Equal(t, int64(1), a.ID())
	assert.Equal(t, int64(2), b.ID())
	assert.Equal(t, 2, table.Depth())
}

func TestResourceName_KeyWithSeparators(t *testing.T) {
	tests := []struct {
		name string
		a, b ResourceName
	}{
		{"标签含冒号", NewResourceName("a:1/b", 2), NewResourceName("a", 1).Child("b", 2)},
		{"标签含斜杠", NewResourceName("x/y:3", 4), NewResourceName("x", 0).Child("y:3", 4)},
		{"标签含百分号", NewResourceName("a%3A1/b", 2), NewResourceName("a:1/b", 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, tt.a.Equal(tt.b))
			assert.NotEqual(t, tt.a.Key(), tt.b.Key())
		})
	}

	// 普通标签的 Key 与 String 一致
	page := NewResourceName("database", 0).Child("page", 7)
	assert.Equal(t, page.String(), page.Key())
	assert.Equal(t, "a%3A1%2Fb:2", NewResourceName("a:1/b", 2).Key())
}
