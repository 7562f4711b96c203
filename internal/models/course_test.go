package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseContentType(t *testing.T) {
	tests := map[string]ContentType{
		"video":     ContentTypeVideo,
		"Lecture":   ContentTypeVideo,
		" pdf ":     ContentTypeDocument,
		"reading":   ContentTypeDocument,
		"quiz":      ContentTypeOther,
		"":          ContentTypeOther,
		"recording": ContentTypeVideo,
	}
	for raw, want := range tests {
		assert.Equal(t, want, ParseContentType(raw), raw)
	}
}

func TestCourse_FirstPlayable(t *testing.T) {
	t.Run("first video of first module", func(t *testing.T) {
		c := &Course{Modules: []Module{
			{ID: "m1", Items: []ContentItem{
				{ID: "doc", Type: ContentTypeDocument},
				{ID: "vid", Type: ContentTypeVideo},
			}},
			{ID: "m2", Items: []ContentItem{{ID: "vid2", Type: ContentTypeVideo}}},
		}}
		item, ok := c.FirstPlayable()
		assert.True(t, ok)
		assert.Equal(t, "vid", item.ID)
	})

	t.Run("falls back to first item of any type", func(t *testing.T) {
		c := &Course{Modules: []Module{
			{ID: "m1", Items: []ContentItem{{ID: "doc", Type: ContentTypeDocument}}},
		}}
		item, ok := c.FirstPlayable()
		assert.True(t, ok)
		assert.Equal(t, "doc", item.ID)
	})

	t.Run("empty course", func(t *testing.T) {
		var c *Course
		_, ok := c.FirstPlayable()
		assert.False(t, ok)
		assert.True(t, c.Empty())
		assert.True(t, (&Course{Modules: []Module{{ID: "m1"}}}).Empty())
	})
}

func TestCourse_Item(t *testing.T) {
	c := &Course{Modules: []Module{
		{ID: "m1", Items: []ContentItem{{ID: "a"}}},
		{ID: "m2", Items: []ContentItem{{ID: "b"}, {ID: "c"}}},
	}}

	item, idx, ok := c.Item("c")
	assert.True(t, ok)
	assert.Equal(t, "c", item.ID)
	assert.Equal(t, 1, idx)

	_, idx, ok = c.Item("missing")
	assert.False(t, ok)
	assert.Equal(t, -1, idx)

	assert.Equal(t, []string{"b", "c"}, c.Modules[1].ItemIDs())
	assert.Equal(t, 3, c.ContentCount())
}
