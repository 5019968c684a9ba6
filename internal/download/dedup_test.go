package download

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ytget/dlsched/internal/model"
)

func TestDedupCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewDedupCache(2)
	c.Put("a", DedupEntry{Path: "/a"})
	c.Put("b", DedupEntry{Path: "/b"})

	_, ok := c.Get("a")
	assert.True(t, ok)

	c.Put("c", DedupEntry{Path: "/c"})
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestDedupCache_PutRefreshes(t *testing.T) {
	c := NewDedupCache(2)
	c.Put("a", DedupEntry{Path: "/old"})
	c.Put("b", DedupEntry{Path: "/b"})
	c.Put("a", DedupEntry{Path: "/new"})
	c.Put("c", DedupEntry{Path: "/c"})

	entry, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "/new", entry.Path)
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestDedupCache_Remove(t *testing.T) {
	c := NewDedupCache(0)
	c.Put("a", DedupEntry{})
	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Zero(t, c.Len())
	assert.Equal(t, DefaultDedupCapacity, c.capacity)
}

func TestContentID(t *testing.T) {
	explicit := model.Task{ContentID: "yt:abc", URL: "https://example.com/x"}
	assert.Equal(t, "yt:abc", ContentID(explicit))

	a := ContentID(model.Task{URL: "https://example.com/file.bin"})
	b := ContentID(model.Task{URL: " https://example.com/file.bin/#section"})
	c := ContentID(model.Task{URL: "https://example.com/other.bin"})
	assert.True(t, strings.HasPrefix(a, "xxh:"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
