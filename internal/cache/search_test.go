package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchCache_TTL(t *testing.T) {
	clock := newFakeClock()
	sc := NewSearchCache(0, 0, clock.Now)

	sc.Set("a@example.com", "INBOX", "from:bob", []int64{9, 4, 2}, 3)

	clock.Advance(119 * time.Second)
	uids, total, ok := sc.Get("a@example.com", "INBOX", "from:bob")
	require.True(t, ok)
	assert.Equal(t, []int64{9, 4, 2}, uids)
	assert.Equal(t, 3, total)

	clock.Advance(2 * time.Second)
	_, _, ok = sc.Get("a@example.com", "INBOX", "from:bob")
	assert.False(t, ok)
	assert.Equal(t, 0, sc.Len(), "expired entries are dropped on read")
}

func TestSearchCache_NormalizesQueries(t *testing.T) {
	sc := NewSearchCache(time.Minute, 10, nil)
	sc.Set("a@example.com", "INBOX", "  Subject:Invoice   FROM:Bob ", []int64{1}, 1)

	_, _, ok := sc.Get("a@example.com", "INBOX", "subject:invoice from:bob")
	assert.True(t, ok)

	_, _, ok = sc.Get("a@example.com", "Archive", "subject:invoice from:bob")
	assert.False(t, ok, "keys are scoped to the folder")
}

func TestSearchCache_EvictsOldestWhenFull(t *testing.T) {
	clock := newFakeClock()
	sc := NewSearchCache(time.Hour, DefaultSearchMaxEntries, clock.Now)

	for i := 0; i < DefaultSearchMaxEntries; i++ {
		sc.Set("a@example.com", "INBOX", fmt.Sprintf("query %d", i), []int64{int64(i)}, 1)
		clock.Advance(time.Second)
	}
	require.Equal(t, DefaultSearchMaxEntries, sc.Len())

	// Overwriting an existing key never evicts.
	sc.Set("a@example.com", "INBOX", "query 10", []int64{10}, 1)
	assert.Equal(t, DefaultSearchMaxEntries, sc.Len())

	sc.Set("a@example.com", "INBOX", "query new", []int64{99}, 1)
	assert.Equal(t, DefaultSearchMaxEntries, sc.Len())

	_, _, ok := sc.Get("a@example.com", "INBOX", "query 0")
	assert.False(t, ok)
	_, _, ok = sc.Get("a@example.com", "INBOX", "query new")
	assert.True(t, ok)
}

func TestSearchCache_Invalidate(t *testing.T) {
	sc := NewSearchCache(time.Hour, 10, nil)
	sc.Set("a@example.com", "INBOX", "one", nil, 0)
	sc.Set("a@example.com", "INBOX", "two", nil, 0)
	sc.Set("a@example.com", "INBOX/Sub", "one", nil, 0)
	sc.Set("a@example.com", "Sent", "one", nil, 0)
	sc.Set("b@example.com", "INBOX", "one", nil, 0)

	assert.Equal(t, 2, sc.Invalidate("a@example.com", "INBOX"))
	_, _, ok := sc.Get("a@example.com", "INBOX/Sub", "one")
	assert.True(t, ok, "a folder whose name extends another is not affected")

	assert.Equal(t, 2, sc.Invalidate("a@example.com", ""))
	assert.Equal(t, 1, sc.Len())

	sc.Clear()
	assert.Equal(t, 0, sc.Len())
}

func TestSearchCache_ReturnsCopies(t *testing.T) {
	sc := NewSearchCache(time.Hour, 10, nil)
	uids := []int64{3, 2, 1}
	sc.Set("a@example.com", "INBOX", "q", uids, 3)
	uids[0] = 100

	got, _, ok := sc.Get("a@example.com", "INBOX", "q")
	require.True(t, ok)
	assert.Equal(t, int64(3), got[0])
}
