package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/tuolan/internal/clock"
)

func TestRingEvictsOldestNotNewest(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	s := New(c, 3, 10)

	for i := 0; i < 5; i++ {
		s.AppendMessage("chat1", RecentMessage{Text: string(rune('a' + i))})
	}

	got := s.RecentMessages("chat1", 0)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Text)
	assert.Equal(t, "d", got[1].Text)
	assert.Equal(t, "e", got[2].Text)
}

func TestRecentMessagesTailN(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	s := New(c, 10, 10)
	for i := 0; i < 5; i++ {
		s.AppendMessage("chat1", RecentMessage{Text: string(rune('a' + i))})
	}
	got := s.RecentMessages("chat1", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].Text)
	assert.Equal(t, "e", got[1].Text)
}

func TestConversationActiveExpiry(t *testing.T) {
	c := clock.NewFrozen(time.Unix(1000, 0))
	s := New(c, 10, 10)

	assert.False(t, s.IsConversationActive("chatA"))

	s.MarkConversationActive("chatA", 600)
	assert.True(t, s.IsConversationActive("chatA"))

	c.Advance(601 * time.Second)
	assert.False(t, s.IsConversationActive("chatA"))
}

func TestClearConversation(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	s := New(c, 10, 10)
	s.MarkConversationActive("chatA", 600)
	require.True(t, s.IsConversationActive("chatA"))
	s.ClearConversation("chatA")
	assert.False(t, s.IsConversationActive("chatA"))
}

func TestDedupDispatchOnceOnly(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	s := New(c, 10, 10)

	assert.False(t, s.SeenOrRemember("E1"))
	assert.True(t, s.SeenOrRemember("E1"))
	assert.False(t, s.SeenOrRemember("E2"))
}

func TestDedupFIFOBound(t *testing.T) {
	c := clock.NewFrozen(time.Unix(0, 0))
	s := New(c, 10, 3)

	for i := 0; i < 5; i++ {
		s.SeenOrRemember(string(rune('a' + i)))
	}
	// "a" and "b" should have been evicted, no longer deduped as seen.
	assert.False(t, s.SeenOrRemember("a"))
	// "e" should still be remembered.
	assert.True(t, s.SeenOrRemember("e"))
}
