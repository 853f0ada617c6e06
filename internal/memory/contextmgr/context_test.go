package contextmgr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Scenario 4, SPEC_FULL.md §8: flush triggers at threshold.
func TestNeedsFlushAtThreshold(t *testing.T) {
	m, err := New(100, 0.70, 4)
	require.NoError(t, err)

	sys := strings.Repeat("word ", 80) // comfortably > 70 tokens worth of text
	m.SetSystemPrompt(sys)

	require.True(t, m.NeedsFlush(10))

	m.Reset("short")
	require.False(t, m.NeedsFlush(10))
}

func TestReadingMessagesForAPIDoesNotMutate(t *testing.T) {
	m, err := New(8000, 0.70, 4)
	require.NoError(t, err)
	m.SetSystemPrompt("sys")
	m.AddMessage("user", "hello")

	before := m.TotalTokens()
	_ = m.MessagesForAPI(true)
	_ = m.MessagesForAPI(true)
	require.Equal(t, before, m.TotalTokens())
	require.Equal(t, 1, m.MessageCount())
}

func TestMessagesForAPIFoldsSystemWhenUnsupported(t *testing.T) {
	m, err := New(8000, 0.70, 4)
	require.NoError(t, err)
	m.SetSystemPrompt("be helpful")
	m.AddMessage("user", "hi there")

	msgs := m.MessagesForAPI(false)
	require.Len(t, msgs, 1)
	require.Equal(t, "user", msgs[0].Role)
	require.True(t, strings.HasPrefix(msgs[0].Content, "be helpful\n\n"))
}

func TestResetKeepsOnlyLastNMessages(t *testing.T) {
	m, err := New(8000, 0.70, 2)
	require.NoError(t, err)
	m.SetSystemPrompt("sys")
	m.AddMessage("user", "one")
	m.AddMessage("assistant", "two")
	m.AddMessage("user", "three")

	m.Reset("new system")
	require.Equal(t, 2, m.MessageCount())

	text := m.ConversationText()
	require.NotContains(t, text, "one")
	require.Contains(t, text, "two")
	require.Contains(t, text, "three")
}
