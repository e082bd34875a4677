package home

import (
	"strings"
	"testing"

	"github.com/disgoorg/disgo/discord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuildOnlyMessage(t *testing.T) {
	m := guildOnlyMessage()
	assert.Equal(t, "This command only works in a server.", m.Content)
	assert.True(t, m.Flags.Has(discord.MessageFlagEphemeral))
}

func TestReplyUpdate(t *testing.T) {
	u := replyUpdate("Skipped A.")
	require.NotNil(t, u.Content)
	assert.Equal(t, "Skipped A.", *u.Content)

	long := replyUpdate(strings.Repeat("x", 2500))
	require.NotNil(t, long.Content)
	assert.Len(t, []rune(*long.Content), 2000)
	assert.True(t, strings.HasSuffix(*long.Content, "..."))
}
