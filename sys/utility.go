package sys

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Pointers
// ============================================================================

func IntPtr(i int) *int {
	return &i
}

// ============================================================================
// Math & Logic
// ============================================================================

// RandomIntRange returns a random integer in the range [min, max] inclusive.
func RandomIntRange(min, max int) int {
	if min > max {
		min, max = max, min
	}
	return rand.Intn(max-min+1) + min
}

// ============================================================================
// String Utilities
// ============================================================================

// Truncate truncates a string to the specified rune length with ellipsis at the end.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// ParseSnowflake accepts a raw ID or a user, role or channel mention.
func ParseSnowflake(s string) (snowflake.ID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.TrimLeft(s, "@&!#")
	return snowflake.Parse(s)
}

// ============================================================================
// Time Utilities
// ============================================================================

func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "∞"
	}
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatClock renders a track position as m:ss or h:mm:ss.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// ============================================================================
// Messaging
// ============================================================================

// SendMessage posts plain text to a channel, splitting at Discord's 2000 character limit.
func SendMessage(ctx context.Context, client *bot.Client, channelID snowflake.ID, content string) error {
	for _, chunk := range SplitMessage(content, 2000) {
		if _, err := client.Rest.CreateMessage(channelID, discord.MessageCreate{Content: chunk}, rest.WithCtx(ctx)); err != nil {
			return err
		}
	}
	return nil
}

// SplitMessage breaks content on line boundaries into chunks of at most limit runes.
func SplitMessage(content string, limit int) []string {
	if len([]rune(content)) <= limit {
		return []string{content}
	}

	var chunks []string
	var sb strings.Builder
	size := 0
	for _, line := range strings.Split(content, "\n") {
		line = Truncate(line, limit)
		n := len([]rune(line)) + 1
		if size+n > limit && sb.Len() > 0 {
			chunks = append(chunks, strings.TrimSuffix(sb.String(), "\n"))
			sb.Reset()
			size = 0
		}
		sb.WriteString(line)
		sb.WriteString("\n")
		size += n
	}
	if sb.Len() > 0 {
		chunks = append(chunks, strings.TrimSuffix(sb.String(), "\n"))
	}
	return chunks
}
