package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

// TestStripMention verifies that both mention tag forms are removed and
// surrounding whitespace is trimmed.
func TestStripMention(t *testing.T) {
	tests := []struct {
		name    string
		content string
		botID   string
		want    string
	}{
		{"plain mention", "<@123> summarize this", "123", "summarize this"},
		{"nickname mention", "<@!123> summarize this", "123", "summarize this"},
		{"mention mid-sentence", "hey <@123> please", "123", "hey  please"},
		{"no mention", "just text", "123", "just text"},
		{"empty bot id", "  padded  ", "", "padded"},
		{"other user mention kept", "<@999> hello", "123", "<@999> hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMention(tt.content, tt.botID); got != tt.want {
				t.Errorf("stripMention(%q, %q) = %q, want %q", tt.content, tt.botID, got, tt.want)
			}
		})
	}
}

// TestResolveDisplayName verifies the nickname > global name > username
// priority order.
func TestResolveDisplayName(t *testing.T) {
	tests := []struct {
		name string
		m    *discordgo.MessageCreate
		want string
	}{
		{
			"server nickname wins",
			&discordgo.MessageCreate{Message: &discordgo.Message{
				Member: &discordgo.Member{Nick: "nick"},
				Author: &discordgo.User{Username: "user", GlobalName: "global"},
			}},
			"nick",
		},
		{
			"global name next",
			&discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{Username: "user", GlobalName: "global"},
			}},
			"global",
		},
		{
			"username fallback",
			&discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{Username: "user"},
			}},
			"user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDisplayName(tt.m); got != tt.want {
				t.Errorf("resolveDisplayName(%s) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}
