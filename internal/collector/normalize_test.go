package collector

import (
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

// fakeResolver serves canned lookups for normalization tests.
type fakeResolver struct {
	channels map[string]*discordgo.Channel
	guilds   map[string]*discordgo.Guild
	refs     map[string]*discordgo.Message
}

func (f *fakeResolver) Channel(id string) (*discordgo.Channel, error) {
	if ch, ok := f.channels[id]; ok {
		return ch, nil
	}
	return nil, discordgo.ErrStateNotFound
}

func (f *fakeResolver) Guild(id string) (*discordgo.Guild, error) {
	if g, ok := f.guilds[id]; ok {
		return g, nil
	}
	return nil, discordgo.ErrStateNotFound
}

func (f *fakeResolver) ReferencedMessage(ref *discordgo.MessageReference) (*discordgo.Message, error) {
	if m, ok := f.refs[ref.MessageID]; ok {
		return m, nil
	}
	return nil, discordgo.ErrStateNotFound
}

func testResolver() *fakeResolver {
	return &fakeResolver{
		channels: map[string]*discordgo.Channel{
			"chan":  {ID: "chan", Name: "general", ParentID: "cat"},
			"cat":   {ID: "cat", Name: "INFO", Type: discordgo.ChannelTypeGuildCategory},
			"naked": {ID: "naked", Name: "lobby"},
		},
		guilds: map[string]*discordgo.Guild{
			"srv": {ID: "srv", Name: "S1", Roles: []*discordgo.Role{
				{ID: "r1", Name: "Mods"},
			}},
		},
		refs: map[string]*discordgo.Message{},
	}
}

func baseMsg() *discordgo.Message {
	return &discordgo.Message{
		ID:        "10",
		GuildID:   "srv",
		ChannelID: "chan",
		Content:   "hi",
		Author:    &discordgo.User{ID: "42", Username: "alice#0"},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name   string
		author *discordgo.User
		member *discordgo.Member
		want   string
	}{
		{"global name wins", &discordgo.User{GlobalName: "Alice", Username: "alice"}, &discordgo.Member{Nick: "Al"}, "Alice"},
		{"nick second", &discordgo.User{Username: "alice"}, &discordgo.Member{Nick: "Al"}, "Al"},
		{"username fallback", &discordgo.User{Username: "alice"}, nil, "alice"},
		{"discriminator stripped", &discordgo.User{Username: "alice#0"}, nil, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := displayName(tt.author, tt.member); got != tt.want {
				t.Errorf("displayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeGuildMessage(t *testing.T) {
	r := testResolver()
	m := baseMsg()
	m.MentionRoles = []string{"r1", "unknown"}

	out := normalizeGuildMessage(r, m)
	if out.ChannelName != "general" || out.CategoryName != "INFO" || out.ServerName != "S1" {
		t.Errorf("names = %q/%q/%q", out.ChannelName, out.CategoryName, out.ServerName)
	}
	if out.AuthorName != "alice" {
		t.Errorf("AuthorName = %q", out.AuthorName)
	}
	if out.Timestamp != "2026-01-02T03:04:05Z" {
		t.Errorf("Timestamp = %q", out.Timestamp)
	}
	if len(out.MentionedRoles) != 1 || out.MentionedRoles["r1"] != "Mods" {
		t.Errorf("MentionedRoles = %v", out.MentionedRoles)
	}
}

func TestNormalizeUncategorized(t *testing.T) {
	r := testResolver()
	m := baseMsg()
	m.ChannelID = "naked"

	out := normalizeGuildMessage(r, m)
	if out.CategoryName != "uncategorized" {
		t.Errorf("CategoryName = %q", out.CategoryName)
	}
}

func TestNormalizeReply(t *testing.T) {
	r := testResolver()
	long := strings.Repeat("y", 300)
	r.refs["9"] = &discordgo.Message{
		ID:      "9",
		Content: long,
		Author:  &discordgo.User{ID: "7", Username: "bob"},
	}
	m := baseMsg()
	m.Content = "ack"
	m.MessageReference = &discordgo.MessageReference{MessageID: "9", ChannelID: "chan", GuildID: "srv"}

	out := normalizeGuildMessage(r, m)
	if out.ReplyTo != "bob" {
		t.Errorf("ReplyTo = %q", out.ReplyTo)
	}
	if len([]rune(out.ReplyText)) != replyExcerptLen {
		t.Errorf("ReplyText length = %d, want %d", len([]rune(out.ReplyText)), replyExcerptLen)
	}
	if out.IsForwarded {
		t.Error("reply misdetected as forwarded")
	}
}

func TestNormalizeForwarded(t *testing.T) {
	t.Run("cross guild reference", func(t *testing.T) {
		r := testResolver()
		r.refs["9"] = &discordgo.Message{
			ID:          "9",
			Content:     "original",
			Author:      &discordgo.User{ID: "7", GlobalName: "Bob"},
			Attachments: []*discordgo.MessageAttachment{{URL: "https://x/f.png"}},
		}
		m := baseMsg()
		m.MessageReference = &discordgo.MessageReference{MessageID: "9", ChannelID: "other", GuildID: "other-guild"}

		out := normalizeGuildMessage(r, m)
		if !out.IsForwarded || out.ForwardedFrom != "Bob" {
			t.Errorf("forwarded = %v %q", out.IsForwarded, out.ForwardedFrom)
		}
		if len(out.ForwardedAttachments) != 1 {
			t.Errorf("ForwardedAttachments = %v", out.ForwardedAttachments)
		}
		if out.ReplyTo != "" {
			t.Error("forwarded message kept reply fields")
		}
	})

	t.Run("empty shell with substantive reference", func(t *testing.T) {
		r := testResolver()
		r.refs["9"] = &discordgo.Message{
			ID:      "9",
			Author:  &discordgo.User{GlobalName: "Bob"},
			Embeds:  []*discordgo.MessageEmbed{{Title: "drop"}, {Title: "second"}},
			Content: "",
		}
		m := baseMsg()
		m.Content = ""
		m.MessageReference = &discordgo.MessageReference{MessageID: "9", ChannelID: "chan", GuildID: "srv"}

		out := normalizeGuildMessage(r, m)
		if !out.IsForwarded || out.ForwardedFrom != "Bob" {
			t.Errorf("forwarded = %v %q", out.IsForwarded, out.ForwardedFrom)
		}
		if len(out.Embeds) != 2 {
			t.Errorf("embeds not carried over: %d", len(out.Embeds))
		}
	})

	t.Run("textual marker", func(t *testing.T) {
		r := testResolver()
		m := baseMsg()
		m.Content = "Forwarded from: Release Bot\nthe payload"

		out := normalizeGuildMessage(r, m)
		if !out.IsForwarded || out.ForwardedFrom != "Release Bot" {
			t.Errorf("forwarded = %v %q", out.IsForwarded, out.ForwardedFrom)
		}
	})

	t.Run("plain reply is not forwarded", func(t *testing.T) {
		r := testResolver()
		r.refs["9"] = &discordgo.Message{ID: "9", Content: "x", Author: &discordgo.User{Username: "bob"}}
		m := baseMsg()
		m.MessageReference = &discordgo.MessageReference{MessageID: "9", ChannelID: "chan", GuildID: "srv"}

		if out := normalizeGuildMessage(r, m); out.IsForwarded {
			t.Error("same-guild reply flagged as forwarded")
		}
	})
}

func TestCopyEmbeds(t *testing.T) {
	in := []*discordgo.MessageEmbed{
		{
			Title:       "T",
			Description: "D",
			URL:         "https://x",
			Color:       0xFF0000,
			Fields:      []*discordgo.MessageEmbedField{{Name: "n", Value: "v"}},
			Image:       &discordgo.MessageEmbedImage{URL: "https://img"},
			Thumbnail:   &discordgo.MessageEmbedThumbnail{URL: "https://th"},
			Footer:      &discordgo.MessageEmbedFooter{Text: "ft"},
			Author:      &discordgo.MessageEmbedAuthor{Name: "au"},
		},
		{},
		nil,
	}
	out := copyEmbeds(in)
	if len(out) != 1 {
		t.Fatalf("copyEmbeds kept %d embeds, want 1", len(out))
	}
	e := out[0]
	if e.Title != "T" || e.Image != "https://img" || e.Footer != "ft" || e.Author != "au" {
		t.Errorf("embed mismatch: %+v", e)
	}
	if len(e.Fields) != 1 || e.Fields[0].Value != "v" {
		t.Errorf("fields mismatch: %+v", e.Fields)
	}
}

func TestNormalizeDMSynthesizedEmbed(t *testing.T) {
	m := &discordgo.Message{
		ID:          "30",
		ChannelID:   "dmchan",
		Author:      &discordgo.User{ID: "peer", Username: "peer"},
		Attachments: []*discordgo.MessageAttachment{{URL: "https://x/pic.png"}},
		Timestamp:   time.Now(),
	}
	out := normalizeDM(m, "self", "me", "tok", wireDMTarget{DestinationServerID: "dest"})
	if !out.IsDM() {
		t.Fatal("message not marked dm")
	}
	if len(out.Embeds) != 1 || out.Embeds[0].Image != "https://x/pic.png" {
		t.Errorf("synthesized embed = %+v", out.Embeds)
	}
	if out.DestinationServerID != "dest" || out.ReceivingToken != "tok" {
		t.Errorf("routing fields = %q %q", out.DestinationServerID, out.ReceivingToken)
	}
}

func TestIsEphemeralName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"04-17│nike-drop", true},
		{"4/20-restock", true},
		{"11am-restock", true},
		{"7PM-drop", true},
		{"general", false},
		{"release-notes", false},
	}
	for _, tt := range tests {
		if got := IsEphemeralName(tt.name); got != tt.want {
			t.Errorf("IsEphemeralName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMentionedChannels(t *testing.T) {
	r := &fakeResolver{channels: map[string]*discordgo.Channel{
		"555": {ID: "555", Name: "restocks"},
	}}
	got := mentionedChannels(r, "check <#555> and <#777>, then <#555> again")
	if len(got) != 1 || got["555"] != "restocks" {
		t.Errorf("mentionedChannels = %v, want map[555:restocks]", got)
	}
	if got := mentionedChannels(r, "no mentions here"); got != nil {
		t.Errorf("mention-free content resolved to %v", got)
	}
	if got := mentionedChannels(r, "<#777> only"); got != nil {
		t.Errorf("unresolvable mention produced %v", got)
	}
}
