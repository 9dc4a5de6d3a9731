package collector

import (
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onetaplabs/mirror/internal/wire"
)

const replyExcerptLen = 180

var (
	forwardedSubjectRe = regexp.MustCompile(`(?i)(?:forwarded from|originally from)[:\s]+([^\n]+)`)
	channelMentionRe   = regexp.MustCompile(`<#(\d+)>`)
)

// resolver abstracts the session lookups normalization needs, so the pure
// shaping logic is testable without a gateway connection.
type resolver interface {
	Channel(id string) (*discordgo.Channel, error)
	Guild(id string) (*discordgo.Guild, error)
	ReferencedMessage(ref *discordgo.MessageReference) (*discordgo.Message, error)
}

// displayName picks the first non-empty of global name, guild nick, and
// username, dropping the legacy "#0" discriminator suffix.
func displayName(author *discordgo.User, member *discordgo.Member) string {
	if author == nil {
		return ""
	}
	if author.GlobalName != "" {
		return author.GlobalName
	}
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	return strings.TrimSuffix(author.Username, "#0")
}

// normalizeGuildMessage shapes a gateway MESSAGE_CREATE into the queue form.
func normalizeGuildMessage(r resolver, m *discordgo.Message) *wire.Message {
	channelName := m.ChannelID
	categoryName := "uncategorized"
	if ch, err := r.Channel(m.ChannelID); err == nil && ch != nil {
		channelName = ch.Name
		if ch.ParentID != "" {
			if parent, err := r.Channel(ch.ParentID); err == nil && parent != nil {
				categoryName = parent.Name
			}
		}
	}
	serverName := m.GuildID
	var roleNames map[string]string
	if g, err := r.Guild(m.GuildID); err == nil && g != nil {
		serverName = g.Name
		roleNames = mentionedRoles(m.MentionRoles, g.Roles)
	}

	out := &wire.Message{
		MessageType:       wire.TypeRegular,
		MessageID:         m.ID,
		ChannelID:         m.ChannelID,
		ChannelName:       channelName,
		CategoryName:      categoryName,
		ServerID:          m.GuildID,
		ServerName:        serverName,
		Content:           m.Content,
		AuthorID:          m.Author.ID,
		AuthorName:        displayName(m.Author, m.Member),
		AuthorAvatar:      m.Author.AvatarURL(""),
		Timestamp:         m.Timestamp.UTC().Format(time.RFC3339),
		Attachments:       attachmentURLs(m.Attachments),
		Embeds:            copyEmbeds(m.Embeds),
		MentionedRoles:    roleNames,
		MentionedChannels: mentionedChannels(r, m.Content),
		ChannelRealName:   channelName,
		ServerRealName:    serverName,
	}

	ref := resolveReference(r, m)
	applyReply(out, m, ref)
	applyForwarded(out, m, ref)
	return out
}

// normalizeDM shapes a direct message, carrying the routing fields the relay
// needs and synthesizing a minimal embed when the DM is attachment-only.
func normalizeDM(m *discordgo.Message, selfID, selfName, token string, dm wireDMTarget) *wire.Message {
	out := &wire.Message{
		MessageType:         wire.TypeDM,
		MessageID:           m.ID,
		ChannelID:           m.ChannelID,
		ChannelName:         "dm",
		CategoryName:        "uncategorized",
		Content:             m.Content,
		AuthorID:            m.Author.ID,
		AuthorName:          displayName(m.Author, nil),
		AuthorAvatar:        m.Author.AvatarURL(""),
		Timestamp:           m.Timestamp.UTC().Format(time.RFC3339),
		Attachments:         attachmentURLs(m.Attachments),
		Embeds:              copyEmbeds(m.Embeds),
		DestinationServerID: dm.DestinationServerID,
		DMUserID:            m.Author.ID,
		DMUsername:          displayName(m.Author, nil),
		SelfUserID:          selfID,
		SelfUsername:        selfName,
		ReceivingToken:      token,
		SenderUserID:        m.Author.ID,
		IsBot:               m.Author.Bot,
	}
	if m.Author.Bot {
		out.BotName = m.Author.Username
	}
	if out.Content == "" && len(out.Embeds) == 0 && len(out.Attachments) > 0 {
		out.Embeds = []wire.Embed{{Image: out.Attachments[0]}}
	}
	return out
}

// wireDMTarget is the slice of token config the DM path needs.
type wireDMTarget struct {
	DestinationServerID string
}

func attachmentURLs(atts []*discordgo.MessageAttachment) []string {
	urls := make([]string, 0, len(atts))
	for _, a := range atts {
		if a != nil && a.URL != "" {
			urls = append(urls, a.URL)
		}
	}
	return urls
}

func mentionedRoles(ids []string, roles []*discordgo.Role) map[string]string {
	if len(ids) == 0 {
		return nil
	}
	byID := make(map[string]string, len(roles))
	for _, r := range roles {
		byID[r.ID] = r.Name
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if name, ok := byID[id]; ok {
			out[id] = name
		}
	}
	return out
}

// mentionedChannels resolves <#id> mentions in the content to their source
// channel names, so the republisher can render a readable fallback for
// channels with no mirrored counterpart.
func mentionedChannels(r resolver, content string) map[string]string {
	matches := channelMentionRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, match := range matches {
		id := match[1]
		if _, done := out[id]; done {
			continue
		}
		if ch, err := r.Channel(id); err == nil && ch != nil {
			out[id] = ch.Name
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// copyEmbeds keeps the portable subset of each embed, skipping empty ones.
func copyEmbeds(embeds []*discordgo.MessageEmbed) []wire.Embed {
	out := make([]wire.Embed, 0, len(embeds))
	for _, e := range embeds {
		if e == nil {
			continue
		}
		we := wire.Embed{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
			Color:       e.Color,
		}
		for _, f := range e.Fields {
			if f != nil {
				we.Fields = append(we.Fields, wire.EmbedField{Name: f.Name, Value: f.Value})
			}
		}
		if e.Image != nil {
			we.Image = e.Image.URL
		}
		if e.Thumbnail != nil {
			we.Thumbnail = e.Thumbnail.URL
		}
		if e.Footer != nil {
			we.Footer = e.Footer.Text
		}
		if e.Author != nil {
			we.Author = e.Author.Name
		}
		if !we.IsZero() {
			out = append(out, we)
		}
	}
	return out
}

// resolveReference returns the referenced message, using the inline copy
// when the gateway supplied it and falling back to a fetch.
func resolveReference(r resolver, m *discordgo.Message) *discordgo.Message {
	if m.MessageReference == nil {
		return nil
	}
	if m.ReferencedMessage != nil {
		return m.ReferencedMessage
	}
	ref, err := r.ReferencedMessage(m.MessageReference)
	if err != nil {
		return nil
	}
	return ref
}

func applyReply(out *wire.Message, m *discordgo.Message, ref *discordgo.Message) {
	if ref == nil || ref.Author == nil {
		return
	}
	out.ReplyTo = displayName(ref.Author, ref.Member)
	out.ReplyText = excerpt(strings.TrimSpace(ref.Content), replyExcerptLen)
}

// applyForwarded runs the ordered forwarded checks, stopping at the first
// match. Cross-posts and application messages do not count.
func applyForwarded(out *wire.Message, m *discordgo.Message, ref *discordgo.Message) {
	// Native cross-guild reference.
	if ref != nil && m.MessageReference != nil &&
		m.MessageReference.GuildID != "" && m.MessageReference.GuildID != m.GuildID {
		markForwarded(out, displayName(ref.Author, ref.Member), ref)
		return
	}
	// Empty shell pointing at a message with substantive payload.
	if ref != nil && m.Content == "" && len(m.Embeds) == 0 && len(m.Attachments) == 0 &&
		(ref.Content != "" || len(ref.Embeds) > 0 || len(ref.Attachments) > 0) {
		markForwarded(out, displayName(ref.Author, ref.Member), ref)
		return
	}
	// Textual marker.
	if match := forwardedSubjectRe.FindStringSubmatch(m.Content); match != nil {
		out.IsForwarded = true
		out.ForwardedFrom = strings.TrimSpace(match[1])
	}
}

func markForwarded(out *wire.Message, subject string, ref *discordgo.Message) {
	out.IsForwarded = true
	out.ForwardedFrom = subject
	out.ForwardedAttachments = attachmentURLs(ref.Attachments)
	if len(out.Embeds) == 0 {
		out.Embeds = copyEmbeds(ref.Embeds)
	}
	// Reply fields describe quoting, not forwarding.
	out.ReplyTo = ""
	out.ReplyText = ""
}

func excerpt(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
