package republisher

import (
	"regexp"
	"strings"

	"github.com/onetaplabs/mirror/internal/wire"
)

const (
	hardLimit = 2000
	softLimit = 1900
)

var (
	chanMentionRe = regexp.MustCompile(`<#(\d+)>`)
	roleMentionRe = regexp.MustCompile(`<@&(\d+)>`)
)

// RenderDeps supplies the destination-side lookups rendering needs.
type RenderDeps interface {
	// DestChannelFor maps a source channel id to its mirrored destination
	// channel id.
	DestChannelFor(sourceChannelID string) (string, bool)
	// RoleByName finds an existing destination role id by case-insensitive
	// name. Rendering never creates roles.
	RoleByName(name string) (string, bool)
}

// RenderContent assembles the final webhook content: forwarded or reply
// header first, then the body with mentions rewritten.
func RenderContent(m *wire.Message, deps RenderDeps) string {
	var b strings.Builder
	if m.IsForwarded && m.ForwardedFrom != "" {
		b.WriteString("📤 **Forwarded from:** " + m.ForwardedFrom + "\n")
	} else if m.ReplyTo != "" {
		b.WriteString(replyHeader(m.ReplyTo, m.ReplyText))
	}
	b.WriteString(rewriteMentions(m.Content, m, deps))
	return b.String()
}

// replyHeader quotes the original author and excerpt line by line.
func replyHeader(replyTo, replyText string) string {
	var b strings.Builder
	b.WriteString("> **" + replyTo + "**\n")
	if replyText != "" {
		for _, line := range strings.Split(replyText, "\n") {
			b.WriteString("> " + line + "\n")
		}
	}
	return b.String()
}

// rewriteMentions resolves channel and role mentions for the destination
// guild. User mentions pass through untouched.
func rewriteMentions(content string, m *wire.Message, deps RenderDeps) string {
	out := chanMentionRe.ReplaceAllStringFunc(content, func(match string) string {
		id := chanMentionRe.FindStringSubmatch(match)[1]
		if destID, ok := deps.DestChannelFor(id); ok {
			return "<#" + destID + ">"
		}
		name := id
		if n, ok := m.MentionedChannels[id]; ok {
			name = n
		}
		return "`" + m.ServerName + " > #" + name + "`"
	})
	// Plain-text bold keeps us clear of the destination role ceiling.
	out = roleMentionRe.ReplaceAllStringFunc(out, func(match string) string {
		id := roleMentionRe.FindStringSubmatch(match)[1]
		if name, ok := m.MentionedRoles[id]; ok {
			return "**@" + name + "**"
		}
		return "**@role**"
	})
	return out
}

// RenderEmbeds rewrites role mentions inside embed descriptions. Unlike the
// content path, an existing destination role may be reused by name.
func RenderEmbeds(m *wire.Message, deps RenderDeps) []wire.Embed {
	if len(m.Embeds) == 0 {
		return nil
	}
	out := make([]wire.Embed, len(m.Embeds))
	copy(out, m.Embeds)
	for i := range out {
		out[i].Description = rewriteEmbedRoles(out[i].Description, m, deps)
	}
	return out
}

func rewriteEmbedRoles(desc string, m *wire.Message, deps RenderDeps) string {
	return roleMentionRe.ReplaceAllStringFunc(desc, func(match string) string {
		id := roleMentionRe.FindStringSubmatch(match)[1]
		name, ok := m.MentionedRoles[id]
		if !ok {
			return match
		}
		if destID, ok := deps.RoleByName(name); ok {
			return "<@&" + destID + ">"
		}
		return "@" + name
	})
}

// SplitContent breaks content into webhook-sized parts. Whole content up to
// 2000 characters ships as one part; beyond that, parts are packed at line
// boundaries up to 1900 characters, overlong lines split at word
// boundaries, and unbreakable runs hard-split at 2000.
func SplitContent(s string) []string {
	if len([]rune(s)) <= hardLimit {
		return []string{s}
	}

	var parts []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, string(cur))
			cur = nil
		}
	}

	for _, line := range strings.Split(s, "\n") {
		for _, piece := range splitLine(line) {
			pr := []rune(piece)
			switch {
			case len(cur) == 0:
				cur = pr
			case len(cur)+1+len(pr) <= softLimit:
				cur = append(cur, '\n')
				cur = append(cur, pr...)
			default:
				flush()
				cur = pr
			}
		}
	}
	flush()
	return parts
}

// splitLine breaks one line at word boundaries into pieces of at most 1900
// characters; a single word longer than that is chunked at 2000.
func splitLine(line string) []string {
	if len([]rune(line)) <= softLimit {
		return []string{line}
	}
	var pieces []string
	var cur []rune
	for _, word := range strings.Split(line, " ") {
		wr := []rune(word)
		if len(wr) > softLimit {
			if len(cur) > 0 {
				pieces = append(pieces, string(cur))
				cur = nil
			}
			for len(wr) > hardLimit {
				pieces = append(pieces, string(wr[:hardLimit]))
				wr = wr[hardLimit:]
			}
			cur = wr
			continue
		}
		switch {
		case len(cur) == 0:
			cur = wr
		case len(cur)+1+len(wr) <= softLimit:
			cur = append(cur, ' ')
			cur = append(cur, wr...)
		default:
			pieces = append(pieces, string(cur))
			cur = wr
		}
	}
	if len(cur) > 0 {
		pieces = append(pieces, string(cur))
	}
	return pieces
}

// archiveAuthor is the helper bot whose archive notices trigger destination
// channel teardown.
const archiveAuthor = "Polar Helper"

// IsArchiveTrigger reports whether the message is an archive notice rather
// than content to mirror.
func IsArchiveTrigger(m *wire.Message) bool {
	content := strings.ToLower(strings.TrimSpace(m.Content))
	if content == "!archive" || content == "channel archive" {
		return true
	}
	if strings.Contains(content, "archived to forum thread") {
		return true
	}
	if !strings.HasPrefix(m.AuthorName, archiveAuthor) {
		return false
	}
	if strings.Contains(content, "channel archive") {
		return true
	}
	for _, e := range m.Embeds {
		if strings.Contains(strings.ToLower(e.Title), "channel archive") ||
			strings.Contains(strings.ToLower(e.Description), "channel archive") {
			return true
		}
	}
	return false
}
