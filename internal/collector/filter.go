package collector

import (
	"strings"
	"unicode"

	"github.com/bwmarrin/discordgo"

	"github.com/onetaplabs/mirror/internal/config"
)

// Phrases that mark a DM as mass-sent spam or a cold friend request.
// Two or more matches from a stranger tips the filter.
var spamKeywords = []string{
	"free nitro",
	"nitro for free",
	"steam gift",
	"gift card",
	"airdrop",
	"crypto",
	"investment",
	"double your",
	"onlyfans",
	"18+",
	"click here",
	"limited offer",
	"promo code",
	"giveaway winner",
	"claim your",
}

// dropReason explains why a message was filtered; used only in debug logs.
type dropReason string

const (
	dropNone             dropReason = ""
	dropUnmonitored      dropReason = "server not monitored"
	dropExcludedCategory dropReason = "category excluded"
	dropExcludedChannel  dropReason = "channel excluded"
	dropAutomatedRepost  dropReason = "automated repost"
	dropSelf             dropReason = "own message"
	dropDMDisabled       dropReason = "dm mirroring disabled"
	dropDMSpam           dropReason = "dm spam filter"
	dropDMBot            dropReason = "bot not allow-listed"
)

// checkGuildMessage applies the ordered eligibility filter for guild
// messages. categoryID is the channel's parent category, "" when
// uncategorized.
func checkGuildMessage(m *discordgo.Message, categoryID, selfID string, servers map[string]config.ServerConfig) dropReason {
	sc, ok := servers[m.GuildID]
	if !ok {
		return dropUnmonitored
	}
	if categoryID != "" && containsID(sc.ExcludedCategories, categoryID) {
		return dropExcludedCategory
	}
	if containsID(sc.ExcludedChannels, m.ChannelID) {
		return dropExcludedChannel
	}
	if len(sc.MonitoredCategories) > 0 && !containsID(sc.MonitoredCategories, categoryID) {
		return dropExcludedCategory
	}
	if m.Author != nil && m.Author.Bot &&
		strings.Contains(strings.ToLower(m.Content), "posted by") &&
		len(m.Attachments) > 0 {
		return dropAutomatedRepost
	}
	if m.Author != nil && m.Author.ID == selfID {
		return dropSelf
	}
	return dropNone
}

// checkDM applies the DM gate: mirroring must be enabled, the sender must
// not be self, bots must be on the allow-list, and a human stranger must
// pass the spam filter. mutualMonitored is how many monitored guilds the
// peer shares with this session; mutualTotal is the overall shared-guild
// count.
func checkDM(m *discordgo.Message, selfID string, dm config.DMMirroring, mutualMonitored, mutualTotal int) dropReason {
	if !dm.Enabled {
		return dropDMDisabled
	}
	if m.Author == nil || m.Author.ID == selfID {
		return dropSelf
	}
	if m.Author.Bot {
		if allowedBot(dm.AllowedBots, m.Author) {
			return dropNone
		}
		return dropDMBot
	}
	if isSpamDM(m.Content, mutualMonitored, mutualTotal) {
		return dropDMSpam
	}
	return dropNone
}

// isSpamDM implements the stranger heuristics. Peers sharing a monitored
// guild are trusted; everyone else must not look like a blast.
func isSpamDM(content string, mutualMonitored, mutualTotal int) bool {
	if mutualMonitored == 0 {
		lower := strings.ToLower(content)
		keywordHits := 0
		for _, kw := range spamKeywords {
			if strings.Contains(lower, kw) {
				keywordHits++
			}
		}
		if keywordHits >= 2 {
			return true
		}
		if countURLs(content) > 1 {
			return true
		}
		if countEmoji(content) > 10 {
			return true
		}
		if len(content) > 500 {
			return true
		}
		if mutualTotal < 2 {
			return true
		}
	}
	return false
}

func countURLs(s string) int {
	return strings.Count(s, "http://") + strings.Count(s, "https://")
}

func countEmoji(s string) int {
	n := 0
	for _, r := range s {
		if unicode.In(r, unicode.So, unicode.Sk) || (r >= 0x1F000 && r <= 0x1FAFF) {
			n++
		}
	}
	return n
}

// allowedBot matches a bot sender against the allow-list by id or
// case-insensitive username.
func allowedBot(allowed []string, author *discordgo.User) bool {
	for _, v := range allowed {
		if v == author.ID || strings.EqualFold(v, author.Username) {
			return true
		}
	}
	return false
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
