package guardian

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onetaplabs/mirror/internal/config"
)

const organizeInterval = 30 * time.Second

// Guardian runs the organizer and retention loops over the destination
// guild.
type Guardian struct {
	dg    *discordgo.Session
	cfg   *config.Config
	store ageStore
	log   *slog.Logger
	now   func() time.Time
}

// ageStore is the slice of the routing store retention needs.
type ageStore interface {
	ClearChannelCreated(ctx context.Context, channelID string) error
}

// New builds the guardian.
func New(dg *discordgo.Session, cfg *config.Config, st ageStore, log *slog.Logger) *Guardian {
	return &Guardian{dg: dg, cfg: cfg, store: st, log: log, now: time.Now}
}

// RunOrganizer sorts the moveable categories every 30 seconds until
// cancelled.
func (g *Guardian) RunOrganizer(ctx context.Context) error {
	ticker := time.NewTicker(organizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.OrganizeOnce(ctx)
		}
	}
}

// OrganizeOnce applies one organizer pass; also invoked directly by the
// organize_channels command.
func (g *Guardian) OrganizeOnce(_ context.Context) {
	channels, err := g.dg.GuildChannels(g.cfg.Destination())
	if err != nil {
		g.log.Warn("organizer listing failed", "error", err)
		return
	}

	release := findCategory(channels, CategoryReleaseGuides)
	daily := findCategory(channels, CategoryDailySchedule)

	if release != nil {
		g.adoptStrays(channels, release.ID)
		g.sortCategory(channels, release.ID, func(entries []entry) []entry {
			return sortByMonthDay(entries, g.now().Year())
		})
	}
	if daily != nil {
		g.sortCategory(channels, daily.ID, sortByClock)
	}
}

// adoptStrays moves uncategorized text channels whose names carry no
// date/time pattern into Release Guides. Channels parented elsewhere are
// left alone.
func (g *Guardian) adoptStrays(channels []*discordgo.Channel, releaseID string) {
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText || ch.ParentID != "" {
			continue
		}
		if _, hasDate := ParseMonthDay(ch.Name, g.now().Year()); hasDate {
			continue
		}
		if _, hasClock := ParseClock(ch.Name); hasClock {
			continue
		}
		if _, err := g.dg.ChannelEdit(ch.ID, &discordgo.ChannelEdit{ParentID: releaseID}); err != nil {
			g.log.Warn("adopt stray channel", "channel", ch.Name, "error", err)
			continue
		}
		g.log.Info("stray channel adopted", "channel", ch.Name)
	}
}

// sortCategory applies the given ordering to a category's text channels,
// editing positions only when the order actually changed.
func (g *Guardian) sortCategory(channels []*discordgo.Channel, categoryID string, order func([]entry) []entry) {
	var members []*discordgo.Channel
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText && ch.ParentID == categoryID {
			members = append(members, ch)
		}
	}
	if len(members) < 2 {
		return
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].Position < members[j].Position })

	current := make([]entry, len(members))
	base := members[0].Position
	for i, ch := range members {
		current[i] = entry{ID: ch.ID, Name: ch.Name}
	}
	want := order(current)
	if sameOrder(current, want) {
		return
	}

	for i := range want {
		pos := base + i
		if _, err := g.dg.ChannelEdit(want[i].ID, &discordgo.ChannelEdit{Position: &pos}); err != nil {
			g.log.Warn("reposition channel", "channel", want[i].Name, "error", err)
		}
	}
	g.log.Info("category reordered", "category", categoryID, "channels", len(want))
}

func findCategory(channels []*discordgo.Channel, name string) *discordgo.Channel {
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory && strings.EqualFold(ch.Name, name) {
			return ch
		}
	}
	return nil
}
