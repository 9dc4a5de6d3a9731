package guardian

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	retentionInterval = 30 * time.Minute
	dailyMaxAge       = 24 * time.Hour
	releaseMaxAge     = 7 * 24 * time.Hour
)

// RunRetention expires stale channels in the moveable categories every 30
// minutes until cancelled.
func (g *Guardian) RunRetention(ctx context.Context) error {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.retainOnce(ctx)
		}
	}
}

func (g *Guardian) retainOnce(ctx context.Context) {
	channels, err := g.dg.GuildChannels(g.cfg.Destination())
	if err != nil {
		g.log.Warn("retention listing failed", "error", err)
		return
	}
	release := findCategory(channels, CategoryReleaseGuides)
	daily := findCategory(channels, CategoryDailySchedule)

	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText || ch.ParentID == "" {
			continue
		}
		var expired bool
		var why string
		switch {
		case daily != nil && ch.ParentID == daily.ID:
			expired, why = g.dailyExpired(ch)
		case release != nil && ch.ParentID == release.ID:
			expired, why = g.releaseExpired(ch)
		default:
			continue
		}
		if !expired {
			continue
		}
		if g.cfg.IsProtected(ch.ID) {
			g.log.Debug("expired channel protected", "channel", ch.Name)
			continue
		}
		g.expire(ctx, ch, why)
	}
}

// dailyExpired applies the Daily Schedule rule: gone after 24 hours.
func (g *Guardian) dailyExpired(ch *discordgo.Channel) (bool, string) {
	created, err := discordgo.SnowflakeTimestamp(ch.ID)
	if err != nil {
		return false, ""
	}
	if g.now().Sub(created) >= dailyMaxAge {
		return true, "older than 24h"
	}
	return false, ""
}

// releaseExpired applies the Release Guides rules: a dated name in the past
// expires immediately, anything else after seven days.
func (g *Guardian) releaseExpired(ch *discordgo.Channel) (bool, string) {
	now := g.now()
	if date, ok := ParseMonthDay(ch.Name, now.Year()); ok {
		if date.Before(now.Truncate(24 * time.Hour)) {
			return true, "dated in the past"
		}
		return false, ""
	}
	created, err := discordgo.SnowflakeTimestamp(ch.ID)
	if err != nil {
		return false, ""
	}
	if now.Sub(created) >= releaseMaxAge {
		return true, "older than 7d"
	}
	return false, ""
}

func (g *Guardian) expire(ctx context.Context, ch *discordgo.Channel, why string) {
	if _, err := g.dg.ChannelDelete(ch.ID); err != nil {
		g.log.Error("expire channel", "channel", ch.Name, "error", err)
		return
	}
	if err := g.store.ClearChannelCreated(ctx, ch.ID); err != nil {
		g.log.Warn("clear channel age record", "channel", ch.ID, "error", err)
	}
	g.log.Info("channel expired", "channel", ch.Name, "reason", why)
}
