package guardian

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/bwmarrin/discordgo"
)

// LayoutChannel is one channel in a layout snapshot.
type LayoutChannel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// LayoutCategory is one category with its member channels.
type LayoutCategory struct {
	Name     string          `json:"name"`
	Position int             `json:"position"`
	Channels []LayoutChannel `json:"channels"`
}

// Layout is a point-in-time capture of the destination guild's structure.
// Operators diff captures to verify protected categories stay untouched;
// nothing enforces it automatically.
type Layout struct {
	ServerID      string                    `json:"server_id"`
	Categories    map[string]LayoutCategory `json:"categories"`
	Uncategorized []LayoutChannel           `json:"uncategorized_channels"`
}

// CaptureLayout snapshots the destination guild to layout_<server>.json and
// returns the snapshot.
func (g *Guardian) CaptureLayout() (*Layout, error) {
	guildID := g.cfg.Destination()
	channels, err := g.dg.GuildChannels(guildID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	layout := &Layout{
		ServerID:   guildID,
		Categories: make(map[string]LayoutCategory),
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory {
			layout.Categories[ch.ID] = LayoutCategory{Name: ch.Name, Position: ch.Position}
		}
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory {
			continue
		}
		lc := LayoutChannel{ID: ch.ID, Name: ch.Name, Position: ch.Position}
		if cat, ok := layout.Categories[ch.ParentID]; ok {
			cat.Channels = append(cat.Channels, lc)
			layout.Categories[ch.ParentID] = cat
		} else {
			layout.Uncategorized = append(layout.Uncategorized, lc)
		}
	}
	for id, cat := range layout.Categories {
		sort.Slice(cat.Channels, func(i, j int) bool { return cat.Channels[i].Position < cat.Channels[j].Position })
		layout.Categories[id] = cat
	}

	data, err := json.MarshalIndent(layout, "", "  ")
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("layout_%s.json", guildID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("write layout snapshot: %w", err)
	}
	g.log.Info("layout captured", "path", path, "categories", len(layout.Categories))
	return layout, nil
}
