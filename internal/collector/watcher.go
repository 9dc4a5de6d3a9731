package collector

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onetaplabs/mirror/internal/wire"
)

// Ephemeral source channels carry a date or a clock time in their name.
var (
	datePat = regexp.MustCompile(`\b\d{1,2}[-/]\d{1,2}\b`)
	timePat = regexp.MustCompile(`(?i)\b\d{1,2}(am|pm)\b`)
)

const watchInterval = 10 * time.Second

// channelLister is the slice of Session the watcher needs.
type channelLister interface {
	GuildChannels(guildID string) ([]*discordgo.Channel, error)
	Guild(id string) (*discordgo.Guild, error)
}

// watchedChannel is one registered ephemeral channel.
type watchedChannel struct {
	name       string
	guildID    string
	serverName string
}

// DeletedWatcher tracks ephemeral source channels and announces their
// disappearance so the republisher can drop the mirrored side.
type DeletedWatcher struct {
	lister channelLister
	emit   *Emitter
	log    *slog.Logger

	mu      sync.Mutex
	watched map[string]watchedChannel // channel id -> record
	guilds  map[string]struct{}
}

// NewDeletedWatcher builds a watcher over the given session.
func NewDeletedWatcher(lister channelLister, emit *Emitter, log *slog.Logger) *DeletedWatcher {
	return &DeletedWatcher{
		lister:  lister,
		emit:    emit,
		log:     log,
		watched: make(map[string]watchedChannel),
		guilds:  make(map[string]struct{}),
	}
}

// IsEphemeralName reports whether a channel name matches the date or time
// patterns that mark it for deletion tracking.
func IsEphemeralName(name string) bool {
	return datePat.MatchString(name) || timePat.MatchString(name)
}

// Track registers a channel if its name marks it as ephemeral.
func (w *DeletedWatcher) Track(ch *discordgo.Channel, serverName string) {
	if ch.Type != discordgo.ChannelTypeGuildText || !IsEphemeralName(ch.Name) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[ch.ID] = watchedChannel{name: ch.Name, guildID: ch.GuildID, serverName: serverName}
	w.guilds[ch.GuildID] = struct{}{}
}

// Run polls guild listings and emits delete events for vanished channels.
func (w *DeletedWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *DeletedWatcher) sweep(ctx context.Context) {
	w.mu.Lock()
	guilds := make([]string, 0, len(w.guilds))
	for id := range w.guilds {
		guilds = append(guilds, id)
	}
	w.mu.Unlock()

	for _, guildID := range guilds {
		channels, err := w.lister.GuildChannels(guildID)
		if err != nil {
			w.log.Warn("channel refetch failed", "guild", guildID, "error", err)
			continue
		}
		// Fresh listing doubles as discovery for newly created ephemerals.
		serverName := guildID
		if g, err := w.lister.Guild(guildID); err == nil && g != nil {
			serverName = g.Name
		}
		alive := make(map[string]struct{}, len(channels))
		for _, ch := range channels {
			alive[ch.ID] = struct{}{}
			w.Track(ch, serverName)
		}
		w.reportMissing(ctx, guildID, alive)
	}
}

func (w *DeletedWatcher) reportMissing(ctx context.Context, guildID string, alive map[string]struct{}) {
	w.mu.Lock()
	var gone []struct {
		id  string
		rec watchedChannel
	}
	for id, rec := range w.watched {
		if rec.guildID != guildID {
			continue
		}
		if _, ok := alive[id]; !ok {
			gone = append(gone, struct {
				id  string
				rec watchedChannel
			}{id, rec})
			delete(w.watched, id)
		}
	}
	w.mu.Unlock()

	for _, g := range gone {
		w.log.Info("source channel deleted", "channel", g.rec.name, "server", g.rec.serverName)
		msg := &wire.Message{
			MessageType:     wire.TypeDeleteChannel,
			ChannelID:       g.id,
			ChannelName:     g.rec.name,
			ServerID:        g.rec.guildID,
			ServerName:      g.rec.serverName,
			ChannelRealName: g.rec.name,
			ServerRealName:  g.rec.serverName,
		}
		if err := w.emit.Emit(ctx, msg); err != nil {
			w.log.Error("emit delete event", "channel", g.id, "error", err)
		}
	}
}
