package republisher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onetaplabs/mirror/internal/config"
	"github.com/onetaplabs/mirror/internal/store"
	"github.com/onetaplabs/mirror/internal/wire"
)

// webhookName labels every webhook this process provisions.
const webhookName = "1Tap Notify"

// channelAgeTTL slightly exceeds the longest retention window (7 days for
// dated release channels).
const channelAgeTTL = 8 * 24 * time.Hour

// Routes owns the webhook route map: in-memory first, the routing store on
// miss, provisioning on a store miss. Single writer; the consumer loop is
// the only mutator.
type Routes struct {
	dg    *discordgo.Session
	cfg   *config.Config
	store *store.Store
	log   *slog.Logger

	mu       sync.RWMutex
	cache    map[string]string    // route key -> webhook URL
	links    map[string]string    // source channel id -> dest channel id
	byName   map[string]warmRoute // normalized dest channel name -> warmed webhook
	archived map[string]struct{}
}

// warmRoute is a webhook discovered during warm-up, keyed by the destination
// channel's normalized name until a message claims it under a full route key.
type warmRoute struct {
	url       string
	channelID string
}

// NewRoutes builds the route map over a bot session.
func NewRoutes(dg *discordgo.Session, cfg *config.Config, st *store.Store, log *slog.Logger) *Routes {
	return &Routes{
		dg:       dg,
		cfg:      cfg,
		store:    st,
		log:      log,
		cache:    make(map[string]string),
		links:    make(map[string]string),
		byName:   make(map[string]warmRoute),
		archived: make(map[string]struct{}),
	}
}

// Resolve returns the webhook URL and destination channel id for a message,
// provisioning the destination side when no route exists.
func (r *Routes) Resolve(ctx context.Context, m *wire.Message) (url, destChannelID string, err error) {
	key := wire.RouteKey(m.CategoryName, m.ServerName, m.ChannelName)

	r.mu.RLock()
	url, hit := r.cache[key]
	dest := r.links[m.ChannelID]
	r.mu.RUnlock()
	if hit {
		return url, dest, nil
	}

	if url, err = r.store.GetWebhook(ctx, key); err != nil {
		return "", "", err
	}
	if url != "" {
		r.mu.Lock()
		r.cache[key] = url
		r.mu.Unlock()
		return url, dest, nil
	}

	if url, dest, ok := r.adoptWarm(ctx, key, m); ok {
		return url, dest, nil
	}

	return r.provision(ctx, key, m)
}

// adoptWarm claims a warmed-up webhook whose channel name matches one of the
// message's destination name variants, promoting it to a full persisted
// route so provisioning is skipped.
func (r *Routes) adoptWarm(ctx context.Context, key string, m *wire.Message) (string, string, bool) {
	variants := append(wire.DestNameVariants(m.ChannelName, m.ServerName),
		wire.NormalizeName(m.ChannelName))

	r.mu.RLock()
	var wr warmRoute
	var hit bool
	for _, v := range variants {
		if wr, hit = r.byName[v]; hit {
			break
		}
	}
	r.mu.RUnlock()
	if !hit {
		return "", "", false
	}

	r.storeRoute(ctx, key, wr.url, m.ChannelID, wr.channelID)
	r.log.Info("warmed webhook adopted", "key", key, "channel", wr.channelID)
	return wr.url, wr.channelID, true
}

// provision creates the destination side for a new route: a forum thread
// when the category is forum-mapped, otherwise a text channel found by name
// variant or created fresh, plus its webhook.
func (r *Routes) provision(ctx context.Context, key string, m *wire.Message) (string, string, error) {
	if forumID, ok := r.forumFor(m); ok {
		return r.provisionThread(ctx, key, forumID, m)
	}

	ch, err := r.findOrCreateChannel(ctx, m)
	if err != nil {
		return "", "", err
	}
	url, err := r.ensureWebhook(ch.ID)
	if err != nil {
		return "", "", err
	}
	r.storeRoute(ctx, key, url, m.ChannelID, ch.ID)
	r.log.Info("route provisioned", "key", key, "channel", ch.Name)
	return url, ch.ID, nil
}

func (r *Routes) forumFor(m *wire.Message) (string, bool) {
	mapKey := wire.NormalizeName(m.CategoryName) + "-[" + wire.NormalizeName(m.ServerName) + "]"
	return r.cfg.ForumFor(mapKey)
}

func (r *Routes) provisionThread(ctx context.Context, key, forumID string, m *wire.Message) (string, string, error) {
	name := wire.NormalizeName(m.ChannelName)
	starter := fmt.Sprintf("Mirror of #%s from %s", m.ChannelRealName, m.ServerRealName)
	thread, err := r.dg.ForumThreadStart(forumID, name, 0, starter)
	if err != nil {
		return "", "", fmt.Errorf("create forum thread: %w", err)
	}
	// Webhooks hang off the forum; executions target the thread via its id.
	url, err := r.ensureWebhook(forumID)
	if err != nil {
		return "", "", err
	}
	url = url + "?thread_id=" + thread.ID
	r.storeRoute(ctx, key, url, m.ChannelID, thread.ID)
	r.log.Info("forum route provisioned", "key", key, "thread", thread.Name)
	return url, thread.ID, nil
}

// findOrCreateChannel searches destination text channels under the known
// name variants and creates "{chan} [{server}]" when none match.
func (r *Routes) findOrCreateChannel(ctx context.Context, m *wire.Message) (*discordgo.Channel, error) {
	channels, err := r.dg.GuildChannels(r.cfg.Destination())
	if err != nil {
		return nil, fmt.Errorf("list destination channels: %w", err)
	}
	variants := wire.DestNameVariants(m.ChannelName, m.ServerName)
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		norm := wire.NormalizeName(ch.Name)
		for _, v := range variants {
			if norm == v {
				return ch, nil
			}
		}
	}

	name := wire.DestChannelName(m.ChannelName, m.ServerName)
	ch, err := r.dg.GuildChannelCreateComplex(r.cfg.Destination(), discordgo.GuildChannelCreateData{
		Name: name,
		Type: discordgo.ChannelTypeGuildText,
	})
	if err != nil {
		return nil, fmt.Errorf("create destination channel: %w", err)
	}
	if err := r.store.MarkChannelCreated(ctx, ch.ID, channelAgeTTL); err != nil {
		r.log.Warn("record channel age", "channel", ch.ID, "error", err)
	}
	return ch, nil
}

// ensureWebhook reuses the channel's first webhook or creates one.
func (r *Routes) ensureWebhook(channelID string) (string, error) {
	hooks, err := r.dg.ChannelWebhooks(channelID)
	if err == nil {
		for _, h := range hooks {
			if h.Token != "" {
				return webhookURL(h), nil
			}
		}
	}
	h, err := r.dg.WebhookCreate(channelID, webhookName, "")
	if err != nil {
		return "", fmt.Errorf("create webhook: %w", err)
	}
	return webhookURL(h), nil
}

func webhookURL(h *discordgo.Webhook) string {
	return "https://discord.com/api/webhooks/" + h.ID + "/" + h.Token
}

func (r *Routes) storeRoute(ctx context.Context, key, url, sourceChannelID, destChannelID string) {
	r.mu.Lock()
	r.cache[key] = url
	if sourceChannelID != "" {
		r.links[sourceChannelID] = destChannelID
	}
	r.mu.Unlock()
	if err := r.store.PutWebhook(ctx, key, url); err != nil {
		r.log.Warn("persist route", "key", key, "error", err)
	}
	if sourceChannelID != "" {
		if err := r.store.SetChannelLink(ctx, destChannelID, sourceChannelID); err != nil {
			r.log.Warn("persist channel link", "error", err)
		}
	}
}

// Evict drops a dead route from memory and the store.
func (r *Routes) Evict(ctx context.Context, key string) {
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
	if err := r.store.DeleteWebhook(ctx, key); err != nil {
		r.log.Warn("evict route from store", "key", key, "error", err)
	}
}

// MarkArchived suppresses further processing for a destination channel that
// hit an archive trigger.
func (r *Routes) MarkArchived(channelID string) {
	r.mu.Lock()
	r.archived[channelID] = struct{}{}
	r.mu.Unlock()
}

// IsArchived reports local archive suppression.
func (r *Routes) IsArchived(channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.archived[channelID]
	return ok
}

// WarmUp primes the route map from the destination guild: persisted links
// and webhook routes are loaded, and each unrouted text channel that already
// carries a webhook is indexed by normalized name so Resolve can adopt it
// instead of provisioning a duplicate.
func (r *Routes) WarmUp(ctx context.Context) {
	if links, err := r.store.ChannelLinks(ctx); err == nil {
		r.mu.Lock()
		for dest, src := range links {
			r.links[src] = dest
		}
		r.mu.Unlock()
	}
	if stored, err := r.store.Webhooks(ctx); err == nil {
		r.mu.Lock()
		for key, url := range stored {
			r.cache[key] = url
		}
		r.mu.Unlock()
	}

	channels, err := r.dg.GuildChannels(r.cfg.Destination())
	if err != nil {
		r.log.Warn("warm-up listing failed", "error", err)
		return
	}
	registered := 0
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		norm := wire.NormalizeName(ch.Name)
		if r.hasRouteFor(norm) {
			continue
		}
		hooks, err := r.dg.ChannelWebhooks(ch.ID)
		if err != nil || len(hooks) == 0 {
			continue
		}
		for _, h := range hooks {
			if h.Token == "" {
				continue
			}
			r.mu.Lock()
			r.byName[norm] = warmRoute{url: webhookURL(h), channelID: ch.ID}
			r.mu.Unlock()
			registered++
			break
		}
	}
	r.log.Info("webhook warm-up complete", "registered", registered)
}

// hasRouteFor reports whether the channel's normalized name is already
// covered by a full route key or a warmed entry.
func (r *Routes) hasRouteFor(channelNorm string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.byName[channelNorm]; ok {
		return true
	}
	for key := range r.cache {
		if strings.HasSuffix(key, "/"+channelNorm) {
			return true
		}
	}
	return false
}

// DropLink forgets the in-memory source→destination link once the
// destination channel is gone, keeping replayed deletion events idempotent.
func (r *Routes) DropLink(sourceChannelID string) {
	r.mu.Lock()
	delete(r.links, sourceChannelID)
	r.mu.Unlock()
}

// DestChannelFor satisfies RenderDeps.
func (r *Routes) DestChannelFor(sourceChannelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dest, ok := r.links[sourceChannelID]
	return dest, ok
}

// RoleByName satisfies RenderDeps with a case-insensitive lookup over the
// destination guild's roles.
func (r *Routes) RoleByName(name string) (string, bool) {
	roles, err := r.dg.GuildRoles(r.cfg.Destination())
	if err != nil {
		return "", false
	}
	for _, role := range roles {
		if strings.EqualFold(role.Name, name) {
			return role.ID, true
		}
	}
	return "", false
}
