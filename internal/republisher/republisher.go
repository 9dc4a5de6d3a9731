// Package republisher drains the durable queue and reproduces each message
// in the destination guild through webhooks, owning the destination's
// structure: channel provisioning, webhook routes, DM mirror channels, and
// archive teardown.
package republisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onetaplabs/mirror/internal/config"
	"github.com/onetaplabs/mirror/internal/store"
	"github.com/onetaplabs/mirror/internal/wire"
)

const (
	idlePoll      = time.Second
	batchLogEvery = 50
)

// Republisher is the single queue consumer.
type Republisher struct {
	dg     *discordgo.Session
	cfg    *config.Config
	store  *store.Store
	routes *Routes
	client *Client
	atts   *Attachments
	dm     *DMRelay
	log    *slog.Logger

	seen      *wire.Dedup
	processed int
}

// New wires the consumer over an opened bot session.
func New(dg *discordgo.Session, cfg *config.Config, cfgPath string, st *store.Store, log *slog.Logger) *Republisher {
	routes := NewRoutes(dg, cfg, st, log)
	client := NewClient(log)
	return &Republisher{
		dg:     dg,
		cfg:    cfg,
		store:  st,
		routes: routes,
		client: client,
		atts:   NewAttachments(log),
		dm:     NewDMRelay(dg, cfg, cfgPath, st, client, log),
		log:    log,
		seen:   wire.NewDedup(0),
	}
}

// Routes exposes the route map for the sweep and the control plane.
func (r *Republisher) Routes() *Routes { return r.routes }

// Client exposes the webhook client so the sweep can share its transport.
func (r *Republisher) Client() *Client { return r.client }

// DM exposes the relay for handler registration on the bot session.
func (r *Republisher) DM() *DMRelay { return r.dm }

// Run warms the route cache and consumes both queues until cancelled.
func (r *Republisher) Run(ctx context.Context) error {
	r.routes.WarmUp(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := r.store.Pop(ctx, r.cfg.QueueName())
		if err != nil {
			r.log.Error("queue pop failed", "error", err)
			sleepCtx(ctx, idlePoll)
			continue
		}
		if payload == nil {
			r.drainCategoryUpdates(ctx)
			sleepCtx(ctx, idlePoll)
			continue
		}

		m, err := wire.Decode(payload)
		if err != nil {
			r.log.Warn("skipping malformed queue payload", "error", err)
			continue
		}
		r.process(ctx, m)
	}
}

func (r *Republisher) process(ctx context.Context, m *wire.Message) {
	if m.MessageType == wire.TypeDeleteChannel {
		// Deletion events carry no message id; replaying one is harmless
		// because the link is gone after the first pass.
		r.handleSourceDeleted(ctx, m)
		return
	}

	// Every payload arrives twice (queue push + HTTP intake), so the
	// duplicate gate runs before any type-specific handling.
	if r.alreadySeen(ctx, m) {
		return
	}

	switch m.MessageType {
	case wire.TypeDM:
		if err := r.dm.HandleInbound(ctx, m); err != nil {
			r.log.Error("dm mirror failed", "id", m.MessageID, "error", err)
		}
	default:
		if err := r.mirror(ctx, m); err != nil {
			r.log.Error("mirror failed", "id", m.MessageID, "error", err)
		}
	}

	r.processed++
	if r.processed%batchLogEvery == 0 {
		r.log.Info("messages processed", "count", r.processed)
	}
}

// alreadySeen runs both dedup lines: the bounded in-memory id set and the
// store-backed content hash with its rolling expiry.
func (r *Republisher) alreadySeen(ctx context.Context, m *wire.Message) bool {
	if m.MessageID != "" && r.seen.Seen(m.MessageID) {
		return true
	}
	hash := store.MessageHash(m.MessageID, m.Content, m.AuthorID, m.Timestamp)
	if dup, err := r.store.SeenRecently(ctx, hash); err == nil && dup {
		return true
	}
	return false
}

// mirror reproduces one regular message in the destination guild.
func (r *Republisher) mirror(ctx context.Context, m *wire.Message) error {
	if IsArchiveTrigger(m) {
		r.archiveDestination(ctx, m)
		return nil
	}
	if dest, ok := r.routes.DestChannelFor(m.ChannelID); ok && r.routes.IsArchived(dest) {
		return nil
	}
	if deleted, err := r.store.IsDeleted(ctx, m.ChannelID); err == nil && deleted {
		return nil
	}

	url, destID, err := r.routes.Resolve(ctx, m)
	if err != nil {
		return fmt.Errorf("resolve route: %w", err)
	}
	if destID != "" && r.routes.IsArchived(destID) {
		return nil
	}

	content := RenderContent(m, r.routes)
	embeds := RenderEmbeds(m, r.routes)

	urls := m.Attachments
	if m.IsForwarded && len(m.ForwardedAttachments) > 0 {
		urls = append(append([]string(nil), urls...), m.ForwardedAttachments...)
	}
	files, fallbacks := r.atts.Fetch(ctx, urls)
	for _, u := range fallbacks {
		if content != "" {
			content += "\n"
		}
		content += LargeFileLine(u)
	}

	parts := SplitContent(content)
	key := wire.RouteKey(m.CategoryName, m.ServerName, m.ChannelName)
	for i, part := range parts {
		p := Payload{
			Username:  m.AuthorName,
			AvatarURL: m.AuthorAvatar,
			Content:   part,
		}
		// Embeds and files ride on the first part only.
		if i == 0 {
			p.Embeds = embeds
			p.Files = files
		}
		if p.Content == "" && len(p.Embeds) == 0 && len(p.Files) == 0 {
			continue
		}
		if url, err = r.deliver(ctx, key, url, p, m); err != nil {
			return err
		}
	}
	return nil
}

// deliver executes one part, handling the route-level branches of the
// response contract. It returns the (possibly reprovisioned) webhook URL
// for subsequent parts.
func (r *Republisher) deliver(ctx context.Context, key, url string, p Payload, m *wire.Message) (string, error) {
	err := r.client.Execute(ctx, url, p)
	if err == nil {
		return url, nil
	}
	var de *DeliveryError
	if !errors.As(err, &de) {
		return url, err
	}

	switch de.Kind {
	case KindWebhookUnknown:
		r.routes.Evict(ctx, key)
		newURL, _, rerr := r.routes.Resolve(ctx, m)
		if rerr != nil {
			return url, fmt.Errorf("reprovision after unknown webhook: %w", rerr)
		}
		if rerr := r.client.Execute(ctx, newURL, p); rerr != nil {
			return newURL, rerr
		}
		return newURL, nil
	case KindChannelUnknown:
		r.routes.Evict(ctx, key)
		r.log.Warn("destination channel gone, dropping message", "key", key, "id", m.MessageID)
		return url, nil
	case KindContentTooLong:
		p.Content = truncateRunes(p.Content, softLimit)
		return url, r.client.Execute(ctx, url, p)
	case KindPayloadTooLarge, KindBadRequest:
		r.log.Warn("message dropped", "kind", de.Kind.String(), "status", de.Status, "id", m.MessageID)
		return url, nil
	default:
		return url, err
	}
}

// archiveDestination tears down the mirrored channel named by an archive
// trigger and suppresses the channel from then on.
func (r *Republisher) archiveDestination(ctx context.Context, m *wire.Message) {
	destID, ok := r.routes.DestChannelFor(m.ChannelID)
	if !ok {
		r.log.Debug("archive trigger for unmapped channel", "channel", m.ChannelID)
		return
	}
	if _, err := r.dg.ChannelDelete(destID); err != nil {
		r.log.Error("archive delete failed", "channel", destID, "error", err)
		return
	}
	r.routes.MarkArchived(destID)
	r.routes.DropLink(m.ChannelID)
	if err := r.store.MarkDeleted(ctx, m.ChannelID); err != nil {
		r.log.Warn("persist archive suppression", "error", err)
	}
	_ = r.store.DeleteChannelLink(ctx, destID)
	_ = r.store.ClearChannelCreated(ctx, destID)
	r.log.Info("destination channel archived", "channel", destID, "source", m.ChannelName)
}

// handleSourceDeleted removes the destination side of a deleted source
// channel.
func (r *Republisher) handleSourceDeleted(ctx context.Context, m *wire.Message) {
	destID, ok := r.routes.DestChannelFor(m.ChannelID)
	if !ok {
		return
	}
	if _, err := r.dg.ChannelDelete(destID); err != nil {
		r.log.Error("delete mirrored channel", "channel", destID, "error", err)
		return
	}
	r.routes.DropLink(m.ChannelID)
	_ = r.store.DeleteChannelLink(ctx, destID)
	_ = r.store.ClearChannelCreated(ctx, destID)
	r.log.Info("mirrored channel removed with its source",
		"channel", m.ChannelRealName, "server", m.ServerRealName)
}

// drainCategoryUpdates applies pending structure changes from the
// category-updates queue.
func (r *Republisher) drainCategoryUpdates(ctx context.Context) {
	for {
		payload, err := r.store.Pop(ctx, wire.CategoryUpdatesQueue)
		if err != nil || payload == nil {
			return
		}
		var upd wire.CategoryUpdate
		if err := json.Unmarshal(payload, &upd); err != nil {
			r.log.Warn("skipping malformed category update", "error", err)
			continue
		}
		r.applyCategoryUpdate(ctx, upd)
	}
}

func (r *Republisher) applyCategoryUpdate(ctx context.Context, upd wire.CategoryUpdate) {
	switch upd.Action {
	case wire.CategoryAdd:
		probe := &wire.Message{
			ChannelID:       upd.ChannelID,
			ChannelName:     upd.ChannelName,
			CategoryName:    upd.CategoryName,
			ServerID:        upd.ServerID,
			ServerName:      upd.ServerName,
			ChannelRealName: upd.ChannelName,
			ServerRealName:  upd.ServerName,
		}
		if _, _, err := r.routes.Resolve(ctx, probe); err != nil {
			r.log.Error("materialize category channel", "channel", upd.ChannelName, "error", err)
			return
		}
		r.log.Info("category channel materialized", "channel", upd.ChannelName, "server", upd.ServerName)
	case wire.CategoryRemove:
		r.handleSourceDeleted(ctx, &wire.Message{
			ChannelID:       upd.ChannelID,
			ChannelRealName: upd.ChannelName,
			ServerRealName:  upd.ServerName,
		})
	default:
		r.log.Warn("unknown category update action", "action", upd.Action)
	}
}

// Processed returns the consumer's message counter.
func (r *Republisher) Processed() int { return r.processed }

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
