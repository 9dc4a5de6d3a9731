package republisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onetaplabs/mirror/internal/config"
	"github.com/onetaplabs/mirror/internal/store"
	"github.com/onetaplabs/mirror/internal/wire"
)

const (
	dmWebhookName  = "DM Mirror"
	dmRelayTimeout = 30 * time.Second
	dmRelayQueue   = "dm_relay_queue"
)

// DefaultRelayEndpoint is the collector pool's loopback DM service.
const DefaultRelayEndpoint = "http://127.0.0.1:5001/send_dm"

// Relay outcome reactions.
const (
	reactSuccess     = "✅"
	reactFailure     = "❌"
	reactTimeout     = "⏰"
	reactUnavailable = "⚠️"
	reactPanic       = "💥"
)

// DMRelay mirrors inbound peer DMs into per-peer destination channels and
// relays operator replies back out through a collector session.
type DMRelay struct {
	dg      *discordgo.Session
	cfg     *config.Config
	cfgPath string
	store   *store.Store
	client  *Client
	http    *http.Client
	log     *slog.Logger

	endpoint string

	mu         sync.RWMutex
	categories map[string]string // guild id -> "@{self} [DM]" category id
	byChannel  map[string]store.DMRoute
}

// NewDMRelay builds the relay over the republisher's bot session.
func NewDMRelay(dg *discordgo.Session, cfg *config.Config, cfgPath string, st *store.Store, client *Client, log *slog.Logger) *DMRelay {
	return &DMRelay{
		dg:         dg,
		cfg:        cfg,
		cfgPath:    cfgPath,
		store:      st,
		client:     client,
		http:       &http.Client{Timeout: dmRelayTimeout},
		log:        log,
		endpoint:   DefaultRelayEndpoint,
		categories: make(map[string]string),
		byChannel:  make(map[string]store.DMRoute),
	}
}

// Register attaches the outbound handler to the bot session.
func (d *DMRelay) Register() {
	d.dg.AddHandler(d.onGuildMessage)
}

// HandleInbound mirrors one inbound DM into its per-peer channel,
// provisioning the channel, webhook, and route on first contact.
func (d *DMRelay) HandleInbound(ctx context.Context, m *wire.Message) error {
	route, err := d.ensureRoute(ctx, m)
	if err != nil {
		return err
	}

	p := Payload{
		Username:  m.DMUsername,
		AvatarURL: m.AuthorAvatar,
		Content:   m.Content,
		Embeds:    m.Embeds,
	}
	if m.IsBot && m.BotName != "" {
		p.Username = m.BotName + " [bot]"
	}
	for _, url := range m.Attachments {
		if p.Content != "" {
			p.Content += "\n"
		}
		p.Content += url
	}
	if p.Content == "" && len(p.Embeds) == 0 {
		return nil
	}

	if err := d.client.Execute(ctx, route.WebhookURL, p); err != nil {
		var de *DeliveryError
		if errors.As(err, &de) && (de.Kind == KindWebhookUnknown || de.Kind == KindChannelUnknown) {
			// Stale route: rebuild once and retry.
			d.dropRoute(ctx, *route)
			route, rerr := d.ensureRoute(ctx, m)
			if rerr != nil {
				return rerr
			}
			return d.client.Execute(ctx, route.WebhookURL, p)
		}
		return err
	}
	return nil
}

// ensureRoute returns the DM route for the message's peer, creating the
// category, channel, and webhook when none exists.
func (d *DMRelay) ensureRoute(ctx context.Context, m *wire.Message) (*store.DMRoute, error) {
	route, err := d.store.GetDMRoute(ctx, m.DMUserID)
	if err != nil {
		return nil, err
	}
	if route != nil {
		d.cacheRoute(*route)
		return route, nil
	}

	guildID := m.DestinationServerID
	if guildID == "" {
		guildID = d.cfg.Destination()
	}
	catID, err := d.ensureCategory(guildID, m.SelfUsername)
	if err != nil {
		return nil, err
	}

	name := "dm-" + wire.NormalizeName(m.DMUsername)
	ch, err := d.dg.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:     name,
		Type:     discordgo.ChannelTypeGuildText,
		ParentID: catID,
	})
	if err != nil {
		return nil, fmt.Errorf("create dm channel: %w", err)
	}
	hook, err := d.dg.WebhookCreate(ch.ID, dmWebhookName, "")
	if err != nil {
		return nil, fmt.Errorf("create dm webhook: %w", err)
	}

	newRoute := store.DMRoute{
		UserID:         m.DMUserID,
		Username:       m.DMUsername,
		ChannelID:      ch.ID,
		WebhookURL:     webhookURL(hook),
		SelfUserID:     m.SelfUserID,
		ServerID:       guildID,
		ReceivingToken: m.ReceivingToken,
		RelayToken:     m.ReceivingToken,
	}
	if err := d.store.PutDMRoute(ctx, newRoute); err != nil {
		return nil, err
	}
	d.cacheRoute(newRoute)
	d.persistMapping(newRoute)
	d.postInfoEmbed(ch.ID, m)
	d.log.Info("dm mirror channel provisioned", "peer", m.DMUsername, "channel", ch.ID)
	return &newRoute, nil
}

func (d *DMRelay) ensureCategory(guildID, selfName string) (string, error) {
	d.mu.RLock()
	id, ok := d.categories[guildID]
	d.mu.RUnlock()
	if ok {
		return id, nil
	}

	want := "@" + selfName + " [DM]"
	channels, err := d.dg.GuildChannels(guildID)
	if err != nil {
		return "", fmt.Errorf("list channels: %w", err)
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory && strings.EqualFold(ch.Name, want) {
			d.setCategory(guildID, ch.ID)
			return ch.ID, nil
		}
	}
	cat, err := d.dg.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name: want,
		Type: discordgo.ChannelTypeGuildCategory,
	})
	if err != nil {
		return "", fmt.Errorf("create dm category: %w", err)
	}
	d.setCategory(guildID, cat.ID)
	return cat.ID, nil
}

func (d *DMRelay) setCategory(guildID, catID string) {
	d.mu.Lock()
	d.categories[guildID] = catID
	d.mu.Unlock()
}

func (d *DMRelay) cacheRoute(route store.DMRoute) {
	d.mu.Lock()
	d.byChannel[route.ChannelID] = route
	d.mu.Unlock()
}

func (d *DMRelay) dropRoute(ctx context.Context, route store.DMRoute) {
	d.mu.Lock()
	delete(d.byChannel, route.ChannelID)
	d.mu.Unlock()
	_ = d.store.DeleteDMRoute(ctx, route.UserID)
}

// persistMapping records the route in the config file so operators can see
// and edit DM mappings alongside everything else.
func (d *DMRelay) persistMapping(route store.DMRoute) {
	d.cfg.SetDMMapping(route.ChannelID, config.DMMapping{
		UserID:         route.UserID,
		Username:       route.Username,
		SelfUserID:     route.SelfUserID,
		ReceivingToken: route.ReceivingToken,
		RelayToken:     route.RelayToken,
	})
	if err := config.Save(d.cfgPath, d.cfg); err != nil {
		d.log.Warn("persist dm mapping", "error", err)
	}
}

func (d *DMRelay) postInfoEmbed(channelID string, m *wire.Message) {
	embed := &discordgo.MessageEmbed{
		Title: "DM Mirror",
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Peer", Value: fmt.Sprintf("%s (`%s`)", m.DMUsername, m.DMUserID), Inline: true},
			{Name: "Account", Value: fmt.Sprintf("%s (`%s`)", m.SelfUsername, m.SelfUserID), Inline: true},
			{Name: "Relay token", Value: "`" + truncSecret(m.ReceivingToken) + "`"},
		},
	}
	if _, err := d.dg.ChannelMessageSendEmbed(channelID, embed); err != nil {
		d.log.Warn("post dm info embed", "error", err)
	}
}

// onGuildMessage relays operator messages written in DM-mirror channels
// back to the peer.
func (d *DMRelay) onGuildMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.WebhookID != "" {
		return
	}
	route, ok := d.routeForChannel(m.ChannelID)
	if !ok {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("dm relay panicked", "panic", rec)
			d.react(m.ChannelID, m.ID, reactPanic)
		}
	}()

	attachments := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, a.URL)
	}
	d.react(m.ChannelID, m.ID, d.relayOutbound(route, m.Content, attachments))
}

// routeForChannel finds the DM route mirrored into a destination channel.
func (d *DMRelay) routeForChannel(channelID string) (store.DMRoute, bool) {
	d.mu.RLock()
	route, ok := d.byChannel[channelID]
	d.mu.RUnlock()
	if ok {
		return route, true
	}
	// Cold cache: fall back to the store.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	routes, err := d.store.DMRoutes(ctx)
	if err != nil {
		return store.DMRoute{}, false
	}
	for _, r := range routes {
		d.cacheRoute(r)
		if r.ChannelID == channelID {
			return r, true
		}
	}
	return store.DMRoute{}, false
}

// relayOutbound posts the send request to the collector pool and returns
// the outcome reaction. When the peer is itself a managed session, that
// session's token is preferred over the receiving token.
func (d *DMRelay) relayOutbound(route store.DMRoute, content string, attachments []string) string {
	token := route.ReceivingToken
	if t, ok := d.cfg.FindTokenForUser(route.UserID); ok {
		token = t
	}

	body, err := json.Marshal(map[string]any{
		"action":      "send_dm",
		"token":       token,
		"user_id":     route.UserID,
		"content":     content,
		"attachments": attachments,
	})
	if err != nil {
		return reactPanic
	}

	ctx, cancel := context.WithTimeout(context.Background(), dmRelayTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return reactPanic
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err):
			return reactTimeout
		case isConnRefused(err):
			// Service down: park the request on the out-of-band queue.
			if qerr := d.store.Push(ctx, dmRelayQueue, body); qerr == nil {
				d.log.Warn("dm relay service down, request queued", "peer", route.UserID)
			}
			return reactUnavailable
		default:
			return reactFailure
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return reactSuccess
	}
	return reactFailure
}

func (d *DMRelay) react(channelID, messageID, emoji string) {
	if err := d.dg.MessageReactionAdd(channelID, messageID, emoji); err != nil {
		d.log.Debug("reaction failed", "emoji", emoji, "error", err)
	}
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func truncSecret(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[:10] + "…"
}
