// Package control registers the operator slash commands on the bot session.
// Every mutation goes through the config file so the watcher propagates it
// to running collectors; nothing here pokes collector state directly.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onetaplabs/mirror/internal/config"
	"github.com/onetaplabs/mirror/internal/guardian"
	"github.com/onetaplabs/mirror/internal/republisher"
	"github.com/onetaplabs/mirror/internal/store"
)

// Deps carries everything the command handlers reach into.
type Deps struct {
	Cfg     *config.Config
	CfgPath string
	Store   *store.Store
	Rep     *republisher.Republisher
	Guard   *guardian.Guardian
	Version string
	Started time.Time
}

type handler func(s *discordgo.Session, i *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed)

// Registry owns the registered application commands and their dispatch.
type Registry struct {
	dg       *discordgo.Session
	deps     Deps
	log      *slog.Logger
	handlers map[string]handler
	created  []*discordgo.ApplicationCommand
	remove   func()
}

// New builds the registry; call Register once the session is open.
func New(dg *discordgo.Session, deps Deps, log *slog.Logger) *Registry {
	r := &Registry{dg: dg, deps: deps, log: log}
	r.handlers = map[string]handler{
		"ping":              r.ping,
		"help":              r.help,
		"status":            r.status,
		"debug":             r.debug,
		"servers":           r.servers,
		"block":             r.block,
		"unblock":           r.unblock,
		"listblocked":       r.listBlocked,
		"protect":           r.protect,
		"unprotect":         r.unprotect,
		"listprotected":     r.listProtected,
		"dmstats":           r.dmStats,
		"dmfilters":         r.dmFilters,
		"update":            r.update,
		"capture_layout":    r.captureLayout,
		"organize_channels": r.organizeChannels,
	}
	return r
}

func (r *Registry) definitions() []*discordgo.ApplicationCommand {
	channelOpt := func(required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "channel_id",
			Description: "Channel id",
			Required:    required,
		}
	}
	serverOpt := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "server_id",
		Description: "Source server id",
		Required:    true,
	}
	return []*discordgo.ApplicationCommand{
		{Name: "ping", Description: "Check the bot is alive"},
		{Name: "help", Description: "List available commands"},
		{Name: "status", Description: "Pipeline health summary"},
		{Name: "debug", Description: "Show routing details for this channel"},
		{Name: "servers", Description: "List monitored source servers"},
		{Name: "block", Description: "Exclude a source channel from mirroring",
			Options: []*discordgo.ApplicationCommandOption{serverOpt, channelOpt(true)}},
		{Name: "unblock", Description: "Re-include a previously blocked channel",
			Options: []*discordgo.ApplicationCommandOption{serverOpt, channelOpt(true)}},
		{Name: "listblocked", Description: "List blocked source channels"},
		{Name: "protect", Description: "Exempt a destination channel from retention",
			Options: []*discordgo.ApplicationCommandOption{channelOpt(false)}},
		{Name: "unprotect", Description: "Remove a retention exemption",
			Options: []*discordgo.ApplicationCommandOption{channelOpt(false)}},
		{Name: "listprotected", Description: "List retention-exempt channels"},
		{Name: "dmstats", Description: "DM mirroring route statistics"},
		{Name: "dmfilters", Description: "Show the DM spam filter thresholds"},
		{Name: "update", Description: "Post a release note to the updates channel",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "version", Description: "Version tag", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "notes", Description: "What changed"},
			}},
		{Name: "capture_layout", Description: "Snapshot the destination guild layout to disk"},
		{Name: "organize_channels", Description: "Run one organizer pass now"},
	}
}

// Register creates the guild commands and installs the interaction handler.
func (r *Registry) Register() error {
	guildID := r.deps.Cfg.Destination()
	for _, def := range r.definitions() {
		cmd, err := r.dg.ApplicationCommandCreate(r.dg.State.User.ID, guildID, def)
		if err != nil {
			return fmt.Errorf("register command %s: %w", def.Name, err)
		}
		r.created = append(r.created, cmd)
	}
	r.remove = r.dg.AddHandler(r.onInteraction)
	r.log.Info("operator commands registered", "count", len(r.created))
	return nil
}

// Unregister deletes the commands; used on shutdown.
func (r *Registry) Unregister() {
	if r.remove != nil {
		r.remove()
	}
	guildID := r.deps.Cfg.Destination()
	for _, cmd := range r.created {
		if err := r.dg.ApplicationCommandDelete(r.dg.State.User.ID, guildID, cmd.ID); err != nil {
			r.log.Warn("delete command", "command", cmd.Name, "error", err)
		}
	}
}

func (r *Registry) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	name := i.ApplicationCommandData().Name
	h, ok := r.handlers[name]
	if !ok {
		return
	}
	content, embed := h(s, i)
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	}
	if embed != nil {
		resp.Data.Embeds = []*discordgo.MessageEmbed{embed}
	}
	if err := s.InteractionRespond(i.Interaction, resp); err != nil {
		r.log.Warn("interaction respond", "command", name, "error", err)
	}
}

func optionString(i *discordgo.InteractionCreate, name string) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}

// channelArg resolves the channel_id option, defaulting to the channel the
// command was invoked in.
func channelArg(i *discordgo.InteractionCreate) string {
	if id := optionString(i, "channel_id"); id != "" {
		return id
	}
	return i.ChannelID
}

func (r *Registry) save() {
	if err := config.Save(r.deps.CfgPath, r.deps.Cfg); err != nil {
		r.log.Error("persist config", "error", err)
	}
}

func (r *Registry) ping(s *discordgo.Session, _ *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	return fmt.Sprintf("🏓 pong — heartbeat %s", s.HeartbeatLatency().Round(time.Millisecond)), nil
}

func (r *Registry) help(_ *discordgo.Session, _ *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, "/"+name)
	}
	sort.Strings(names)
	return "Available commands: " + strings.Join(names, ", "), nil
}

func (r *Registry) status(_ *discordgo.Session, _ *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	depth, err := r.deps.Store.QueueLen(ctx, r.deps.Cfg.QueueName())
	if err != nil {
		depth = -1
	}
	webhooks, _ := r.deps.Store.Webhooks(ctx)
	instances, _ := r.deps.Store.Instances(ctx)

	embed := &discordgo.MessageEmbed{
		Title: "Mirror status",
		Color: 0x2ecc71,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Uptime", Value: time.Since(r.deps.Started).Round(time.Second).String(), Inline: true},
			{Name: "Version", Value: r.deps.Version, Inline: true},
			{Name: "Queue depth", Value: fmt.Sprintf("%d", depth), Inline: true},
			{Name: "Processed", Value: fmt.Sprintf("%d", r.deps.Rep.Processed()), Inline: true},
			{Name: "Routes", Value: fmt.Sprintf("%d", len(webhooks)), Inline: true},
			{Name: "Collectors", Value: fmt.Sprintf("%d", len(instances)), Inline: true},
		},
	}
	for _, inst := range instances {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  inst.Username,
			Value: fmt.Sprintf("%d servers, up since %s", inst.Servers, inst.StartedAt),
		})
	}
	return "", embed
}

func (r *Registry) debug(s *discordgo.Session, i *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	ch, err := s.Channel(i.ChannelID)
	if err != nil {
		return fmt.Sprintf("channel lookup failed: %v", err), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	links, _ := r.deps.Store.ChannelLinks(ctx)
	source := links[ch.ID]
	if source == "" {
		source = "none"
	}
	embed := &discordgo.MessageEmbed{
		Title: "Channel debug",
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Channel", Value: fmt.Sprintf("#%s (%s)", ch.Name, ch.ID), Inline: true},
			{Name: "Parent", Value: orNone(ch.ParentID), Inline: true},
			{Name: "Source channel", Value: source, Inline: true},
			{Name: "Protected", Value: fmt.Sprintf("%v", r.deps.Cfg.IsProtected(ch.ID)), Inline: true},
		},
	}
	if created, err := r.deps.Store.ChannelCreatedAt(ctx, ch.ID); err == nil {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Provisioned", Value: created.UTC().Format(time.RFC3339), Inline: true,
		})
	}
	return "", embed
}

func (r *Registry) servers(_ *discordgo.Session, _ *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	tokens := r.deps.Cfg.TokensSnapshot()
	seen := map[string]int{}
	for _, tc := range tokens {
		for serverID := range tc.Servers {
			seen[serverID]++
		}
	}
	if len(seen) == 0 {
		return "No servers monitored.", nil
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%s — %d collector(s)\n", id, seen[id])
	}
	return b.String(), nil
}

func (r *Registry) block(_ *discordgo.Session, i *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	serverID := optionString(i, "server_id")
	channelID := optionString(i, "channel_id")
	n := r.deps.Cfg.BlockChannel(serverID, channelID)
	if n == 0 {
		return fmt.Sprintf("No token monitors server %s.", serverID), nil
	}
	r.save()
	return fmt.Sprintf("🚫 Blocked channel %s on %d token(s).", channelID, n), nil
}

func (r *Registry) unblock(_ *discordgo.Session, i *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	serverID := optionString(i, "server_id")
	channelID := optionString(i, "channel_id")
	n := r.deps.Cfg.UnblockChannel(serverID, channelID)
	if n == 0 {
		return fmt.Sprintf("Channel %s was not blocked.", channelID), nil
	}
	r.save()
	return fmt.Sprintf("✅ Unblocked channel %s on %d token(s).", channelID, n), nil
}

func (r *Registry) listBlocked(_ *discordgo.Session, _ *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	blocked := r.deps.Cfg.BlockedChannels()
	if len(blocked) == 0 {
		return "No channels blocked.", nil
	}
	servers := make([]string, 0, len(blocked))
	for id := range blocked {
		servers = append(servers, id)
	}
	sort.Strings(servers)
	var b strings.Builder
	for _, srv := range servers {
		fmt.Fprintf(&b, "%s: %s\n", srv, strings.Join(blocked[srv], ", "))
	}
	return b.String(), nil
}

func (r *Registry) protect(_ *discordgo.Session, i *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	id := channelArg(i)
	if !r.deps.Cfg.SetProtected(id, true) {
		return fmt.Sprintf("Channel %s is already protected.", id), nil
	}
	r.save()
	return fmt.Sprintf("🛡️ Channel %s protected from retention.", id), nil
}

func (r *Registry) unprotect(_ *discordgo.Session, i *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	id := channelArg(i)
	if !r.deps.Cfg.SetProtected(id, false) {
		return fmt.Sprintf("Channel %s was not protected.", id), nil
	}
	r.save()
	return fmt.Sprintf("Channel %s no longer protected.", id), nil
}

func (r *Registry) listProtected(_ *discordgo.Session, _ *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	ids := r.deps.Cfg.ProtectedList()
	if len(ids) == 0 {
		return "No protected channels.", nil
	}
	return "Protected: " + strings.Join(ids, ", "), nil
}

func (r *Registry) dmStats(_ *discordgo.Session, _ *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	routes, err := r.deps.Store.DMRoutes(ctx)
	if err != nil {
		return fmt.Sprintf("route listing failed: %v", err), nil
	}
	relayable := 0
	for _, route := range routes {
		if route.ReceivingToken != "" || route.RelayToken != "" {
			relayable++
		}
	}
	embed := &discordgo.MessageEmbed{
		Title: "DM mirroring",
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Routes", Value: fmt.Sprintf("%d", len(routes)), Inline: true},
			{Name: "Relay-capable", Value: fmt.Sprintf("%d", relayable), Inline: true},
			{Name: "Persisted mappings", Value: fmt.Sprintf("%d", r.deps.Cfg.DMMappingCount()), Inline: true},
		},
	}
	return "", embed
}

func (r *Registry) dmFilters(_ *discordgo.Session, _ *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	embed := &discordgo.MessageEmbed{
		Title:       "DM spam filter",
		Description: "A DM is dropped when any rule below trips.",
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Spam keywords", Value: "2 or more known spam phrases"},
			{Name: "Links", Value: "more than 1 URL"},
			{Name: "Emoji", Value: "more than 10 emoji"},
			{Name: "Length", Value: "more than 500 characters"},
			{Name: "Mutual servers", Value: "no mutual server, or link/mention from a single mutual server"},
			{Name: "Bots", Value: "bot senders outside the allow-list"},
		},
	}
	return "", embed
}

func (r *Registry) update(s *discordgo.Session, i *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	channelID := r.deps.Cfg.UpdatesChannel()
	if channelID == "" {
		return "No updates channel configured.", nil
	}
	version := optionString(i, "version")
	notes := optionString(i, "notes")
	embed := &discordgo.MessageEmbed{
		Title:       "📦 Update " + version,
		Description: notes,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.ChannelMessageSendEmbed(channelID, embed); err != nil {
		return fmt.Sprintf("post failed: %v", err), nil
	}
	return fmt.Sprintf("Update %s posted to <#%s>.", version, channelID), nil
}

func (r *Registry) captureLayout(_ *discordgo.Session, _ *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	layout, err := r.deps.Guard.CaptureLayout()
	if err != nil {
		return fmt.Sprintf("capture failed: %v", err), nil
	}
	return fmt.Sprintf("📸 Layout captured: %d categories, %d uncategorized channels.",
		len(layout.Categories), len(layout.Uncategorized)), nil
}

func (r *Registry) organizeChannels(_ *discordgo.Session, _ *discordgo.InteractionCreate) (string, *discordgo.MessageEmbed) {
	r.deps.Guard.OrganizeOnce(context.Background())
	return "🗂️ Organizer pass complete.", nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
