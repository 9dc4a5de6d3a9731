// Package collector runs the pool of user-session gateway clients that
// observe source guilds and feed the durable queue. Each session filters,
// normalizes, and dedups its own event stream; sessions never touch the
// webhook route map.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onetaplabs/mirror/internal/config"
	"github.com/onetaplabs/mirror/internal/store"
	"github.com/onetaplabs/mirror/internal/wire"
)

const (
	reconnectBase = 5 * time.Second
	reconnectCap  = 60 * time.Second
)

// Session is one user-token gateway client.
type Session struct {
	token   string
	cfg     *config.Config
	cfgPath string
	emit    *Emitter
	store   *store.Store
	log     *slog.Logger

	dg       *discordgo.Session
	userID   string
	username string
	dedup    *wire.Dedup
	watcher  *DeletedWatcher
	started  time.Time
}

// NewSession builds a session for one collector token.
func NewSession(token string, cfg *config.Config, cfgPath string, st *store.Store, emit *Emitter, log *slog.Logger) (*Session, error) {
	// User tokens go on the wire as-is, without the bot prefix.
	dg, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s := &Session{
		token:   token,
		cfg:     cfg,
		cfgPath: cfgPath,
		emit:    emit,
		store:   st,
		log:     log,
		dg:      dg,
		dedup:   wire.NewDedup(0),
	}
	s.watcher = NewDeletedWatcher(s, emit, log)
	dg.AddHandler(s.onMessageCreate)
	return s, nil
}

// Token returns the credential this session runs under.
func (s *Session) Token() string { return s.token }

// UserID returns the logged-in account id, "" before login.
func (s *Session) UserID() string { return s.userID }

// Username returns the logged-in account name.
func (s *Session) Username() string { return s.username }

// StartedAt returns when the gateway connection came up.
func (s *Session) StartedAt() time.Time { return s.started }

// GuildCount returns the number of guilds visible to this session.
func (s *Session) GuildCount() int {
	if s.dg.State == nil {
		return 0
	}
	return len(s.dg.State.Guilds)
}

// Run verifies the credential, opens the gateway, and keeps the session
// alive until the context ends. An invalid token marks the config record
// failed and returns without error so sibling sessions keep running.
func (s *Session) Run(ctx context.Context) error {
	if err := s.verifyToken(); err != nil {
		if isAuthInvalid(err) {
			s.log.Error("token rejected, marking failed", "error", err)
			s.cfg.MarkTokenFailed(s.token, err.Error())
			if saveErr := config.Save(s.cfgPath, s.cfg); saveErr != nil {
				s.log.Error("persist failed-token status", "error", saveErr)
			}
			return nil
		}
		return err
	}

	backoff := reconnectBase
	attempts := 0
	for {
		err := s.dg.Open()
		if err == nil {
			break
		}
		attempts++
		if attempts >= s.cfg.MaxLoginAttempts() {
			return fmt.Errorf("open gateway after %d attempts: %w", attempts, err)
		}
		s.log.Warn("gateway open failed, retrying", "attempt", attempts, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
	defer s.dg.Close()

	s.started = time.Now()
	s.cfg.RecordLogin(s.token, s.userID, s.username)
	if err := config.Save(s.cfgPath, s.cfg); err != nil {
		s.log.Error("persist login record", "error", err)
	}
	s.log.Info("collector connected", "user", s.username, "id", s.userID)

	go s.watcher.Run(ctx)
	go s.monitorCategories(ctx)

	<-ctx.Done()
	return ctx.Err()
}

// verifyToken classifies the credential before the first identify: a REST
// 401 is a deterministic AuthInvalid signal, where gateway close codes are
// not.
func (s *Session) verifyToken() error {
	user, err := s.dg.User("@me")
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	s.userID = user.ID
	s.username = strings.TrimSuffix(user.Username, "#0")
	return nil
}

func isAuthInvalid(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		return code == http.StatusUnauthorized || code == http.StatusForbidden
	}
	return errors.Is(err, discordgo.ErrUnauthorized)
}

func (s *Session) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	ctx := context.Background()

	if m.GuildID == "" {
		s.handleDM(ctx, m.Message)
		return
	}

	servers := s.cfg.ServersFor(s.token)
	categoryID := s.categoryID(m.ChannelID)
	if reason := checkGuildMessage(m.Message, categoryID, s.userID, servers); reason != dropNone {
		if reason != dropUnmonitored {
			s.log.Debug("message dropped", "id", m.ID, "reason", string(reason))
		}
		return
	}
	if s.dedup.Seen(m.ID) {
		return
	}

	out := normalizeGuildMessage(s, m.Message)

	// Seed the deletion watcher from live traffic; its own sweeps take over
	// discovery for the guild from there.
	if ch, err := s.Channel(m.ChannelID); err == nil && ch != nil {
		s.watcher.Track(ch, out.ServerRealName)
	}

	if err := s.emit.Emit(ctx, out); err != nil {
		s.log.Error("emit message", "id", m.ID, "error", err)
	}
}

func (s *Session) handleDM(ctx context.Context, m *discordgo.Message) {
	tc, ok := s.cfg.TokenFor(s.token)
	if !ok {
		return
	}
	mutualMonitored, mutualTotal := s.mutualGuilds(m.Author.ID)
	if reason := checkDM(m, s.userID, tc.DMMirroring, mutualMonitored, mutualTotal); reason != dropNone {
		if reason == dropDMSpam {
			s.log.Info("dm rejected by spam filter", "from", m.Author.ID)
		}
		return
	}
	if s.dedup.Seen(m.ID) {
		return
	}

	out := normalizeDM(m, s.userID, s.username, s.token,
		wireDMTarget{DestinationServerID: tc.DMMirroring.DestinationServerID})
	if err := s.emit.Emit(ctx, out); err != nil {
		s.log.Error("emit dm", "id", m.ID, "error", err)
	}
}

// mutualGuilds counts guilds shared with the peer, split into monitored and
// total. Member state is best-effort; absence only makes the filter
// stricter for strangers.
func (s *Session) mutualGuilds(userID string) (monitored, total int) {
	servers := s.cfg.ServersFor(s.token)
	if s.dg.State == nil {
		return 0, 0
	}
	for _, g := range s.dg.State.Guilds {
		if member, err := s.dg.State.Member(g.ID, userID); err != nil || member == nil {
			continue
		}
		total++
		if _, ok := servers[g.ID]; ok {
			monitored++
		}
	}
	return monitored, total
}

// SendDM delivers an outbound relay message to a peer over this session.
func (s *Session) SendDM(userID, content string, attachments []string) error {
	ch, err := s.dg.UserChannelCreate(userID)
	if err != nil {
		return fmt.Errorf("open dm channel: %w", err)
	}
	body := content
	for _, url := range attachments {
		if body != "" {
			body += "\n"
		}
		body += url
	}
	if _, err := s.dg.ChannelMessageSend(ch.ID, body); err != nil {
		return fmt.Errorf("send dm: %w", err)
	}
	return nil
}

func (s *Session) categoryID(channelID string) string {
	ch, err := s.Channel(channelID)
	if err != nil || ch == nil {
		return ""
	}
	return ch.ParentID
}

// Channel resolves a channel, state-first.
func (s *Session) Channel(id string) (*discordgo.Channel, error) {
	if ch, err := s.dg.State.Channel(id); err == nil && ch != nil {
		return ch, nil
	}
	return s.dg.Channel(id)
}

// Guild resolves a guild, state-first.
func (s *Session) Guild(id string) (*discordgo.Guild, error) {
	if g, err := s.dg.State.Guild(id); err == nil && g != nil {
		return g, nil
	}
	return s.dg.Guild(id)
}

// ReferencedMessage fetches a reply target not inlined by the gateway.
func (s *Session) ReferencedMessage(ref *discordgo.MessageReference) (*discordgo.Message, error) {
	return s.dg.ChannelMessage(ref.ChannelID, ref.MessageID)
}

// GuildChannels lists a guild's channels over REST; used by the watchers,
// which need fresh listings rather than possibly stale state.
func (s *Session) GuildChannels(guildID string) ([]*discordgo.Channel, error) {
	return s.dg.GuildChannels(guildID)
}

// monitorCategories polls the monitored categories of each server and pushes
// add/remove updates so the destination structure follows the source.
func (s *Session) monitorCategories(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	known := make(map[string]map[string]string) // categoryID -> channelID -> name
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for serverID, sc := range s.cfg.ServersFor(s.token) {
			if len(sc.MonitoredCategories) == 0 {
				continue
			}
			s.diffCategories(ctx, serverID, sc.MonitoredCategories, known)
		}
	}
}

func (s *Session) diffCategories(ctx context.Context, serverID string, categories []string, known map[string]map[string]string) {
	channels, err := s.GuildChannels(serverID)
	if err != nil {
		s.log.Warn("category poll failed", "server", serverID, "error", err)
		return
	}
	serverName := serverID
	if g, err := s.Guild(serverID); err == nil && g != nil {
		serverName = g.Name
	}
	categoryNames := make(map[string]string)
	current := make(map[string]map[string]string)
	for _, id := range categories {
		current[id] = make(map[string]string)
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory {
			categoryNames[ch.ID] = ch.Name
			continue
		}
		if set, ok := current[ch.ParentID]; ok {
			set[ch.ID] = ch.Name
		}
	}

	for catID, now := range current {
		prev, tracked := known[catID]
		if tracked {
			for id, name := range now {
				if _, ok := prev[id]; !ok {
					s.pushCategoryUpdate(ctx, wire.CategoryAdd, id, name, categoryNames[catID], serverID, serverName)
				}
			}
			for id, name := range prev {
				if _, ok := now[id]; !ok {
					s.pushCategoryUpdate(ctx, wire.CategoryRemove, id, name, categoryNames[catID], serverID, serverName)
				}
			}
		}
		known[catID] = now
	}
}

func (s *Session) pushCategoryUpdate(ctx context.Context, action, channelID, channelName, categoryName, serverID, serverName string) {
	upd := wire.CategoryUpdate{
		Action:       action,
		ChannelID:    channelID,
		ChannelName:  channelName,
		CategoryName: categoryName,
		ServerID:     serverID,
		ServerName:   serverName,
	}
	if err := s.emit.EmitCategoryUpdate(ctx, upd); err != nil {
		s.log.Warn("category update push failed", "channel", channelID, "error", err)
	}
}
