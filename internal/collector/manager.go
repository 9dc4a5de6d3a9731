package collector

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/onetaplabs/mirror/internal/config"
	"github.com/onetaplabs/mirror/internal/store"
)

const (
	startStagger       = 5 * time.Second
	publishInterval    = 30 * time.Second
	relayDrainInterval = 5 * time.Second
	relayQueue         = "dm_relay_queue"
)

// Manager owns the collector pool: it starts a session per active token
// with staggered identifies, advertises sessions for discovery, and follows
// config reloads by starting and stopping sessions in place.
type Manager struct {
	cfg     *config.Config
	cfgPath string
	store   *store.Store
	log     *slog.Logger

	stagger time.Duration
	startFn func(token string)

	mu       sync.Mutex
	sessions map[string]*managedSession
	parent   context.Context
	wg       sync.WaitGroup
}

type managedSession struct {
	session *Session
	cancel  context.CancelFunc
}

// NewManager builds the pool manager.
func NewManager(cfg *config.Config, cfgPath string, st *store.Store, log *slog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		cfgPath:  cfgPath,
		store:    st,
		log:      log,
		stagger:  startStagger,
		sessions: make(map[string]*managedSession),
	}
	m.startFn = m.startSession
	return m
}

// Run starts sessions for every active token and blocks until the context
// ends, publishing instance discovery along the way.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.parent = ctx
	m.mu.Unlock()

	for i, token := range m.cfg.ActiveTokens() {
		// A constant pause between consecutive identifies keeps the pool
		// from hitting the gateway at once.
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.stagger):
			}
		}
		m.startFn(token)
	}

	publish := time.NewTicker(publishInterval)
	defer publish.Stop()
	relay := time.NewTicker(relayDrainInterval)
	defer relay.Stop()
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return ctx.Err()
		case <-publish.C:
			m.publishInstances(ctx)
		case <-relay.C:
			m.drainRelayQueue(ctx)
		}
	}
}

// drainRelayQueue serves DM send requests parked on the out-of-band queue
// while the HTTP relay service was unreachable.
func (m *Manager) drainRelayQueue(ctx context.Context) {
	for {
		payload, err := m.store.Pop(ctx, relayQueue)
		if err != nil || payload == nil {
			return
		}
		var req DMRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			m.log.Warn("skipping malformed relay request", "error", err)
			continue
		}
		session, ok := m.Session(req.Token)
		if !ok {
			m.log.Warn("relay request for unknown token", "token", truncToken(req.Token))
			continue
		}
		if err := session.SendDM(req.UserID, req.Content, req.Attachments); err != nil {
			m.log.Error("queued dm relay failed", "user", req.UserID, "error", err)
		}
	}
}

// Apply reconciles the pool against a reloaded config: new active tokens get
// sessions, removed or failed tokens are shut down.
func (m *Manager) Apply(cfg *config.Config) {
	active := make(map[string]struct{})
	for _, token := range cfg.ActiveTokens() {
		active[token] = struct{}{}
	}

	m.mu.Lock()
	var toStop []string
	for token := range m.sessions {
		if _, ok := active[token]; !ok {
			toStop = append(toStop, token)
		}
	}
	m.mu.Unlock()

	for _, token := range toStop {
		m.stopSession(token)
	}
	for token := range active {
		m.startSession(token)
	}
}

// Session returns the live session for a token, for the DM relay service.
func (m *Manager) Session(token string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[token]
	if !ok {
		return nil, false
	}
	return ms.session, true
}

// Sessions snapshots the live pool.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms.session)
	}
	return out
}

func (m *Manager) startSession(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[token]; exists || m.parent == nil {
		return
	}

	emit := NewEmitter(m.store, m.cfg.QueueName, "", m.cfg.MessageDelay(), m.log)
	session, err := NewSession(token, m.cfg, m.cfgPath, m.store, emit, m.log.With("token", truncToken(token)))
	if err != nil {
		m.log.Error("create collector session", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(m.parent)
	m.sessions[token] = &managedSession{session: session, cancel: cancel}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("collector session exited", "error", err)
		}
		m.mu.Lock()
		delete(m.sessions, token)
		m.mu.Unlock()
	}()
}

func (m *Manager) stopSession(token string) {
	m.mu.Lock()
	ms, ok := m.sessions[token]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("stopping collector session", "token", truncToken(token))
	ms.cancel()
}

func (m *Manager) publishInstances(ctx context.Context) {
	for _, s := range m.Sessions() {
		if s.UserID() == "" {
			continue
		}
		inst := store.BotInstance{
			UserID:    s.UserID(),
			Username:  s.Username(),
			TokenHint: truncToken(s.Token()),
			Servers:   s.GuildCount(),
			StartedAt: s.StartedAt().UTC().Format(time.RFC3339),
		}
		if err := m.store.PublishInstance(ctx, inst); err != nil {
			m.log.Warn("publish instance", "error", err)
		}
	}
}

// truncToken keeps enough of a credential to correlate logs without
// exposing it.
func truncToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}
