// Package config holds the hot-reloadable configuration shared by the
// collector pool and the republisher. The file on disk is the single source
// of truth: every operator command mutates the file and relies on the
// watcher to propagate the change.
package config

import (
	"sync"
	"time"
)

// Token statuses. A failed token is never retried until the config file
// changes again.
const (
	TokenActive = "active"
	TokenFailed = "failed"
)

// UserInfo is the identity of the account behind a collector token,
// captured on successful login.
type UserInfo struct {
	ID                  string `json:"id,omitempty"`
	Name                string `json:"name,omitempty"`
	LastSuccessfulLogin string `json:"last_successful_login,omitempty"`
}

// DMMirroring controls whether a token's direct messages are mirrored and
// into which destination guild.
type DMMirroring struct {
	Enabled             bool   `json:"enabled"`
	DestinationServerID string `json:"destination_server_id,omitempty"`
	// AllowedBots lists bot senders (by id or username) whose DMs are
	// mirrored. Bots off the list are dropped.
	AllowedBots []string `json:"allowed_bots,omitempty"`
}

// ServerConfig is one monitored source guild under a token.
type ServerConfig struct {
	ExcludedCategories  []string `json:"excluded_categories,omitempty"`
	ExcludedChannels    []string `json:"excluded_channels,omitempty"`
	MonitoredCategories []string `json:"monitored_categories,omitempty"`
}

// TokenConfig is the full lifecycle record for one collector credential.
type TokenConfig struct {
	Disabled          bool                    `json:"disabled,omitempty"`
	Status            string                  `json:"status,omitempty"`
	LastError         string                  `json:"last_error,omitempty"`
	LastFailedAttempt string                  `json:"last_failed_attempt,omitempty"`
	UserInfo          *UserInfo               `json:"user_info,omitempty"`
	Servers           map[string]ServerConfig `json:"servers,omitempty"`
	DMMirroring       DMMirroring             `json:"dm_mirroring,omitempty"`
}

// DMMapping is the persisted half of a DM route kept in the config file for
// operator inspection; the authoritative copy lives in the routing store.
type DMMapping struct {
	UserID         string `json:"user_id"`
	Username       string `json:"username,omitempty"`
	SelfUserID     string `json:"self_user_id,omitempty"`
	ReceivingToken string `json:"receiving_token,omitempty"`
	SenderToken    string `json:"sender_token,omitempty"`
	RelayToken     string `json:"relay_token,omitempty"`
}

// Settings are the tunables shared by both processes.
type Settings struct {
	MessageDelay     float64 `json:"message_delay,omitempty"`      // seconds between enqueues per collector
	MaxLoginAttempts int     `json:"max_login_attempts,omitempty"` // gateway reconnect attempt cap
	QueueName        string  `json:"queue_name,omitempty"`         // durable queue list key
}

// Config is the root configuration. Guarded by a mutex so the watcher can
// swap contents in place while collectors read snapshots.
type Config struct {
	BotToken            string                 `json:"bot_token"`
	DestinationServer   string                 `json:"destination_server"`
	RedisURL            string                 `json:"redis_url,omitempty"`
	Webhooks            map[string]string      `json:"webhooks,omitempty"`
	DMMappings          map[string]DMMapping   `json:"dm_mappings,omitempty"`
	Tokens              map[string]TokenConfig `json:"tokens,omitempty"`
	Settings            Settings               `json:"settings,omitempty"`
	ProtectedChannels   []string               `json:"protected_channels,omitempty"`
	ForumMappings       map[string]string      `json:"forum_mappings,omitempty"`
	IgnoredCategoryTags []string               `json:"ignored_category_tags,omitempty"`
	CategoryMappings    map[string]string      `json:"category_mappings,omitempty"`
	UpdatesChannelID    string                 `json:"updates_channel_id,omitempty"`
	ArchivedForums      []string               `json:"archived_forums,omitempty"`
	SourceChannelIDs    []string               `json:"source_channel_ids,omitempty"`

	mu sync.RWMutex
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the watcher so live components keep their pointer.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BotToken = src.BotToken
	c.DestinationServer = src.DestinationServer
	c.RedisURL = src.RedisURL
	c.Webhooks = src.Webhooks
	c.DMMappings = src.DMMappings
	c.Tokens = src.Tokens
	c.Settings = src.Settings
	c.ProtectedChannels = src.ProtectedChannels
	c.ForumMappings = src.ForumMappings
	c.IgnoredCategoryTags = src.IgnoredCategoryTags
	c.CategoryMappings = src.CategoryMappings
	c.UpdatesChannelID = src.UpdatesChannelID
	c.ArchivedForums = src.ArchivedForums
	c.SourceChannelIDs = src.SourceChannelIDs
}

// Destination returns the destination guild id.
func (c *Config) Destination() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DestinationServer
}

// ForumFor returns the forum channel id mapped for a "{category}-[{server}]"
// key, if one is configured.
func (c *Config) ForumFor(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ForumMappings[key]
	return id, ok
}

// QueueName returns the configured queue key, defaulting to "message_queue".
func (c *Config) QueueName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Settings.QueueName != "" {
		return c.Settings.QueueName
	}
	return "message_queue"
}

// MessageDelay returns the per-collector enqueue pacing interval.
func (c *Config) MessageDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Settings.MessageDelay <= 0 {
		return 750 * time.Millisecond
	}
	return time.Duration(c.Settings.MessageDelay * float64(time.Second))
}

// MaxLoginAttempts returns the reconnect attempt cap per token.
func (c *Config) MaxLoginAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Settings.MaxLoginAttempts <= 0 {
		return 5
	}
	return c.Settings.MaxLoginAttempts
}

// ActiveTokens returns the tokens eligible for a collector session:
// not disabled and not marked failed.
func (c *Config) ActiveTokens() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.Tokens))
	for token, tc := range c.Tokens {
		if tc.Disabled || tc.Status == TokenFailed {
			continue
		}
		out = append(out, token)
	}
	return out
}

// TokenFor returns the config record for a token.
func (c *Config) TokenFor(token string) (TokenConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc, ok := c.Tokens[token]
	return tc, ok
}

// ServersFor returns a copy of the monitored-server map for a token.
func (c *Config) ServersFor(token string) map[string]ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc, ok := c.Tokens[token]
	if !ok {
		return nil
	}
	out := make(map[string]ServerConfig, len(tc.Servers))
	for id, sc := range tc.Servers {
		out[id] = sc
	}
	return out
}

// MarkTokenFailed records an unrecoverable auth failure for a token.
// The caller persists the config afterwards.
func (c *Config) MarkTokenFailed(token, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc := c.Tokens[token]
	tc.Status = TokenFailed
	tc.LastError = reason
	tc.LastFailedAttempt = time.Now().UTC().Format(time.RFC3339)
	c.Tokens[token] = tc
}

// RecordLogin stores the user identity behind a token after a successful
// gateway login.
func (c *Config) RecordLogin(token, userID, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc := c.Tokens[token]
	tc.Status = TokenActive
	tc.UserInfo = &UserInfo{
		ID:                  userID,
		Name:                username,
		LastSuccessfulLogin: time.Now().UTC().Format(time.RFC3339),
	}
	c.Tokens[token] = tc
}

// FindTokenForUser returns the token whose logged-in account is the given
// user, if the user is one of the managed sessions. Used by the DM relay to
// pick a sender token that can reach the peer directly.
func (c *Config) FindTokenForUser(userID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for token, tc := range c.Tokens {
		if tc.UserInfo != nil && tc.UserInfo.ID == userID {
			return token, true
		}
	}
	return "", false
}

// UpdatesChannel returns the channel id for versioned update posts.
func (c *Config) UpdatesChannel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.UpdatesChannelID
}

// TokensSnapshot returns a shallow copy of the token map for read-only
// iteration.
func (c *Config) TokensSnapshot() map[string]TokenConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]TokenConfig, len(c.Tokens))
	for token, tc := range c.Tokens {
		out[token] = tc
	}
	return out
}

// SetDMMapping records a DM route under its destination channel id.
func (c *Config) SetDMMapping(channelID string, m DMMapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DMMappings == nil {
		c.DMMappings = make(map[string]DMMapping)
	}
	c.DMMappings[channelID] = m
}

// DMMappingCount returns how many DM routes are persisted.
func (c *Config) DMMappingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.DMMappings)
}

// IsProtected reports whether a destination channel id is exempt from
// automatic deletion.
func (c *Config) IsProtected(channelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.ProtectedChannels {
		if id == channelID {
			return true
		}
	}
	return false
}

// ProtectedList returns a copy of the protected channel ids.
func (c *Config) ProtectedList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.ProtectedChannels...)
}

// SetProtected adds or removes a channel id from the protected set and
// reports whether the set changed.
func (c *Config) SetProtected(channelID string, protected bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := -1
	for i, id := range c.ProtectedChannels {
		if id == channelID {
			idx = i
			break
		}
	}
	if protected {
		if idx >= 0 {
			return false
		}
		c.ProtectedChannels = append(c.ProtectedChannels, channelID)
		return true
	}
	if idx < 0 {
		return false
	}
	c.ProtectedChannels = append(c.ProtectedChannels[:idx], c.ProtectedChannels[idx+1:]...)
	return true
}

// BlockChannel appends a channel id to the excluded set of every token that
// monitors the given server. Returns the number of token entries touched.
func (c *Config) BlockChannel(serverID, channelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	touched := 0
	for token, tc := range c.Tokens {
		sc, ok := tc.Servers[serverID]
		if !ok {
			continue
		}
		if containsString(sc.ExcludedChannels, channelID) {
			continue
		}
		sc.ExcludedChannels = append(sc.ExcludedChannels, channelID)
		tc.Servers[serverID] = sc
		c.Tokens[token] = tc
		touched++
	}
	return touched
}

// UnblockChannel removes a channel id from the excluded set of every token
// that monitors the given server.
func (c *Config) UnblockChannel(serverID, channelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	touched := 0
	for token, tc := range c.Tokens {
		sc, ok := tc.Servers[serverID]
		if !ok {
			continue
		}
		filtered := make([]string, 0, len(sc.ExcludedChannels))
		removed := false
		for _, id := range sc.ExcludedChannels {
			if id == channelID {
				removed = true
				continue
			}
			filtered = append(filtered, id)
		}
		if removed {
			sc.ExcludedChannels = filtered
			tc.Servers[serverID] = sc
			c.Tokens[token] = tc
			touched++
		}
	}
	return touched
}

// BlockedChannels returns the union of excluded channel ids per server.
func (c *Config) BlockedChannels() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]string)
	for _, tc := range c.Tokens {
		for serverID, sc := range tc.Servers {
			for _, id := range sc.ExcludedChannels {
				if !containsString(out[serverID], id) {
					out[serverID] = append(out[serverID], id)
				}
			}
		}
	}
	return out
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
