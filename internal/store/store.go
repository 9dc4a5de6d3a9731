// Package store is the Redis-backed routing store shared by collectors and
// the republisher: the durable message queue, the webhook and DM route maps,
// the dedup set, channel-age records, and bot-instance discovery.
//
// All state is eventually consistent. A missing entry means "not provisioned
// yet", never an error.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout. Everything lives in one logical database so operators can
// inspect it with redis-cli.
const (
	keyWebhooks     = "webhooks"
	keyDMRoutes     = "dm_webhooks"
	keyRecent       = "recent_messages"
	keyBotInstances = "bot_instances"
	keyMonitoring   = "channel_monitoring"
	keyDeleted      = "polar_deleted_channels"
	channelAgePre   = "channel_created_"
)

// recentExpiry bounds the dedup set: entries older than this can no longer
// collide with a live queue item.
const recentExpiry = 4 * time.Hour

// DMRoute is the persisted mapping from a DM peer to the destination channel
// and webhook that mirror the conversation.
type DMRoute struct {
	UserID         string `json:"user_id"`
	Username       string `json:"username,omitempty"`
	ChannelID      string `json:"channel_id"`
	WebhookURL     string `json:"webhook_url"`
	SelfUserID     string `json:"self_user_id,omitempty"`
	ServerID       string `json:"server_id,omitempty"`
	ReceivingToken string `json:"receiving_token,omitempty"`
	RelayToken     string `json:"relay_token,omitempty"`
}

// BotInstance is one collector session advertised for discovery.
type BotInstance struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	TokenHint string `json:"token_hint,omitempty"`
	Servers   int    `json:"servers"`
	StartedAt string `json:"started_at"`
}

// Store wraps a Redis client with the routing-store operations.
type Store struct {
	rdb *redis.Client
}

// Connect parses the Redis URL, connects, and pings to verify the
// connection before anything is queued behind it.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// New wraps an existing client. Used by tests.
func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Close releases the underlying client.
func (s *Store) Close() error { return s.rdb.Close() }

// Push enqueues a payload on the named queue.
func (s *Store) Push(ctx context.Context, queue string, payload []byte) error {
	if err := s.rdb.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("queue push: %w", err)
	}
	return nil
}

// Pop dequeues the next payload, or returns (nil, nil) when the queue is
// empty.
func (s *Store) Pop(ctx context.Context, queue string) ([]byte, error) {
	data, err := s.rdb.RPop(ctx, queue).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue pop: %w", err)
	}
	return data, nil
}

// QueueLen returns the current queue depth.
func (s *Store) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := s.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

// PutWebhook registers the webhook URL serving a route key.
func (s *Store) PutWebhook(ctx context.Context, routeKey, url string) error {
	if err := s.rdb.HSet(ctx, keyWebhooks, routeKey, url).Err(); err != nil {
		return fmt.Errorf("put webhook: %w", err)
	}
	return nil
}

// GetWebhook returns the webhook URL for a route key, or "" when the route
// has not been provisioned.
func (s *Store) GetWebhook(ctx context.Context, routeKey string) (string, error) {
	url, err := s.rdb.HGet(ctx, keyWebhooks, routeKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get webhook: %w", err)
	}
	return url, nil
}

// DeleteWebhook evicts a dead route.
func (s *Store) DeleteWebhook(ctx context.Context, routeKey string) error {
	if err := s.rdb.HDel(ctx, keyWebhooks, routeKey).Err(); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// Webhooks returns the whole route map, for the liveness sweep and the
// status surfaces.
func (s *Store) Webhooks(ctx context.Context) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, keyWebhooks).Result()
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return m, nil
}

// PutDMRoute persists the mirror route for a DM peer.
func (s *Store) PutDMRoute(ctx context.Context, route DMRoute) error {
	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("encode dm route: %w", err)
	}
	if err := s.rdb.HSet(ctx, keyDMRoutes, route.UserID, data).Err(); err != nil {
		return fmt.Errorf("put dm route: %w", err)
	}
	return nil
}

// GetDMRoute returns the route for a DM peer, or (nil, nil) when none exists.
func (s *Store) GetDMRoute(ctx context.Context, userID string) (*DMRoute, error) {
	data, err := s.rdb.HGet(ctx, keyDMRoutes, userID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dm route: %w", err)
	}
	var route DMRoute
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, fmt.Errorf("decode dm route: %w", err)
	}
	return &route, nil
}

// DeleteDMRoute evicts a DM route whose channel or webhook is gone.
func (s *Store) DeleteDMRoute(ctx context.Context, userID string) error {
	if err := s.rdb.HDel(ctx, keyDMRoutes, userID).Err(); err != nil {
		return fmt.Errorf("delete dm route: %w", err)
	}
	return nil
}

// DMRoutes returns every persisted DM route.
func (s *Store) DMRoutes(ctx context.Context) ([]DMRoute, error) {
	m, err := s.rdb.HGetAll(ctx, keyDMRoutes).Result()
	if err != nil {
		return nil, fmt.Errorf("list dm routes: %w", err)
	}
	out := make([]DMRoute, 0, len(m))
	for _, raw := range m {
		var route DMRoute
		if err := json.Unmarshal([]byte(raw), &route); err != nil {
			continue
		}
		out = append(out, route)
	}
	return out, nil
}

// MessageHash fingerprints a mirrored message for content-level dedup.
func MessageHash(messageID, content, authorID, timestamp string) string {
	sum := sha256.Sum256([]byte(messageID + ":" + content + ":" + authorID + ":" + timestamp))
	return hex.EncodeToString(sum[:])
}

// SeenRecently records a message fingerprint and reports whether it was
// already present. The set expires as a whole so it cannot grow unbounded.
func (s *Store) SeenRecently(ctx context.Context, hash string) (bool, error) {
	added, err := s.rdb.SAdd(ctx, keyRecent, hash).Result()
	if err != nil {
		return false, fmt.Errorf("dedup add: %w", err)
	}
	if err := s.rdb.Expire(ctx, keyRecent, recentExpiry).Err(); err != nil {
		return false, fmt.Errorf("dedup expire: %w", err)
	}
	return added == 0, nil
}

// MarkChannelCreated records when a destination channel was provisioned. The
// key's TTL doubles as the age record: once it expires the channel is old
// enough for retention to consider.
func (s *Store) MarkChannelCreated(ctx context.Context, channelID string, ttl time.Duration) error {
	key := channelAgePre + channelID
	if err := s.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("mark channel created: %w", err)
	}
	return nil
}

// ChannelCreatedAt returns the provisioning time of a channel, or zero time
// when the record has expired or never existed.
func (s *Store) ChannelCreatedAt(ctx context.Context, channelID string) (time.Time, error) {
	val, err := s.rdb.Get(ctx, channelAgePre+channelID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("channel created at: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("channel created at: %w", err)
	}
	return ts, nil
}

// ClearChannelCreated removes the age record after the channel is deleted.
func (s *Store) ClearChannelCreated(ctx context.Context, channelID string) error {
	if err := s.rdb.Del(ctx, channelAgePre+channelID).Err(); err != nil {
		return fmt.Errorf("clear channel created: %w", err)
	}
	return nil
}

// MarkDeleted suppresses further mirroring for a source channel whose
// destination was archived.
func (s *Store) MarkDeleted(ctx context.Context, channelID string) error {
	if err := s.rdb.SAdd(ctx, keyDeleted, channelID).Err(); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

// IsDeleted reports whether a source channel has been archived away.
func (s *Store) IsDeleted(ctx context.Context, channelID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, keyDeleted, channelID).Result()
	if err != nil {
		return false, fmt.Errorf("is deleted: %w", err)
	}
	return ok, nil
}

// PublishInstance advertises a collector session. Entries are refreshed every
// 30 s by the pool manager; stale entries age out with the hash TTL.
func (s *Store) PublishInstance(ctx context.Context, inst BotInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}
	if err := s.rdb.HSet(ctx, keyBotInstances, inst.UserID, data).Err(); err != nil {
		return fmt.Errorf("publish instance: %w", err)
	}
	if err := s.rdb.Expire(ctx, keyBotInstances, 2*time.Minute).Err(); err != nil {
		return fmt.Errorf("publish instance: %w", err)
	}
	return nil
}

// Instances lists the currently advertised collector sessions.
func (s *Store) Instances(ctx context.Context) ([]BotInstance, error) {
	m, err := s.rdb.HGetAll(ctx, keyBotInstances).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]BotInstance, 0, len(m))
	for _, raw := range m {
		var inst BotInstance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// SetChannelLink records that a destination channel mirrors a source
// channel, so deleted-source events can find the mirrored side.
func (s *Store) SetChannelLink(ctx context.Context, destChannelID, sourceChannelID string) error {
	if err := s.rdb.HSet(ctx, keyMonitoring, destChannelID, sourceChannelID).Err(); err != nil {
		return fmt.Errorf("set channel link: %w", err)
	}
	return nil
}

// ChannelLinks returns the destination → source channel map.
func (s *Store) ChannelLinks(ctx context.Context) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, keyMonitoring).Result()
	if err != nil {
		return nil, fmt.Errorf("get channel links: %w", err)
	}
	return m, nil
}

// DeleteChannelLink removes the mirror record for a destination channel.
func (s *Store) DeleteChannelLink(ctx context.Context, destChannelID string) error {
	if err := s.rdb.HDel(ctx, keyMonitoring, destChannelID).Err(); err != nil {
		return fmt.Errorf("delete channel link: %w", err)
	}
	return nil
}
