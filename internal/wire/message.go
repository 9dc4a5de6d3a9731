// Package wire defines the message shape that travels between the collector
// pool and the republisher, together with the name-normalization rules both
// sides must agree on. Collectors are the only producers of Message; the
// republisher accepts no other shape.
package wire

import (
	"encoding/json"
	"fmt"
)

// Message types carried on the queue.
const (
	TypeRegular       = "regular"
	TypeDM            = "dm"
	TypeDeleteChannel = "delete_channel"
)

// CategoryUpdatesQueue carries add/remove payloads for monitored categories,
// separate from the message queue so structure changes never race content.
const CategoryUpdatesQueue = "category_updates"

// Category update actions.
const (
	CategoryAdd    = "add"
	CategoryRemove = "remove"
)

// CategoryUpdate describes one channel appearing in or vanishing from a
// monitored source category.
type CategoryUpdate struct {
	Action       string `json:"action"`
	ChannelID    string `json:"channel_id"`
	ChannelName  string `json:"channel_name"`
	CategoryName string `json:"category_name"`
	ServerID     string `json:"server_id"`
	ServerName   string `json:"server_name"`
}

// Embed is the portable subset of a Discord embed that survives mirroring.
// Nil/empty fields are dropped on marshal so the webhook payload stays clean.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Image       string       `json:"image,omitempty"`
	Thumbnail   string       `json:"thumbnail,omitempty"`
	Footer      string       `json:"footer,omitempty"`
	Author      string       `json:"author,omitempty"`
}

// EmbedField is a single name/value pair inside an embed.
type EmbedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// IsZero reports whether the embed carries no payload at all.
func (e Embed) IsZero() bool {
	return e.Title == "" && e.Description == "" && e.URL == "" &&
		len(e.Fields) == 0 && e.Image == "" && e.Thumbnail == "" &&
		e.Footer == "" && e.Author == ""
}

// Message is the normalized form of an observed Discord message. It is
// immutable once enqueued: the republisher never mutates a Message, it only
// renders from it.
type Message struct {
	MessageType  string `json:"message_type"`
	MessageID    string `json:"message_id"`
	ChannelID    string `json:"channel_id"`
	ChannelName  string `json:"channel_name"`
	CategoryName string `json:"category_name"`
	ServerID     string `json:"server_id"`
	ServerName   string `json:"server_name"`
	Content      string `json:"content"`
	AuthorID     string `json:"author_id"`
	AuthorName   string `json:"author_name"`
	AuthorAvatar string `json:"author_avatar,omitempty"`
	Timestamp    string `json:"timestamp"`

	Attachments       []string          `json:"attachments"`
	Embeds            []Embed           `json:"embeds"`
	MentionedRoles    map[string]string `json:"mentioned_roles,omitempty"`
	MentionedChannels map[string]string `json:"mentioned_channels,omitempty"`

	ReplyTo   string `json:"reply_to,omitempty"`
	ReplyText string `json:"reply_text,omitempty"`

	ForwardedFrom        string   `json:"forwarded_from,omitempty"`
	ForwardedAttachments []string `json:"forwarded_attachments,omitempty"`
	IsForwarded          bool     `json:"is_forwarded"`

	// Display names before normalization, used for operator-facing output
	// (deleted-channel events, DM embeds).
	ChannelRealName string `json:"channel_real_name,omitempty"`
	ServerRealName  string `json:"server_real_name,omitempty"`

	// DM-only fields.
	DestinationServerID string `json:"destination_server_id,omitempty"`
	DMUserID            string `json:"dm_user_id,omitempty"`
	DMUsername          string `json:"dm_username,omitempty"`
	SelfUserID          string `json:"self_user_id,omitempty"`
	SelfUsername        string `json:"self_username,omitempty"`
	ReceivingToken      string `json:"receiving_token,omitempty"`
	SenderUserID        string `json:"sender_user_id,omitempty"`
	IsBot               bool   `json:"is_bot,omitempty"`
	BotName             string `json:"bot_name,omitempty"`
}

// IsDM reports whether the message came from a direct-message channel.
func (m *Message) IsDM() bool { return m.MessageType == TypeDM }

// Encode serializes the message for the queue.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.MessageID, err)
	}
	return data, nil
}

// Decode parses a queue payload. The payload must be a JSON object; anything
// else (arrays, bare strings, corrupt bytes) is rejected so the consumer can
// skip it without dying.
func Decode(payload []byte) (*Message, error) {
	var probe json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("decode queue payload: %w", err)
	}
	if len(probe) == 0 || probe[0] != '{' {
		return nil, fmt.Errorf("decode queue payload: not a JSON object")
	}
	var m Message
	if err := json.Unmarshal(probe, &m); err != nil {
		return nil, fmt.Errorf("decode queue payload: %w", err)
	}
	if m.MessageType == "" {
		m.MessageType = TypeRegular
	}
	return &m, nil
}
