package republisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/onetaplabs/mirror/internal/wire"
)

const maxServerErrorAttempts = 3

// File is one upload attached to a webhook execution.
type File struct {
	Name string
	Data []byte
}

// Payload is the webhook execution body. Embeds are converted to Discord's
// wire schema on marshal.
type Payload struct {
	Username  string
	AvatarURL string
	Content   string
	Embeds    []wire.Embed
	Files     []File
}

type webhookEmbed struct {
	Title       string             `json:"title,omitempty"`
	Description string             `json:"description,omitempty"`
	URL         string             `json:"url,omitempty"`
	Color       int                `json:"color,omitempty"`
	Fields      []wire.EmbedField  `json:"fields,omitempty"`
	Image       *webhookEmbedMedia `json:"image,omitempty"`
	Thumbnail   *webhookEmbedMedia `json:"thumbnail,omitempty"`
	Footer      *webhookEmbedText  `json:"footer,omitempty"`
	Author      *webhookEmbedName  `json:"author,omitempty"`
}

type webhookEmbedMedia struct {
	URL string `json:"url"`
}

type webhookEmbedText struct {
	Text string `json:"text"`
}

type webhookEmbedName struct {
	Name string `json:"name"`
}

type webhookBody struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Content   string         `json:"content,omitempty"`
	Embeds    []webhookEmbed `json:"embeds,omitempty"`
}

func toWebhookEmbeds(embeds []wire.Embed) []webhookEmbed {
	out := make([]webhookEmbed, 0, len(embeds))
	for _, e := range embeds {
		we := webhookEmbed{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
			Color:       e.Color,
			Fields:      e.Fields,
		}
		if e.Image != "" {
			we.Image = &webhookEmbedMedia{URL: e.Image}
		}
		if e.Thumbnail != "" {
			we.Thumbnail = &webhookEmbedMedia{URL: e.Thumbnail}
		}
		if e.Footer != "" {
			we.Footer = &webhookEmbedText{Text: e.Footer}
		}
		if e.Author != "" {
			we.Author = &webhookEmbedName{Name: e.Author}
		}
		out = append(out, we)
	}
	return out
}

// Client executes webhooks over raw HTTP. The response contract needs both
// status code and body text, which the higher-level SDK call does not
// surface.
type Client struct {
	http *http.Client
	log  *slog.Logger
}

// NewClient builds a webhook client with the standard 30 s request timeout.
func NewClient(log *slog.Logger) *Client {
	return &Client{
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}
}

// Execute POSTs one webhook execution. Rate limits and 5xx responses are
// retried here; every other failure is returned classified for the caller
// to branch on.
func (c *Client) Execute(ctx context.Context, url string, p Payload) error {
	for attempt := 0; ; attempt++ {
		err := c.post(ctx, url, p)
		if err == nil {
			return nil
		}
		var de *DeliveryError
		if !errors.As(err, &de) {
			return err
		}
		switch de.Kind {
		case KindRateLimited:
			c.log.Debug("webhook rate limited", "retry_after", de.RetryAfter)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(de.RetryAfter):
			}
		case KindUpstreamUnavailable:
			if attempt+1 >= maxServerErrorAttempts {
				return err
			}
			backoff := time.Duration(2*(attempt+1)) * time.Second
			c.log.Warn("webhook upstream error, backing off", "status", de.Status, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		default:
			return err
		}
	}
}

func (c *Client) post(ctx context.Context, url string, p Payload) error {
	body := webhookBody{
		Username:  p.Username,
		AvatarURL: p.AvatarURL,
		Content:   p.Content,
		Embeds:    toWebhookEmbeds(p.Embeds),
	}

	var req *http.Request
	var err error
	if len(p.Files) == 0 {
		data, merr := json.Marshal(body)
		if merr != nil {
			return fmt.Errorf("marshal webhook body: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		data, merr := json.Marshal(body)
		if merr != nil {
			return fmt.Errorf("marshal webhook body: %w", merr)
		}
		if werr := mw.WriteField("payload_json", string(data)); werr != nil {
			return werr
		}
		for i, f := range p.Files {
			part, werr := mw.CreateFormFile(fmt.Sprintf("files[%d]", i), f.Name)
			if werr != nil {
				return werr
			}
			if _, werr := part.Write(f.Data); werr != nil {
				return werr
			}
		}
		if werr := mw.Close(); werr != nil {
			return werr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &DeliveryError{Kind: KindUpstreamUnavailable, Body: err.Error()}
	}
	defer resp.Body.Close()
	if de := classifyResponse(resp); de != nil {
		return de
	}
	return nil
}

// Head probes a webhook URL for the liveness sweep.
func (c *Client) Head(ctx context.Context, url string) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
