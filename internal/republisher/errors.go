package republisher

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a delivery failure so call sites can branch on the tag
// instead of string-matching at every layer.
type Kind int

const (
	KindNone Kind = iota
	KindAuthInvalid
	KindGatewayTransient
	KindWebhookUnknown
	KindChannelUnknown
	KindRateLimited
	KindPayloadTooLarge
	KindBadRequest
	KindContentTooLong
	KindUpstreamUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindAuthInvalid:
		return "auth_invalid"
	case KindGatewayTransient:
		return "gateway_transient"
	case KindWebhookUnknown:
		return "webhook_unknown"
	case KindChannelUnknown:
		return "channel_unknown"
	case KindRateLimited:
		return "rate_limited"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindBadRequest:
		return "bad_request"
	case KindContentTooLong:
		return "content_too_long"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	default:
		return "none"
	}
}

// DeliveryError is a classified webhook failure.
type DeliveryError struct {
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery %s (status %d)", e.Kind, e.Status)
}

// roleLimitCode is Discord's "maximum number of server roles reached".
const roleLimitCode = `"code": 30005`

// classifyResponse maps a webhook HTTP response onto the taxonomy. The body
// is consumed.
func classifyResponse(resp *http.Response) *DeliveryError {
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	body := string(raw)

	de := &DeliveryError{Status: resp.StatusCode, Body: body}
	switch {
	case resp.StatusCode == http.StatusNotFound && strings.Contains(body, "Unknown Webhook"):
		de.Kind = KindWebhookUnknown
	case resp.StatusCode == http.StatusNotFound && strings.Contains(body, "Unknown Channel"):
		de.Kind = KindChannelUnknown
	case resp.StatusCode == http.StatusNotFound:
		de.Kind = KindWebhookUnknown
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		de.Kind = KindPayloadTooLarge
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ReplaceAll(body, " ", ""), strings.ReplaceAll(roleLimitCode, " ", "")):
		de.Kind = KindBadRequest
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(body, "2000 or fewer"):
		de.Kind = KindContentTooLong
	case resp.StatusCode == http.StatusBadRequest:
		de.Kind = KindBadRequest
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		de.Kind = KindAuthInvalid
	case resp.StatusCode == http.StatusTooManyRequests:
		de.Kind = KindRateLimited
		de.RetryAfter = parseRetryAfter(resp, body)
	case resp.StatusCode >= 500:
		de.Kind = KindUpstreamUnavailable
	default:
		de.Kind = KindBadRequest
	}
	return de
}

// parseRetryAfter reads the wait from the header, falling back to the JSON
// body field, then to one second.
func parseRetryAfter(resp *http.Response, body string) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	if i := strings.Index(body, `"retry_after"`); i >= 0 {
		rest := body[i+len(`"retry_after"`):]
		rest = strings.TrimLeft(rest, ": ")
		end := strings.IndexAny(rest, ",}")
		if end > 0 {
			if d, err := time.ParseDuration(strings.TrimSpace(rest[:end]) + "s"); err == nil {
				return d
			}
		}
	}
	return time.Second
}
