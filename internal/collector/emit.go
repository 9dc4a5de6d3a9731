package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/onetaplabs/mirror/internal/store"
	"github.com/onetaplabs/mirror/internal/wire"
)

// egressRetryInterval paces retries while the queue server is down.
const egressRetryInterval = 10 * time.Second

// DefaultProcessEndpoint is the republisher's local intake.
const DefaultProcessEndpoint = "http://127.0.0.1:5000/process_message"

// Emitter delivers normalized messages over both transports: the durable
// queue (primary) and the republisher's HTTP intake (secondary). Losing one
// transport must not lose messages; the republisher dedups the overlap.
type Emitter struct {
	store    *store.Store
	queue    func() string
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	log      *slog.Logger

	// Outage markers, shared by the message and DM handler goroutines of a
	// session. CompareAndSwap keeps the once-per-outage logging exact.
	queueDown atomic.Bool
	httpDown  atomic.Bool
}

// NewEmitter builds an emitter pacing enqueues at the configured message
// delay.
func NewEmitter(s *store.Store, queue func() string, endpoint string, delay time.Duration, log *slog.Logger) *Emitter {
	if endpoint == "" {
		endpoint = DefaultProcessEndpoint
	}
	return &Emitter{
		store:    s,
		queue:    queue,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(delay), 1),
		log:      log,
	}
}

// Emit encodes and delivers one message. The queue push retries until it
// succeeds or the context ends; the HTTP side is best-effort because the
// queue already holds the payload.
func (e *Emitter) Emit(ctx context.Context, m *wire.Message) error {
	payload, err := m.Encode()
	if err != nil {
		return err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := e.pushWithRetry(ctx, payload); err != nil {
		return err
	}
	e.postIntake(ctx, payload)
	return nil
}

// pushWithRetry pushes to the durable queue, retrying every 10 s for as long
// as the context lives. The outage is logged once, recovery once.
func (e *Emitter) pushWithRetry(ctx context.Context, payload []byte) error {
	for {
		err := e.store.Push(ctx, e.queue(), payload)
		if err == nil {
			if e.queueDown.CompareAndSwap(true, false) {
				e.log.Info("queue push recovered")
			}
			return nil
		}
		if e.queueDown.CompareAndSwap(false, true) {
			e.log.Error("queue push failing, retrying", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(egressRetryInterval):
		}
	}
}

// postIntake mirrors the payload to the republisher's HTTP endpoint.
// Failures only log: the queue path is authoritative.
func (e *Emitter) postIntake(ctx context.Context, payload []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		if e.httpDown.CompareAndSwap(false, true) {
			e.log.Warn("republisher intake unreachable", "error", err)
		}
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if e.httpDown.CompareAndSwap(true, false) {
		e.log.Info("republisher intake recovered")
	}
}

// EmitCategoryUpdate pushes a structure change onto the category-updates
// queue.
func (e *Emitter) EmitCategoryUpdate(ctx context.Context, upd wire.CategoryUpdate) error {
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	return e.store.Push(ctx, wire.CategoryUpdatesQueue, payload)
}
