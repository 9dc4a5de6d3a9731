package republisher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onetaplabs/mirror/internal/config"
	"github.com/onetaplabs/mirror/internal/store"
	"github.com/onetaplabs/mirror/internal/wire"
)

// DefaultIntakeAddr is the loopback address of the message intake.
const DefaultIntakeAddr = "127.0.0.1:5000"

// IntakeResponse reports the intake outcome.
type IntakeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Intake is the collectors' secondary transport: POST /process_message
// enqueues the payload onto the durable queue, where the consumer loop
// picks it up and dedups against the direct push.
type Intake struct {
	store *store.Store
	cfg   *config.Config
	log   *slog.Logger
	addr  string
}

// NewIntake builds the intake service.
func NewIntake(st *store.Store, cfg *config.Config, addr string, log *slog.Logger) *Intake {
	if addr == "" {
		addr = DefaultIntakeAddr
	}
	return &Intake{store: st, cfg: cfg, log: log, addr: addr}
}

// Run serves until the context is cancelled.
func (in *Intake) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/process_message", in.handleProcessMessage)

	srv := &http.Server{Addr: in.addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	in.log.Info("message intake listening", "addr", in.addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (in *Intake) handleProcessMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeIntakeResponse(w, http.StatusMethodNotAllowed, "error", "POST only")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeIntakeResponse(w, http.StatusBadRequest, "error", "read body")
		return
	}
	if _, err := wire.Decode(payload); err != nil {
		writeIntakeResponse(w, http.StatusBadRequest, "error", "payload must be a message object")
		return
	}
	if err := in.store.Push(r.Context(), in.cfg.QueueName(), payload); err != nil {
		in.log.Error("intake enqueue failed", "error", err)
		writeIntakeResponse(w, http.StatusInternalServerError, "error", "enqueue failed")
		return
	}
	writeIntakeResponse(w, http.StatusOK, "success", "queued")
}

func writeIntakeResponse(w http.ResponseWriter, code int, status, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(IntakeResponse{Status: status, Message: msg})
}
