package collector

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// DefaultDMAddr is the loopback address of the DM relay service.
const DefaultDMAddr = "127.0.0.1:5001"

// DMRequest is the relay payload posted by the republisher.
type DMRequest struct {
	Action      string   `json:"action"`
	Token       string   `json:"token"`
	UserID      string   `json:"user_id"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
}

// DMResponse reports the relay outcome.
type DMResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// DMServer exposes POST /send_dm on loopback, relaying outbound messages
// through the pool's in-process sessions.
type DMServer struct {
	manager *Manager
	log     *slog.Logger
	addr    string
}

// NewDMServer builds the relay service over the pool.
func NewDMServer(manager *Manager, addr string, log *slog.Logger) *DMServer {
	if addr == "" {
		addr = DefaultDMAddr
	}
	return &DMServer{manager: manager, log: log, addr: addr}
}

// Run serves until the context is cancelled.
func (d *DMServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/send_dm", d.handleSendDM)

	srv := &http.Server{Addr: d.addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	d.log.Info("dm relay service listening", "addr", d.addr)

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

func (d *DMServer) handleSendDM(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDMResponse(w, http.StatusMethodNotAllowed, "error", "POST only")
		return
	}
	var req DMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDMResponse(w, http.StatusBadRequest, "error", "invalid payload")
		return
	}

	switch req.Action {
	case "request_sync":
		d.manager.publishInstances(r.Context())
		writeDMResponse(w, http.StatusOK, "success", "instances published")
		return
	case "", "send_dm":
	default:
		writeDMResponse(w, http.StatusBadRequest, "error", "unknown action")
		return
	}

	if req.Token == "" || req.UserID == "" {
		writeDMResponse(w, http.StatusBadRequest, "error", "token and user_id required")
		return
	}
	session, ok := d.manager.Session(req.Token)
	if !ok {
		writeDMResponse(w, http.StatusNotFound, "error", "no live session for token")
		return
	}
	if err := session.SendDM(req.UserID, req.Content, req.Attachments); err != nil {
		d.log.Error("outbound dm failed", "user", req.UserID, "error", err)
		writeDMResponse(w, http.StatusBadGateway, "error", err.Error())
		return
	}
	writeDMResponse(w, http.StatusOK, "success", "sent")
}

func writeDMResponse(w http.ResponseWriter, code int, status, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(DMResponse{Status: status, Message: msg})
}
