package republisher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/onetaplabs/mirror/internal/config"
	"github.com/onetaplabs/mirror/internal/store"
)

func testIntake(t *testing.T) (*Intake, *store.Store, *config.Config) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.New(rdb)
	cfg := config.Default()
	return NewIntake(st, cfg, "", testLogger(t)), st, cfg
}

func TestIntakeEnqueues(t *testing.T) {
	in, st, cfg := testIntake(t)
	srv := httptest.NewServer(http.HandlerFunc(in.handleProcessMessage))
	defer srv.Close()

	body := `{"message_type": "regular", "message_id": "1", "content": "hi"}`
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out IntakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "success" {
		t.Errorf("status = %s", out.Status)
	}

	payload, err := st.Pop(context.Background(), cfg.QueueName())
	if err != nil || payload == nil {
		t.Fatalf("Pop = %v, %v", payload, err)
	}
	if string(payload) != body {
		t.Errorf("queued payload = %s, want verbatim body", payload)
	}
}

func TestIntakeRejectsMalformed(t *testing.T) {
	in, st, cfg := testIntake(t)
	srv := httptest.NewServer(http.HandlerFunc(in.handleProcessMessage))
	defer srv.Close()

	for _, body := range []string{`[1, 2]`, `"just a string"`, `{{{`} {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("POST %q status = %d, want 400", body, resp.StatusCode)
		}
	}

	if payload, _ := st.Pop(context.Background(), cfg.QueueName()); payload != nil {
		t.Errorf("malformed payload reached the queue: %s", payload)
	}
}

func TestIntakeMethodNotAllowed(t *testing.T) {
	in, _, _ := testIntake(t)
	srv := httptest.NewServer(http.HandlerFunc(in.handleProcessMessage))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
