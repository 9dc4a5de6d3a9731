package collector

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/onetaplabs/mirror/internal/config"
	"github.com/onetaplabs/mirror/internal/store"
)

// The pause between consecutive session starts is constant: token i
// identifies at roughly i×stagger, not at the sum of all earlier waits.
func TestRunStaggerStaysConstant(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Default()
	cfg.BotToken = "bot"
	cfg.DestinationServer = "dest"
	cfg.Tokens = map[string]config.TokenConfig{
		"t1": {}, "t2": {}, "t3": {}, "t4": {},
	}

	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	m := NewManager(cfg, "", store.New(rdb), log)
	m.stagger = 30 * time.Millisecond

	var mu sync.Mutex
	var starts []time.Time
	m.startFn = func(string) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(starts)
		mu.Unlock()
		if n == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 4 sessions started", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	elapsed := starts[3].Sub(starts[0])
	// Three constant 30 ms pauses; the old accumulating schedule would take
	// 30+60+90 ms.
	if elapsed < 85*time.Millisecond {
		t.Errorf("sessions started without pacing: %v", elapsed)
	}
	if elapsed > 170*time.Millisecond {
		t.Errorf("stagger accumulated across starts: %v", elapsed)
	}
}
