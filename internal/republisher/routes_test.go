package republisher

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/onetaplabs/mirror/internal/config"
	"github.com/onetaplabs/mirror/internal/store"
	"github.com/onetaplabs/mirror/internal/wire"
)

func testRoutes(t *testing.T) (*Routes, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.New(rdb)
	cfg := config.Default()
	cfg.BotToken = "bot"
	cfg.DestinationServer = "dest"
	return NewRoutes(nil, cfg, st, testLogger(t)), st
}

// A webhook indexed during warm-up must be claimed by the first message for
// its channel instead of provisioning a duplicate.
func TestResolveAdoptsWarmedWebhook(t *testing.T) {
	ctx := context.Background()
	r, st := testRoutes(t)

	const hook = "https://discord.com/api/webhooks/1/abc"
	r.mu.Lock()
	r.byName["general-[sneaker-hub]"] = warmRoute{url: hook, channelID: "900"}
	r.mu.Unlock()

	m := &wire.Message{
		ChannelID:    "111",
		ChannelName:  "General",
		CategoryName: "Alerts",
		ServerName:   "Sneaker Hub",
	}
	url, dest, err := r.Resolve(ctx, m)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if url != hook || dest != "900" {
		t.Errorf("Resolve() = %q, %q, want %q, %q", url, dest, hook, "900")
	}

	// The adoption is promoted to a full persisted route.
	key := wire.RouteKey("Alerts", "Sneaker Hub", "General")
	if stored, err := st.GetWebhook(ctx, key); err != nil || stored != hook {
		t.Errorf("persisted route = %q, %v", stored, err)
	}
	if got, ok := r.DestChannelFor("111"); !ok || got != "900" {
		t.Errorf("DestChannelFor(111) = %q, %v", got, ok)
	}

	// Subsequent resolves hit the cache, no session calls involved.
	if url, _, err := r.Resolve(ctx, m); err != nil || url != hook {
		t.Errorf("cached Resolve() = %q, %v", url, err)
	}
}

func TestDropLink(t *testing.T) {
	ctx := context.Background()
	r, _ := testRoutes(t)

	r.storeRoute(ctx, "alerts-[hub]/general", "https://discord.com/api/webhooks/2/x", "src-1", "dest-1")
	if _, ok := r.DestChannelFor("src-1"); !ok {
		t.Fatal("link missing after storeRoute")
	}

	r.DropLink("src-1")
	if dest, ok := r.DestChannelFor("src-1"); ok {
		t.Errorf("link survived DropLink: %q", dest)
	}
	// Dropping an unknown link is a no-op.
	r.DropLink("src-1")
}

func TestHasRouteFor(t *testing.T) {
	r, _ := testRoutes(t)
	r.mu.Lock()
	r.cache["alerts-[hub]/restocks"] = "https://discord.com/api/webhooks/3/y"
	r.byName["lounge"] = warmRoute{url: "https://discord.com/api/webhooks/4/z", channelID: "901"}
	r.mu.Unlock()

	tests := []struct {
		norm string
		want bool
	}{
		{"restocks", true},
		{"lounge", true},
		{"general", false},
	}
	for _, tt := range tests {
		if got := r.hasRouteFor(tt.norm); got != tt.want {
			t.Errorf("hasRouteFor(%q) = %v, want %v", tt.norm, got, tt.want)
		}
	}
}
