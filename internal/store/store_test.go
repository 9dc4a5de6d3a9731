package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestConnect(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	s, err := Connect(context.Background(), "redis://"+mr.Addr(), 5*time.Second)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = s.Close()
}

func TestConnect_UnreachableHost(t *testing.T) {
	t.Parallel()
	_, err := Connect(context.Background(), "redis://localhost:1", 100*time.Millisecond)
	if err == nil {
		t.Fatal("Connect() expected error for unreachable host, got nil")
	}
}

func TestQueueFIFO(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	for _, p := range []string{"one", "two", "three"} {
		if err := s.Push(ctx, "q", []byte(p)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	n, err := s.QueueLen(ctx, "q")
	if err != nil || n != 3 {
		t.Fatalf("QueueLen() = %d, %v", n, err)
	}

	for _, want := range []string{"one", "two", "three"} {
		got, err := s.Pop(ctx, "q")
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if string(got) != want {
			t.Errorf("Pop() = %q, want %q", got, want)
		}
	}

	got, err := s.Pop(ctx, "q")
	if err != nil || got != nil {
		t.Errorf("Pop() on empty queue = %q, %v; want nil, nil", got, err)
	}
}

func TestWebhookMap(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	url, err := s.GetWebhook(ctx, "info-[s1]/general")
	if err != nil || url != "" {
		t.Fatalf("GetWebhook() on miss = %q, %v", url, err)
	}

	if err := s.PutWebhook(ctx, "info-[s1]/general", "https://discord.com/api/webhooks/1/a"); err != nil {
		t.Fatalf("PutWebhook() error = %v", err)
	}
	url, err = s.GetWebhook(ctx, "info-[s1]/general")
	if err != nil || url != "https://discord.com/api/webhooks/1/a" {
		t.Errorf("GetWebhook() = %q, %v", url, err)
	}

	all, err := s.Webhooks(ctx)
	if err != nil || len(all) != 1 {
		t.Errorf("Webhooks() = %v, %v", all, err)
	}

	if err := s.DeleteWebhook(ctx, "info-[s1]/general"); err != nil {
		t.Fatalf("DeleteWebhook() error = %v", err)
	}
	url, _ = s.GetWebhook(ctx, "info-[s1]/general")
	if url != "" {
		t.Errorf("GetWebhook() after delete = %q", url)
	}
}

func TestDMRoutes(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	route, err := s.GetDMRoute(ctx, "77")
	if err != nil || route != nil {
		t.Fatalf("GetDMRoute() on miss = %+v, %v", route, err)
	}

	in := DMRoute{UserID: "77", Username: "peer", ChannelID: "900",
		WebhookURL: "https://discord.com/api/webhooks/9/z", SelfUserID: "42"}
	if err := s.PutDMRoute(ctx, in); err != nil {
		t.Fatalf("PutDMRoute() error = %v", err)
	}
	route, err = s.GetDMRoute(ctx, "77")
	if err != nil || route == nil {
		t.Fatalf("GetDMRoute() = %+v, %v", route, err)
	}
	if route.ChannelID != "900" || route.SelfUserID != "42" {
		t.Errorf("route mismatch: %+v", route)
	}

	routes, err := s.DMRoutes(ctx)
	if err != nil || len(routes) != 1 {
		t.Errorf("DMRoutes() = %v, %v", routes, err)
	}

	if err := s.DeleteDMRoute(ctx, "77"); err != nil {
		t.Fatalf("DeleteDMRoute() error = %v", err)
	}
	route, _ = s.GetDMRoute(ctx, "77")
	if route != nil {
		t.Errorf("route survived delete: %+v", route)
	}
}

func TestSeenRecently(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	h := MessageHash("10", "hello", "42", "2026-01-01T00:00:00Z")
	dup, err := s.SeenRecently(ctx, h)
	if err != nil || dup {
		t.Fatalf("first SeenRecently() = %v, %v", dup, err)
	}
	dup, err = s.SeenRecently(ctx, h)
	if err != nil || !dup {
		t.Fatalf("second SeenRecently() = %v, %v; want duplicate", dup, err)
	}

	mr.FastForward(recentExpiry + time.Minute)
	dup, err = s.SeenRecently(ctx, h)
	if err != nil || dup {
		t.Errorf("SeenRecently() after expiry = %v, %v; want fresh", dup, err)
	}
}

func TestMessageHashDistinct(t *testing.T) {
	a := MessageHash("1", "x", "42", "t")
	b := MessageHash("1", "y", "42", "t")
	if a == b {
		t.Error("different content produced identical hash")
	}
}

func TestChannelAge(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	if err := s.MarkChannelCreated(ctx, "500", time.Hour); err != nil {
		t.Fatalf("MarkChannelCreated() error = %v", err)
	}
	ts, err := s.ChannelCreatedAt(ctx, "500")
	if err != nil || ts.IsZero() {
		t.Fatalf("ChannelCreatedAt() = %v, %v", ts, err)
	}

	mr.FastForward(2 * time.Hour)
	ts, err = s.ChannelCreatedAt(ctx, "500")
	if err != nil || !ts.IsZero() {
		t.Errorf("ChannelCreatedAt() after TTL = %v, %v; want zero", ts, err)
	}

	if err := s.MarkChannelCreated(ctx, "501", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearChannelCreated(ctx, "501"); err != nil {
		t.Fatalf("ClearChannelCreated() error = %v", err)
	}
	ts, _ = s.ChannelCreatedAt(ctx, "501")
	if !ts.IsZero() {
		t.Errorf("age record survived clear: %v", ts)
	}
}

func TestDeletedSet(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	ok, err := s.IsDeleted(ctx, "333")
	if err != nil || ok {
		t.Fatalf("IsDeleted() on miss = %v, %v", ok, err)
	}
	if err := s.MarkDeleted(ctx, "333"); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}
	ok, err = s.IsDeleted(ctx, "333")
	if err != nil || !ok {
		t.Errorf("IsDeleted() = %v, %v", ok, err)
	}
}

func TestInstances(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	inst := BotInstance{UserID: "42", Username: "alice", Servers: 3,
		StartedAt: "2026-01-01T00:00:00Z"}
	if err := s.PublishInstance(ctx, inst); err != nil {
		t.Fatalf("PublishInstance() error = %v", err)
	}
	got, err := s.Instances(ctx)
	if err != nil || len(got) != 1 {
		t.Fatalf("Instances() = %v, %v", got, err)
	}
	if got[0].Username != "alice" || got[0].Servers != 3 {
		t.Errorf("instance mismatch: %+v", got[0])
	}
}

func TestChannelLinks(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if err := s.SetChannelLink(ctx, "dest-1", "src-1"); err != nil {
		t.Fatalf("SetChannelLink() error = %v", err)
	}
	m, err := s.ChannelLinks(ctx)
	if err != nil || m["dest-1"] != "src-1" {
		t.Errorf("ChannelLinks() = %v, %v", m, err)
	}
	if err := s.DeleteChannelLink(ctx, "dest-1"); err != nil {
		t.Fatalf("DeleteChannelLink() error = %v", err)
	}
	m, _ = s.ChannelLinks(ctx)
	if len(m) != 0 {
		t.Errorf("link survived delete: %v", m)
	}
}
