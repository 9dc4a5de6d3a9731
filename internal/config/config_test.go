package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSON5Tolerant(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{
		// destination guild
		"bot_token": "bot-abc",
		"destination_server": "111",
		"tokens": {
			"tok-1": {
				"servers": {"222": {"excluded_channels": ["333"],}},
			},
		},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BotToken != "bot-abc" || cfg.DestinationServer != "111" {
		t.Errorf("unexpected root fields: %+v", cfg)
	}
	sc, ok := cfg.Tokens["tok-1"].Servers["222"]
	if !ok || len(sc.ExcludedChannels) != 1 {
		t.Errorf("server config not loaded: %+v", cfg.Tokens)
	}
}

func TestLoadValidation(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"missing bot token", `{"destination_server": "111"}`},
		{"missing destination", `{"bot_token": "abc"}`},
		{"dm mirroring without destination", `{
			"bot_token": "abc", "destination_server": "111",
			"tokens": {"t": {"dm_mirroring": {"enabled": true}}}
		}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "bad-"+tt.name+".json", tt.content)
			if _, err := Load(path); err == nil {
				t.Error("Load() expected validation error, got nil")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json",
		`{"bot_token": "from-file", "destination_server": "111"}`)
	t.Setenv("MIRROR_BOT_TOKEN", "from-env")
	t.Setenv("MIRROR_REDIS_URL", "redis://other:6379/1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BotToken != "from-env" {
		t.Errorf("BotToken = %q, want env override", cfg.BotToken)
	}
	if cfg.RedisURL != "redis://other:6379/1" {
		t.Errorf("RedisURL = %q, want env override", cfg.RedisURL)
	}
}

func TestSettingsDefaults(t *testing.T) {
	cfg := &Config{}
	if got := cfg.QueueName(); got != "message_queue" {
		t.Errorf("QueueName() = %q", got)
	}
	if got := cfg.MessageDelay(); got != 750*time.Millisecond {
		t.Errorf("MessageDelay() = %v", got)
	}
	if got := cfg.MaxLoginAttempts(); got != 5 {
		t.Errorf("MaxLoginAttempts() = %d", got)
	}

	cfg.Settings = Settings{MessageDelay: 2, MaxLoginAttempts: 3, QueueName: "q2"}
	if got := cfg.MessageDelay(); got != 2*time.Second {
		t.Errorf("MessageDelay() = %v", got)
	}
	if got := cfg.QueueName(); got != "q2" {
		t.Errorf("QueueName() = %q", got)
	}
}

func TestTokenLifecycle(t *testing.T) {
	cfg := &Config{Tokens: map[string]TokenConfig{
		"tok-a": {},
		"tok-b": {Disabled: true},
	}}

	active := cfg.ActiveTokens()
	if len(active) != 1 || active[0] != "tok-a" {
		t.Fatalf("ActiveTokens() = %v", active)
	}

	cfg.MarkTokenFailed("tok-a", "401 unauthorized")
	if len(cfg.ActiveTokens()) != 0 {
		t.Error("failed token still active")
	}
	tc, _ := cfg.TokenFor("tok-a")
	if tc.Status != TokenFailed || tc.LastError != "401 unauthorized" {
		t.Errorf("token record = %+v", tc)
	}

	cfg.RecordLogin("tok-a", "42", "alice")
	if len(cfg.ActiveTokens()) != 1 {
		t.Error("relogged token not active")
	}
	if token, ok := cfg.FindTokenForUser("42"); !ok || token != "tok-a" {
		t.Errorf("FindTokenForUser = %q, %v", token, ok)
	}
	if _, ok := cfg.FindTokenForUser("99"); ok {
		t.Error("FindTokenForUser matched unknown user")
	}
}

func TestProtectedChannels(t *testing.T) {
	cfg := &Config{}
	if !cfg.SetProtected("c1", true) {
		t.Error("first protect should change the set")
	}
	if cfg.SetProtected("c1", true) {
		t.Error("second protect should be a no-op")
	}
	if !cfg.IsProtected("c1") {
		t.Error("c1 should be protected")
	}
	if !cfg.SetProtected("c1", false) {
		t.Error("unprotect should change the set")
	}
	if cfg.IsProtected("c1") {
		t.Error("c1 still protected after removal")
	}
}

func TestBlockUnblockChannel(t *testing.T) {
	cfg := &Config{Tokens: map[string]TokenConfig{
		"t1": {Servers: map[string]ServerConfig{"srv": {}}},
		"t2": {Servers: map[string]ServerConfig{"srv": {}, "other": {}}},
		"t3": {Servers: map[string]ServerConfig{"other": {}}},
	}}

	if got := cfg.BlockChannel("srv", "chan-9"); got != 2 {
		t.Fatalf("BlockChannel touched %d entries, want 2", got)
	}
	if got := cfg.BlockChannel("srv", "chan-9"); got != 0 {
		t.Errorf("re-block touched %d entries, want 0", got)
	}
	blocked := cfg.BlockedChannels()
	if len(blocked["srv"]) != 1 || blocked["srv"][0] != "chan-9" {
		t.Errorf("BlockedChannels() = %v", blocked)
	}

	if got := cfg.UnblockChannel("srv", "chan-9"); got != 2 {
		t.Errorf("UnblockChannel touched %d entries, want 2", got)
	}
	if len(cfg.BlockedChannels()["srv"]) != 0 {
		t.Error("channel still blocked after unblock")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")
	cfg := Default()
	cfg.BotToken = "bot-xyz"
	cfg.DestinationServer = "555"
	cfg.Tokens["tok"] = TokenConfig{Status: TokenActive}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.BotToken != "bot-xyz" || got.DestinationServer != "555" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if _, ok := got.Tokens["tok"]; !ok {
		t.Error("token lost in round trip")
	}
}
