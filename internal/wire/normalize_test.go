package wire

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "GENERAL", "general"},
		{"spaces to hyphens", "release guides", "release-guides"},
		{"pipe stripped", "04-17│foo", "04-17foo"},
		{"ascii pipe stripped", "info|chat", "infochat"},
		{"fullwidth bar stripped", "drops︱eu", "dropseu"},
		{"lightning stripped", "⚡flips", "flips"},
		{"trim outer hyphens", "  general  ", "general"},
		{"mixed", "Daily Schedule ⚡", "daily-schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeName(tt.in); got != tt.want {
				t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRouteKey(t *testing.T) {
	got := RouteKey("INFO", "S1", "general")
	want := "info-[s1]/general"
	if got != want {
		t.Errorf("RouteKey() = %q, want %q", got, want)
	}
}

func TestDestNameVariants(t *testing.T) {
	got := DestNameVariants("General Chat", "AK Chefs")
	want := []string{
		"general-chat-[ak-chefs]",
		"general-chat-ak-chefs",
		"general-chat_ak-chefs",
		"ak-chefs-general-chat",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d variants, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("variant[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDecode(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		m, err := Decode([]byte(`{"message_id":"10","content":"hi"}`))
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if m.MessageID != "10" || m.Content != "hi" {
			t.Errorf("unexpected message: %+v", m)
		}
		if m.MessageType != TypeRegular {
			t.Errorf("MessageType = %q, want default %q", m.MessageType, TypeRegular)
		}
	})

	t.Run("non-object payloads rejected", func(t *testing.T) {
		for _, payload := range []string{`[1,2]`, `"str"`, `42`, `not json`} {
			if _, err := Decode([]byte(payload)); err == nil {
				t.Errorf("Decode(%q) expected error, got nil", payload)
			}
		}
	})
}

func TestMessageEncodeRoundTrip(t *testing.T) {
	in := &Message{
		MessageType: TypeDM,
		MessageID:   "42",
		Content:     "hello",
		DMUserID:    "99",
		Embeds:      []Embed{{Title: "t", Fields: []EmbedField{{Name: "n", Value: "v"}}}},
	}
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !out.IsDM() || out.DMUserID != "99" || len(out.Embeds) != 1 {
		t.Errorf("round trip mismatch: %+v", out)
	}
}
