package daemon

import (
	"testing"

	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/pkg/models"
)

func event(channelID string, metadata map[string]any) *models.ChannelEvent {
	return &models.ChannelEvent{
		ChannelID:   channelID,
		UserMessage: "hello",
		Metadata:    metadata,
	}
}

func TestAuthorizerEmptyListsAllowEveryone(t *testing.T) {
	authorize := buildAuthorizer(&config.ChannelsConfig{})

	events := []*models.ChannelEvent{
		event("telegram:42", map[string]any{"user_id": int64(7)}),
		event("discord:room", map[string]any{"user_id": "u1"}),
		event("slack:C123", map[string]any{"slack_user": "U9"}),
		event("whatsapp:g1", map[string]any{"whatsapp_sender": "1555@s.whatsapp.net"}),
		event("cli:local", nil),
	}
	for _, evt := range events {
		if !authorize(evt) {
			t.Errorf("event on %s should pass with no allowlists", evt.ChannelID)
		}
	}
}

func TestAuthorizerTelegram(t *testing.T) {
	authorize := buildAuthorizer(&config.ChannelsConfig{
		Telegram: config.TelegramConfig{AllowedUsers: []int64{100, 200}},
	})

	tests := []struct {
		name     string
		metadata map[string]any
		want     bool
	}{
		{"listed user", map[string]any{"user_id": int64(100)}, true},
		{"unlisted user", map[string]any{"user_id": int64(999)}, false},
		{"listed user as float64", map[string]any{"user_id": float64(200)}, true},
		{"listed user as string", map[string]any{"user_id": "100"}, true},
		{"no sender metadata", nil, true},
		{"unparseable sender", map[string]any{"user_id": "not-a-number"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := authorize(event("telegram:42", tt.metadata))
			if got != tt.want {
				t.Errorf("authorize = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthorizerDiscord(t *testing.T) {
	authorize := buildAuthorizer(&config.ChannelsConfig{
		Discord: config.DiscordConfig{AllowedUsers: []string{"u-alex", "u-sam"}},
	})

	if !authorize(event("discord:room", map[string]any{"user_id": "u-alex"})) {
		t.Error("listed user should pass")
	}
	if authorize(event("discord:room", map[string]any{"user_id": "u-mallory"})) {
		t.Error("unlisted user should be dropped")
	}
	if !authorize(event("discord:room", nil)) {
		t.Error("event without sender metadata should pass")
	}
}

func TestAuthorizerSlack(t *testing.T) {
	authorize := buildAuthorizer(&config.ChannelsConfig{
		Slack: config.SlackConfig{AllowedUsers: []string{"U0011223"}},
	})

	if !authorize(event("slack:C123", map[string]any{"slack_user": "U0011223"})) {
		t.Error("listed user should pass")
	}
	if authorize(event("slack:C123", map[string]any{"slack_user": "U9999999"})) {
		t.Error("unlisted user should be dropped")
	}
}

func TestAuthorizerWhatsApp(t *testing.T) {
	authorize := buildAuthorizer(&config.ChannelsConfig{
		WhatsApp: config.WhatsAppConfig{AllowedJIDs: []string{
			"15551234@s.whatsapp.net",
			"15559999",
		}},
	})

	tests := []struct {
		name   string
		sender string
		want   bool
	}{
		{"full jid match", "15551234@s.whatsapp.net", true},
		{"bare number entry matches jid", "15559999@s.whatsapp.net", true},
		{"bare number entry matches device jid", "15559999:12@s.whatsapp.net", true},
		{"unlisted jid", "17770000@s.whatsapp.net", false},
		{"unlisted device jid", "17770000:3@s.whatsapp.net", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := authorize(event("whatsapp:g1", map[string]any{"whatsapp_sender": tt.sender}))
			if got != tt.want {
				t.Errorf("authorize(%q) = %v, want %v", tt.sender, got, tt.want)
			}
		})
	}
}

func TestAuthorizerScheduledEventsPass(t *testing.T) {
	// Scheduled rules may target adapter channels. Those injections carry
	// no sender metadata and must not be dropped by the allowlist.
	authorize := buildAuthorizer(&config.ChannelsConfig{
		Telegram: config.TelegramConfig{AllowedUsers: []int64{100}},
	})

	if !authorize(event("telegram:42", nil)) {
		t.Error("injected event without metadata should pass")
	}
	if !authorize(event("cron:morning-brief", nil)) {
		t.Error("cron channel should always pass")
	}
}

func TestAuthorizerUnknownChannelPasses(t *testing.T) {
	authorize := buildAuthorizer(&config.ChannelsConfig{
		Discord: config.DiscordConfig{AllowedUsers: []string{"u1"}},
	})

	if !authorize(event("websocket:client-9", map[string]any{"client_id": "client-9"})) {
		t.Error("websocket events should pass")
	}
	if !authorize(event("no-separator", nil)) {
		t.Error("malformed channel id should pass rather than drop")
	}
}

func TestMetadataInt64(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int64
		ok    bool
	}{
		{"int64", int64(5), 5, true},
		{"int", 5, 5, true},
		{"float64", float64(5), 5, true},
		{"numeric string", "5", 5, true},
		{"garbage string", "five", 0, false},
		{"missing", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metadata := map[string]any{}
			if tt.value != nil {
				metadata["user_id"] = tt.value
			}
			got, ok := metadataInt64(metadata, "user_id")
			if got != tt.want || ok != tt.ok {
				t.Errorf("metadataInt64 = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}
