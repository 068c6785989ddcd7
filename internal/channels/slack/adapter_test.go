package slack

import (
	"strings"
	"testing"

	"github.com/slack-go/slack/slackevents"

	"github.com/haasonsaas/valet/pkg/models"
)

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing bot token")
	}

	cfg = &Config{BotToken: "xoxb-test", AppToken: "wrong-prefix"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for malformed app token")
	}

	cfg = &Config{BotToken: "xoxb-test", AppToken: "xapp-test"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStripMentions(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no mention", "hello world", "hello world"},
		{"leading mention", "<@U123> hello", "hello"},
		{"inner mention", "hey <@U123> hello", "hey  hello"},
		{"multiple mentions", "<@U123> <@U456> hi", "hi"},
		{"only mention", "<@U123>", ""},
		{"unclosed bracket", "<@U123 hello", "<@U123 hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMentions(tt.in); got != tt.want {
				t.Errorf("stripMentions(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	at, err := parseSlackTimestamp("1700000000.123456")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if at.Unix() != 1700000000 {
		t.Errorf("expected unix 1700000000, got %d", at.Unix())
	}

	if _, err := parseSlackTimestamp("not-a-timestamp"); err == nil {
		t.Error("expected error for malformed timestamp")
	}
}

func TestThreadTS(t *testing.T) {
	if got := threadTS("111.000", "222.000"); got != "111.000" {
		t.Errorf("expected existing thread root, got %q", got)
	}
	if got := threadTS("", "222.000"); got != "222.000" {
		t.Errorf("expected message ts as thread root, got %q", got)
	}
}

func TestIsDirectMessage(t *testing.T) {
	if !isDirectMessage("D0123456") {
		t.Error("expected D-prefixed id to be a DM")
	}
	if isDirectMessage("C0123456") {
		t.Error("expected C-prefixed id not to be a DM")
	}
}

func TestConvertMessageEvent(t *testing.T) {
	ev := &slackevents.MessageEvent{
		Channel:   "D0123456",
		User:      "U0011223",
		Text:      "what is on my calendar",
		TimeStamp: "1700000000.000100",
	}

	evt := convertMessageEvent(ev)
	if evt == nil {
		t.Fatal("expected event, got nil")
	}
	if evt.ChannelID != "slack:D0123456" {
		t.Errorf("expected channel id slack:D0123456, got %s", evt.ChannelID)
	}
	if evt.UserMessage != "what is on my calendar" {
		t.Errorf("unexpected message: %q", evt.UserMessage)
	}
	if evt.Metadata["slack_user"] != "U0011223" {
		t.Errorf("unexpected user: %v", evt.Metadata["slack_user"])
	}
	if evt.Metadata["slack_thread_ts"] != "1700000000.000100" {
		t.Errorf("unexpected thread ts: %v", evt.Metadata["slack_thread_ts"])
	}
	if evt.ReceivedAt.Unix() != 1700000000 {
		t.Errorf("unexpected received at: %v", evt.ReceivedAt)
	}
}

func TestConvertMessageEventEmptyAfterStrip(t *testing.T) {
	ev := &slackevents.MessageEvent{
		Channel:   "D0123456",
		Text:      "<@U999>",
		TimeStamp: "1700000000.000100",
	}
	if evt := convertMessageEvent(ev); evt != nil {
		t.Errorf("expected nil for mention-only text, got %+v", evt)
	}
}

func TestConvertAppMention(t *testing.T) {
	ev := &slackevents.AppMentionEvent{
		Channel:         "C0099887",
		User:            "U0011223",
		Text:            "<@U999> restart the build",
		TimeStamp:       "1700000500.000200",
		ThreadTimeStamp: "1700000000.000100",
	}

	evt := convertAppMention(ev)
	if evt == nil {
		t.Fatal("expected event, got nil")
	}
	if evt.ChannelID != "slack:C0099887" {
		t.Errorf("expected channel id slack:C0099887, got %s", evt.ChannelID)
	}
	if evt.UserMessage != "restart the build" {
		t.Errorf("unexpected message: %q", evt.UserMessage)
	}
	if evt.Metadata["slack_thread_ts"] != "1700000000.000100" {
		t.Errorf("expected reply in the existing thread, got %v", evt.Metadata["slack_thread_ts"])
	}
}

func TestExtractChannel(t *testing.T) {
	resp := models.NewAgentResponse("slack:C0001", "sess", "hi")
	if got := extractChannel(resp); got != "C0001" {
		t.Errorf("expected fallback to channel id, got %q", got)
	}

	resp.Metadata = map[string]any{"slack_channel": "D0002"}
	if got := extractChannel(resp); got != "D0002" {
		t.Errorf("expected metadata channel, got %q", got)
	}
}

func TestNewAdapterRejectsBadConfig(t *testing.T) {
	if _, err := NewAdapter(Config{BotToken: "xoxb-x"}); err == nil {
		t.Error("expected error for missing app token")
	}
	if _, err := NewAdapter(Config{BotToken: "xoxb-x", AppToken: "xapp-x"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStripMentionsLongText(t *testing.T) {
	text := "<@U1> " + strings.Repeat("word ", 50)
	got := stripMentions(text)
	if strings.Contains(got, "<@") {
		t.Error("mention survived stripping")
	}
	if !strings.HasPrefix(got, "word") {
		t.Errorf("unexpected prefix: %q", got[:10])
	}
}
