package daemon

import (
	"strconv"
	"strings"

	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/pkg/models"
)

// buildAuthorizer derives the gateway's inbound sender filter from the
// per-channel allowed-user lists. An empty list admits every sender on
// that channel. Events without sender metadata pass: the scheduler and
// other internal injectors target adapter channels without carrying a
// platform identity, and only a present, unlisted sender is rejected.
func buildAuthorizer(cfg *config.ChannelsConfig) func(evt *models.ChannelEvent) bool {
	telegram := make(map[int64]struct{}, len(cfg.Telegram.AllowedUsers))
	for _, id := range cfg.Telegram.AllowedUsers {
		telegram[id] = struct{}{}
	}
	discord := stringSet(cfg.Discord.AllowedUsers)
	slack := stringSet(cfg.Slack.AllowedUsers)
	whatsapp := stringSet(cfg.WhatsApp.AllowedJIDs)

	return func(evt *models.ChannelEvent) bool {
		adapter, _ := models.SplitChannelID(evt.ChannelID)
		switch adapter {
		case models.ChannelTelegram:
			if len(telegram) == 0 {
				return true
			}
			id, ok := metadataInt64(evt.Metadata, "user_id")
			if !ok {
				return true
			}
			_, allowed := telegram[id]
			return allowed

		case models.ChannelDiscord:
			return allowedSender(discord, evt.Metadata, "user_id")

		case models.ChannelSlack:
			return allowedSender(slack, evt.Metadata, "slack_user")

		case models.ChannelWhatsApp:
			if len(whatsapp) == 0 {
				return true
			}
			jid, ok := evt.Metadata["whatsapp_sender"].(string)
			if !ok || jid == "" {
				return true
			}
			return jidAllowed(whatsapp, jid)

		default:
			// cli, websocket, and cron have no platform identity to vet.
			return true
		}
	}
}

func stringSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func allowedSender(allowed map[string]struct{}, metadata map[string]any, key string) bool {
	if len(allowed) == 0 {
		return true
	}
	sender, ok := metadata[key].(string)
	if !ok || sender == "" {
		return true
	}
	_, listed := allowed[sender]
	return listed
}

// jidAllowed matches a WhatsApp sender JID against the allowlist. Full
// JIDs match exactly; bare-number entries match the JID's user part with
// any device suffix stripped ("1555:12@s.whatsapp.net" matches "1555").
func jidAllowed(allowed map[string]struct{}, jid string) bool {
	if _, ok := allowed[jid]; ok {
		return true
	}
	user, _, found := strings.Cut(jid, "@")
	if !found {
		return false
	}
	if _, ok := allowed[user]; ok {
		return true
	}
	if base, _, cut := strings.Cut(user, ":"); cut {
		if _, ok := allowed[base]; ok {
			return true
		}
	}
	return false
}

// metadataInt64 reads an integer metadata value, tolerating the float64
// and string forms a JSON round-trip produces.
func metadataInt64(metadata map[string]any, key string) (int64, bool) {
	switch v := metadata[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
