package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// Intents is the bitmask of event groups the client subscribes to.
type Intents uint64

const (
	IntentGuilds                      Intents = 1 << 0
	IntentGuildMembers                Intents = 1 << 1
	IntentGuildModeration             Intents = 1 << 2
	IntentGuildExpressions            Intents = 1 << 3
	IntentGuildIntegrations           Intents = 1 << 4
	IntentGuildWebhooks               Intents = 1 << 5
	IntentGuildInvites                Intents = 1 << 6
	IntentGuildVoiceStates            Intents = 1 << 7
	IntentGuildPresences              Intents = 1 << 8
	IntentGuildMessages               Intents = 1 << 9
	IntentGuildMessageReactions       Intents = 1 << 10
	IntentGuildMessageTyping          Intents = 1 << 11
	IntentDirectMessages              Intents = 1 << 12
	IntentDirectMessageReactions      Intents = 1 << 13
	IntentDirectMessageTyping         Intents = 1 << 14
	IntentMessageContent              Intents = 1 << 15
	IntentGuildScheduledEvents        Intents = 1 << 16
	IntentAutoModerationConfiguration Intents = 1 << 20
	IntentAutoModerationExecution     Intents = 1 << 21

	// IntentsPrivileged require explicit approval on the remote side.
	IntentsPrivileged = IntentGuildMembers | IntentGuildPresences | IntentMessageContent
)

var intentNames = map[string]Intents{
	"guilds":                        IntentGuilds,
	"guild_members":                 IntentGuildMembers,
	"guild_moderation":              IntentGuildModeration,
	"guild_expressions":             IntentGuildExpressions,
	"guild_integrations":            IntentGuildIntegrations,
	"guild_webhooks":                IntentGuildWebhooks,
	"guild_invites":                 IntentGuildInvites,
	"guild_voice_states":            IntentGuildVoiceStates,
	"guild_presences":               IntentGuildPresences,
	"guild_messages":                IntentGuildMessages,
	"guild_message_reactions":       IntentGuildMessageReactions,
	"guild_message_typing":          IntentGuildMessageTyping,
	"direct_messages":               IntentDirectMessages,
	"direct_message_reactions":      IntentDirectMessageReactions,
	"direct_message_typing":         IntentDirectMessageTyping,
	"message_content":               IntentMessageContent,
	"guild_scheduled_events":        IntentGuildScheduledEvents,
	"auto_moderation_configuration": IntentAutoModerationConfiguration,
	"auto_moderation_execution":     IntentAutoModerationExecution,
}

// ParseIntents converts intent names (case-insensitive, "guild_messages"
// style) into a bitmask. "unprivileged" expands to every intent that needs
// no approval.
func ParseIntents(names []string) (Intents, error) {
	var out Intents
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "unprivileged" {
			out |= unprivileged()
			continue
		}
		v, ok := intentNames[key]
		if !ok {
			return 0, fmt.Errorf("unknown intent %q", name)
		}
		out |= v
	}
	return out, nil
}

func unprivileged() Intents {
	var all Intents
	for _, v := range intentNames {
		all |= v
	}
	return all &^ IntentsPrivileged
}

// Has reports whether every bit of other is set.
func (i Intents) Has(other Intents) bool {
	return i&other == other
}

// Names lists the set intents in sorted order.
func (i Intents) Names() []string {
	var names []string
	for name, v := range intentNames {
		if i.Has(v) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
