package session

import "strings"

// MainChatKey is the collapsed chat key used for any direct (1:1) chat.
// Per-group chats never collapse: each group keeps its own chatKey.
const MainChatKey = "main"

// Key builds a session key of the form:
//
//	agent:<agentId>:<channel>:<chatType>:<chatKey>
//
// Direct chats collapse their chatKey to "main" so that all 1:1 conversations
// with a given agent on a given channel share one session. Group chats keep
// their own chatKey (e.g. the group/channel ID) so each group gets its own
// session and its own queue.
func Key(agentID, channel, chatType, chatKey string) string {
	if chatType == "direct" {
		chatKey = MainChatKey
	}
	return strings.Join([]string{"agent", agentID, channel, chatType, chatKey}, ":")
}

// ParsedKey holds the components of a session key.
type ParsedKey struct {
	AgentID  string
	Channel  string
	ChatType string
	ChatKey  string
}

// ParseKey splits a session key back into its components.
// Returns ok=false if key does not match the agent:<id>:<channel>:<chatType>:<chatKey> shape.
func ParseKey(key string) (ParsedKey, bool) {
	parts := strings.SplitN(key, ":", 5)
	if len(parts) != 5 || parts[0] != "agent" {
		return ParsedKey{}, false
	}
	return ParsedKey{
		AgentID:  parts[1],
		Channel:  parts[2],
		ChatType: parts[3],
		ChatKey:  parts[4],
	}, true
}

// IsGroup reports whether a session key belongs to a group chat.
func IsGroup(key string) bool {
	p, ok := ParseKey(key)
	return ok && p.ChatType == "group"
}
