package channels

import "strings"

// Chat id grammar:
//
//	sig:<e164>
//	sig:group:<opaque>
//	slack:<user>
//	slack:<ns>:<user>
//	slack:channel:<id>
//	slack:<ns>:channel:<id>
//	voice:session
//
// The prefix determines the owning channel; it is the only routing key used
// inside the core.
const (
	SignalPrefix = "sig:"
	SlackPrefix  = "slack:"
	VoiceChatID  = "voice:session"
)

// SignalChatID builds a chat id for a Signal DM.
func SignalChatID(e164 string) string { return SignalPrefix + e164 }

// SignalGroupChatID builds a chat id for a Signal group.
func SignalGroupChatID(groupID string) string { return SignalPrefix + "group:" + groupID }

// IsGroupChatID reports whether the chat id addresses a group conversation.
func IsGroupChatID(chatID string) bool {
	rest, ok := strings.CutPrefix(chatID, SignalPrefix)
	if ok {
		return strings.HasPrefix(rest, "group:")
	}
	rest, ok = strings.CutPrefix(chatID, SlackPrefix)
	if !ok {
		return false
	}
	// Skip an optional namespace segment: slack:<ns>:channel:<id>.
	if i := strings.Index(rest, ":channel:"); i >= 0 && !strings.Contains(rest[:i], ":") {
		return true
	}
	return strings.HasPrefix(rest, "channel:")
}

// SlackAddress splits a slack chat id into its API address and whether it is
// a channel. The namespace prefix (if any) must already match the channel's
// claimed prefix; prefix is the expected "slack:" or "slack:<ns>:" prefix.
func SlackAddress(chatID, prefix string) (addr string, isChannel bool, ok bool) {
	rest, found := strings.CutPrefix(chatID, prefix)
	if !found || rest == "" {
		return "", false, false
	}
	if ch, found := strings.CutPrefix(rest, "channel:"); found {
		return ch, true, ch != ""
	}
	if strings.Contains(rest, ":") {
		return "", false, false
	}
	return rest, false, true
}
