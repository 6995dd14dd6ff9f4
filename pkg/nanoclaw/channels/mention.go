package channels

import "strings"

// StripLeadingMention removes a leading "@<name>" mention of the bot
// identity from group message text, case-insensitively. Text that is only
// the mention collapses to the empty string.
func StripLeadingMention(text, botName string) string {
	trimmed := strings.TrimSpace(text)
	if botName == "" {
		return trimmed
	}
	mention := "@" + strings.ToLower(botName)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, mention) {
		return trimmed
	}
	rest := trimmed[len(mention):]
	// Require a word boundary so "@AndyB" does not match bot "@Andy".
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' && rest[0] != ':' && rest[0] != ',' {
		return trimmed
	}
	return strings.TrimSpace(strings.TrimLeft(rest, " \t:,"))
}
