package intake

import (
	"regexp"
	"strings"
)

// urlRe matches plain HTTP(S) URLs in free text.
var urlRe = regexp.MustCompile(`https?://[^\s<>"'\)\]]+`)

// minURLLen drops junk like "http://x" that the regex still matches.
const minURLLen = 15

// urlBlacklist filters tracker and meeting links that are never worth
// bookmarking.
var urlBlacklist = []string{
	"teams.microsoft.com",
	"zoom.us/j/",
	"meet.google.com",
	"webex.com/meet",
	"safelinks.protection.outlook.com",
	"mailtrack.io",
	"list-manage.com/track",
	"click.e.",
	"unsubscribe",
}

// ExtractURLs pulls bookmark-worthy URLs out of an email body: plain HTTP
// URLs at least minURLLen long that match no blacklist pattern. Trailing
// sentence punctuation is stripped. Order is preserved, duplicates dropped.
func ExtractURLs(body string) []string {
	matches := urlRe.FindAllString(body, -1)
	if len(matches) == 0 {
		return nil
	}

	var (
		urls []string
		seen = make(map[string]bool)
	)
	for _, raw := range matches {
		u := strings.TrimRight(raw, ".,;:!?")
		if len(u) < minURLLen || seen[u] {
			continue
		}
		if blacklisted(u) {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

func blacklisted(u string) bool {
	lower := strings.ToLower(u)
	for _, pattern := range urlBlacklist {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
