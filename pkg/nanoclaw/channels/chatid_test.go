package channels

import "testing"

func TestChatIDHelpers(t *testing.T) {
	t.Run("builds signal ids", func(t *testing.T) {
		if got := SignalChatID("+15551234567"); got != "sig:+15551234567" {
			t.Errorf("unexpected DM id %q", got)
		}
		if got := SignalGroupChatID("abc=="); got != "sig:group:abc==" {
			t.Errorf("unexpected group id %q", got)
		}
	})

	t.Run("detects groups", func(t *testing.T) {
		cases := map[string]bool{
			"sig:group:xyz":            true,
			"sig:+15551234567":         false,
			"slack:channel:C123":       true,
			"slack:cit:channel:C123":   true,
			"slack:U123":               false,
			"slack:cit:U123":           false,
			"voice:session":            false,
		}
		for id, want := range cases {
			if got := IsGroupChatID(id); got != want {
				t.Errorf("IsGroupChatID(%q) = %v, want %v", id, got, want)
			}
		}
	})
}

func TestSlackAddress(t *testing.T) {
	cases := []struct {
		chatID    string
		prefix    string
		addr      string
		isChannel bool
		ok        bool
	}{
		{"slack:U123", "slack:", "U123", false, true},
		{"slack:channel:C9", "slack:", "C9", true, true},
		{"slack:cit:U123", "slack:cit:", "U123", false, true},
		{"slack:cit:channel:C9", "slack:cit:", "C9", true, true},
		{"slack:", "slack:", "", false, false},
		{"slack:channel:", "slack:", "", true, false},
		{"sig:+1", "slack:", "", false, false},
	}
	for _, tc := range cases {
		addr, isChannel, ok := SlackAddress(tc.chatID, tc.prefix)
		if addr != tc.addr || isChannel != tc.isChannel || ok != tc.ok {
			t.Errorf("SlackAddress(%q, %q) = (%q, %v, %v), want (%q, %v, %v)",
				tc.chatID, tc.prefix, addr, isChannel, ok, tc.addr, tc.isChannel, tc.ok)
		}
	}
}

func TestStripLeadingMention(t *testing.T) {
	cases := []struct {
		text string
		bot  string
		want string
	}{
		{"@Andy ping", "Andy", "ping"},
		{"@andy ping", "Andy", "ping"},
		{"@Andy: ping", "Andy", "ping"},
		{"@AndyB ping", "Andy", "@AndyB ping"},
		{"hello there", "Andy", "hello there"},
		{"@Andy", "Andy", ""},
		{"  @Andy ping  ", "Andy", "ping"},
	}
	for _, tc := range cases {
		if got := StripLeadingMention(tc.text, tc.bot); got != tc.want {
			t.Errorf("StripLeadingMention(%q, %q) = %q, want %q", tc.text, tc.bot, got, tc.want)
		}
	}
}
