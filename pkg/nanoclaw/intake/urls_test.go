package intake

import (
	"reflect"
	"testing"
)

func TestExtractURLs(t *testing.T) {
	t.Run("filters meeting links and short urls", func(t *testing.T) {
		body := "See https://example.com/a, and https://teams.microsoft.com/meeting/xyz. Also http://x"
		got := ExtractURLs(body)
		want := []string{"https://example.com/a"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ExtractURLs = %v, want %v", got, want)
		}
	})

	t.Run("strips trailing punctuation", func(t *testing.T) {
		got := ExtractURLs("read this: https://example.com/article!")
		if len(got) != 1 || got[0] != "https://example.com/article" {
			t.Errorf("expected punctuation stripped, got %v", got)
		}
	})

	t.Run("preserves order and drops duplicates", func(t *testing.T) {
		body := "https://example.com/one then https://example.com/two then https://example.com/one"
		got := ExtractURLs(body)
		want := []string{"https://example.com/one", "https://example.com/two"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ExtractURLs = %v, want %v", got, want)
		}
	})

	t.Run("drops tracker links", func(t *testing.T) {
		body := "https://eu1.safelinks.protection.outlook.com/?url=x and https://zoom.us/j/123456789"
		if got := ExtractURLs(body); got != nil {
			t.Errorf("expected all filtered, got %v", got)
		}
	})

	t.Run("no urls", func(t *testing.T) {
		if got := ExtractURLs("plain text only"); got != nil {
			t.Errorf("expected nil, got %v", got)
		}
	})
}
