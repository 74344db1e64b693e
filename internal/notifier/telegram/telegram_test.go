package telegram

import (
	"testing"

	"writebot/internal/notifier"
)

func TestRender(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   notifier.Payload
		want string
	}{
		{
			"plain text",
			notifier.Payload{Text: "The sprint has started!"},
			"The sprint has started!",
		},
		{
			"embed flattened to lines",
			notifier.Payload{
				Text: "The results are in!",
				Embed: &notifier.Embed{
					Title: "Sprint results",
					Rows:  []string{"1. @2 - 80 words", "2. @1 - 50 words"},
				},
			},
			"The results are in!\n\nSprint results\n1. @2 - 80 words\n2. @1 - 50 words",
		},
		{
			"footer kept last",
			notifier.Payload{
				Embed: &notifier.Embed{
					Title:       "Camp leaderboard",
					Description: "Word counts declared so far for Camp",
					Rows:        []string{"1. @3 - 1200 words"},
					Footer:      "Showing the top 1 so far. The event is still running!",
				},
			},
			"Camp leaderboard\nWord counts declared so far for Camp\n1. @3 - 1200 words\nShowing the top 1 so far. The event is still running!",
		},
	} {
		if got := render(tc.in); got != tc.want {
			t.Errorf("%s: render = %q, want %q", tc.name, got, tc.want)
		}
	}
}
