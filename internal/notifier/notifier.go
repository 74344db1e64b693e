// Package notifier is the outbound announcement boundary. Handlers
// treat any send error as a delivery failure and report RetryLater, so
// implementations must return an error whenever the channel could not
// be reached from this process.
package notifier

import "context"

// Payload is a renderable announcement. Text is always present; Embed
// carries the richer leaderboard/event card when one applies.
type Payload struct {
	Text  string
	Embed *Embed
}

type Embed struct {
	Title       string
	Description string
	ImageURL    string
	Colour      int64
	Rows        []string
	Footer      string
}

type Notifier interface {
	Send(ctx context.Context, channel int64, p Payload) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, channel int64, p Payload) error

func (f Func) Send(ctx context.Context, channel int64, p Payload) error {
	return f(ctx, channel, p)
}
