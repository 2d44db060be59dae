package transcript

import (
	"context"
	"log/slog"

	"github.com/MrWong99/vadscribe/internal/emit"
)

var _ emit.Publisher = (*Publisher)(nil)

// Publisher corrects the text of each event before passing it on.
type Publisher struct {
	next      emit.Publisher
	corrector *Corrector
}

// NewPublisher returns a Publisher that corrects events with c and
// publishes them to next. A nil c passes events through unchanged.
func NewPublisher(next emit.Publisher, c *Corrector) *Publisher {
	return &Publisher{next: next, corrector: c}
}

// Publish implements [emit.Publisher].
func (p *Publisher) Publish(ctx context.Context, e emit.Event) {
	if p.corrector != nil {
		if res := p.corrector.Correct(e.Text); res.Changed() {
			slog.Debug("transcript: corrected",
				"stream", e.Stream,
				"seq", e.Seq,
				"corrections", len(res.Corrections),
				"original", res.Original,
			)
			e.Text = res.Corrected
		}
	}
	if p.next != nil {
		p.next.Publish(ctx, e)
	}
}
