// Package notify delivers the run report to push-style messaging endpoints.
// Formatting of the report is presentation; delivery here is fan-out with
// per-sender error isolation.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Sender is one notification channel.
type Sender interface {
	// Send delivers a plain-text message.
	Send(ctx context.Context, message string) error
	// Name identifies the channel in logs ("line", "telegram").
	Name() string
}

// Notifier dispatches a message to every configured sender. One failing
// channel does not block the others.
type Notifier struct {
	senders []Sender
}

// NewNotifier creates a dispatcher over the given senders.
func NewNotifier(senders ...Sender) *Notifier {
	return &Notifier{senders: senders}
}

// Send fans the message out. Errors from individual senders are collected
// into a combined error after every sender has been attempted.
func (n *Notifier) Send(ctx context.Context, message string) error {
	if len(n.senders) == 0 {
		log.Debug().Msg("no notification senders configured")
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, message); err != nil {
			log.Error().Str("sender", s.Name()).Err(err).Msg("notification send failed")
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		log.Info().Str("sender", s.Name()).Msg("notification sent")
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
