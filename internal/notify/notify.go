// Package notify surfaces user-visible outcomes as desktop notifications:
// terminal command failures, aggregated skip notices, and transfer
// completion. Display failures are logged and swallowed; a missing
// notification daemon must never affect a transfer.
package notify

import (
	"fmt"

	"github.com/gen2brain/beeep"

	"github.com/aerolink/mediasync/internal/command"
	"github.com/aerolink/mediasync/internal/events"
	"github.com/aerolink/mediasync/internal/logging"
)

// Notifier is the Executor's FailureSink and the bus subscriber for
// user-facing notices.
type Notifier struct {
	logger  *logging.Logger
	enabled bool

	// show is swappable for tests; defaults to beeep.
	show func(title, message string) error
}

// New creates a notifier. When enabled is false every notification is
// reduced to a log line.
func New(logger *logging.Logger, enabled bool) *Notifier {
	return &Notifier{
		logger:  logger.Component("notify"),
		enabled: enabled,
		show: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
	}
}

// OnCommandFailure implements command.FailureSink.
func (n *Notifier) OnCommandFailure(err *command.UserError) {
	n.logger.Error().Str("title", err.Title).Str("message", err.Message).Msg("command failure surfaced")
	n.display(err.Title, err.Message)
}

// Watch consumes notice-worthy events from the bus until the channel
// closes. Run it on its own goroutine.
func (n *Notifier) Watch(bus *events.EventBus) {
	skipped := bus.Subscribe(events.EventFilesSkipped)
	completed := bus.Subscribe(events.EventTransferCompleted)
	failures := bus.Subscribe(events.EventFailure)

	for {
		select {
		case ev, ok := <-skipped:
			if !ok {
				return
			}
			se := ev.(*events.SkippedEvent)
			n.display("Files Skipped", skipNotice(se))
		case ev, ok := <-completed:
			if !ok {
				return
			}
			te := ev.(*events.TransferEvent)
			n.display("Transfer Complete", fmt.Sprintf(
				"%s finished: %d files, %d bytes", te.Leg, te.TransferredFiles, te.TransferredBytes))
		case ev, ok := <-failures:
			if !ok {
				return
			}
			fe := ev.(*events.FailureEvent)
			n.display(fe.Title, fe.Message)
		}
	}
}

// skipNotice folds the per-file reasons into one line.
func skipNotice(se *events.SkippedEvent) string {
	if se.Count == 1 {
		return fmt.Sprintf("%s: %s", se.Names[0], se.Reasons[0])
	}
	return fmt.Sprintf("%d files were skipped on the %s leg", se.Count, se.Leg)
}

func (n *Notifier) display(title, message string) {
	if !n.enabled {
		n.logger.Debug().Str("title", title).Str("message", message).Msg("notification suppressed")
		return
	}
	if err := n.show(title, message); err != nil {
		n.logger.Warn().Err(err).Str("title", title).Msg("desktop notification failed")
	}
}
