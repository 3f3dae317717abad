// Package notify delivers best-effort alerts and account-scoped broadcasts.
// Failures are swallowed: a dead sink must never block or abort the state
// transition that produced the event.
package notify

import (
	"log"

	"quantcore/internal/events"
)

// AlertSink is a pluggable alert delivery target.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log. It is the default sink.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("ALERT: %s", message)
	return nil
}

// Notifier fans alerts out to sinks and broadcasts structured events on the
// bus for live UIs.
type Notifier struct {
	bus   *events.Bus
	sinks []AlertSink
}

// New creates a notifier. A nil bus disables broadcasts; with no sinks the
// notifier falls back to LogSink.
func New(bus *events.Bus, sinks ...AlertSink) *Notifier {
	if len(sinks) == 0 {
		sinks = []AlertSink{LogSink{}}
	}
	return &Notifier{bus: bus, sinks: sinks}
}

// SendAlert delivers message to every sink, logging and swallowing failures.
func (n *Notifier) SendAlert(message string) {
	for _, sink := range n.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("notify: sink panic: %v", r)
				}
			}()
			if err := sink.Send(message); err != nil {
				log.Printf("notify: sink error: %v", err)
			}
		}()
	}
}

// BroadcastToAccount publishes an account-scoped event for live consumers.
func (n *Notifier) BroadcastToAccount(accountID string, eventType events.Event, payload any) {
	if n.bus == nil {
		return
	}
	n.bus.Publish(eventType, events.AccountEvent{
		AccountID: accountID,
		Type:      string(eventType),
		Payload:   payload,
	})
}
