// Package consumers holds the business handlers that react to
// subscription.created, one per consumer registration.
package consumers

import (
	"fmt"

	"github.com/austindbirch/harborpipe/internal/worker"
)

const (
	Invoices      = "invoices"
	Entitlements  = "entitlements"
	Notifications = "notifications"
)

// Handlers maps consumer names to their handlers.
func Handlers(n Notifier) map[string]worker.Handler {
	return map[string]worker.Handler{
		Invoices:      InvoiceHandler{},
		Entitlements:  EntitlementHandler{},
		Notifications: NotificationHandler{Notifier: n},
	}
}

// Lookup returns the handler registered for consumer.
func Lookup(handlers map[string]worker.Handler, consumer string) (worker.Handler, error) {
	h, ok := handlers[consumer]
	if !ok {
		return nil, fmt.Errorf("no handler for consumer %q", consumer)
	}
	return h, nil
}
