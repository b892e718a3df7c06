// Package notifier abstracts message delivery to a user's contact address.
// Transports report failures as either transient (worth retrying) or
// permanent (retrying cannot help, e.g. an invalid address).
package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/remindme/pkg/models"
)

// Notifier delivers a composed message to a contact address.
type Notifier interface {
	Deliver(ctx context.Context, address, text string) error
}

// TransientError marks a delivery failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient delivery error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a delivery failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent delivery error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Router selects a transport by the user's channel.
type Router struct {
	transports map[models.Channel]Notifier
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{transports: make(map[models.Channel]Notifier)}
}

// Register adds a transport for a channel.
func (r *Router) Register(channel models.Channel, n Notifier) {
	r.transports[channel] = n
}

// Deliver routes the message to the transport registered for the channel.
// An unconfigured channel is a permanent failure: the address can never be
// reached until the service is reconfigured.
func (r *Router) Deliver(ctx context.Context, channel models.Channel, address, text string) error {
	n, ok := r.transports[channel]
	if !ok {
		return &PermanentError{Err: fmt.Errorf("no transport configured for channel %q", channel)}
	}
	return n.Deliver(ctx, address, text)
}
