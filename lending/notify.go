package lending

import "context"

// Notifier receives notification events. Delivery and persistence of the
// notification record belong to the implementation.
// Duplicates are acceptable; callers publish at least once.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }
