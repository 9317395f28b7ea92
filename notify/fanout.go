package notify

import (
	"context"
	"errors"

	"github.com/warp/loan-ledger/lending"
)

// Fanout sends every notification to all of its notifiers. One failing
// notifier does not stop the others; their errors are joined.
type Fanout []lending.Notifier

func (f Fanout) Notify(ctx context.Context, n lending.Notification) error {
	var errs []error
	for _, to := range f {
		if err := to.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
