package notify

import (
	"context"

	"github.com/warp/loan-ledger/lending"
	"go.uber.org/zap"
)

// LogNotifier writes every notification as a log line.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n lending.Notification) error {
	l.log.Info("notification",
		zap.String("recipient", string(n.RecipientID)),
		zap.String("kind", string(n.Kind)),
		zap.String("message", n.Message),
		zap.Time("timestamp", n.Timestamp))
	return nil
}
