package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/lending"
	"github.com/warp/loan-ledger/notify"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func sample() lending.Notification {
	return lending.Notification{
		RecipientID: "bob",
		Message:     "Repayment of 5600.00 is due in 3 day(s), on 2026-07-02.",
		Kind:        lending.NotifyUpcoming,
		Timestamp:   time.Date(2026, time.June, 29, 9, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// REDIS BUS
// =============================================================================

func TestRedisBus_PublishesJSON(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := notify.NewRedisBus(db, "", nil)
	n := sample()

	payload, err := json.Marshal(n)
	require.NoError(t, err)
	mock.ExpectPublish(notify.DefaultChannel, string(payload)).SetVal(1)

	require.NoError(t, bus.Notify(context.Background(), n))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, notify.DefaultChannel, bus.Channel())
}

func TestRedisBus_PayloadShape(t *testing.T) {
	payload, err := json.Marshal(sample())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "bob", decoded["recipientId"])
	assert.Equal(t, "repayment_upcoming", decoded["kind"])
	assert.Equal(t, "2026-06-29T09:00:00Z", decoded["timestamp"])
	assert.Contains(t, decoded, "message")
}

func TestRedisBus_NoSubscribersIsNotAnError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := notify.NewRedisBus(db, "custom", nil)
	n := sample()
	payload, _ := json.Marshal(n)
	mock.ExpectPublish("custom", string(payload)).SetVal(0)

	assert.NoError(t, bus.Notify(context.Background(), n))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBus_PublishError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bus := notify.NewRedisBus(db, "custom", nil)
	n := sample()
	payload, _ := json.Marshal(n)
	mock.ExpectPublish("custom", string(payload)).SetErr(errors.New("connection refused"))

	err := bus.Notify(context.Background(), n)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

// =============================================================================
// LOG AND FANOUT
// =============================================================================

func TestLogNotifier_WritesOneLine(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := notify.NewLogNotifier(zap.New(core))

	require.NoError(t, n.Notify(context.Background(), sample()))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "notification", entries[0].Message)
	assert.Equal(t, "notify", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	assert.Equal(t, "bob", fields["recipient"])
	assert.Equal(t, "repayment_upcoming", fields["kind"])
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	var delivered []string
	ok := lending.NotifierFunc(func(_ context.Context, n lending.Notification) error {
		delivered = append(delivered, "ok")
		return nil
	})
	down := errors.New("down")
	failing := lending.NotifierFunc(func(_ context.Context, n lending.Notification) error {
		delivered = append(delivered, "failing")
		return down
	})

	err := notify.Fanout{failing, ok}.Notify(context.Background(), sample())

	assert.ErrorIs(t, err, down)
	assert.Equal(t, []string{"failing", "ok"}, delivered, "a failure does not stop later notifiers")
	assert.NoError(t, notify.Fanout{ok}.Notify(context.Background(), sample()))
}
