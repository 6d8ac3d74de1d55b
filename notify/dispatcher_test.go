package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/backoff"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/db/dbtest"
	"github.com/tgshop/onchain-engine/events"
	"github.com/tgshop/onchain-engine/ledger"
	"github.com/tgshop/onchain-engine/metrics"
	"github.com/tgshop/onchain-engine/monitoring"
	"github.com/tgshop/onchain-engine/oaeerr"
	"github.com/tgshop/onchain-engine/security"
)

type fakeSink struct {
	mu    sync.Mutex
	fail  int
	err   error
	calls int
	sent  []Notification
}

func (s *fakeSink) Send(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != 0 {
		if s.fail > 0 {
			s.fail--
		}
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

type owners map[string]string

func (o owners) Lookup(chainName, address string) (*db.WatchedAddress, error) {
	by, ok := o[address]
	if !ok {
		return nil, nil
	}
	return &db.WatchedAddress{Chain: chainName, Address: address, Label: "shop", AddedBy: by, Active: true}, nil
}

func newTestDispatcher(t *testing.T, sink Sink) (*Dispatcher, *gorm.DB, *security.Service) {
	database := dbtest.New(t)
	sec := security.New(database, config.SecurityConfig{}, nil, metrics.Nop(), zap.NewNop().Sugar())
	d := New(database,
		config.NotifyConfig{AdminChannel: "admins", MaxRetries: 2, Interval: time.Hour},
		config.WorkersConfig{BatchSize: 10},
		sink, events.NewBus(), owners{"addr1": "seller-7"}, sec, monitoring.Nop(), metrics.Nop(), zap.NewNop().Sugar())
	d.policy = backoff.Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond, Attempts: 3, AttemptTimeout: time.Second}
	return d, database, sec
}

func confirmedDeposit(t *testing.T, database *gorm.DB, txid string) *db.Deposit {
	h := uint64(100)
	now := time.Now().UTC()
	deposit := &db.Deposit{
		Chain: "BTC", Txid: txid, Vout: 0, Address: "addr1",
		Amount: decimal.RequireFromString("1.25"), FirstSeenAt: now,
		BlockHeight: &h, Confirmations: 3, State: db.DepositStateConfirmed, ConfirmedAt: &now,
	}
	inserted, err := db.NewDepositRepository(database).InsertIfAbsent(deposit)
	require.NoError(t, err)
	require.True(t, inserted)
	return deposit
}

func TestDispatchSendsExactlyOnce(t *testing.T) {
	sink := &fakeSink{}
	d, database, _ := newTestDispatcher(t, sink)
	deposit := confirmedDeposit(t, database, "T1")
	ctx := context.Background()

	sent, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	sent, err = d.DispatchPending(ctx)
	require.NoError(t, err)
	require.Zero(t, sent)

	require.Len(t, sink.sent, 1)
	n := sink.sent[0]
	require.Equal(t, "BTC/T1/0", n.IdempotencyKey)
	require.Equal(t, []string{"admins", "seller-7"}, n.Recipients)
	require.Equal(t, "shop", n.Label)

	stored, err := db.NewDepositRepository(database).Get(deposit.Id)
	require.NoError(t, err)
	require.NotNil(t, stored.NotifiedAt)
}

func TestTransientFailureIsRetried(t *testing.T) {
	sink := &fakeSink{fail: 2, err: oaeerr.New(oaeerr.AdapterUnavailable, "test", "503")}
	d, database, _ := newTestDispatcher(t, sink)
	confirmedDeposit(t, database, "T1")

	sent, err := d.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, 3, sink.calls)
}

func TestExhaustedNotificationIsParked(t *testing.T) {
	sink := &fakeSink{fail: -1, err: oaeerr.New(oaeerr.AdapterUnavailable, "test", "503")}
	d, database, sec := newTestDispatcher(t, sink)
	deposit := confirmedDeposit(t, database, "T1")
	ctx := context.Background()

	sent, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Equal(t, 3, sink.calls)

	letters, err := d.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, deposit.Id, letters[0].RefId)
	require.Equal(t, 3, letters[0].Attempts)

	audit, err := sec.ListEvents(db.SecurityEventFilter{Action: security.ActionNotifyDead})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, db.SystemPrincipal, audit[0].UserId)
	require.False(t, audit[0].Success)

	// parked rows are not picked up again
	_, err = d.DispatchPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, sink.calls)

	sink.fail = 0
	_, err = d.Requeue(letters[0].Id)
	require.NoError(t, err)
	sent, err = d.DispatchPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
}

func TestRejectedNotificationIsParkedImmediately(t *testing.T) {
	sink := &fakeSink{fail: -1, err: oaeerr.New(oaeerr.AdapterRejected, "test", "400")}
	d, database, _ := newTestDispatcher(t, sink)
	confirmedDeposit(t, database, "T1")

	_, err := d.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sink.calls)

	letters, err := d.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
}

func TestOnDeltaWakesOnlyForConfirmed(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeSink{})

	d.OnDelta(ledger.StateDelta{Kind: ledger.DeltaAdvanced})
	require.Len(t, d.wake, 0)
	d.OnDelta(ledger.StateDelta{Kind: ledger.DeltaConfirmed})
	d.OnDelta(ledger.StateDelta{Kind: ledger.DeltaConfirmed})
	require.Len(t, d.wake, 1)
}

func TestWebhookSink(t *testing.T) {
	var (
		status   = http.StatusOK
		gotKey   string
		gotBody  Notification
		gotError error
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotError = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(status)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, time.Second)
	n := Notification{IdempotencyKey: "BTC/T/0", Chain: "BTC", Amount: decimal.RequireFromString("0.1")}
	ctx := context.Background()

	require.NoError(t, sink.Send(ctx, n))
	require.NoError(t, gotError)
	require.Equal(t, "BTC/T/0", gotKey)
	require.True(t, gotBody.Amount.Equal(decimal.RequireFromString("0.1")))

	status = http.StatusBadRequest
	require.True(t, oaeerr.Is(sink.Send(ctx, n), oaeerr.AdapterRejected))
	status = http.StatusTooManyRequests
	require.True(t, oaeerr.Is(sink.Send(ctx, n), oaeerr.AdapterUnavailable))
	status = http.StatusBadGateway
	require.True(t, oaeerr.Is(sink.Send(ctx, n), oaeerr.AdapterUnavailable))
}

func TestSubscribersAreServedAlongsideWebhook(t *testing.T) {
	sink := &fakeSink{}
	d, database, _ := newTestDispatcher(t, sink)
	var got []events.Event
	d.bus.Subscribe(events.DepositConfirmed, func(ctx context.Context, ev events.Event) error {
		got = append(got, ev)
		return nil
	})
	confirmedDeposit(t, database, "T1")

	sent, err := d.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Len(t, sink.sent, 1)
	require.Len(t, got, 1)
	require.Equal(t, "T1", got[0].Deposit.Txid)
	require.NotNil(t, got[0].Deposit.NotifiedAt)
	require.Equal(t, []string{"admins", "seller-7"}, got[0].Recipients)
}

func TestFailingSubscriberIsRetriedAlone(t *testing.T) {
	d, database, _ := newTestDispatcher(t, nil)
	var healthy, flaky int
	d.bus.Subscribe(events.DepositConfirmed, func(ctx context.Context, ev events.Event) error {
		healthy++
		return nil
	})
	d.bus.Subscribe(events.DepositConfirmed, func(ctx context.Context, ev events.Event) error {
		flaky++
		if flaky == 1 {
			return errors.New("telegram timeout")
		}
		return nil
	})
	deposit := confirmedDeposit(t, database, "T1")
	ctx := context.Background()

	sent, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, 1, healthy)
	require.Equal(t, 2, flaky)

	sent, err = d.DispatchPending(ctx)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Equal(t, 1, healthy)

	stored, err := db.NewDepositRepository(database).Get(deposit.Id)
	require.NoError(t, err)
	require.NotNil(t, stored.NotifiedAt)
}

func TestSubscriberThatKeepsFailingDoesNotBlockTheDeposit(t *testing.T) {
	d, database, _ := newTestDispatcher(t, nil)
	calls := 0
	d.bus.Subscribe(events.DepositConfirmed, func(ctx context.Context, ev events.Event) error {
		calls++
		panic("bad handler")
	})
	confirmedDeposit(t, database, "T1")

	sent, err := d.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, 3, calls)

	letters, err := d.DeadLetters()
	require.NoError(t, err)
	require.Empty(t, letters)
}
