package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/backoff"
	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/db/dbtest"
	"github.com/tgshop/onchain-engine/ledger"
	"github.com/tgshop/onchain-engine/metrics"
	"github.com/tgshop/onchain-engine/oaeerr"
)

var testParams = chain.Params{NotifyThreshold: 3, OutboundFinality: 3, ReorgDepth: 6, OrphanThreshold: 1}

type fakeAdapter struct {
	mu       sync.Mutex
	tip      uint64
	inbound  map[string][]chain.Observation
	failing  map[string]error
	since    map[string]uint64
	delay    time.Duration
	inFlight int32
	maxSeen  int32
}

func newFakeAdapter(tip uint64) *fakeAdapter {
	return &fakeAdapter{
		tip:     tip,
		inbound: make(map[string][]chain.Observation),
		failing: make(map[string]error),
		since:   make(map[string]uint64),
	}
}

func (f *fakeAdapter) Chain() string                        { return "BTC" }
func (f *fakeAdapter) Params() chain.Params                 { return testParams }
func (f *fakeAdapter) ValidateAddress(address string) error { return nil }

func (f *fakeAdapter) GetInbound(ctx context.Context, address string, sinceHeight uint64) ([]chain.Observation, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.since[address] = sinceHeight
	if err := f.failing[address]; err != nil {
		return nil, err
	}
	return append([]chain.Observation(nil), f.inbound[address]...), nil
}

func (f *fakeAdapter) GetTransaction(ctx context.Context, txid string) (*chain.TxInfo, error) {
	return nil, chain.ErrTxNotFound
}

func (f *fakeAdapter) Broadcast(ctx context.Context, tx chain.SignedTx) (string, error) {
	return tx.Txid, nil
}

func (f *fakeAdapter) EstimateFee(ctx context.Context, amount decimal.Decimal) (chain.Fee, error) {
	return chain.Fee{}, nil
}

func (f *fakeAdapter) CurrentTip(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

type staticAddresses []string

func (s staticAddresses) ListActive(chainName string) ([]db.WatchedAddress, error) {
	out := make([]db.WatchedAddress, 0, len(s))
	for _, a := range s {
		out = append(out, db.WatchedAddress{Chain: chainName, Address: a, Active: true})
	}
	return out, nil
}

// flakyRecorder fails the first n calls.
type flakyRecorder struct {
	next  Recorder
	fails int32
	calls int32
}

func (r *flakyRecorder) Record(ctx context.Context, obs chain.Observation) (ledger.StateDelta, error) {
	atomic.AddInt32(&r.calls, 1)
	if atomic.AddInt32(&r.fails, -1) >= 0 {
		return ledger.StateDelta{}, oaeerr.Wrap(oaeerr.StorageUnavailable, "test", errors.New("db down"))
	}
	return r.next.Record(ctx, obs)
}

func newTestPoller(t *testing.T, adapter *fakeAdapter, addresses []string, recorder func(*ledger.Ledger) Recorder) (*Poller, *gorm.DB, *ledger.Ledger) {
	database := dbtest.New(t)
	l := ledger.New(database, func(string) (chain.Params, bool) { return testParams, true }, metrics.Nop(), zap.NewNop().Sugar())
	var rec Recorder = l
	if recorder != nil {
		rec = recorder(l)
	}
	cfg := &config.ChainConfig{
		Name: "BTC", PollInterval: time.Hour, Concurrency: 2, RateLimit: 1000, RateBurst: 100,
	}
	p := New(cfg, config.WorkersConfig{}, adapter, staticAddresses(addresses), rec, database, metrics.Nop(), zap.NewNop().Sugar())
	p.policy = backoff.Policy{Base: time.Millisecond, Cap: 5 * time.Millisecond, Attempts: 3, AttemptTimeout: time.Second}
	return p, database, l
}

func height(h uint64) *uint64 {
	return &h
}

func deposit(address, txid string, h *uint64, conf uint64) chain.Observation {
	return chain.Observation{
		Txid: txid, Address: address, Amount: decimal.RequireFromString("0.5"),
		BlockHeight: h, Confirmations: conf,
	}
}

func TestPollRecordsAndAdvancesWatermark(t *testing.T) {
	adapter := newFakeAdapter(1000)
	adapter.inbound["addrA"] = []chain.Observation{
		deposit("addrA", "t1", height(998), 3),
		deposit("addrA", "t2", nil, 0),
	}
	p, database, l := newTestPoller(t, adapter, []string{"addrA", "addrB"}, nil)

	require.NoError(t, p.PollOnce(context.Background()))

	deposits, err := l.List(db.DepositFilter{Chain: "BTC"})
	require.NoError(t, err)
	require.Len(t, deposits, 2)

	// capped by the highest observed block
	wm, err := db.GetWatermark(database, "BTC", "addrA")
	require.NoError(t, err)
	require.Equal(t, uint64(994), wm)

	// nothing seen: tip minus margin
	wm, err = db.GetWatermark(database, "BTC", "addrB")
	require.NoError(t, err)
	require.Equal(t, uint64(994), wm)

	adapter.inbound["addrA"] = []chain.Observation{deposit("addrA", "t1", height(990), 11)}
	adapter.tip = 1010
	require.NoError(t, p.PollOnce(context.Background()))
	require.Equal(t, uint64(994), adapter.since["addrA"])

	wm, err = db.GetWatermark(database, "BTC", "addrA")
	require.NoError(t, err)
	require.Equal(t, uint64(994), wm, "watermark never moves backwards")

	wm, err = db.GetWatermark(database, "BTC", "addrB")
	require.NoError(t, err)
	require.Equal(t, uint64(1004), wm)
}

func TestLedgerFailureKeepsObservationAndWatermark(t *testing.T) {
	adapter := newFakeAdapter(100)
	adapter.inbound["addrA"] = []chain.Observation{deposit("addrA", "t1", height(99), 2)}
	var flaky *flakyRecorder
	p, database, l := newTestPoller(t, adapter, []string{"addrA"}, func(l *ledger.Ledger) Recorder {
		flaky = &flakyRecorder{next: l, fails: 1}
		return flaky
	})

	err := p.PollOnce(context.Background())
	require.True(t, oaeerr.Is(err, oaeerr.StorageUnavailable))
	require.Equal(t, 1, p.Pending())

	wm, err := db.GetWatermark(database, "BTC", "addrA")
	require.NoError(t, err)
	require.Zero(t, wm)

	adapter.inbound["addrA"] = nil
	require.NoError(t, p.PollOnce(context.Background()))
	require.Zero(t, p.Pending())

	deposits, err := l.List(db.DepositFilter{})
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.Equal(t, db.DepositStateConfirming, deposits[0].State)
}

func TestFailingAddressDoesNotBlockOthers(t *testing.T) {
	adapter := newFakeAdapter(100)
	adapter.failing["bad"] = oaeerr.New(oaeerr.AdapterRejected, "test", "bad address")
	adapter.inbound["good"] = []chain.Observation{deposit("good", "t1", nil, 0)}
	p, database, l := newTestPoller(t, adapter, []string{"bad", "good"}, nil)

	err := p.PollOnce(context.Background())
	require.True(t, oaeerr.Is(err, oaeerr.AdapterRejected))

	deposits, err := l.List(db.DepositFilter{Address: "good"})
	require.NoError(t, err)
	require.Len(t, deposits, 1)

	wm, err := db.GetWatermark(database, "BTC", "bad")
	require.NoError(t, err)
	require.Zero(t, wm)
}

func TestConcurrencyIsBounded(t *testing.T) {
	adapter := newFakeAdapter(100)
	adapter.delay = 20 * time.Millisecond
	p, _, _ := newTestPoller(t, adapter, []string{"a1", "a2", "a3", "a4", "a5", "a6"}, nil)

	require.NoError(t, p.PollOnce(context.Background()))
	require.LessOrEqual(t, atomic.LoadInt32(&adapter.maxSeen), int32(2))
	require.Len(t, adapter.since, 6)
}

func TestStartStop(t *testing.T) {
	adapter := newFakeAdapter(100)
	p, _, _ := newTestPoller(t, adapter, nil, nil)
	require.Equal(t, "BTC", p.ChainName())

	p.Start()
	p.Stop()

	done := make(chan struct{})
	go func() {
		p.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestWatermark(t *testing.T) {
	require.Equal(t, uint64(94), watermark(100, 6, 0, false))
	require.Equal(t, uint64(50), watermark(100, 6, 50, true))
	require.Equal(t, uint64(94), watermark(100, 6, 99, true))
	require.Zero(t, watermark(3, 6, 0, false))
}
