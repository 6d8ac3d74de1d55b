package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/db/dbtest"
	"github.com/tgshop/onchain-engine/events"
	"github.com/tgshop/onchain-engine/oaeerr"
	"github.com/tgshop/onchain-engine/payout"
	"github.com/tgshop/onchain-engine/security"
	"github.com/tgshop/onchain-engine/settlement"
)

const tipHeight = 500

type fakeChain struct {
	mu       sync.Mutex
	inbound  map[string][]chain.Observation
	txs      map[string]*chain.TxInfo
	outgoing []chain.SignedTx
}

func newFakeChain() *fakeChain {
	return &fakeChain{inbound: make(map[string][]chain.Observation), txs: make(map[string]*chain.TxInfo)}
}

func (f *fakeChain) Chain() string { return "BTC" }
func (f *fakeChain) Params() chain.Params {
	return chain.Params{
		NotifyThreshold: 1, OutboundFinality: 1, ReorgDepth: 1, OrphanThreshold: 1,
		DustFloor: decimal.RequireFromString("0.00000546"),
	}
}
func (f *fakeChain) ValidateAddress(address string) error {
	if address == "bogus" {
		return fmt.Errorf("invalid address %q", address)
	}
	return nil
}
func (f *fakeChain) GetInbound(ctx context.Context, address string, since uint64) ([]chain.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.Observation(nil), f.inbound[address]...), nil
}
func (f *fakeChain) GetTransaction(ctx context.Context, txid string) (*chain.TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.txs[txid]
	if !ok {
		return nil, oaeerr.Wrap(oaeerr.NotFound, "fake.getTransaction", chain.ErrTxNotFound)
	}
	copied := *info
	return &copied, nil
}
func (f *fakeChain) Broadcast(ctx context.Context, tx chain.SignedTx) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	height := uint64(tipHeight)
	f.outgoing = append(f.outgoing, tx)
	f.txs[tx.Txid] = &chain.TxInfo{Txid: tx.Txid, BlockHeight: &height, Confirmations: 1}
	return tx.Txid, nil
}
func (f *fakeChain) EstimateFee(ctx context.Context, amount decimal.Decimal) (chain.Fee, error) {
	fee := decimal.RequireFromString("0.00002")
	return chain.Fee{Low: fee, Normal: fee, High: fee}, nil
}
func (f *fakeChain) CurrentTip(ctx context.Context) (uint64, error) { return tipHeight, nil }
func (f *fakeChain) MaxBatchOutputs() int                           { return 10 }

func (f *fakeChain) pay(address, txid, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	height := uint64(tipHeight)
	f.inbound[address] = append(f.inbound[address], chain.Observation{
		Txid: txid, Address: address, Amount: decimal.RequireFromString(amount),
		BlockHeight: &height, Confirmations: 1,
	})
}

// observe replaces what the chain reports for address.
func (f *fakeChain) observe(address string, obs ...chain.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound[address] = obs
}

type countingSigner struct {
	mu     sync.Mutex
	drafts []chain.Draft
}

func (s *countingSigner) Sign(ctx context.Context, chainName string, draft chain.Draft) (chain.SignedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts = append(s.drafts, draft)
	return chain.SignedTx{Chain: chainName, Raw: []byte{0x01}, Txid: fmt.Sprintf("out%d", len(s.drafts))}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handler(ctx context.Context, event events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) ofKind(kind events.Kind) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Chains: []config.ChainConfig{{
			Name: "BTC", Family: config.FamilyBitcoin, Network: "mainnet", Endpoint: "http://esplora",
			PollInterval: time.Hour, NotifyThreshold: 1, OutboundFinality: 1, ReorgDepth: 1,
			OrphanThreshold: 1, DustFloor: "0.00000546", Concurrency: 2, RateLimit: 1000, RateBurst: 10,
			SignerHandle: "hot-wallet",
		}},
		Notify: config.NotifyConfig{AdminChannel: "admins", MaxRetries: 1, Interval: time.Hour},
		Security: config.SecurityConfig{
			MaxAttempts: 5, LockoutWindow: time.Minute, MinPinLength: 4, MaxPinLength: 12,
			Argon2Time: 1, Argon2Memory: 1024, Argon2Threads: 1,
		},
		Workers: config.WorkersConfig{
			SettlementInterval: time.Hour, PayoutInterval: time.Hour, ReconcileInterval: time.Hour,
			AttemptTimeout: time.Second, OperationBudget: 5 * time.Second, BroadcastGrace: time.Minute,
			MaxPayoutRetries: 3, BatchSize: 50,
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeChain, *countingSigner) {
	adapter := newFakeChain()
	signer := &countingSigner{}
	e, err := Assemble(testConfig(), dbtest.New(t), Deps{Adapters: []chain.Adapter{adapter}, Signer: signer}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return e, adapter, signer
}

func TestAssembleRequiresAdapterPerChain(t *testing.T) {
	_, err := Assemble(testConfig(), dbtest.New(t), Deps{}, zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestDepositToCompletedSettlement(t *testing.T) {
	e, adapter, signer := newTestEngine(t)
	ctx := context.Background()
	log := &eventLog{}
	for _, kind := range []events.Kind{events.DepositConfirmed, events.PayoutCompleted, events.PayoutFailed} {
		defer e.Subscribe(kind, log.handler)()
	}

	_, err := e.AddAddress(ctx, "alice", "BTC", "bc1shop", "main till")
	require.NoError(t, err)
	_, err = e.AddRule(ctx, "alice", settlement.RuleInput{
		Chain: "BTC", DestinationAddress: "bc1cold", PercentageBps: 6000, Label: "cold",
	})
	require.NoError(t, err)
	_, err = e.AddRule(ctx, "alice", settlement.RuleInput{
		Chain: "BTC", DestinationAddress: "bc1partner", PercentageBps: 2500, Label: "partner",
	})
	require.NoError(t, err)

	adapter.pay("bc1shop", "in1", "1.0")
	require.NoError(t, e.Tick(ctx))

	deposits, err := e.ListDeposits(db.DepositFilter{Chain: "BTC"})
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	assert.Equal(t, db.DepositStateConfirmed, deposits[0].State)
	assert.NotNil(t, deposits[0].NotifiedAt)
	assert.NotNil(t, deposits[0].SettledAt)

	confirmed := log.ofKind(events.DepositConfirmed)
	require.Len(t, confirmed, 1)
	assert.ElementsMatch(t, []string{"admins", "alice"}, confirmed[0].Recipients)

	payouts, err := e.ListPayouts(db.PayoutFilter{Chain: "BTC"})
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	for _, p := range payouts {
		assert.Equal(t, db.PayoutStatusCompleted, p.Status)
		assert.Equal(t, db.SystemPrincipal, p.CreatedBy)
	}
	// one settlement batch, coalesced into one transaction
	require.Len(t, signer.drafts, 1)
	assert.Len(t, signer.drafts[0].Outputs, 2)
	assert.Equal(t, "hot-wallet", signer.drafts[0].SignerHandle)
	assert.Len(t, log.ofKind(events.PayoutCompleted), 2)

	// replaying the same chain state changes nothing
	require.NoError(t, e.Tick(ctx))
	assert.Len(t, log.ofKind(events.DepositConfirmed), 1)
	payouts, err = e.ListPayouts(db.PayoutFilter{})
	require.NoError(t, err)
	assert.Len(t, payouts, 2)
	assert.Len(t, adapter.outgoing, 1)
}

func TestReorgAfterSettlementDoesNotRepeatIt(t *testing.T) {
	e, adapter, _ := newTestEngine(t)
	ctx := context.Background()
	log := &eventLog{}
	defer e.Subscribe(events.DepositConfirmed, log.handler)()

	_, err := e.AddAddress(ctx, "alice", "BTC", "bc1shop", "")
	require.NoError(t, err)
	_, err = e.AddRule(ctx, "alice", settlement.RuleInput{Chain: "BTC", DestinationAddress: "bc1cold", PercentageBps: 5000})
	require.NoError(t, err)

	adapter.pay("bc1shop", "in1", "2.0")
	require.NoError(t, e.Tick(ctx))

	deposits, err := e.ListDeposits(db.DepositFilter{Chain: "BTC"})
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	settled := deposits[0]
	require.NotNil(t, settled.NotifiedAt)
	require.NotNil(t, settled.SettledAt)
	require.Len(t, log.ofKind(events.DepositConfirmed), 1)

	// the block is reorged away and the tx falls back to the mempool
	amount := decimal.RequireFromString("2.0")
	adapter.observe("bc1shop", chain.Observation{Txid: "in1", Address: "bc1shop", Amount: amount})
	require.NoError(t, e.Tick(ctx))
	orphaned, err := e.GetDeposit(settled.Id)
	require.NoError(t, err)
	assert.Equal(t, db.DepositStateOrphaned, orphaned.State)

	// mined again one block lower
	height := uint64(tipHeight - 1)
	adapter.observe("bc1shop", chain.Observation{
		Txid: "in1", Address: "bc1shop", Amount: amount, BlockHeight: &height, Confirmations: 2,
	})
	require.NoError(t, e.Tick(ctx))
	require.NoError(t, e.Tick(ctx))

	again, err := e.GetDeposit(settled.Id)
	require.NoError(t, err)
	assert.Equal(t, db.DepositStateConfirmed, again.State)
	assert.Equal(t, height, *again.BlockHeight)
	assert.True(t, settled.NotifiedAt.Equal(*again.NotifiedAt))
	assert.True(t, settled.SettledAt.Equal(*again.SettledAt))

	deposits, err = e.ListDeposits(db.DepositFilter{})
	require.NoError(t, err)
	assert.Len(t, deposits, 1)
	assert.Len(t, log.ofKind(events.DepositConfirmed), 1)
	payouts, err := e.ListPayouts(db.PayoutFilter{})
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
	assert.Len(t, adapter.outgoing, 1)
}

func TestWebhookAndSubscribersBothNotified(t *testing.T) {
	var (
		mu    sync.Mutex
		hooks []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hooks = append(hooks, r.Header.Get("Idempotency-Key"))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Notify.Webhook = server.URL
	adapter := newFakeChain()
	e, err := Assemble(cfg, dbtest.New(t), Deps{Adapters: []chain.Adapter{adapter}, Signer: &countingSigner{}}, zap.NewNop().Sugar())
	require.NoError(t, err)
	ctx := context.Background()
	log := &eventLog{}
	defer e.Subscribe(events.DepositConfirmed, log.handler)()

	_, err = e.AddAddress(ctx, "alice", "BTC", "bc1shop", "")
	require.NoError(t, err)
	adapter.pay("bc1shop", "in1", "0.5")
	require.NoError(t, e.Tick(ctx))
	require.NoError(t, e.Tick(ctx))

	mu.Lock()
	assert.Equal(t, []string{"BTC/in1/0"}, hooks)
	mu.Unlock()
	confirmed := log.ofKind(events.DepositConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "in1", confirmed[0].Deposit.Txid)
	assert.NotNil(t, confirmed[0].Deposit.NotifiedAt)
}

func TestManualPayoutNeedsPin(t *testing.T) {
	e, adapter, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := e.CreatePayout(ctx, payout.CreateRequest{
		Chain: "BTC", ToAddress: "bc1supplier", Amount: decimal.RequireFromString("0.25"),
		Priority: db.PriorityHigh, CreatedBy: "bob",
	})
	require.NoError(t, err)
	require.Equal(t, db.PayoutStatusPending, p.Status)

	// pending manual payouts are never picked up by the worker
	require.NoError(t, e.Tick(ctx))
	assert.Empty(t, adapter.outgoing)

	_, err = e.AuthorizePayout(ctx, p.Id, "bob", "1234")
	assert.Equal(t, oaeerr.BadPin, oaeerr.KindOf(err))

	require.NoError(t, e.SetPin(ctx, "bob", "1234"))
	p, err = e.AuthorizePayout(ctx, p.Id, "bob", "1234")
	require.NoError(t, err)
	assert.Equal(t, db.PayoutStatusAuthorized, p.Status)

	require.NoError(t, e.Tick(ctx))
	p, err = e.GetPayout(p.Id)
	require.NoError(t, err)
	assert.Equal(t, db.PayoutStatusCompleted, p.Status)

	authorizations, err := e.SecurityEvents(db.SecurityEventFilter{UserId: "bob", Action: security.ActionPayoutAuthorize})
	require.NoError(t, err)
	require.Len(t, authorizations, 2)
}

func TestOperatorActionsAreAudited(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	log := &eventLog{}
	defer e.Subscribe(events.Security, log.handler)()

	_, err := e.AddAddress(ctx, "", "BTC", "bc1shop", "")
	assert.Equal(t, oaeerr.InvalidInput, oaeerr.KindOf(err))

	_, err = e.AddAddress(ctx, "carol", "BTC", "bogus", "")
	assert.Equal(t, oaeerr.InvalidInput, oaeerr.KindOf(err))

	id, err := e.AddAddress(ctx, "carol", "BTC", "bc1shop", "")
	require.NoError(t, err)
	require.NoError(t, e.DeactivateAddress(ctx, "carol", id))

	rule, err := e.AddRule(ctx, "carol", settlement.RuleInput{Chain: "BTC", DestinationAddress: "bc1cold", PercentageBps: 10000})
	require.NoError(t, err)
	_, err = e.AddRule(ctx, "carol", settlement.RuleInput{Chain: "BTC", DestinationAddress: "bc1other", PercentageBps: 1})
	assert.Equal(t, oaeerr.PolicyViolation, oaeerr.KindOf(err))
	require.NoError(t, e.SetRuleEnabled(ctx, "carol", rule.Id, false))

	evts, err := e.SecurityEvents(db.SecurityEventFilter{UserId: "carol"})
	require.NoError(t, err)
	actions := make(map[string][]bool)
	for _, ev := range evts {
		actions[ev.Action] = append(actions[ev.Action], ev.Success)
	}
	assert.ElementsMatch(t, []bool{false, true}, actions[security.ActionAddressAdd])
	assert.Equal(t, []bool{true}, actions[security.ActionAddressRemove])
	assert.ElementsMatch(t, []bool{true, false}, actions[security.ActionRuleAdd])
	assert.Equal(t, []bool{true}, actions[security.ActionRuleEnable])

	// every appended event reaches security subscribers
	assert.Len(t, log.ofKind(events.Security), len(evts))
}

func TestStartStop(t *testing.T) {
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.Ready())
	e.Start()
	e.Stop()
	e.WaitForShutdown()
	assert.Equal(t, []string{"BTC"}, e.Chains())
}
