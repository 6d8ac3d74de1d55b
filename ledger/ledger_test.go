package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/db/dbtest"
	"github.com/tgshop/onchain-engine/metrics"
	"github.com/tgshop/onchain-engine/oaeerr"
)

func newTestLedger(t *testing.T) *Ledger {
	params := map[string]chain.Params{
		"BTC": {NotifyThreshold: 3, OutboundFinality: 3, ReorgDepth: 6, OrphanThreshold: 1},
		"SOL": {NotifyThreshold: 1, OutboundFinality: 1, OrphanThreshold: 1},
	}
	return New(dbtest.New(t), func(name string) (chain.Params, bool) {
		p, ok := params[name]
		return p, ok
	}, metrics.Nop(), zap.NewNop().Sugar())
}

func height(h uint64) *uint64 {
	return &h
}

func obs(h *uint64, conf uint64) chain.Observation {
	return chain.Observation{
		Chain: "BTC", Txid: "T", Vout: 0, Address: "bc1qx",
		Amount: decimal.RequireFromString("1.00000000"), BlockHeight: h, Confirmations: conf,
	}
}

func TestHappyPathDeposit(t *testing.T) {
	l := newTestLedger(t)
	var confirmed []StateDelta
	l.AddListener(func(d StateDelta) {
		if d.Kind == DeltaConfirmed {
			confirmed = append(confirmed, d)
		}
	})
	ctx := context.Background()

	delta, err := l.Record(ctx, obs(nil, 0))
	require.NoError(t, err)
	require.Equal(t, DeltaNew, delta.Kind)
	require.Equal(t, db.DepositStateSeen, delta.Deposit.State)

	delta, err = l.Record(ctx, obs(height(800000), 1))
	require.NoError(t, err)
	require.Equal(t, DeltaAdvanced, delta.Kind)
	require.Equal(t, db.DepositStateConfirming, delta.Deposit.State)

	delta, err = l.Record(ctx, obs(height(800000), 3))
	require.NoError(t, err)
	require.Equal(t, DeltaConfirmed, delta.Kind)
	require.NotNil(t, delta.Deposit.ConfirmedAt)

	delta, err = l.Record(ctx, obs(height(800000), 3))
	require.NoError(t, err)
	require.Equal(t, DeltaNoop, delta.Kind)

	deposits, err := l.List(db.DepositFilter{Chain: "BTC"})
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.Equal(t, db.DepositStateConfirmed, deposits[0].State)
	require.True(t, deposits[0].Amount.Equal(decimal.NewFromInt(1)))
	require.Len(t, confirmed, 1)
}

func TestReplayIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	sequence := []chain.Observation{obs(nil, 0), obs(height(10), 1), obs(height(10), 2), obs(height(10), 4)}

	for _, o := range sequence {
		_, err := l.Record(ctx, o)
		require.NoError(t, err)
	}
	first, err := l.List(db.DepositFilter{})
	require.NoError(t, err)

	for _, o := range sequence[1:] {
		delta, err := l.Record(ctx, o)
		require.NoError(t, err)
		require.Equal(t, DeltaNoop, delta.Kind)
	}
	second, err := l.List(db.DepositFilter{})
	require.NoError(t, err)
	require.Equal(t, first[0].State, second[0].State)
	require.Equal(t, uint64(4), second[0].Confirmations)
}

func TestFirstRecordAlreadyConfirmed(t *testing.T) {
	l := newTestLedger(t)

	delta, err := l.Record(context.Background(), obs(height(10), 6))
	require.NoError(t, err)
	require.Equal(t, DeltaConfirmed, delta.Kind)
	require.True(t, delta.New)
}

func TestReorgOrphansAndRecovers(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Record(ctx, obs(height(100), 4))
	require.NoError(t, err)

	// lagging backend: fewer confirmations on the same block is ignored
	delta, err := l.Record(ctx, obs(height(100), 2))
	require.NoError(t, err)
	require.Equal(t, DeltaNoop, delta.Kind)

	delta, err = l.Record(ctx, obs(height(101), 0))
	require.NoError(t, err)
	require.Equal(t, DeltaOrphaned, delta.Kind)
	require.Zero(t, delta.Deposit.Confirmations)

	// back in the mempool: still orphaned
	delta, err = l.Record(ctx, obs(nil, 0))
	require.NoError(t, err)
	require.Equal(t, DeltaNoop, delta.Kind)

	delta, err = l.Record(ctx, obs(height(102), 1))
	require.NoError(t, err)
	require.Equal(t, DeltaAdvanced, delta.Kind)
	require.Equal(t, db.DepositStateConfirming, delta.Deposit.State)

	delta, err = l.Record(ctx, obs(height(102), 3))
	require.NoError(t, err)
	require.Equal(t, DeltaConfirmed, delta.Kind)
	require.NotNil(t, delta.Deposit.ConfirmedAt)
}

func TestConfirmedDropToMempoolIsOrphan(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Record(ctx, obs(height(100), 3))
	require.NoError(t, err)
	delta, err := l.Record(ctx, obs(nil, 0))
	require.NoError(t, err)
	require.Equal(t, DeltaOrphaned, delta.Kind)
	require.Nil(t, delta.Deposit.BlockHeight)
}

func TestUnknownChain(t *testing.T) {
	l := newTestLedger(t)
	o := obs(nil, 0)
	o.Chain = "DOGE"
	_, err := l.Record(context.Background(), o)
	require.True(t, oaeerr.Is(err, oaeerr.InvalidInput))
}

func TestRecordOutboundIsMonotonic(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	stored, err := l.RecordOutbound(ctx, "SOL", &chain.TxInfo{Txid: "sig", BlockHeight: height(5), Confirmations: 3})
	require.NoError(t, err)
	require.Equal(t, uint64(3), stored.Confirmations)

	stored, err = l.RecordOutbound(ctx, "SOL", &chain.TxInfo{Txid: "sig", BlockHeight: height(5), Confirmations: 1, Failed: true})
	require.NoError(t, err)
	require.Equal(t, uint64(3), stored.Confirmations)
	require.True(t, stored.Failed)

	stored, err = l.RecordOutbound(ctx, "SOL", &chain.TxInfo{Txid: "sig", BlockHeight: height(5), Confirmations: 9})
	require.NoError(t, err)
	require.Equal(t, uint64(9), stored.Confirmations)
	require.True(t, stored.Failed)
}
