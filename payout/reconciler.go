package payout

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/backoff"
	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/events"
	"github.com/tgshop/onchain-engine/metrics"
)

// OutboundRecorder is the outbound side of the detection ledger.
type OutboundRecorder interface {
	RecordOutbound(ctx context.Context, chainName string, info *chain.TxInfo) (*db.OutboundTx, error)
}

// Reconciler follows broadcast payouts on chain: it resolves payouts left in
// broadcasting by a crash and completes or fails processing ones.
type Reconciler struct {
	*loop
	logger    *zap.SugaredLogger
	payouts   *db.PayoutRepository
	adapters  chain.Set
	ledger    OutboundRecorder
	publisher Publisher
	policy    backoff.Policy
	metrics   *metrics.Metrics
	grace     time.Duration
	batchSize int
	now       func() time.Time
}

func NewReconciler(
	database *gorm.DB,
	workers config.WorkersConfig,
	adapters chain.Set,
	ledger OutboundRecorder,
	publisher Publisher,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *Reconciler {
	batchSize := workers.BatchSize
	if batchSize <= 0 {
		batchSize = db.BatchHandleDepositsNum
	}
	r := &Reconciler{
		logger:    logger.Named("reconciler"),
		payouts:   db.NewPayoutRepository(database),
		adapters:  adapters,
		ledger:    ledger,
		publisher: publisher,
		policy:    backoff.FromConfig(workers),
		metrics:   m,
		grace:     workers.BroadcastGrace,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	r.loop = newLoop("reconciliation", workers.ReconcileInterval, r.ReconcileOnce, r.logger)
	return r
}

func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	if err := r.recoverBroadcasting(ctx); err != nil {
		return err
	}
	return r.followProcessing(ctx)
}

func (r *Reconciler) lookup(ctx context.Context, chainName, txid string) (*chain.TxInfo, error) {
	adapter, err := r.adapters.Get(chainName)
	if err != nil {
		return nil, err
	}
	var info *chain.TxInfo
	err = r.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		info, err = adapter.GetTransaction(ctx, txid)
		return err
	}, nil)
	return info, err
}

// recoverBroadcasting resolves payouts whose broadcast outcome was never recorded.
func (r *Reconciler) recoverBroadcasting(ctx context.Context) error {
	stale, err := r.payouts.WithContext(ctx).GetStaleBroadcasting(r.now().Add(-r.grace), r.batchSize)
	if err != nil {
		return err
	}
	for _, p := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.Txid == nil {
			r.logger.Errorf("Broadcasting payout without txid: %d", p.Id)
			continue
		}
		_, err := r.lookup(ctx, p.Chain, *p.Txid)
		switch {
		case err == nil:
			r.move(ctx, p, db.PayoutStatusBroadcasting, map[string]interface{}{"status": db.PayoutStatusProcessing}, db.PayoutStatusProcessing)
			r.logger.Infof("Recovered payout: %d, txid: %s was accepted", p.Id, *p.Txid)
		case errors.Is(err, chain.ErrTxNotFound):
			// never reached the chain; safe to sign and send again
			r.move(ctx, p, db.PayoutStatusBroadcasting, map[string]interface{}{
				"status": db.PayoutStatusAuthorized,
				"txid":   nil,
				"fee":    nil,
			}, db.PayoutStatusAuthorized)
			r.logger.Warnf("Recovered payout: %d, txid: %s unknown to chain, back to authorized", p.Id, *p.Txid)
		default:
			r.logger.Errorf("Failed to look up broadcasting payout: %d, txid: %s, error: %v", p.Id, *p.Txid, err)
		}
	}
	return nil
}

func (r *Reconciler) followProcessing(ctx context.Context) error {
	processing, err := r.payouts.WithContext(ctx).GetByStatus(db.PayoutStatusProcessing, r.batchSize)
	if err != nil {
		return err
	}
	// coalesced payouts share a txid; look each one up once
	seen := make(map[string]*db.OutboundTx)
	for _, p := range processing {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.Txid == nil {
			r.logger.Errorf("Processing payout without txid: %d", p.Id)
			continue
		}
		key := p.Chain + "/" + *p.Txid
		outbound, ok := seen[key]
		if !ok {
			info, err := r.lookup(ctx, p.Chain, *p.Txid)
			if err != nil {
				r.logger.Warnf("Failed to follow payout: %d, txid: %s, error: %v", p.Id, *p.Txid, err)
				continue
			}
			outbound, err = r.ledger.RecordOutbound(ctx, p.Chain, info)
			if err != nil {
				return err
			}
			seen[key] = outbound
		}

		adapter, err := r.adapters.Get(p.Chain)
		if err != nil {
			continue
		}
		switch {
		case outbound.Failed:
			if r.move(ctx, p, db.PayoutStatusProcessing, map[string]interface{}{
				"status":       db.PayoutStatusFailed,
				"last_error":   "transaction failed on chain",
				"processed_at": r.now(),
			}, db.PayoutStatusFailed) {
				publishPayout(ctx, r.publisher, r.payouts, events.PayoutFailed, p.Id, r.logger)
			}
		case outbound.Confirmations >= adapter.Params().OutboundFinality:
			if r.move(ctx, p, db.PayoutStatusProcessing, map[string]interface{}{
				"status":       db.PayoutStatusCompleted,
				"processed_at": r.now(),
			}, db.PayoutStatusCompleted) {
				r.logger.Infof("Completed payout: %d, txid: %s, confirmations: %d", p.Id, *p.Txid, outbound.Confirmations)
				publishPayout(ctx, r.publisher, r.payouts, events.PayoutCompleted, p.Id, r.logger)
			}
		}
	}
	return nil
}

func (r *Reconciler) move(ctx context.Context, p db.Payout, from string, updates map[string]interface{}, status string) bool {
	ok, err := r.payouts.WithContext(ctx).Transition(p.Id, []string{from}, updates)
	if err != nil {
		r.logger.Errorf("Failed to move payout: %d to %s, error: %v", p.Id, status, err)
		return false
	}
	if ok {
		r.metrics.PayoutStatus.WithLabelValues(p.Chain, status).Inc()
	}
	return ok
}
