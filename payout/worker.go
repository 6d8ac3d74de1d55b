package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/backoff"
	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/events"
	"github.com/tgshop/onchain-engine/metrics"
	"github.com/tgshop/onchain-engine/oaeerr"
	"github.com/tgshop/onchain-engine/security"
)

const amountScale = 8

// errGroupChanged rolls back a group whose members moved under us.
var errGroupChanged = errors.New("payout group changed concurrently")

// Worker promotes due scheduled payouts, authorizes settlement payouts and
// broadcasts authorized ones, highest priority first.
type Worker struct {
	*loop
	logger    *zap.SugaredLogger
	database  *gorm.DB
	payouts   *db.PayoutRepository
	adapters  chain.Set
	signer    chain.Signer
	handles   map[string]string
	auditor   Auditor
	publisher Publisher
	policy    backoff.Policy
	metrics   *metrics.Metrics
	batchSize int
	now       func() time.Time
}

func NewWorker(
	database *gorm.DB,
	chains []config.ChainConfig,
	workers config.WorkersConfig,
	adapters chain.Set,
	signer chain.Signer,
	auditor Auditor,
	publisher Publisher,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *Worker {
	handles := make(map[string]string, len(chains))
	for _, c := range chains {
		handles[c.Name] = c.SignerHandle
	}
	batchSize := workers.BatchSize
	if batchSize <= 0 {
		batchSize = db.BatchHandleDepositsNum
	}
	w := &Worker{
		logger:    logger.Named("payout-worker"),
		database:  database,
		payouts:   db.NewPayoutRepository(database),
		adapters:  adapters,
		signer:    signer,
		handles:   handles,
		auditor:   auditor,
		publisher: publisher,
		policy:    backoff.FromConfig(workers),
		metrics:   m,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	w.loop = newLoop("payout worker", workers.PayoutInterval, w.ProcessOnce, w.logger)
	return w
}

// ProcessOnce runs one pass of the payout queue.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	if err := w.promoteScheduled(ctx); err != nil {
		return err
	}
	if err := w.authorizeSystem(ctx); err != nil {
		return err
	}

	authorized, err := w.payouts.WithContext(ctx).GetByStatus(db.PayoutStatusAuthorized, w.batchSize)
	if err != nil {
		return err
	}
	for _, group := range w.group(authorized) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.broadcast(ctx, group)
	}
	return nil
}

func (w *Worker) promoteScheduled(ctx context.Context) error {
	due, err := w.payouts.WithContext(ctx).GetDueScheduled(w.now(), w.batchSize)
	if err != nil {
		return err
	}
	for _, p := range due {
		ok, err := w.payouts.WithContext(ctx).Transition(p.Id, []string{db.PayoutStatusScheduled}, map[string]interface{}{
			"status": db.PayoutStatusPending,
		})
		if err != nil {
			return err
		}
		if ok {
			w.metrics.PayoutStatus.WithLabelValues(p.Chain, db.PayoutStatusPending).Inc()
			w.logger.Infof("Scheduled payout due: %d", p.Id)
		}
	}
	return nil
}

// authorizeSystem moves settlement payouts through authorized without a PIN.
func (w *Worker) authorizeSystem(ctx context.Context) error {
	pending, err := w.payouts.WithContext(ctx).GetSystemPending(w.batchSize)
	if err != nil {
		return err
	}
	for _, p := range pending {
		ok, err := w.payouts.WithContext(ctx).Transition(p.Id, []string{db.PayoutStatusPending}, map[string]interface{}{
			"status": db.PayoutStatusAuthorized,
		})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := w.auditor.Audit(ctx, db.SystemPrincipal, security.ActionPayoutAuto, true, fmt.Sprintf("payout %d", p.Id)); err != nil {
			w.logger.Errorf("Failed to audit auto authorize, payout: %d, error: %v", p.Id, err)
		}
		w.metrics.PayoutStatus.WithLabelValues(p.Chain, db.PayoutStatusAuthorized).Inc()
	}
	return nil
}

// group coalesces payouts of one settlement batch when the chain can pay
// several outputs at once. The queue order of each group's first member is kept.
func (w *Worker) group(payouts []db.Payout) [][]db.Payout {
	var groups [][]db.Payout
	open := make(map[string]int)
	for _, p := range payouts {
		adapter, err := w.adapters.Get(p.Chain)
		if err != nil {
			w.logger.Errorf("No adapter for payout: %d, chain: %s", p.Id, p.Chain)
			continue
		}
		limit := chain.MaxOutputs(adapter)
		if limit <= 1 || p.BatchId == nil {
			groups = append(groups, []db.Payout{p})
			continue
		}
		key := p.Chain + "/" + *p.BatchId
		if i, ok := open[key]; ok && len(groups[i]) < limit {
			groups[i] = append(groups[i], p)
			continue
		}
		open[key] = len(groups)
		groups = append(groups, []db.Payout{p})
	}
	return groups
}

func ids(group []db.Payout) []uint64 {
	out := make([]uint64, 0, len(group))
	for _, p := range group {
		out = append(out, p.Id)
	}
	return out
}

func (w *Worker) broadcast(ctx context.Context, group []db.Payout) {
	first := group[0]
	adapter, err := w.adapters.Get(first.Chain)
	if err != nil {
		return
	}
	onRetry := func(n uint, err error) {
		w.logger.Warnf("Retrying payouts: %v, attempt: %d, error: %v", ids(group), n+1, err)
	}

	draft := chain.Draft{Chain: first.Chain, SignerHandle: w.handles[first.Chain], Priority: first.Priority}
	for _, p := range group {
		draft.Outputs = append(draft.Outputs, chain.Output{ToAddress: p.ToAddress, Amount: p.Amount})
	}

	var fee chain.Fee
	err = w.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		fee, err = adapter.EstimateFee(ctx, draft.Total())
		return err
	}, onRetry)
	if err != nil {
		w.logger.Errorf("Failed to estimate fee, payouts: %v, error: %v", ids(group), err)
		return
	}
	draft.Fee = fee.For(first.Priority)

	var signed chain.SignedTx
	err = w.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		signed, err = w.signer.Sign(ctx, first.Chain, draft)
		return err
	}, onRetry)
	if err != nil {
		if oaeerr.Is(err, oaeerr.AdapterRejected) {
			w.fail(ctx, group, []string{db.PayoutStatusAuthorized}, err)
			return
		}
		w.logger.Errorf("Failed to sign payouts: %v, error: %v", ids(group), err)
		return
	}

	// the txid is stored before the transaction leaves the process
	share := draft.Fee.Div(decimal.NewFromInt(int64(len(group)))).Truncate(amountScale)
	err = db.Transaction(ctx, w.database, "payouts.broadcasting", func(dbtx *gorm.DB) error {
		repo := db.NewPayoutRepository(dbtx)
		for _, p := range group {
			ok, err := repo.Transition(p.Id, []string{db.PayoutStatusAuthorized}, map[string]interface{}{
				"status": db.PayoutStatusBroadcasting,
				"txid":   signed.Txid,
				"fee":    share,
			})
			if err != nil {
				return err
			}
			if !ok {
				return errGroupChanged
			}
		}
		return nil
	})
	if err != nil {
		w.logger.Warnf("Skipped broadcast, payouts: %v, error: %v", ids(group), err)
		return
	}
	w.count(group, db.PayoutStatusBroadcasting)

	var txid string
	err = w.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		txid, err = adapter.Broadcast(ctx, signed)
		return err
	}, onRetry)
	switch {
	case err == nil:
		if txid == "" {
			txid = signed.Txid
		}
		w.transitionAll(ctx, group, []string{db.PayoutStatusBroadcasting}, map[string]interface{}{
			"status": db.PayoutStatusProcessing,
			"txid":   txid,
		}, db.PayoutStatusProcessing)
		w.logger.Infof("Broadcast payouts: %v, chain: %s, txid: %s", ids(group), first.Chain, txid)
	case oaeerr.Is(err, oaeerr.AdapterRejected):
		w.fail(ctx, group, []string{db.PayoutStatusBroadcasting}, err)
	default:
		// outcome unknown; reconciliation resolves it from the stored txid
		w.logger.Errorf("Broadcast outcome unknown, payouts: %v, txid: %s, error: %v", ids(group), signed.Txid, err)
	}
}

func (w *Worker) transitionAll(ctx context.Context, group []db.Payout, from []string, updates map[string]interface{}, status string) []db.Payout {
	var moved []db.Payout
	for _, p := range group {
		ok, err := w.payouts.WithContext(ctx).Transition(p.Id, from, updates)
		if err != nil {
			w.logger.Errorf("Failed to move payout: %d to %s, error: %v", p.Id, status, err)
			continue
		}
		if ok {
			w.metrics.PayoutStatus.WithLabelValues(p.Chain, status).Inc()
			moved = append(moved, p)
		}
	}
	return moved
}

func (w *Worker) count(group []db.Payout, status string) {
	for _, p := range group {
		w.metrics.PayoutStatus.WithLabelValues(p.Chain, status).Inc()
	}
}

func (w *Worker) fail(ctx context.Context, group []db.Payout, from []string, cause error) {
	reason := cause.Error()
	if len(reason) > 255 {
		reason = reason[:255]
	}
	now := w.now()
	moved := w.transitionAll(ctx, group, from, map[string]interface{}{
		"status":       db.PayoutStatusFailed,
		"last_error":   reason,
		"processed_at": now,
	}, db.PayoutStatusFailed)
	w.logger.Errorf("Payouts failed: %v, error: %v", ids(group), cause)
	for _, p := range moved {
		publishPayout(ctx, w.publisher, w.payouts, events.PayoutFailed, p.Id, w.logger)
	}
}

func publishPayout(ctx context.Context, publisher Publisher, payouts *db.PayoutRepository, kind events.Kind, id uint64, logger *zap.SugaredLogger) {
	if publisher == nil {
		return
	}
	payout, err := payouts.WithContext(ctx).Get(id)
	if err != nil {
		logger.Errorf("Failed to load payout: %d for %s event, error: %v", id, kind, err)
		return
	}
	err = publisher.Publish(ctx, events.Event{Kind: kind, Payout: payout, Recipients: []string{payout.CreatedBy}})
	if err != nil {
		logger.Errorf("Failed to publish %s, payout: %d, error: %v", kind, id, err)
	}
}
