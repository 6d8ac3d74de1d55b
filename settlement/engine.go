// Package settlement fans confirmed deposits out into payouts according to
// the auto-settlement rules of their chain.
package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/ledger"
	"github.com/tgshop/onchain-engine/metrics"
	"github.com/tgshop/onchain-engine/oaeerr"
)

const amountScale = 8

var bpsDivisor = decimal.NewFromInt(config.MaxBasisPoints)

// errAlreadySettled rolls back a settlement that lost the race on settled_at.
var errAlreadySettled = errors.New("deposit already settled")

type Result struct {
	DepositId uint64
	BatchId   string
	Payouts   []db.Payout
	Skipped   map[uint64]string
}

type Engine struct {
	logger    *zap.SugaredLogger
	database  *gorm.DB
	deposits  *db.DepositRepository
	rules     *db.RuleRepository
	params    ledger.ParamsLookup
	metrics   *metrics.Metrics
	interval  time.Duration
	batchSize int
	now       func() time.Time

	// onSettled is called after a settlement created payouts
	onSettled func()

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	quit   chan struct{}
}

func NewEngine(database *gorm.DB, workers config.WorkersConfig, params ledger.ParamsLookup, m *metrics.Metrics, logger *zap.SugaredLogger) *Engine {
	batchSize := workers.BatchSize
	if batchSize <= 0 {
		batchSize = db.BatchHandleDepositsNum
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		logger:    logger.Named("settlement"),
		database:  database,
		deposits:  db.NewDepositRepository(database),
		rules:     db.NewRuleRepository(database),
		params:    params,
		metrics:   m,
		interval:  workers.SettlementInterval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		onSettled: func() {},
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		quit:      make(chan struct{}),
	}
}

// OnSettled registers the hook that wakes the payout worker. Call before Start.
func (e *Engine) OnSettled(fn func()) {
	e.onSettled = fn
}

func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.settleLoop()
	}()
}

func (e *Engine) Stop() {
	close(e.quit)
	e.cancel()
}

func (e *Engine) WaitForShutdown() {
	e.wg.Wait()
}

func (e *Engine) OnDelta(delta ledger.StateDelta) {
	if delta.Kind != ledger.DeltaConfirmed {
		return
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) settleLoop() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		if _, err := e.SettlePending(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Errorf("Failed to settle deposits, error: %v", err)
		}

		select {
		case <-e.quit:
			return
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// SettlePending settles confirmed deposits that have no settled_at yet and
// returns how many payouts were created.
func (e *Engine) SettlePending(ctx context.Context) (int, error) {
	deposits, err := e.deposits.WithContext(ctx).GetUnsettledDeposits(e.batchSize)
	if err != nil {
		return 0, err
	}
	created := 0
	for i := range deposits {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		result, err := e.Settle(ctx, &deposits[i])
		if err != nil {
			e.logger.Errorf("Failed to settle deposit: %d, txid: %s, error: %v", deposits[i].Id, deposits[i].Txid, err)
			continue
		}
		if result != nil {
			created += len(result.Payouts)
		}
	}
	if created > 0 {
		e.onSettled()
	}
	return created, nil
}

// Share is floor(amount * bps / 10000) at 8 decimals, clamped to max.
func Share(amount decimal.Decimal, bps int, max decimal.NullDecimal) decimal.Decimal {
	share := amount.Mul(decimal.NewFromInt(int64(bps))).Div(bpsDivisor).Truncate(amountScale)
	if max.Valid && share.GreaterThan(max.Decimal) {
		share = max.Decimal.Truncate(amountScale)
	}
	return share
}

// Settle applies the enabled rules of the deposit's chain in one transaction.
// A nil result means another writer already settled the deposit.
func (e *Engine) Settle(ctx context.Context, deposit *db.Deposit) (*Result, error) {
	if deposit.State != db.DepositStateConfirmed {
		return nil, oaeerr.New(oaeerr.PolicyViolation, "settlement.settle", "deposit %d is %s", deposit.Id, deposit.State)
	}
	params, ok := e.params(deposit.Chain)
	if !ok {
		return nil, oaeerr.New(oaeerr.InvalidInput, "settlement.settle", "unsupported chain %q", deposit.Chain)
	}

	result := &Result{DepositId: deposit.Id, BatchId: uuid.NewString(), Skipped: make(map[uint64]string)}
	outcomes := make(map[string]int)
	err := db.Transaction(ctx, e.database, "settlement.tx", func(dbtx *gorm.DB) error {
		result.Payouts = result.Payouts[:0]
		for k := range result.Skipped {
			delete(result.Skipped, k)
		}
		for k := range outcomes {
			delete(outcomes, k)
		}

		rules, err := e.rules.WithTx(dbtx).ListEnabled(deposit.Chain)
		if err != nil {
			return err
		}
		payouts := db.NewPayoutRepository(dbtx)
		for _, rule := range rules {
			if deposit.Amount.LessThan(rule.MinThreshold) {
				result.Skipped[rule.Id] = "below_min"
				outcomes["below_min"]++
				continue
			}
			share := Share(deposit.Amount, rule.PercentageBps, rule.MaxAmount)
			if !share.IsPositive() || share.LessThan(params.DustFloor) {
				result.Skipped[rule.Id] = "dust"
				outcomes["dust"]++
				continue
			}

			depositId, ruleId, batchId := deposit.Id, rule.Id, result.BatchId
			payout := db.Payout{
				Chain:           deposit.Chain,
				ToAddress:       rule.DestinationAddress,
				Amount:          share,
				Priority:        db.PriorityNormal,
				Status:          db.PayoutStatusPending,
				CreatedBy:       db.SystemPrincipal,
				Notes:           "auto:" + rule.Label,
				BatchId:         &batchId,
				SourceDepositId: &depositId,
				RuleId:          &ruleId,
			}
			inserted, err := payouts.CreateSettlement(&payout)
			if err != nil {
				return err
			}
			if !inserted {
				result.Skipped[rule.Id] = "duplicate"
				outcomes["duplicate"]++
				continue
			}
			result.Payouts = append(result.Payouts, payout)
			outcomes["created"]++
		}

		marked, err := db.NewDepositRepository(dbtx).MarkSettled(deposit.Id, e.now())
		if err != nil {
			return err
		}
		if !marked {
			return errAlreadySettled
		}
		return nil
	})
	if errors.Is(err, errAlreadySettled) {
		e.logger.Infof("Deposit already settled: %d", deposit.Id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for outcome, n := range outcomes {
		e.metrics.SettlementShares.WithLabelValues(deposit.Chain, outcome).Add(float64(n))
	}
	e.logger.Infof("Settled deposit: %d, txid: %s, amount: %s, payouts: %d, batch: %s",
		deposit.Id, deposit.Txid, deposit.Amount, len(result.Payouts), result.BatchId)
	return result, nil
}
