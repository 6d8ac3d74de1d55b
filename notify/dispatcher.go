// Package notify sends one notification per confirmed deposit and parks the
// ones a sink keeps refusing.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/backoff"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/events"
	"github.com/tgshop/onchain-engine/ledger"
	"github.com/tgshop/onchain-engine/metrics"
	"github.com/tgshop/onchain-engine/monitoring"
	"github.com/tgshop/onchain-engine/oaeerr"
	"github.com/tgshop/onchain-engine/security"
)

type AddressLookup interface {
	Lookup(chain, address string) (*db.WatchedAddress, error)
}

type Auditor interface {
	Audit(ctx context.Context, userId, action string, success bool, details string) error
}

type Dispatcher struct {
	logger       *zap.SugaredLogger
	deposits     *db.DepositRepository
	deadLetters  *db.DeadLetterRepository
	sink         Sink
	bus          *events.Bus
	lookup       AddressLookup
	auditor      Auditor
	reporter     *monitoring.Reporter
	metrics      *metrics.Metrics
	policy       backoff.Policy
	adminChannel string
	interval     time.Duration
	batchSize    int
	now          func() time.Time

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	quit   chan struct{}
}

func New(
	database *gorm.DB,
	cfg config.NotifyConfig,
	workers config.WorkersConfig,
	sink Sink,
	bus *events.Bus,
	lookup AddressLookup,
	auditor Auditor,
	reporter *monitoring.Reporter,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *Dispatcher {
	batchSize := workers.BatchSize
	if batchSize <= 0 {
		batchSize = db.BatchHandleDepositsNum
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:       logger.Named("notify"),
		deposits:     db.NewDepositRepository(database),
		deadLetters:  db.NewDeadLetterRepository(database),
		sink:         sink,
		bus:          bus,
		lookup:       lookup,
		auditor:      auditor,
		reporter:     reporter,
		metrics:      m,
		policy:       backoff.FromConfig(workers).WithAttempts(1 + cfg.MaxRetries),
		adminChannel: cfg.AdminChannel,
		interval:     cfg.Interval,
		batchSize:    batchSize,
		now:          func() time.Time { return time.Now().UTC() },
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		quit:         make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatchLoop()
	}()
}

func (d *Dispatcher) Stop() {
	close(d.quit)
	d.cancel()
}

func (d *Dispatcher) WaitForShutdown() {
	d.wg.Wait()
}

// OnDelta is registered as a ledger listener; it only nudges the loop.
func (d *Dispatcher) OnDelta(delta ledger.StateDelta) {
	if delta.Kind != ledger.DeltaConfirmed {
		return
	}
	d.Wake()
}

func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) dispatchLoop() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchPending(d.ctx); err != nil && d.ctx.Err() == nil {
			d.logger.Errorf("Failed to dispatch notifications, error: %v", err)
		}

		select {
		case <-d.quit:
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DispatchPending works through confirmed deposits that have not been notified
// and are not parked. It returns the number of notifications delivered.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	deposits, err := d.deposits.WithContext(ctx).GetUnnotifiedDeposits(d.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range deposits {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		ok, err := d.dispatch(ctx, &deposits[i])
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// dispatch sends through the sink, if any, then marks the deposit notified
// and publishes it to the bus. The bus sees a deposit only after the mark.
func (d *Dispatcher) dispatch(ctx context.Context, deposit *db.Deposit) (bool, error) {
	n := d.notification(deposit)

	attempts := 0
	if d.sink != nil {
		err := d.policy.Do(ctx, func(ctx context.Context) error {
			attempts++
			return d.sink.Send(ctx, n)
		}, func(_ uint, err error) {
			d.logger.Warnf("Notification attempt failed, deposit: %s, attempt: %d, error: %v", n.IdempotencyKey, attempts, err)
		})
		if err != nil {
			if ctx.Err() != nil {
				// shutting down; the deposit stays unnotified
				return false, ctx.Err()
			}
			return false, d.park(ctx, deposit, attempts, err)
		}
	}

	notifiedAt := d.now()
	marked, err := d.deposits.WithContext(ctx).MarkNotified(deposit.Id, notifiedAt)
	if err != nil {
		return false, err
	}
	if !marked {
		d.metrics.Notifications.WithLabelValues("duplicate").Inc()
		d.logger.Infof("Deposit already notified, deposit: %s", n.IdempotencyKey)
		return false, nil
	}
	deposit.NotifiedAt = &notifiedAt
	d.metrics.Notifications.WithLabelValues("sent").Inc()
	d.logger.Infof("Notified deposit: %s, amount: %s, attempts: %d", n.IdempotencyKey, deposit.Amount, attempts)

	d.publish(ctx, deposit, n)
	return true, nil
}

// publish delivers deposit.confirmed to every subscriber once. A failing
// subscriber is retried on its own; the others are not called again.
func (d *Dispatcher) publish(ctx context.Context, deposit *db.Deposit, n Notification) {
	if d.bus == nil {
		return
	}
	snapshot := *deposit
	event := events.Event{
		Kind:       events.DepositConfirmed,
		At:         d.now(),
		Deposit:    &snapshot,
		Recipients: n.Recipients,
	}
	err := d.bus.PublishEach(ctx, event, func(ctx context.Context, deliver func(context.Context) error) error {
		return d.policy.Do(ctx, func(ctx context.Context) error {
			// subscriber errors carry no kind; treat them as transient
			if err := deliver(ctx); err != nil {
				return oaeerr.Wrap(oaeerr.AdapterUnavailable, "notify.subscriber", err)
			}
			return nil
		}, func(attempt uint, err error) {
			d.logger.Warnf("Subscriber attempt failed, deposit: %d, attempt: %d, error: %v", deposit.Id, attempt+1, err)
		})
	})
	if err != nil {
		d.metrics.Notifications.WithLabelValues("subscriber_failed").Inc()
		d.logger.Errorf("Subscriber gave up on deposit: %s, error: %v", n.IdempotencyKey, err)
		d.reporter.Error(err, map[string]string{"chain": deposit.Chain, "deposit": n.IdempotencyKey})
	}
}

func (d *Dispatcher) notification(deposit *db.Deposit) Notification {
	n := Notification{
		IdempotencyKey: fmt.Sprintf("%s/%s/%d", deposit.Chain, deposit.Txid, deposit.Vout),
		DepositId:      deposit.Id,
		Chain:          deposit.Chain,
		Txid:           deposit.Txid,
		Vout:           deposit.Vout,
		Address:        deposit.Address,
		Amount:         deposit.Amount,
		Confirmations:  deposit.Confirmations,
		ConfirmedAt:    deposit.ConfirmedAt,
	}
	if d.adminChannel != "" {
		n.Recipients = append(n.Recipients, d.adminChannel)
	}
	if d.lookup != nil {
		addr, err := d.lookup.Lookup(deposit.Chain, deposit.Address)
		if err != nil {
			d.logger.Warnf("Failed to look up address owner, address: %s, error: %v", deposit.Address, err)
		} else if addr != nil {
			n.Label = addr.Label
			if addr.AddedBy != "" && addr.AddedBy != db.SystemPrincipal && addr.AddedBy != d.adminChannel {
				n.Recipients = append(n.Recipients, addr.AddedBy)
			}
		}
	}
	return n
}

func (d *Dispatcher) park(ctx context.Context, deposit *db.Deposit, attempts int, cause error) error {
	key := fmt.Sprintf("%s/%s/%d", deposit.Chain, deposit.Txid, deposit.Vout)
	if err := d.deadLetters.WithContext(ctx).Park(db.DeadLetterNotify, deposit.Id, cause.Error(), attempts); err != nil {
		return err
	}
	d.metrics.Notifications.WithLabelValues("dead").Inc()
	d.metrics.DeadLetters.Inc()
	d.logger.Errorf("Parked notification, deposit: %s, attempts: %d, error: %v", key, attempts, cause)

	details := fmt.Sprintf("deposit %d (%s) after %d attempts: %v", deposit.Id, key, attempts, cause)
	if err := d.auditor.Audit(ctx, db.SystemPrincipal, security.ActionNotifyDead, false, details); err != nil {
		d.logger.Errorf("Failed to audit dead letter, deposit: %s, error: %v", key, err)
	}
	d.reporter.Message("notification parked", map[string]string{
		"chain":   deposit.Chain,
		"deposit": key,
	})
	return nil
}

func (d *Dispatcher) DeadLetters() ([]db.DeadLetter, error) {
	return d.deadLetters.List(db.DeadLetterNotify)
}

// Requeue releases a parked notification and wakes the loop.
func (d *Dispatcher) Requeue(id uint64) (*db.DeadLetter, error) {
	letter, err := d.deadLetters.Requeue(id)
	if err != nil {
		return nil, err
	}
	d.logger.Infof("Requeued dead letter: %d, deposit: %d", letter.Id, letter.RefId)
	d.Wake()
	return letter, nil
}
