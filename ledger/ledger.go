// Package ledger de-duplicates chain observations and keeps the confirmation
// state of every deposit and outbound payout transaction.
package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/metrics"
	"github.com/tgshop/onchain-engine/oaeerr"
)

type Delta string

const (
	DeltaNew       Delta = "NEW"
	DeltaAdvanced  Delta = "ADVANCED"
	DeltaConfirmed Delta = "CONFIRMED"
	DeltaOrphaned  Delta = "ORPHANED"
	DeltaNoop      Delta = "NOOP"
)

type StateDelta struct {
	Kind Delta
	// New is set when this record inserted the deposit.
	New      bool
	Previous string
	Deposit  db.Deposit
}

// Listener is called after commit for every delta other than NOOP. It must not block.
type Listener func(StateDelta)

// ParamsLookup returns the thresholds of a chain.
type ParamsLookup func(chain string) (chain.Params, bool)

type Ledger struct {
	deposits *db.DepositRepository
	outbound *db.OutboundRepository
	params   ParamsLookup
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

func New(database *gorm.DB, params ParamsLookup, m *metrics.Metrics, logger *zap.SugaredLogger) *Ledger {
	return &Ledger{
		deposits: db.NewDepositRepository(database),
		outbound: db.NewOutboundRepository(database),
		params:   params,
		metrics:  m,
		logger:   logger.Named("ledger"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) AddListener(listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// Record applies one observation in a single transaction and reports the
// resulting transition. Storage failures surface as StorageUnavailable.
func (l *Ledger) Record(ctx context.Context, obs chain.Observation) (StateDelta, error) {
	params, ok := l.params(obs.Chain)
	if !ok {
		return StateDelta{}, oaeerr.New(oaeerr.InvalidInput, "ledger.record", "unsupported chain %q", obs.Chain)
	}

	var delta StateDelta
	err := l.deposits.WithContext(ctx).Transaction(func(repo *db.DepositRepository) error {
		stored, err := repo.FindByKey(obs.Chain, obs.Txid, obs.Vout)
		if err != nil {
			return err
		}
		if stored == nil {
			deposit := l.newDeposit(obs, params)
			inserted, err := repo.InsertIfAbsent(deposit)
			if err != nil {
				return err
			}
			if inserted {
				delta = StateDelta{Kind: DeltaNew, New: true, Deposit: *deposit}
				if deposit.State == db.DepositStateConfirmed {
					delta.Kind = DeltaConfirmed
				}
				return nil
			}
			// lost an insert race; the row exists now
			if stored, err = repo.FindByKey(obs.Chain, obs.Txid, obs.Vout); err != nil {
				return err
			}
			if stored == nil {
				return oaeerr.New(oaeerr.Internal, "ledger.record", "deposit %s vanished after conflict", obs.Key())
			}
		}

		delta = l.apply(stored, obs, params)
		if delta.Kind == DeltaNoop {
			return nil
		}
		return repo.Save(&delta.Deposit)
	})
	if err != nil {
		return StateDelta{}, err
	}

	l.metrics.Deltas.WithLabelValues(obs.Chain, string(delta.Kind)).Inc()
	if delta.Kind != DeltaNoop {
		l.logger.Debugf("Deposit %s: %s -> %s (%s), confirmations: %d",
			obs.Key(), delta.Previous, delta.Deposit.State, delta.Kind, delta.Deposit.Confirmations)
		l.emit(delta)
	}
	return delta, nil
}

func (l *Ledger) newDeposit(obs chain.Observation, params chain.Params) *db.Deposit {
	now := l.now()
	deposit := &db.Deposit{
		Chain:         obs.Chain,
		Txid:          obs.Txid,
		Vout:          obs.Vout,
		Address:       obs.Address,
		Amount:        obs.Amount,
		FirstSeenAt:   now,
		BlockHeight:   obs.BlockHeight,
		Confirmations: obs.Confirmations,
		State:         db.DepositStateSeen,
	}
	if obs.BlockHeight != nil {
		deposit.State = db.DepositStateConfirming
		if obs.Confirmations >= params.NotifyThreshold {
			deposit.State = db.DepositStateConfirmed
			deposit.ConfirmedAt = &now
		}
	}
	return deposit
}

// apply computes the next state of stored under obs. It never lowers
// confirmations except when orphaning.
func (l *Ledger) apply(stored *db.Deposit, obs chain.Observation, params chain.Params) StateDelta {
	next := *stored
	delta := StateDelta{Kind: DeltaNoop, Previous: stored.State}

	switch stored.State {
	case db.DepositStateOrphaned:
		// a new block brings it back
		if obs.BlockHeight == nil || obs.Confirmations == 0 {
			delta.Deposit = next
			return delta
		}
		next.BlockHeight = obs.BlockHeight
		next.Confirmations = obs.Confirmations
		next.State = db.DepositStateConfirming
		delta.Kind = DeltaAdvanced

	case db.DepositStateConfirming, db.DepositStateConfirmed:
		if obs.Confirmations < stored.Confirmations {
			if heightDiffers(obs.BlockHeight, stored.BlockHeight) && obs.Confirmations < params.OrphanThreshold {
				next.State = db.DepositStateOrphaned
				next.Confirmations = obs.Confirmations
				next.BlockHeight = obs.BlockHeight
				delta.Kind = DeltaOrphaned
				delta.Deposit = next
				return delta
			}
			// stale or lagging backend
			delta.Deposit = next
			return delta
		}
		if obs.Confirmations > stored.Confirmations || (obs.BlockHeight != nil && heightDiffers(obs.BlockHeight, stored.BlockHeight)) {
			next.Confirmations = obs.Confirmations
			if obs.BlockHeight != nil {
				next.BlockHeight = obs.BlockHeight
			}
			delta.Kind = DeltaAdvanced
		}

	case db.DepositStateSeen:
		if obs.Confirmations > stored.Confirmations {
			next.Confirmations = obs.Confirmations
			delta.Kind = DeltaAdvanced
		}
		if obs.BlockHeight != nil {
			next.BlockHeight = obs.BlockHeight
			next.State = db.DepositStateConfirming
			delta.Kind = DeltaAdvanced
		}
	}

	if next.State == db.DepositStateConfirming && next.Confirmations >= params.NotifyThreshold {
		next.State = db.DepositStateConfirmed
		if next.ConfirmedAt == nil {
			now := l.now()
			next.ConfirmedAt = &now
		}
		delta.Kind = DeltaConfirmed
	}
	delta.Deposit = next
	return delta
}

func heightDiffers(a, b *uint64) bool {
	if a == nil || b == nil {
		return true
	}
	return *a != *b
}

func (l *Ledger) emit(delta StateDelta) {
	l.mu.RLock()
	listeners := append([]Listener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, listener := range listeners {
		listener(delta)
	}
}

// RecordOutbound stores the latest view of a payout transaction. Confirmations
// never decrease and a failure, once seen, sticks.
func (l *Ledger) RecordOutbound(ctx context.Context, chainName string, info *chain.TxInfo) (*db.OutboundTx, error) {
	return l.outbound.WithContext(ctx).Record(chainName, info.Txid, info.Confirmations, info.BlockHeight, info.Failed)
}

func (l *Ledger) Get(id uint64) (*db.Deposit, error) {
	return l.deposits.Get(id)
}

func (l *Ledger) List(filter db.DepositFilter) ([]db.Deposit, error) {
	return l.deposits.List(filter)
}
