// Package poller runs one scan loop per chain: it asks the chain adapter for
// inbound activity on every active address and feeds the detection ledger.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/backoff"
	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/ledger"
	"github.com/tgshop/onchain-engine/metrics"
)

// AddressSource is the read side of the address registry.
type AddressSource interface {
	ListActive(chain string) ([]db.WatchedAddress, error)
}

// Recorder is the write side of the detection ledger.
type Recorder interface {
	Record(ctx context.Context, obs chain.Observation) (ledger.StateDelta, error)
}

type Poller struct {
	chainName   string
	logger      *zap.SugaredLogger
	interval    time.Duration
	concurrency int

	adapter   chain.Adapter
	addresses AddressSource
	recorder  Recorder
	database  *gorm.DB
	limiter   *rate.Limiter
	policy    backoff.Policy
	metrics   *metrics.Metrics

	// observations the ledger did not acknowledge, keyed by address then deposit key
	pendingMu sync.Mutex
	pending   map[string]map[string]chain.Observation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	quit   chan struct{}
}

func New(
	cfg *config.ChainConfig,
	workers config.WorkersConfig,
	adapter chain.Adapter,
	addresses AddressSource,
	recorder Recorder,
	database *gorm.DB,
	m *metrics.Metrics,
	logger *zap.SugaredLogger,
) *Poller {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		chainName:   cfg.Name,
		logger:      logger.Named("poller").Named(cfg.Name),
		interval:    cfg.PollInterval,
		concurrency: concurrency,
		adapter:     adapter,
		addresses:   addresses,
		recorder:    recorder,
		database:    database,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		policy:      backoff.FromConfig(workers),
		metrics:     m,
		pending:     make(map[string]map[string]chain.Observation),
		ctx:         ctx,
		cancel:      cancel,
		quit:        make(chan struct{}),
	}
	p.logger.Infof("new poller on %s, interval: %s, concurrency: %d, rate: %.2f/s",
		cfg.Name, cfg.PollInterval, concurrency, cfg.RateLimit)
	return p
}

func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop()
	}()
}

func (p *Poller) Stop() {
	close(p.quit)
	p.cancel()
}

func (p *Poller) WaitForShutdown() {
	p.wg.Wait()
}

func (p *Poller) ChainName() string {
	return p.chainName
}

func (p *Poller) pollLoop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.PollOnce(p.ctx); err != nil && p.ctx.Err() == nil {
			p.logger.Errorf("Poll cycle failed, error: %v", err)
		}

		select {
		case <-p.quit:
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single cycle over the active address set. A failing address
// does not stop the others; the first failure is returned after all finish.
func (p *Poller) PollOnce(ctx context.Context) error {
	start := time.Now()
	defer func() {
		p.metrics.PollDuration.WithLabelValues(p.chainName).Observe(time.Since(start).Seconds())
	}()

	var tip uint64
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		tip, err = p.adapter.CurrentTip(ctx)
		return err
	})
	if err != nil {
		p.metrics.PollErrors.WithLabelValues(p.chainName, "tip").Inc()
		return err
	}
	p.metrics.Watermark.WithLabelValues(p.chainName).Set(float64(tip))

	addresses, err := p.addresses.ListActive(p.chainName)
	if err != nil {
		p.metrics.PollErrors.WithLabelValues(p.chainName, "registry").Inc()
		return err
	}
	if len(addresses) == 0 {
		p.logger.Debugf("No active addresses, tip: %d", tip)
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, addr := range addresses {
		address := addr.Address
		g.Go(func() error {
			if err := p.scanAddress(ctx, tip, address); err != nil {
				p.logger.Errorf("Failed to scan address: %s, error: %v", address, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Poller) scanAddress(ctx context.Context, tip uint64, address string) error {
	// leftovers from a previous cycle go first
	if err := p.flushPending(ctx, address); err != nil {
		return err
	}

	since, err := db.GetWatermark(p.database.WithContext(ctx), p.chainName, address)
	if err != nil {
		p.metrics.PollErrors.WithLabelValues(p.chainName, "watermark").Inc()
		return err
	}

	var observations []chain.Observation
	err = p.call(ctx, func(ctx context.Context) error {
		var err error
		observations, err = p.adapter.GetInbound(ctx, address, since)
		return err
	})
	if err != nil {
		p.metrics.PollErrors.WithLabelValues(p.chainName, "inbound").Inc()
		return err
	}

	var (
		maxObserved uint64
		observed    bool
		firstErr    error
	)
	for _, obs := range observations {
		obs.Chain = p.chainName
		p.metrics.Observations.WithLabelValues(p.chainName).Inc()
		if obs.BlockHeight != nil {
			observed = true
			if *obs.BlockHeight > maxObserved {
				maxObserved = *obs.BlockHeight
			}
		}
		if _, err := p.recorder.Record(ctx, obs); err != nil {
			p.metrics.PollErrors.WithLabelValues(p.chainName, "ledger").Inc()
			p.keepPending(address, obs)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}

	next := watermark(tip, p.adapter.Params().SafetyMargin(), maxObserved, observed)
	if next <= since {
		return nil
	}
	if err := db.SetWatermark(p.database.WithContext(ctx), p.chainName, address, next); err != nil {
		p.metrics.PollErrors.WithLabelValues(p.chainName, "watermark").Inc()
		return err
	}
	p.logger.Debugf("Scanned address: %s, observations: %d, watermark: %d -> %d", address, len(observations), since, next)
	return nil
}

// watermark keeps the safety margin behind the tip so deposits are re-observed
// until they are past reorg depth, and never skips past the highest block seen.
func watermark(tip, margin, maxObserved uint64, observed bool) uint64 {
	var next uint64
	if tip > margin {
		next = tip - margin
	}
	if observed && maxObserved < next {
		next = maxObserved
	}
	return next
}

func (p *Poller) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.policy.Do(ctx, func(ctx context.Context) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn(ctx)
	}, func(n uint, err error) {
		p.logger.Warnf("Adapter call failed, attempt: %d, error: %v", n+1, err)
	})
}

func (p *Poller) keepPending(address string, obs chain.Observation) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	byKey, ok := p.pending[address]
	if !ok {
		byKey = make(map[string]chain.Observation)
		p.pending[address] = byKey
	}
	byKey[obs.Key()] = obs
}

func (p *Poller) flushPending(ctx context.Context, address string) error {
	p.pendingMu.Lock()
	byKey := p.pending[address]
	delete(p.pending, address)
	p.pendingMu.Unlock()

	var firstErr error
	for _, obs := range byKey {
		if _, err := p.recorder.Record(ctx, obs); err != nil {
			p.keepPending(address, obs)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Pending reports how many observations await a ledger retry.
func (p *Poller) Pending() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	n := 0
	for _, byKey := range p.pending {
		n += len(byKey)
	}
	return n
}
