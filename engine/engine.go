// Package engine assembles the onchain activity engine and exposes the
// operations the storefront layer calls.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/events"
	"github.com/tgshop/onchain-engine/ledger"
	"github.com/tgshop/onchain-engine/metrics"
	"github.com/tgshop/onchain-engine/monitoring"
	"github.com/tgshop/onchain-engine/notify"
	"github.com/tgshop/onchain-engine/oaeerr"
	"github.com/tgshop/onchain-engine/payout"
	"github.com/tgshop/onchain-engine/poller"
	"github.com/tgshop/onchain-engine/registry"
	"github.com/tgshop/onchain-engine/security"
	"github.com/tgshop/onchain-engine/settlement"
	"github.com/tgshop/onchain-engine/signer"
)

const reporterFlushTimeout = 2 * time.Second

// Deps are the collaborators that live outside the engine's store.
type Deps struct {
	Adapters []chain.Adapter
	Signer   chain.Signer
	Reporter *monitoring.Reporter
	// Registry receives the engine collectors; a fresh one is created when nil.
	Registry *prometheus.Registry
}

type Engine struct {
	cfg      *config.Config
	logger   *zap.SugaredLogger
	database *gorm.DB
	adapters chain.Set
	bus      *events.Bus
	registry *prometheus.Registry
	reporter *monitoring.Reporter
	metrics  *metrics.Metrics

	addresses  *registry.Registry
	ledger     *ledger.Ledger
	pollers    []*poller.Poller
	dispatcher *notify.Dispatcher
	settlement *settlement.Engine
	rules      *settlement.Rules
	security   *security.Service
	payouts    *payout.Manager
	worker     *payout.Worker
	reconciler *payout.Reconciler
}

// New dials every configured chain and the remote signer, then assembles the engine.
func New(cfg *config.Config, database *gorm.DB, logger *zap.SugaredLogger) (*Engine, error) {
	adapters, err := DialAdapters(cfg, logger)
	if err != nil {
		return nil, err
	}
	reporter, err := monitoring.New(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("failed to init sentry: %w", err)
	}
	return Assemble(cfg, database, Deps{
		Adapters: adapters,
		Signer:   signer.New(cfg.Signer.Endpoint, cfg.Signer.Timeout),
		Reporter: reporter,
	}, logger)
}

// Assemble wires the engine around already-connected adapters.
func Assemble(cfg *config.Config, database *gorm.DB, deps Deps, logger *zap.SugaredLogger) (*Engine, error) {
	logger = logger.Named("oae")
	adapters := chain.NewSet(deps.Adapters...)
	for _, chainCfg := range cfg.Chains {
		if _, ok := adapters[chainCfg.Name]; !ok {
			return nil, fmt.Errorf("no adapter for configured chain %s", chainCfg.Name)
		}
	}

	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = monitoring.Nop()
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		database: database,
		adapters: adapters,
		bus:      events.NewBus(),
		registry: reg,
		reporter: reporter,
		metrics:  metrics.New(reg),
	}

	var err error
	e.addresses, err = registry.New(database, adapters, logger)
	if err != nil {
		return nil, err
	}
	params := func(name string) (chain.Params, bool) {
		adapter, ok := adapters[name]
		if !ok {
			return chain.Params{}, false
		}
		return adapter.Params(), true
	}
	e.ledger = ledger.New(database, params, e.metrics, logger)
	e.security = security.New(database, cfg.Security, e.bus, e.metrics, logger)

	// deposit.confirmed subscribers are served whether or not a webhook is set
	var sink notify.Sink
	if cfg.Notify.Webhook != "" {
		sink = notify.NewWebhookSink(cfg.Notify.Webhook, cfg.Workers.AttemptTimeout)
	}
	e.dispatcher = notify.New(database, cfg.Notify, cfg.Workers, sink, e.bus, e.addresses, e.security, reporter, e.metrics, logger)

	e.rules = settlement.NewRules(database, adapters, logger)
	e.settlement = settlement.NewEngine(database, cfg.Workers, params, e.metrics, logger)

	e.payouts = payout.NewManager(database, adapters, e.security, cfg.Workers, e.metrics, logger)
	e.worker = payout.NewWorker(database, cfg.Chains, cfg.Workers, adapters, deps.Signer, e.security, e.bus, e.metrics, logger)
	e.reconciler = payout.NewReconciler(database, cfg.Workers, adapters, e.ledger, e.bus, e.metrics, logger)

	for i := range cfg.Chains {
		chainCfg := &cfg.Chains[i]
		e.pollers = append(e.pollers, poller.New(chainCfg, cfg.Workers, adapters[chainCfg.Name],
			e.addresses, e.ledger, database, e.metrics, logger))
	}

	e.ledger.AddListener(e.dispatcher.OnDelta)
	e.ledger.AddListener(e.settlement.OnDelta)
	e.settlement.OnSettled(e.worker.Wake)
	e.payouts.OnReady(e.worker.Wake)

	return e, nil
}

// Start launches the background workers, consumers before producers.
func (e *Engine) Start() {
	e.dispatcher.Start()
	e.settlement.Start()
	e.worker.Start()
	e.reconciler.Start()
	for _, p := range e.pollers {
		p.Start()
	}
	e.reporter.Message("onchain engine started", map[string]string{"chains": fmt.Sprint(e.adapters.Names())})
	e.logger.Infof("Onchain engine started, chains: %v", e.adapters.Names())
}

func (e *Engine) Stop() {
	for _, p := range e.pollers {
		p.Stop()
	}
	e.reconciler.Stop()
	e.worker.Stop()
	e.settlement.Stop()
	e.dispatcher.Stop()
}

func (e *Engine) WaitForShutdown() {
	for _, p := range e.pollers {
		p.WaitForShutdown()
	}
	e.reconciler.WaitForShutdown()
	e.worker.WaitForShutdown()
	e.settlement.WaitForShutdown()
	e.dispatcher.WaitForShutdown()
	e.reporter.Flush(reporterFlushTimeout)
	e.logger.Info("Onchain engine stopped")
}

// Gatherer exposes the engine collectors for scraping.
func (e *Engine) Gatherer() prometheus.Gatherer {
	return e.registry
}

// Ready reports whether the store answers.
func (e *Engine) Ready() error {
	if err := db.Ping(e.database); err != nil {
		return oaeerr.Wrap(oaeerr.StorageUnavailable, "engine.ready", err)
	}
	return nil
}

func (e *Engine) Chains() []string {
	return e.adapters.Names()
}

// Subscribe registers handler for kind and returns its cancel function.
func (e *Engine) Subscribe(kind events.Kind, handler events.Handler) func() {
	return e.bus.Subscribe(kind, handler)
}

// Tick runs one pass of every worker synchronously. Operators use it from the
// CLI when the daemon is not running.
func (e *Engine) Tick(ctx context.Context) error {
	for _, p := range e.pollers {
		if err := p.PollOnce(ctx); err != nil {
			e.logger.Errorf("Poll of %s failed, error: %v", p.ChainName(), err)
		}
	}
	if _, err := e.dispatcher.DispatchPending(ctx); err != nil {
		return err
	}
	if _, err := e.settlement.SettlePending(ctx); err != nil {
		return err
	}
	if err := e.worker.ProcessOnce(ctx); err != nil {
		return err
	}
	return e.reconciler.ReconcileOnce(ctx)
}
