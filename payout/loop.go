package payout

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// loop runs step every interval, or sooner when woken, until stopped.
type loop struct {
	name     string
	interval time.Duration
	step     func(ctx context.Context) error
	logger   *zap.SugaredLogger

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	quit   chan struct{}
}

func newLoop(name string, interval time.Duration, step func(ctx context.Context) error, logger *zap.SugaredLogger) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &loop{
		name:     name,
		interval: interval,
		step:     step,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
	}
}

func (l *loop) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run()
	}()
}

// Stop lets the current step see a cancelled context and exit.
func (l *loop) Stop() {
	close(l.quit)
	l.cancel()
}

func (l *loop) WaitForShutdown() {
	l.wg.Wait()
}

func (l *loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) run() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if err := l.step(l.ctx); err != nil && l.ctx.Err() == nil {
			l.logger.Errorf("Failed to run %s, error: %v", l.name, err)
		}

		select {
		case <-l.quit:
			return
		case <-ticker.C:
		case <-l.wake:
		}
	}
}
