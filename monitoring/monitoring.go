package monitoring

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tgshop/onchain-engine/config"
)

// Reporter sends dead letters and fatal worker errors to sentry. An empty DSN
// yields a reporter that drops everything.
type Reporter struct {
	hub *sentry.Hub
}

func New(cfg config.SentryConfig) (*Reporter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.Dsn,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, err
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Nop returns a reporter with no transport.
func Nop() *Reporter {
	r, _ := New(config.SentryConfig{})
	return r
}

func (r *Reporter) Message(msg string, tags map[string]string) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureMessage(msg)
	})
}

func (r *Reporter) Error(err error, tags map[string]string) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

func (r *Reporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
