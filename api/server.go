// Package api serves the engine operations over HTTP to processes on the same host.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/payout"
	"github.com/tgshop/onchain-engine/settlement"
)

const shutdownTimeout = 5 * time.Second

// Backend is the engine surface the HTTP handlers call.
type Backend interface {
	Ready() error
	Gatherer() prometheus.Gatherer

	AddAddress(ctx context.Context, principal, chainName, address, label string) (uint64, error)
	DeactivateAddress(ctx context.Context, principal string, id uint64) error
	ListAddresses(chainName string) ([]db.WatchedAddress, error)

	AddRule(ctx context.Context, principal string, in settlement.RuleInput) (*db.AutoSettlementRule, error)
	ListRules(chainName string) ([]db.AutoSettlementRule, error)
	SetRuleEnabled(ctx context.Context, principal string, id uint64, enabled bool) error

	CreatePayout(ctx context.Context, req payout.CreateRequest) (*db.Payout, error)
	AuthorizePayout(ctx context.Context, id uint64, principal, pin string) (*db.Payout, error)
	CancelPayout(ctx context.Context, id uint64, principal string) error
	RetryPayout(ctx context.Context, id uint64, principal string) (*db.Payout, error)
	ClonePayout(ctx context.Context, id uint64, principal string) (*db.Payout, error)
	GetPayout(id uint64) (*db.Payout, error)
	ListPayouts(filter db.PayoutFilter) ([]db.Payout, error)

	GetDeposit(id uint64) (*db.Deposit, error)
	ListDeposits(filter db.DepositFilter) ([]db.Deposit, error)

	SetPin(ctx context.Context, userId, pin string) error
	ChangePin(ctx context.Context, userId, oldPin, newPin string) error
	SecurityEvents(filter db.SecurityEventFilter) ([]db.SecurityEvent, error)

	DeadLetters() ([]db.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, principal string, id uint64) (*db.DeadLetter, error)
}

type Server struct {
	logger  *zap.SugaredLogger
	backend Backend
	router  *gin.Engine
	srv     *http.Server
	errc    chan error
}

func New(cfg config.ApiConfig, backend Backend, logger *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		logger:  logger.Named("api"),
		backend: backend,
		router:  gin.New(),
		errc:    make(chan error, 1),
	}
	// ClientIP must come from the socket, not from forwarding headers
	_ = s.router.SetTrustedProxies(nil)
	s.router.Use(gin.Recovery(), RequestLogger(s.logger), LocalOnly())
	s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.backend.Gatherer(), promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.POST("/addresses", s.addAddress)
	v1.DELETE("/addresses/:id", s.deactivateAddress)
	v1.GET("/addresses", s.listAddresses)

	v1.POST("/rules", s.addRule)
	v1.GET("/rules", s.listRules)
	v1.PUT("/rules/:id/enabled", s.setRuleEnabled)

	v1.POST("/payouts", s.createPayout)
	v1.GET("/payouts", s.listPayouts)
	v1.GET("/payouts/:id", s.getPayout)
	v1.POST("/payouts/:id/authorize", s.authorizePayout)
	v1.POST("/payouts/:id/cancel", s.cancelPayout)
	v1.POST("/payouts/:id/retry", s.retryPayout)
	v1.POST("/payouts/:id/clone", s.clonePayout)

	v1.GET("/deposits", s.listDeposits)
	v1.GET("/deposits/:id", s.getDeposit)

	v1.PUT("/security/pin", s.setPin)
	v1.POST("/security/pin/change", s.changePin)
	v1.GET("/security/events", s.securityEvents)

	v1.GET("/deadletters", s.deadLetters)
	v1.POST("/deadletters/:id/requeue", s.requeueDeadLetter)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() {
	go func() {
		s.logger.Infof("API listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("API server stopped, error: %v", err)
			s.errc <- err
		}
	}()
}

// Err reports a listener failure after Start.
func (s *Server) Err() <-chan error {
	return s.errc
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Errorf("Failed to shut down API server, error: %v", err)
	}
}
