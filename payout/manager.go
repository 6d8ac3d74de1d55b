// Package payout owns the outbound payout lifecycle: creation, the PIN gate,
// broadcast and reconciliation against the chain.
package payout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/events"
	"github.com/tgshop/onchain-engine/metrics"
	"github.com/tgshop/onchain-engine/oaeerr"
	"github.com/tgshop/onchain-engine/security"
)

// Auditor appends to the security log.
type Auditor interface {
	Audit(ctx context.Context, userId, action string, success bool, details string) error
}

// PinVerifier is the PIN gate in front of authorize.
type PinVerifier interface {
	Auditor
	Verify(ctx context.Context, userId, pin string) error
}

type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type CreateRequest struct {
	Chain     string
	ToAddress string
	Amount    decimal.Decimal
	Notes     string
	Priority  string
	// ScheduledAt in the future creates a scheduled payout.
	ScheduledAt *time.Time
	CreatedBy   string
}

type Manager struct {
	logger     *zap.SugaredLogger
	payouts    *db.PayoutRepository
	adapters   chain.Set
	security   PinVerifier
	metrics    *metrics.Metrics
	maxRetries int
	now        func() time.Time

	onReady func()
}

func NewManager(database *gorm.DB, adapters chain.Set, sec PinVerifier, workers config.WorkersConfig, m *metrics.Metrics, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		logger:     logger.Named("payouts"),
		payouts:    db.NewPayoutRepository(database),
		adapters:   adapters,
		security:   sec,
		metrics:    m,
		maxRetries: workers.MaxPayoutRetries,
		now:        func() time.Time { return time.Now().UTC() },
		onReady:    func() {},
	}
}

// OnReady registers the hook called when a payout becomes broadcastable.
func (m *Manager) OnReady(fn func()) {
	m.onReady = fn
}

func validPriority(priority string) bool {
	switch priority {
	case db.PriorityLow, db.PriorityNormal, db.PriorityHigh:
		return true
	}
	return false
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (*db.Payout, error) {
	req.Chain = strings.TrimSpace(req.Chain)
	req.ToAddress = strings.TrimSpace(req.ToAddress)
	if req.CreatedBy == "" || req.CreatedBy == db.SystemPrincipal {
		return nil, oaeerr.New(oaeerr.InvalidInput, "payouts.create", "a human principal is required")
	}
	if req.Priority == "" {
		req.Priority = db.PriorityNormal
	}
	if !validPriority(req.Priority) {
		return nil, oaeerr.New(oaeerr.InvalidInput, "payouts.create", "unknown priority %q", req.Priority)
	}
	if len(req.Notes) > 255 {
		return nil, oaeerr.New(oaeerr.InvalidInput, "payouts.create", "notes too long")
	}
	if !req.Amount.IsPositive() {
		return nil, oaeerr.New(oaeerr.InvalidInput, "payouts.create", "amount must be positive")
	}
	if !req.Amount.Equal(req.Amount.Truncate(amountScale)) {
		return nil, oaeerr.New(oaeerr.InvalidInput, "payouts.create", "amount has more than %d decimals", amountScale)
	}
	adapter, err := m.adapters.Get(req.Chain)
	if err != nil {
		return nil, err
	}
	if err := m.adapters.ValidateAddress(req.Chain, req.ToAddress); err != nil {
		return nil, err
	}
	if dust := adapter.Params().DustFloor; req.Amount.LessThan(dust) {
		return nil, oaeerr.New(oaeerr.PolicyViolation, "payouts.create", "amount below dust floor %s", dust)
	}

	payout := &db.Payout{
		Chain:     req.Chain,
		ToAddress: req.ToAddress,
		Amount:    req.Amount,
		Priority:  req.Priority,
		Status:    db.PayoutStatusPending,
		CreatedBy: req.CreatedBy,
		Notes:     req.Notes,
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(m.now()) {
		at := req.ScheduledAt.UTC()
		payout.ScheduledAt = &at
		payout.Status = db.PayoutStatusScheduled
	}
	if err := m.payouts.WithContext(ctx).Create(payout); err != nil {
		return nil, err
	}
	m.metrics.PayoutStatus.WithLabelValues(payout.Chain, payout.Status).Inc()
	m.logger.Infof("Created payout: %d, chain: %s, to: %s, amount: %s, status: %s, by: %s",
		payout.Id, payout.Chain, payout.ToAddress, payout.Amount, payout.Status, payout.CreatedBy)
	return payout, nil
}

// Authorize verifies the principal's PIN and moves a pending payout to
// authorized. Every outcome is written to the security log.
func (m *Manager) Authorize(ctx context.Context, id uint64, principal, pin string) (*db.Payout, error) {
	audit := func(success bool, details string) {
		if err := m.security.Audit(ctx, principal, security.ActionPayoutAuthorize, success, details); err != nil {
			m.logger.Errorf("Failed to audit authorize, payout: %d, error: %v", id, err)
		}
	}

	payout, err := m.payouts.WithContext(ctx).Get(id)
	if err != nil {
		audit(false, fmt.Sprintf("payout %d: %s", id, oaeerr.Code(err)))
		return nil, err
	}
	if err := m.security.Verify(ctx, principal, pin); err != nil {
		audit(false, fmt.Sprintf("payout %d: %s", id, oaeerr.Code(err)))
		return nil, err
	}

	ok, err := m.payouts.WithContext(ctx).Transition(id, []string{db.PayoutStatusPending}, map[string]interface{}{
		"status": db.PayoutStatusAuthorized,
	})
	if err != nil {
		audit(false, fmt.Sprintf("payout %d: %s", id, oaeerr.Code(err)))
		return nil, err
	}
	if !ok {
		audit(false, fmt.Sprintf("payout %d: not pending", id))
		return nil, oaeerr.New(oaeerr.Conflict, "payouts.authorize", "payout %d is %s", id, payout.Status)
	}
	audit(true, fmt.Sprintf("payout %d", id))

	m.metrics.PayoutStatus.WithLabelValues(payout.Chain, db.PayoutStatusAuthorized).Inc()
	m.logger.Infof("Authorized payout: %d, by: %s", id, principal)
	m.onReady()
	return m.payouts.WithContext(ctx).Get(id)
}

func (m *Manager) Cancel(ctx context.Context, id uint64, by string) error {
	ok, err := m.payouts.WithContext(ctx).Transition(id,
		[]string{db.PayoutStatusPending, db.PayoutStatusAuthorized, db.PayoutStatusScheduled},
		map[string]interface{}{
			"status":       db.PayoutStatusCancelled,
			"processed_at": m.now(),
		})
	if err != nil {
		return err
	}
	payout, err := m.payouts.WithContext(ctx).Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return oaeerr.New(oaeerr.Conflict, "payouts.cancel", "payout %d is %s", id, payout.Status)
	}
	if err := m.security.Audit(ctx, by, security.ActionPayoutCancel, true, fmt.Sprintf("payout %d", id)); err != nil {
		m.logger.Errorf("Failed to audit cancel, payout: %d, error: %v", id, err)
	}
	m.metrics.PayoutStatus.WithLabelValues(payout.Chain, db.PayoutStatusCancelled).Inc()
	m.logger.Infof("Cancelled payout: %d, by: %s", id, by)
	return nil
}

// Retry sends a payout that never reached the chain back to pending, at most
// maxRetries times.
func (m *Manager) Retry(ctx context.Context, id uint64, by string) (*db.Payout, error) {
	payout, err := m.payouts.WithContext(ctx).Get(id)
	if err != nil {
		return nil, err
	}
	if payout.Status != db.PayoutStatusScheduled && payout.Status != db.PayoutStatusAuthorized {
		return nil, oaeerr.New(oaeerr.Conflict, "payouts.retry", "payout %d is %s", id, payout.Status)
	}
	if payout.Attempts >= m.maxRetries {
		return nil, oaeerr.New(oaeerr.PolicyViolation, "payouts.retry", "payout %d reached %d retries", id, m.maxRetries)
	}

	ok, err := m.payouts.WithContext(ctx).Transition(id, []string{payout.Status}, map[string]interface{}{
		"status":       db.PayoutStatusPending,
		"attempts":     payout.Attempts + 1,
		"scheduled_at": nil,
		"last_error":   "",
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, oaeerr.New(oaeerr.Conflict, "payouts.retry", "payout %d changed concurrently", id)
	}
	if err := m.security.Audit(ctx, by, security.ActionPayoutRetry, true, fmt.Sprintf("payout %d attempt %d", id, payout.Attempts+1)); err != nil {
		m.logger.Errorf("Failed to audit retry, payout: %d, error: %v", id, err)
	}
	m.metrics.PayoutStatus.WithLabelValues(payout.Chain, db.PayoutStatusPending).Inc()
	return m.payouts.WithContext(ctx).Get(id)
}

// Clone copies a failed payout into a fresh pending one owned by the caller.
func (m *Manager) Clone(ctx context.Context, id uint64, by string) (*db.Payout, error) {
	if by == "" || by == db.SystemPrincipal {
		return nil, oaeerr.New(oaeerr.InvalidInput, "payouts.clone", "a human principal is required")
	}
	source, err := m.payouts.WithContext(ctx).Get(id)
	if err != nil {
		return nil, err
	}
	if source.Status != db.PayoutStatusFailed {
		return nil, oaeerr.New(oaeerr.Conflict, "payouts.clone", "payout %d is %s", id, source.Status)
	}
	notes := fmt.Sprintf("clone of #%d", id)
	if source.Notes != "" {
		notes = fmt.Sprintf("%s: %s", notes, source.Notes)
	}
	if len(notes) > 255 {
		notes = notes[:255]
	}
	clone := &db.Payout{
		Chain:     source.Chain,
		ToAddress: source.ToAddress,
		Amount:    source.Amount,
		Priority:  source.Priority,
		Status:    db.PayoutStatusPending,
		CreatedBy: by,
		Notes:     notes,
	}
	if err := m.payouts.WithContext(ctx).Create(clone); err != nil {
		return nil, err
	}
	if err := m.security.Audit(ctx, by, security.ActionPayoutClone, true, fmt.Sprintf("payout %d -> %d", id, clone.Id)); err != nil {
		m.logger.Errorf("Failed to audit clone, payout: %d, error: %v", id, err)
	}
	m.metrics.PayoutStatus.WithLabelValues(clone.Chain, db.PayoutStatusPending).Inc()
	return clone, nil
}

func (m *Manager) Get(id uint64) (*db.Payout, error) {
	return m.payouts.Get(id)
}

func (m *Manager) List(filter db.PayoutFilter) ([]db.Payout, error) {
	return m.payouts.List(filter)
}
