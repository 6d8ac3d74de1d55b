package engine

import (
	"context"
	"fmt"

	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/oaeerr"
	"github.com/tgshop/onchain-engine/payout"
	"github.com/tgshop/onchain-engine/security"
	"github.com/tgshop/onchain-engine/settlement"
)

// audit records an operator action; a failed append is logged, never returned,
// since the action itself already committed.
func (e *Engine) audit(ctx context.Context, principal, action string, cause error, details string) {
	if cause != nil {
		details = fmt.Sprintf("%s: %s", details, oaeerr.Code(cause))
	}
	if err := e.security.Audit(ctx, principal, action, cause == nil, details); err != nil {
		e.logger.Errorf("Failed to audit %s by %s, error: %v", action, principal, err)
	}
}

func requirePrincipal(op, principal string) error {
	if principal == "" {
		return oaeerr.New(oaeerr.InvalidInput, op, "principal is required")
	}
	return nil
}

func (e *Engine) AddAddress(ctx context.Context, principal, chainName, address, label string) (uint64, error) {
	if err := requirePrincipal("addresses.add", principal); err != nil {
		return 0, err
	}
	id, err := e.addresses.Add(chainName, address, label, principal)
	e.audit(ctx, principal, security.ActionAddressAdd, err, fmt.Sprintf("%s/%s", chainName, address))
	return id, err
}

func (e *Engine) DeactivateAddress(ctx context.Context, principal string, id uint64) error {
	if err := requirePrincipal("addresses.deactivate", principal); err != nil {
		return err
	}
	err := e.addresses.Deactivate(id)
	e.audit(ctx, principal, security.ActionAddressRemove, err, fmt.Sprintf("address %d", id))
	return err
}

// ListAddresses lists every address of chainName, or of all chains when empty.
func (e *Engine) ListAddresses(chainName string) ([]db.WatchedAddress, error) {
	return e.addresses.List(chainName)
}

func (e *Engine) AddRule(ctx context.Context, principal string, in settlement.RuleInput) (*db.AutoSettlementRule, error) {
	if err := requirePrincipal("rules.add", principal); err != nil {
		return nil, err
	}
	rule, err := e.rules.Add(ctx, in)
	details := fmt.Sprintf("%s -> %s %d bps", in.Chain, in.DestinationAddress, in.PercentageBps)
	if rule != nil {
		details = fmt.Sprintf("rule %d: %s", rule.Id, details)
	}
	e.audit(ctx, principal, security.ActionRuleAdd, err, details)
	return rule, err
}

func (e *Engine) ListRules(chainName string) ([]db.AutoSettlementRule, error) {
	return e.rules.List(chainName)
}

func (e *Engine) SetRuleEnabled(ctx context.Context, principal string, id uint64, enabled bool) error {
	if err := requirePrincipal("rules.setEnabled", principal); err != nil {
		return err
	}
	err := e.rules.SetEnabled(ctx, id, enabled)
	e.audit(ctx, principal, security.ActionRuleEnable, err, fmt.Sprintf("rule %d enabled=%t", id, enabled))
	return err
}

func (e *Engine) CreatePayout(ctx context.Context, req payout.CreateRequest) (*db.Payout, error) {
	return e.payouts.Create(ctx, req)
}

func (e *Engine) AuthorizePayout(ctx context.Context, id uint64, principal, pin string) (*db.Payout, error) {
	return e.payouts.Authorize(ctx, id, principal, pin)
}

func (e *Engine) CancelPayout(ctx context.Context, id uint64, principal string) error {
	if err := requirePrincipal("payouts.cancel", principal); err != nil {
		return err
	}
	return e.payouts.Cancel(ctx, id, principal)
}

func (e *Engine) RetryPayout(ctx context.Context, id uint64, principal string) (*db.Payout, error) {
	if err := requirePrincipal("payouts.retry", principal); err != nil {
		return nil, err
	}
	return e.payouts.Retry(ctx, id, principal)
}

func (e *Engine) ClonePayout(ctx context.Context, id uint64, principal string) (*db.Payout, error) {
	if err := requirePrincipal("payouts.clone", principal); err != nil {
		return nil, err
	}
	return e.payouts.Clone(ctx, id, principal)
}

func (e *Engine) GetPayout(id uint64) (*db.Payout, error) {
	return e.payouts.Get(id)
}

func (e *Engine) ListPayouts(filter db.PayoutFilter) ([]db.Payout, error) {
	return e.payouts.List(filter)
}

func (e *Engine) GetDeposit(id uint64) (*db.Deposit, error) {
	return e.ledger.Get(id)
}

func (e *Engine) ListDeposits(filter db.DepositFilter) ([]db.Deposit, error) {
	return e.ledger.List(filter)
}

func (e *Engine) SetPin(ctx context.Context, userId, pin string) error {
	return e.security.SetPin(ctx, userId, pin)
}

func (e *Engine) ChangePin(ctx context.Context, userId, oldPin, newPin string) error {
	return e.security.ChangePin(ctx, userId, oldPin, newPin)
}

func (e *Engine) SecurityEvents(filter db.SecurityEventFilter) ([]db.SecurityEvent, error) {
	return e.security.ListEvents(filter)
}

func (e *Engine) DeadLetters() ([]db.DeadLetter, error) {
	return e.dispatcher.DeadLetters()
}

// RequeueDeadLetter releases a parked notification for another delivery round.
func (e *Engine) RequeueDeadLetter(ctx context.Context, principal string, id uint64) (*db.DeadLetter, error) {
	if err := requirePrincipal("deadletters.requeue", principal); err != nil {
		return nil, err
	}
	letter, err := e.dispatcher.Requeue(id)
	e.audit(ctx, principal, security.ActionNotifyDead, err, fmt.Sprintf("requeue %d", id))
	return letter, err
}
