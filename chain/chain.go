// Package chain defines what the engine needs from a blockchain and from the
// signer that lives outside its trust boundary.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/oaeerr"
)

// ErrTxNotFound is returned by GetTransaction when the chain does not know the txid.
var ErrTxNotFound = errors.New("transaction not found")

// Params are the thresholds an adapter advertises for its chain.
type Params struct {
	NotifyThreshold  uint64
	OutboundFinality uint64
	DustFloor        decimal.Decimal
	ReorgDepth       uint64
	// OrphanThreshold: a deposit whose confirmations drop below this on a
	// different block is orphaned.
	OrphanThreshold uint64
}

func ParamsFromConfig(cfg *config.ChainConfig) Params {
	return Params{
		NotifyThreshold:  cfg.NotifyThreshold,
		OutboundFinality: cfg.OutboundFinality,
		DustFloor:        cfg.DustFloorDecimal(),
		ReorgDepth:       cfg.ReorgDepth,
		OrphanThreshold:  cfg.OrphanThreshold,
	}
}

// SafetyMargin is how far behind the tip a watermark is kept.
func (p Params) SafetyMargin() uint64 {
	if p.ReorgDepth > p.NotifyThreshold {
		return p.ReorgDepth
	}
	return p.NotifyThreshold
}

// Observation is one inbound output seen by an adapter.
type Observation struct {
	Chain         string
	Txid          string
	Vout          uint32
	Address       string
	Amount        decimal.Decimal
	BlockHeight   *uint64
	Confirmations uint64
}

// Key renders the deposit key.
func (o Observation) Key() string {
	return fmt.Sprintf("%s/%s/%d", o.Chain, o.Txid, o.Vout)
}

type TxInfo struct {
	Txid          string
	BlockHeight   *uint64
	Confirmations uint64
	// Failed is set when the chain included the transaction but it reverted.
	Failed bool
}

// Fee is a per-priority fee estimate in the chain's native unit.
type Fee struct {
	Low    decimal.Decimal
	Normal decimal.Decimal
	High   decimal.Decimal
}

func (f Fee) For(priority string) decimal.Decimal {
	switch priority {
	case "low":
		return f.Low
	case "high":
		return f.High
	}
	return f.Normal
}

type Output struct {
	ToAddress string
	Amount    decimal.Decimal
}

// Draft is an unsigned payout transaction handed to the Signer.
type Draft struct {
	Chain        string
	SignerHandle string
	Outputs      []Output
	Fee          decimal.Decimal
	Priority     string
}

func (d Draft) Total() decimal.Decimal {
	total := decimal.Zero
	for _, out := range d.Outputs {
		total = total.Add(out.Amount)
	}
	return total
}

type SignedTx struct {
	Chain string
	Raw   []byte
	// Txid is known before broadcast so a crash mid-broadcast can be reconciled.
	Txid string
}

// Adapter is implemented once per chain family.
type Adapter interface {
	Chain() string
	Params() Params
	ValidateAddress(address string) error
	// GetInbound returns outputs paying address at or above sinceHeight, plus
	// unconfirmed ones.
	GetInbound(ctx context.Context, address string, sinceHeight uint64) ([]Observation, error)
	GetTransaction(ctx context.Context, txid string) (*TxInfo, error)
	Broadcast(ctx context.Context, tx SignedTx) (string, error)
	EstimateFee(ctx context.Context, amount decimal.Decimal) (Fee, error)
	CurrentTip(ctx context.Context) (uint64, error)
}

// Batcher is implemented by adapters that can pay several outputs in one transaction.
type Batcher interface {
	MaxBatchOutputs() int
}

// MaxOutputs reports how many payouts an adapter can coalesce; 1 means none.
func MaxOutputs(adapter Adapter) int {
	if b, ok := adapter.(Batcher); ok && b.MaxBatchOutputs() > 1 {
		return b.MaxBatchOutputs()
	}
	return 1
}

type Signer interface {
	Sign(ctx context.Context, chain string, draft Draft) (SignedTx, error)
}

// Confirmations counts the tip block as the first confirmation.
func Confirmations(tip, height uint64) uint64 {
	if height == 0 || tip < height {
		return 0
	}
	return tip - height + 1
}

// Set is the collection of configured adapters, keyed by chain name.
type Set map[string]Adapter

func NewSet(adapters ...Adapter) Set {
	set := make(Set, len(adapters))
	for _, adapter := range adapters {
		set[adapter.Chain()] = adapter
	}
	return set
}

func (s Set) Get(name string) (Adapter, error) {
	adapter, ok := s[name]
	if !ok {
		return nil, oaeerr.New(oaeerr.InvalidInput, "chain.get", "unsupported chain %q", name)
	}
	return adapter, nil
}

// ValidateAddress checks the address format against the chain's adapter.
func (s Set) ValidateAddress(name, address string) error {
	adapter, err := s.Get(name)
	if err != nil {
		return err
	}
	if err := adapter.ValidateAddress(address); err != nil {
		return oaeerr.Wrap(oaeerr.InvalidInput, "chain.validateAddress", err)
	}
	return nil
}

func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return names
}
