package solclient

import (
	"context"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/oaeerr"
)

const (
	lamportsDecimals = 9
	signaturePage    = 500
	maxPages         = 20

	baseFeeLamports     = 5000
	priorityFeeLamports = 5000
)

// RPC is the subset of the solana-go rpc client the adapter uses.
type RPC interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (solana.Signature, error)
}

// Adapter watches native SOL credits to an account.
type Adapter struct {
	name   string
	params chain.Params

	client RPC
	logger *zap.SugaredLogger
}

func NewAdapter(cfg *config.ChainConfig, client RPC, logger *zap.SugaredLogger) *Adapter {
	return &Adapter{
		name:   cfg.Name,
		params: chain.ParamsFromConfig(cfg),
		client: client,
		logger: logger.Named(cfg.Name),
	}
}

func Dial(cfg *config.ChainConfig, logger *zap.SugaredLogger) *Adapter {
	return NewAdapter(cfg, rpc.New(cfg.Endpoint), logger)
}

func (a *Adapter) Chain() string {
	return a.name
}

func (a *Adapter) Params() chain.Params {
	return a.params
}

func (a *Adapter) ValidateAddress(address string) error {
	_, err := solana.PublicKeyFromBase58(address)
	return err
}

func (a *Adapter) CurrentTip(ctx context.Context) (uint64, error) {
	slot, err := a.client.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, classify("solana.currentTip", err)
	}
	return slot, nil
}

// GetInbound pages signatures newest first until a slot below sinceHeight, then
// reads each transaction's balance change for the account.
func (a *Adapter) GetInbound(ctx context.Context, address string, sinceHeight uint64) ([]chain.Observation, error) {
	account, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, oaeerr.Wrap(oaeerr.InvalidInput, "solana.getInbound", err)
	}
	tip, err := a.CurrentTip(ctx)
	if err != nil {
		return nil, err
	}

	var observations []chain.Observation
	var before solana.Signature
	hasBefore := false
	limit := signaturePage
	for page := 0; page < maxPages; page++ {
		opts := &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: rpc.CommitmentConfirmed,
		}
		if hasBefore {
			opts.Before = before
		}
		signatures, err := a.client.GetSignaturesForAddressWithOpts(ctx, account, opts)
		if err != nil {
			return nil, classify("solana.getInbound", err)
		}
		if len(signatures) == 0 {
			break
		}

		reachedWatermark := false
		for _, sigInfo := range signatures {
			if sigInfo.Slot < sinceHeight {
				reachedWatermark = true
				break
			}
			if sigInfo.Err != nil {
				continue
			}
			observation, ok, err := a.credit(ctx, sigInfo, account, tip)
			if err != nil {
				return nil, err
			}
			if ok {
				observations = append(observations, observation)
			}
		}
		if reachedWatermark || len(signatures) < limit {
			break
		}
		before = signatures[len(signatures)-1].Signature
		hasBefore = true
	}
	return observations, nil
}

func (a *Adapter) credit(ctx context.Context, sigInfo *rpc.TransactionSignature, account solana.PublicKey, tip uint64) (chain.Observation, bool, error) {
	version := uint64(0)
	tx, err := a.client.GetTransaction(ctx, sigInfo.Signature, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return chain.Observation{}, false, classify("solana.getTransaction", err)
	}
	if tx == nil || tx.Meta == nil || tx.Meta.Err != nil || tx.Transaction == nil {
		return chain.Observation{}, false, nil
	}

	parsed, err := tx.Transaction.GetTransaction()
	if err != nil {
		a.logger.Warnf("Failed to decode transaction, txid: %s, error: %v", sigInfo.Signature, err)
		return chain.Observation{}, false, nil
	}
	keys := append(solana.PublicKeySlice{}, parsed.Message.AccountKeys...)
	keys = append(keys, tx.Meta.LoadedAddresses.Writable...)
	keys = append(keys, tx.Meta.LoadedAddresses.ReadOnly...)

	for index, key := range keys {
		if !key.Equals(account) {
			continue
		}
		if index >= len(tx.Meta.PreBalances) || index >= len(tx.Meta.PostBalances) {
			return chain.Observation{}, false, nil
		}
		pre, post := tx.Meta.PreBalances[index], tx.Meta.PostBalances[index]
		if post <= pre {
			return chain.Observation{}, false, nil
		}
		slot := tx.Slot
		return chain.Observation{
			Chain:         a.name,
			Txid:          sigInfo.Signature.String(),
			Vout:          uint32(index),
			Address:       account.String(),
			Amount:        decimal.New(int64(post-pre), -lamportsDecimals),
			BlockHeight:   &slot,
			Confirmations: chain.Confirmations(tip, slot),
		}, true, nil
	}
	return chain.Observation{}, false, nil
}

func (a *Adapter) GetTransaction(ctx context.Context, txid string) (*chain.TxInfo, error) {
	sig, err := solana.SignatureFromBase58(txid)
	if err != nil {
		return nil, oaeerr.Wrap(oaeerr.InvalidInput, "solana.getTransaction", err)
	}
	statuses, err := a.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, classify("solana.getTransaction", err)
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return nil, oaeerr.Wrap(oaeerr.NotFound, "solana.getTransaction", chain.ErrTxNotFound)
	}

	tip, err := a.CurrentTip(ctx)
	if err != nil {
		return nil, err
	}
	status := statuses.Value[0]
	slot := status.Slot
	return &chain.TxInfo{
		Txid:          txid,
		BlockHeight:   &slot,
		Confirmations: chain.Confirmations(tip, slot),
		Failed:        status.Err != nil,
	}, nil
}

func (a *Adapter) Broadcast(ctx context.Context, signed chain.SignedTx) (string, error) {
	sig, err := a.client.SendRawTransaction(ctx, signed.Raw)
	if err != nil {
		return "", classify("solana.broadcast", err)
	}
	txid := sig.String()
	if signed.Txid != "" && txid != signed.Txid {
		a.logger.Warnf("Node reported a different signature, txid: %s, signer: %s", txid, signed.Txid)
	}
	a.logger.Infof("Broadcast solana tx, txid: %s", txid)
	return txid, nil
}

// EstimateFee is the fixed per-signature fee; high priority adds a flat priority fee.
func (a *Adapter) EstimateFee(context.Context, decimal.Decimal) (chain.Fee, error) {
	base := decimal.New(baseFeeLamports, -lamportsDecimals)
	return chain.Fee{
		Low:    base,
		Normal: base,
		High:   base.Add(decimal.New(priorityFeeLamports, -lamportsDecimals)),
	}, nil
}

// classify treats JSON-RPC error replies as rejections and everything else as transport failures.
func classify(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "Transaction simulation failed") || strings.Contains(msg, "invalid transaction") {
		return oaeerr.Wrap(oaeerr.AdapterRejected, op, err)
	}
	return oaeerr.Wrap(oaeerr.AdapterUnavailable, op, errors.WithMessage(err, "solana rpc"))
}
