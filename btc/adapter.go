package btc

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/oaeerr"
)

const (
	// esplora pages confirmed history 25 transactions at a time
	maxHistoryPages = 40

	// a one-input two-output segwit spend
	typicalVsize = 141

	maxBatchOutputs = 50
)

// Fee targets in blocks, per priority.
var feeTargets = map[string]string{
	"low":    "144",
	"normal": "6",
	"high":   "1",
}

type Adapter struct {
	name      string
	params    chain.Params
	netParams *chaincfg.Params
	batch     bool

	btcQuery *BTCQuery
	logger   *zap.SugaredLogger
}

func New(cfg *config.ChainConfig, query *BTCQuery, logger *zap.SugaredLogger) (*Adapter, error) {
	netParams, err := GetBTCParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		name:      cfg.Name,
		params:    chain.ParamsFromConfig(cfg),
		netParams: netParams,
		batch:     cfg.BatchBroadcast,
		btcQuery:  query,
		logger:    logger.Named(cfg.Name),
	}, nil
}

func (a *Adapter) Chain() string {
	return a.name
}

func (a *Adapter) Params() chain.Params {
	return a.params
}

func (a *Adapter) MaxBatchOutputs() int {
	if !a.batch {
		return 1
	}
	return maxBatchOutputs
}

func (a *Adapter) ValidateAddress(address string) error {
	return ValidateAddress(address, a.netParams)
}

func (a *Adapter) CurrentTip(ctx context.Context) (uint64, error) {
	height, err := a.btcQuery.GetBTCCurrentHeight(ctx)
	if err != nil {
		return 0, classify("btc.currentTip", err)
	}
	return height, nil
}

// GetInbound collects outputs paying address from the mempool and from confirmed
// history down to sinceHeight. Outputs of transactions that also spend from
// address are change and are skipped.
func (a *Adapter) GetInbound(ctx context.Context, address string, sinceHeight uint64) ([]chain.Observation, error) {
	tip, err := a.CurrentTip(ctx)
	if err != nil {
		return nil, err
	}

	mempool, err := a.btcQuery.GetMempoolTxs(ctx, address)
	if err != nil {
		return nil, classify("btc.getInbound", err)
	}
	observations := a.collect(address, tip, mempool)

	lastSeen := ""
	for page := 0; page < maxHistoryPages; page++ {
		txs, err := a.btcQuery.GetTxs(ctx, address, lastSeen)
		if err != nil {
			return nil, classify("btc.getInbound", err)
		}
		if len(txs) == 0 {
			break
		}

		reachedWatermark := false
		var inRange []BtcTx
		for _, tx := range txs {
			if tx.Status.Confirmed && tx.Status.BlockHeight < sinceHeight {
				reachedWatermark = true
				break
			}
			inRange = append(inRange, tx)
		}
		observations = append(observations, a.collect(address, tip, inRange)...)
		if reachedWatermark {
			break
		}
		lastSeen = txs[len(txs)-1].Txid
		if page == maxHistoryPages-1 {
			a.logger.Warnf("History scan truncated, address: %s, since: %d, lastSeen: %s", address, sinceHeight, lastSeen)
		}
	}

	return observations, nil
}

func (a *Adapter) collect(address string, tip uint64, txs []BtcTx) []chain.Observation {
	var observations []chain.Observation

MainLoop:
	for _, tx := range txs {
		for _, vin := range tx.Vin {
			if vin.Prevout != nil && vin.Prevout.ScriptPubKeyAddress == address {
				// skip transaction if sender is the receiver itself
				continue MainLoop
			}
		}

		var height *uint64
		var confirmations uint64
		if tx.Status.Confirmed {
			h := tx.Status.BlockHeight
			height = &h
			confirmations = chain.Confirmations(tip, h)
		}
		for index, out := range tx.Vout {
			if out.ScriptPubKeyAddress != address || out.Value <= 0 {
				continue
			}
			observations = append(observations, chain.Observation{
				Chain:         a.name,
				Txid:          tx.Txid,
				Vout:          uint32(index),
				Address:       address,
				Amount:        decimal.New(out.Value, -8),
				BlockHeight:   height,
				Confirmations: confirmations,
			})
		}
	}
	return observations
}

func (a *Adapter) GetTransaction(ctx context.Context, txid string) (*chain.TxInfo, error) {
	tx, err := a.btcQuery.GetTx(ctx, txid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oaeerr.Wrap(oaeerr.NotFound, "btc.getTransaction", chain.ErrTxNotFound)
		}
		return nil, classify("btc.getTransaction", err)
	}

	info := &chain.TxInfo{Txid: tx.Txid}
	if tx.Status.Confirmed {
		tip, err := a.CurrentTip(ctx)
		if err != nil {
			return nil, err
		}
		h := tx.Status.BlockHeight
		info.BlockHeight = &h
		info.Confirmations = chain.Confirmations(tip, h)
	}
	return info, nil
}

// Broadcast checks that the raw transaction hashes to the txid the signer
// claimed before handing it to esplora.
func (a *Adapter) Broadcast(ctx context.Context, tx chain.SignedTx) (string, error) {
	msgTx, err := NewBTCTxFromBytes(tx.Raw)
	if err != nil {
		return "", oaeerr.Wrap(oaeerr.AdapterRejected, "btc.broadcast", err)
	}
	computed := msgTx.TxHash().String()
	if tx.Txid != "" && !strings.EqualFold(computed, tx.Txid) {
		return "", oaeerr.New(oaeerr.AdapterRejected, "btc.broadcast",
			"signed tx hashes to %s, signer reported %s", computed, tx.Txid)
	}

	txid, err := a.btcQuery.PostTx(ctx, hex.EncodeToString(tx.Raw))
	if err != nil {
		return "", classify("btc.broadcast", err)
	}
	a.logger.Infof("Broadcast btc tx, txid: %s", txid)
	return txid, nil
}

// EstimateFee prices a typical spend at the esplora fee targets.
func (a *Adapter) EstimateFee(ctx context.Context, _ decimal.Decimal) (chain.Fee, error) {
	estimates, err := a.btcQuery.GetFeeEstimates(ctx)
	if err != nil {
		return chain.Fee{}, classify("btc.estimateFee", err)
	}
	price := func(priority string) decimal.Decimal {
		rate, ok := estimates[feeTargets[priority]]
		if !ok || rate < 1 {
			rate = 1
		}
		sats := decimal.NewFromFloat(rate).Mul(decimal.NewFromInt(typicalVsize)).Ceil()
		return sats.Shift(-8)
	}
	return chain.Fee{
		Low:    price("low"),
		Normal: price("normal"),
		High:   price("high"),
	}, nil
}

// classify maps transport failures to AdapterUnavailable and 4xx answers to AdapterRejected.
func classify(op string, err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code/100 == 4 && statusErr.Code != 429 {
		return oaeerr.Wrap(oaeerr.AdapterRejected, op, err)
	}
	return oaeerr.Wrap(oaeerr.AdapterUnavailable, op, err)
}
