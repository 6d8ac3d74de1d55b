package evmclient

import (
	"cmp"
	"context"
	"math/big"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/oaeerr"
)

const (
	// blocks per eth_getLogs call
	maxLogRange = 2000
	// first scan of a fresh address looks back this far
	initialLookback = 5000

	erc20TransferGas = 65000
)

var (
	TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	transferABI = mustParseABI(`[
        {
            "anonymous": false,
            "inputs": [
                {"indexed": true, "name": "from", "type": "address"},
                {"indexed": true, "name": "to", "type": "address"},
                {"indexed": false, "name": "value", "type": "uint256"}
            ],
            "name": "Transfer",
            "type": "event"
        }
    ]`)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

type TransferEvent struct {
	Txhash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	// TxOrdinal is the position among the transaction's transfers to the
	// watched address. Unlike LogIndex it survives re-inclusion in another block.
	TxOrdinal uint32
	From        common.Address
	To          common.Address
	Value       *big.Int
}

// Adapter watches ERC-20 transfers of a single token contract.
type Adapter struct {
	name     string
	params   chain.Params
	token    common.Address
	decimals int32

	client *Client
	logger *zap.SugaredLogger
}

func NewAdapter(cfg *config.ChainConfig, client *Client, logger *zap.SugaredLogger) (*Adapter, error) {
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, errors.Errorf("chain %s: invalid token contract %q", cfg.Name, cfg.TokenContract)
	}
	return &Adapter{
		name:     cfg.Name,
		params:   chain.ParamsFromConfig(cfg),
		token:    common.HexToAddress(cfg.TokenContract),
		decimals: cfg.TokenDecimals,
		client:   client,
		logger:   logger.Named(cfg.Name),
	}, nil
}

func (a *Adapter) Chain() string {
	return a.name
}

func (a *Adapter) Params() chain.Params {
	return a.params
}

// ValidateAddress accepts 0x-prefixed hex addresses; mixed-case input must carry a valid EIP-55 checksum.
func (a *Adapter) ValidateAddress(address string) error {
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return errors.Errorf("invalid evm address %q", address)
	}
	body := address[2:]
	if strings.ToLower(body) != body && strings.ToUpper(body) != body {
		if common.HexToAddress(address).Hex() != address {
			return errors.Errorf("bad checksum for evm address %q", address)
		}
	}
	return nil
}

func (a *Adapter) CurrentTip(ctx context.Context) (uint64, error) {
	tip, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, classify("evm.currentTip", err)
	}
	return tip, nil
}

func (a *Adapter) GetInbound(ctx context.Context, address string, sinceHeight uint64) ([]chain.Observation, error) {
	tip, err := a.CurrentTip(ctx)
	if err != nil {
		return nil, err
	}

	start := sinceHeight
	if start == 0 && tip > initialLookback {
		start = tip - initialLookback
	}

	var observations []chain.Observation
	to := common.HexToAddress(address)
	for from := start; from <= tip; from += maxLogRange {
		end := from + maxLogRange - 1
		if end > tip {
			end = tip
		}
		events, err := a.GetTransferEventsByRangeBlock(ctx, to, from, end)
		if err != nil {
			return nil, classify("evm.getInbound", err)
		}
		for _, event := range events {
			height := event.BlockNumber
			observations = append(observations, chain.Observation{
				Chain:         a.name,
				Txid:          event.Txhash.Hex(),
				Vout:          event.TxOrdinal,
				Address:       address,
				Amount:        decimal.NewFromBigInt(event.Value, -a.decimals),
				BlockHeight:   &height,
				Confirmations: chain.Confirmations(tip, height),
			})
		}
	}
	return observations, nil
}

func (a *Adapter) GetTransferEventsByRangeBlock(ctx context.Context, to common.Address, start, end uint64) ([]*TransferEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(start),
		ToBlock:   new(big.Int).SetUint64(end),
		Addresses: []common.Address{a.token},
		Topics:    [][]common.Hash{{TransferEventTopic}, nil, {common.BytesToHash(to.Bytes())}},
	}
	logs, err := a.client.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}

	// all logs of one tx sit in one block, so one range query sees them all
	slices.SortStableFunc(logs, func(x, y types.Log) int {
		if c := cmp.Compare(x.BlockNumber, y.BlockNumber); c != 0 {
			return c
		}
		return cmp.Compare(x.Index, y.Index)
	})

	var events []*TransferEvent
	ordinals := make(map[common.Hash]uint32)
	for _, log := range logs {
		if log.Removed || len(log.Topics) != 3 {
			continue
		}
		ordinal := ordinals[log.TxHash]
		ordinals[log.TxHash] = ordinal + 1
		event := &TransferEvent{}
		if err := transferABI.UnpackIntoInterface(event, "Transfer", log.Data); err != nil {
			return nil, err
		}
		event.From = common.BytesToAddress(log.Topics[1].Bytes())
		event.To = common.BytesToAddress(log.Topics[2].Bytes())
		event.Txhash = log.TxHash
		event.BlockNumber = log.BlockNumber
		event.LogIndex = log.Index
		event.TxOrdinal = ordinal
		if event.Value == nil || event.Value.Sign() <= 0 {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// GetTransaction reports a mined receipt only while its block is still canonical.
func (a *Adapter) GetTransaction(ctx context.Context, txid string) (*chain.TxInfo, error) {
	hash := common.HexToHash(txid)
	receipt, err := a.client.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		_, pending, err := a.client.backend.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, oaeerr.Wrap(oaeerr.NotFound, "evm.getTransaction", chain.ErrTxNotFound)
		}
		if err != nil {
			return nil, classify("evm.getTransaction", err)
		}
		if !pending {
			// known but receipt not indexed yet
			a.logger.Debugf("Receipt not yet available, txid: %s", txid)
		}
		return &chain.TxInfo{Txid: txid}, nil
	}
	if err != nil {
		return nil, classify("evm.getTransaction", err)
	}

	tip, err := a.CurrentTip(ctx)
	if err != nil {
		return nil, err
	}
	height := receipt.BlockNumber.Uint64()
	confirmations := chain.Confirmations(tip, height)
	header, err := a.client.HeaderByNumber(ctx, height, confirmations > a.params.ReorgDepth)
	if err != nil {
		return nil, classify("evm.getTransaction", err)
	}
	if header.Hash() != receipt.BlockHash {
		return &chain.TxInfo{Txid: txid}, nil
	}

	return &chain.TxInfo{
		Txid:          txid,
		BlockHeight:   &height,
		Confirmations: confirmations,
		Failed:        receipt.Status == types.ReceiptStatusFailed,
	}, nil
}

func (a *Adapter) Broadcast(ctx context.Context, signed chain.SignedTx) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return "", oaeerr.Wrap(oaeerr.AdapterRejected, "evm.broadcast", err)
	}
	txid := tx.Hash().Hex()
	if signed.Txid != "" && !strings.EqualFold(txid, signed.Txid) {
		return "", oaeerr.New(oaeerr.AdapterRejected, "evm.broadcast",
			"signed tx hashes to %s, signer reported %s", txid, signed.Txid)
	}
	if err := a.client.backend.SendTransaction(ctx, tx); err != nil {
		return "", classify("evm.broadcast", err)
	}
	a.logger.Infof("Broadcast evm tx, txid: %s", txid)
	return txid, nil
}

// EstimateFee prices an ERC-20 transfer at the suggested gas price, in native units.
func (a *Adapter) EstimateFee(ctx context.Context, _ decimal.Decimal) (chain.Fee, error) {
	gasPrice, err := a.client.backend.SuggestGasPrice(ctx)
	if err != nil {
		return chain.Fee{}, classify("evm.estimateFee", err)
	}
	normal := decimal.NewFromBigInt(gasPrice, 0).Mul(decimal.NewFromInt(erc20TransferGas))
	return chain.Fee{
		Low:    normal.Mul(decimal.RequireFromString("0.9")).Floor().Shift(-18),
		Normal: normal.Shift(-18),
		High:   normal.Mul(decimal.RequireFromString("1.25")).Ceil().Shift(-18),
	}, nil
}

// classify treats JSON-RPC error replies as rejections and everything else as transport failures.
func classify(op string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return oaeerr.Wrap(oaeerr.AdapterRejected, op, err)
	}
	return oaeerr.Wrap(oaeerr.AdapterUnavailable, op, err)
}
