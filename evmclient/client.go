package evmclient

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	BlockHeaderCacheSize = 1024
)

// Backend is the subset of ethclient the adapter uses.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

type Client struct {
	backend Backend

	// only headers below the reorg horizon are cached
	blockHeaderCache *lru.Cache[uint64, *types.Header]
}

func Dial(rpcUrl string) (*Client, error) {
	client, err := ethclient.Dial(rpcUrl)
	if err != nil {
		return nil, err
	}
	return New(client)
}

func New(backend Backend) (*Client, error) {
	blockHeaderCache, err := lru.New[uint64, *types.Header](BlockHeaderCacheSize)
	if err != nil {
		return nil, err
	}

	return &Client{
		backend:          backend,
		blockHeaderCache: blockHeaderCache,
	}, nil
}

// HeaderByNumber returns the canonical header at number. final marks the
// header as past the reorg horizon so it may be cached.
func (c *Client) HeaderByNumber(ctx context.Context, number uint64, final bool) (*types.Header, error) {
	if header, ok := c.blockHeaderCache.Get(number); ok {
		return header, nil
	}

	header, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err == nil && header == nil {
		err = ethereum.NotFound
	}
	if err != nil {
		return nil, err
	}

	if final {
		c.blockHeaderCache.Add(number, header)
	}
	return header, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}
