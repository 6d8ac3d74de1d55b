package btc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when esplora answers 404.
var ErrNotFound = errors.New("esplora: not found")

// StatusError is a non-2xx esplora answer other than 404.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("esplora: status %d: %s", e.Code, e.Body)
}

type Vout struct {
	ScriptPubKey        string `json:"scriptpubkey"`
	ScriptPubKeyType    string `json:"scriptpubkey_type"`
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

type Vin struct {
	Txid       string `json:"txid"`
	Vout       int    `json:"vout"`
	Prevout    *Vout  `json:"prevout"`
	IsCoinbase bool   `json:"is_coinbase"`
}

type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

type BtcTx struct {
	Txid   string   `json:"txid"`
	Vin    []Vin    `json:"vin"`
	Vout   []Vout   `json:"vout"`
	Fee    int64    `json:"fee"`
	Status TxStatus `json:"status"`
}

// BTCQuery talks to an esplora-compatible REST API.
type BTCQuery struct {
	apiEndpoint string
	httpClient  *http.Client
}

// NewBTCQuery new BTCQuery for querying btc data
func NewBTCQuery(apiEndpoint string, timeout time.Duration) *BTCQuery {
	return &BTCQuery{
		apiEndpoint: strings.TrimRight(apiEndpoint, "/"),
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *BTCQuery) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode/100 != 2:
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *BTCQuery) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiEndpoint+path, nil)
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *BTCQuery) GetTx(ctx context.Context, txid string) (*BtcTx, error) {
	var tx BtcTx
	if err := c.getJSON(ctx, "/tx/"+txid, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetTxs returns one page of confirmed transactions touching address, newest
// first. Pass the last txid of the previous page to continue.
func (c *BTCQuery) GetTxs(ctx context.Context, address string, lastSeenTxid string) ([]BtcTx, error) {
	var txs []BtcTx
	path := "/address/" + address + "/txs/chain"
	if lastSeenTxid != "" {
		path += "/" + lastSeenTxid
	}
	if err := c.getJSON(ctx, path, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (c *BTCQuery) GetMempoolTxs(ctx context.Context, address string) ([]BtcTx, error) {
	var txs []BtcTx
	if err := c.getJSON(ctx, "/address/"+address+"/txs/mempool", &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (c *BTCQuery) GetBTCCurrentHeight(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.getJSON(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetFeeEstimates maps confirmation targets (in blocks) to sat/vB.
func (c *BTCQuery) GetFeeEstimates(ctx context.Context) (map[string]float64, error) {
	estimates := make(map[string]float64)
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return nil, err
	}
	return estimates, nil
}

// PostTx submits a hex-encoded raw transaction and returns the txid esplora reports.
func (c *BTCQuery) PostTx(ctx context.Context, rawHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiEndpoint+"/tx", bytes.NewBufferString(rawHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")
	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
