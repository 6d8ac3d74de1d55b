// Package signer is the HTTP client for the remote signing service. The engine
// only ever holds the opaque signer handle of a source wallet.
package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/oaeerr"
)

type signOutput struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

type signRequest struct {
	Chain        string          `json:"chain"`
	SignerHandle string          `json:"signerHandle"`
	Outputs      []signOutput    `json:"outputs"`
	Fee          decimal.Decimal `json:"fee"`
	Priority     string          `json:"priority"`
}

type signResponse struct {
	Raw   string `json:"raw"`
	Txid  string `json:"txid"`
	Error string `json:"error,omitempty"`
}

type Client struct {
	endpoint   string
	httpClient *http.Client
}

func New(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Sign asks the signer to build and sign draft. A 4xx answer is AdapterRejected;
// transport failures and 5xx are AdapterUnavailable.
func (c *Client) Sign(ctx context.Context, chainName string, draft chain.Draft) (chain.SignedTx, error) {
	const op = "signer.sign"

	req := signRequest{
		Chain:        chainName,
		SignerHandle: draft.SignerHandle,
		Fee:          draft.Fee,
		Priority:     draft.Priority,
	}
	for _, out := range draft.Outputs {
		req.Outputs = append(req.Outputs, signOutput{To: out.ToAddress, Amount: out.Amount})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return chain.SignedTx{}, oaeerr.Wrap(oaeerr.Internal, op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return chain.SignedTx{}, oaeerr.Wrap(oaeerr.Internal, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return chain.SignedTx{}, oaeerr.Wrap(oaeerr.AdapterUnavailable, op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return chain.SignedTx{}, oaeerr.Wrap(oaeerr.AdapterUnavailable, op, err)
	}
	var out signResponse
	_ = json.Unmarshal(payload, &out)

	switch {
	case resp.StatusCode/100 == 4:
		return chain.SignedTx{}, oaeerr.New(oaeerr.AdapterRejected, op, "signer refused: %d %s", resp.StatusCode, reason(out, payload))
	case resp.StatusCode/100 != 2:
		return chain.SignedTx{}, oaeerr.New(oaeerr.AdapterUnavailable, op, "signer status %d: %s", resp.StatusCode, reason(out, payload))
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(out.Raw, "0x"))
	if err != nil || len(raw) == 0 || out.Txid == "" {
		return chain.SignedTx{}, oaeerr.Wrap(oaeerr.AdapterRejected, op, fmt.Errorf("malformed signer response"))
	}
	return chain.SignedTx{Chain: chainName, Raw: raw, Txid: out.Txid}, nil
}

func reason(out signResponse, payload []byte) string {
	if out.Error != "" {
		return out.Error
	}
	return strings.TrimSpace(string(payload))
}
