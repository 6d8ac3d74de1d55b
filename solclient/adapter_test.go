package solclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/config"
)

var watched = solana.MustPublicKeyFromBase58("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")

type fakeRPC struct {
	slot       uint64
	signatures []*rpc.TransactionSignature
	txs        map[solana.Signature]*rpc.GetTransactionResult
	statuses   map[solana.Signature]*rpc.SignatureStatusesResult
	sent       [][]byte
}

func (f *fakeRPC) GetSlot(context.Context, rpc.CommitmentType) (uint64, error) {
	return f.slot, nil
}

func (f *fakeRPC) GetSignaturesForAddressWithOpts(_ context.Context, _ solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	if opts.Before != (solana.Signature{}) {
		return nil, nil
	}
	return f.signatures, nil
}

func (f *fakeRPC) GetTransaction(_ context.Context, sig solana.Signature, _ *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	return f.txs[sig], nil
}

func (f *fakeRPC) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{f.statuses[sigs[0]]}}, nil
}

func (f *fakeRPC) SendRawTransaction(_ context.Context, raw []byte) (solana.Signature, error) {
	f.sent = append(f.sent, raw)
	return solana.Signature{9}, nil
}

func newTestAdapter(client *fakeRPC) *Adapter {
	return NewAdapter(&config.ChainConfig{
		Name: "SOL", Family: config.FamilySolana, NotifyThreshold: 1, OrphanThreshold: 1, DustFloor: "0",
	}, client, zap.NewNop().Sugar())
}

// transferResult builds a confirmed transfer of lamports from a fresh payer to watched.
func transferResult(t *testing.T, slot uint64, lamports uint64) *rpc.GetTransactionResult {
	payer := solana.NewWallet().PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(lamports, payer, watched).Build()},
		solana.Hash{},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	bin, err := tx.MarshalBinary()
	require.NoError(t, err)

	raw := fmt.Sprintf(`{"slot":%d,"transaction":[%q,"base64"],"meta":{"err":null,"fee":5000,`+
		`"preBalances":[%d,0,1],"postBalances":[%d,%d,1],"loadedAddresses":{"readonly":[],"writable":[]}}}`,
		slot, base64.StdEncoding.EncodeToString(bin), lamports+5000, 0, lamports)
	var result rpc.GetTransactionResult
	require.NoError(t, json.Unmarshal([]byte(raw), &result))
	return &result
}

func TestValidateAddress(t *testing.T) {
	adapter := newTestAdapter(&fakeRPC{})
	require.NoError(t, adapter.ValidateAddress(watched.String()))
	require.Error(t, adapter.ValidateAddress("0x8ba1f109551bd432803012645ac136ddd64dba72"))
	require.Error(t, adapter.ValidateAddress("short"))
}

func TestGetInboundReadsBalanceDelta(t *testing.T) {
	credit := solana.Signature{1}
	failed := solana.Signature{2}
	old := solana.Signature{3}
	client := &fakeRPC{
		slot: 1010,
		signatures: []*rpc.TransactionSignature{
			{Signature: credit, Slot: 1005},
			{Signature: failed, Slot: 1004, Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
			{Signature: old, Slot: 900},
		},
		txs: map[solana.Signature]*rpc.GetTransactionResult{
			credit: transferResult(t, 1005, 1500000000),
		},
	}
	adapter := newTestAdapter(client)

	observations, err := adapter.GetInbound(context.Background(), watched.String(), 1000)
	require.NoError(t, err)
	require.Len(t, observations, 1)
	require.Equal(t, credit.String(), observations[0].Txid)
	require.Equal(t, uint32(1), observations[0].Vout)
	require.Equal(t, "1.5", observations[0].Amount.String())
	require.Equal(t, uint64(6), observations[0].Confirmations)
}

func TestGetTransactionStatus(t *testing.T) {
	sig := solana.Signature{7}
	client := &fakeRPC{
		slot:     120,
		statuses: map[solana.Signature]*rpc.SignatureStatusesResult{sig: {Slot: 100}},
	}
	adapter := newTestAdapter(client)

	info, err := adapter.GetTransaction(context.Background(), sig.String())
	require.NoError(t, err)
	require.Equal(t, uint64(21), info.Confirmations)
	require.False(t, info.Failed)

	_, err = adapter.GetTransaction(context.Background(), solana.Signature{8}.String())
	require.ErrorIs(t, err, chain.ErrTxNotFound)
}

func TestBroadcastAndFee(t *testing.T) {
	client := &fakeRPC{}
	adapter := newTestAdapter(client)

	txid, err := adapter.Broadcast(context.Background(), chain.SignedTx{Raw: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, solana.Signature{9}.String(), txid)
	require.Len(t, client.sent, 1)

	fee, err := adapter.EstimateFee(context.Background(), chain.Fee{}.Normal)
	require.NoError(t, err)
	require.Equal(t, "0.000005", fee.Normal.String())
	require.Equal(t, "0.00001", fee.High.String())
}
