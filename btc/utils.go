package btc

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

func NewBTCTxFromBytes(txBytes []byte) (*wire.MsgTx, error) {
	var msgTx wire.MsgTx
	rbuf := bytes.NewReader(txBytes)
	if err := msgTx.Deserialize(rbuf); err != nil {
		return nil, err
	}

	return &msgTx, nil
}

func GetBTCParams(net string) (*chaincfg.Params, error) {
	switch net {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}

	return nil, fmt.Errorf(
		"BTC network with name %s does not exist. should be one of {mainnet,testnet,signet,regtest}",
		net,
	)
}

// ValidateAddress accepts base58 and bech32/bech32m addresses of the given network.
func ValidateAddress(address string, params *chaincfg.Params) error {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return err
	}
	if !addr.IsForNet(params) {
		return fmt.Errorf("address %s is not for %s", address, params.Name)
	}
	return nil
}

