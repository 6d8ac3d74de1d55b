package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tgshop/onchain-engine/btc"
	"github.com/tgshop/onchain-engine/chain"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/evmclient"
	"github.com/tgshop/onchain-engine/solclient"
)

// DialAdapters connects one adapter per configured chain.
func DialAdapters(cfg *config.Config, logger *zap.SugaredLogger) ([]chain.Adapter, error) {
	adapters := make([]chain.Adapter, 0, len(cfg.Chains))
	for i := range cfg.Chains {
		chainCfg := &cfg.Chains[i]
		adapter, err := dialAdapter(chainCfg, cfg.Workers, logger)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", chainCfg.Name, err)
		}
		logger.Infof("Connected %s adapter, chain: %s, network: %s", chainCfg.Family, chainCfg.Name, chainCfg.Network)
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

func dialAdapter(cfg *config.ChainConfig, workers config.WorkersConfig, logger *zap.SugaredLogger) (chain.Adapter, error) {
	switch cfg.Family {
	case config.FamilyBitcoin:
		return btc.New(cfg, btc.NewBTCQuery(cfg.Endpoint, workers.AttemptTimeout), logger)
	case config.FamilyEVM:
		client, err := evmclient.Dial(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return evmclient.NewAdapter(cfg, client, logger)
	case config.FamilySolana:
		return solclient.Dial(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown family %q", cfg.Family)
}
