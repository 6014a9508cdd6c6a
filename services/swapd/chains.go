package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"htlcswap/core/events"
	"htlcswap/core/principal"
	"htlcswap/native/htlc"
	"htlcswap/native/policy"
	"htlcswap/native/token"
	"htlcswap/services/swapd/config"
	"htlcswap/storage"
)

// buildEngines constructs one escrow engine per configured chain. All
// engines share db (keys are chain scoped), the policy and the emitter.
func buildEngines(ctx context.Context, cfg config.Config, db storage.Database, pol *policy.Policy, emitter events.Emitter, logger *slog.Logger) ([]*htlc.Engine, error) {
	codec := cfg.Codec()
	engines := make([]*htlc.Engine, 0, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		adapter, err := buildAdapter(ctx, chain)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", chain.Name, err)
		}
		scheme, err := principal.ParseScheme(chain.Scheme)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", chain.Name, err)
		}
		engine := htlc.NewEngine(chain.Name, adapter)
		engine.SetState(htlc.NewKVState(db, chain.Name))
		engine.SetPolicy(pol)
		engine.SetScheme(scheme)
		engine.SetCodec(codec)
		engine.SetEmitter(emitter)
		engine.SetLogger(logger.With("chain", chain.Name))
		engines = append(engines, engine)
		logger.Info("swapd: escrow engine ready", "chain", chain.Name, "kind", chain.Kind, "scheme", scheme.Name())
	}
	return engines, nil
}

func buildAdapter(ctx context.Context, chain config.ChainConfig) (token.Adapter, error) {
	switch chain.Kind {
	case config.KindEVM:
		key := strings.TrimSpace(os.Getenv(chain.PrivateKeyEnv))
		if key == "" {
			return nil, fmt.Errorf("custody key env %s is empty", chain.PrivateKeyEnv)
		}
		return token.DialERC20(ctx, token.ERC20Config{
			RPCURL:         chain.RPCURL,
			PrivateKeyHex:  key,
			ConfirmTimeout: chain.ConfirmTimeout.Duration,
		})
	case config.KindLedger:
		ledger := token.NewLedger(chain.Custody, chain.Tokens...)
		for tok, owners := range chain.Balances {
			for owner, raw := range owners {
				amount, ok := new(big.Int).SetString(raw, 10)
				if !ok {
					return nil, fmt.Errorf("invalid balance %q", raw)
				}
				if err := ledger.Mint(tok, owner, amount); err != nil {
					return nil, err
				}
			}
		}
		return ledger, nil
	default:
		return nil, fmt.Errorf("unknown chain kind %q", chain.Kind)
	}
}
