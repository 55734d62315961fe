package wallet

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

// ChainParams describes the single network the wallet must be on
type ChainParams struct {
	ChainID        uint64
	Name           string
	CurrencyName   string
	CurrencySymbol string
	RPCURL         string
	ExplorerURL    string
}

// HexChainID returns the chain id as 0x-prefixed hex, e.g. 545 -> "0x221"
func (p ChainParams) HexChainID() string {
	return hexutil.EncodeUint64(p.ChainID)
}

// CAIP2 returns the chain reference, e.g. "eip155:545"
func (p ChainParams) CAIP2() string {
	return fmt.Sprintf("%s:%d", NamespaceEIP155, p.ChainID)
}

type switchChainParams struct {
	ChainID string `json:"chainId"`
}

type nativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type addChainParams struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    nativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls"`
}

func (p ChainParams) addParams() addChainParams {
	return addChainParams{
		ChainID:   p.HexChainID(),
		ChainName: p.Name,
		NativeCurrency: nativeCurrency{
			Name:     p.CurrencyName,
			Symbol:   p.CurrencySymbol,
			Decimals: 18,
		},
		RPCURLs:           []string{p.RPCURL},
		BlockExplorerURLs: []string{p.ExplorerURL},
	}
}

// SwitchNetwork asks the wallet to move to the target chain, registering the
// chain first when the wallet does not know it (code 4902). Wallets without
// network management (method not found) are left as they are.
func SwitchNetwork(ctx context.Context, provider Provider, params ChainParams, logger *zap.Logger) error {
	err := provider.Request(ctx, nil, "wallet_switchEthereumChain", switchChainParams{ChainID: params.HexChainID()})
	if err == nil {
		return nil
	}

	code, _ := ErrorCode(err)
	switch {
	case code == CodeMethodNotFound:
		logger.Debug("Wallet does not manage networks, skipping switch",
			zap.String("chain_id", params.HexChainID()))
		return nil
	case IsRejection(err):
		return fmt.Errorf("%w: network switch declined", ErrUserRejected)
	case code != CodeUnrecognizedChain:
		return fmt.Errorf("failed to switch network: %w", err)
	}

	logger.Info("Chain unknown to wallet, adding it",
		zap.String("chain_id", params.HexChainID()),
		zap.String("chain_name", params.Name))

	if err := provider.Request(ctx, nil, "wallet_addEthereumChain", params.addParams()); err != nil {
		if IsRejection(err) {
			return fmt.Errorf("%w: adding network declined", ErrUserRejected)
		}
		return fmt.Errorf("failed to add network: %w", err)
	}

	return nil
}
