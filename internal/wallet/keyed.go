package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// KeyedProvider is a headless wallet backed by a single private key.
// It approves every session and tracks the chains it has been told about.
type KeyedProvider struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	logger     *zap.Logger

	mu     sync.Mutex
	active uint64
	known  map[uint64]bool
	open   bool
}

// NewKeyedFactory returns a Factory building a KeyedProvider on chainID
func NewKeyedFactory(privateKeyHex string, chainID uint64, logger *zap.Logger) Factory {
	return func(ctx context.Context) (Provider, error) {
		return NewKeyedProvider(privateKeyHex, chainID, logger)
	}
}

// NewKeyedProvider parses the key and starts on chainID
func NewKeyedProvider(privateKeyHex string, chainID uint64, logger *zap.Logger) (*KeyedProvider, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}
	address := crypto.PubkeyToAddress(*publicKeyECDSA)

	logger.Info("Key-backed wallet loaded",
		zap.String("address", address.Hex()),
		zap.Uint64("chain_id", chainID))

	return &KeyedProvider{
		privateKey: privateKey,
		address:    address,
		logger:     logger,
		active:     chainID,
		known:      map[uint64]bool{chainID: true},
	}, nil
}

// Address returns the account controlled by the key
func (k *KeyedProvider) Address() common.Address {
	return k.address
}

// OpenSession approves the key's account on the wallet's active chain
func (k *KeyedProvider) OpenSession(ctx context.Context, req ApprovalRequest) (*SessionResponse, error) {
	if req.Namespace != NamespaceEIP155 {
		return nil, fmt.Errorf("unsupported approval request for namespace %q", req.Namespace)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.open = true

	chain := fmt.Sprintf("%s:%d", NamespaceEIP155, k.active)
	return &SessionResponse{
		Namespaces: map[string]SessionNamespace{
			NamespaceEIP155: {
				Accounts: []string{chain + ":" + k.address.Hex()},
				Chains:   []string{chain},
			},
		},
	}, nil
}

// Disconnect closes the session
func (k *KeyedProvider) Disconnect(ctx context.Context) error {
	k.mu.Lock()
	k.open = false
	k.mu.Unlock()
	return nil
}

// Request serves the subset of wallet methods a key-backed wallet can answer
func (k *KeyedProvider) Request(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch method {
	case "eth_chainId":
		return decodeInto(result, hexutil.EncodeUint64(k.active))
	case "eth_accounts":
		accounts := []string{}
		if k.open {
			accounts = append(accounts, k.address.Hex())
		}
		return decodeInto(result, accounts)
	case "wallet_switchEthereumChain":
		var p switchChainParams
		if err := firstParam(params, &p); err != nil {
			return err
		}
		chainID, err := hexutil.DecodeUint64(p.ChainID)
		if err != nil {
			return &RPCError{Code: -32602, Message: fmt.Sprintf("invalid chainId %q", p.ChainID)}
		}
		if !k.known[chainID] {
			return &RPCError{Code: CodeUnrecognizedChain, Message: fmt.Sprintf("unrecognized chain %s", p.ChainID)}
		}
		k.active = chainID
		return decodeInto(result, nil)
	case "wallet_addEthereumChain":
		var p addChainParams
		if err := firstParam(params, &p); err != nil {
			return err
		}
		chainID, err := hexutil.DecodeUint64(p.ChainID)
		if err != nil {
			return &RPCError{Code: -32602, Message: fmt.Sprintf("invalid chainId %q", p.ChainID)}
		}
		k.known[chainID] = true
		k.active = chainID
		k.logger.Info("Chain added to wallet",
			zap.String("chain_id", p.ChainID),
			zap.String("chain_name", p.ChainName))
		return decodeInto(result, nil)
	default:
		return &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %s not supported", method)}
	}
}

// SignTx signs with the key after checking it controls from
func (k *KeyedProvider) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if from != k.address {
		return nil, fmt.Errorf("account %s is not managed by this wallet", from.Hex())
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), k.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// Close is a no-op
func (k *KeyedProvider) Close() error {
	return nil
}

func firstParam(params []interface{}, out interface{}) error {
	if len(params) == 0 {
		return &RPCError{Code: -32602, Message: "missing params"}
	}
	raw, err := json.Marshal(params[0])
	if err != nil {
		return &RPCError{Code: -32602, Message: err.Error()}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RPCError{Code: -32602, Message: err.Error()}
	}
	return nil
}

func decodeInto(result interface{}, value interface{}) error {
	if result == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}
