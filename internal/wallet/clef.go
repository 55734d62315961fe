package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"
)

// ClefProvider talks to a Clef external signer. Listing accounts prompts the
// signer's operator, which makes it the interactive approval step.
type ClefProvider struct {
	endpoint string
	client   *rpc.Client
	logger   *zap.Logger

	mu       sync.Mutex
	approved []common.Address
}

// NewClefFactory returns a Factory dialing the signer at endpoint
func NewClefFactory(endpoint string, logger *zap.Logger) Factory {
	return func(ctx context.Context) (Provider, error) {
		return DialClef(ctx, endpoint, logger)
	}
}

// DialClef connects to the signer and checks it answers
func DialClef(ctx context.Context, endpoint string, logger *zap.Logger) (*ClefProvider, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signer %s: %w", endpoint, err)
	}

	var version string
	if err := client.CallContext(ctx, &version, "account_version"); err != nil {
		client.Close()
		return nil, fmt.Errorf("signer %s is not responding: %w", endpoint, err)
	}

	logger.Info("External signer connected",
		zap.String("endpoint", endpoint),
		zap.String("version", version))

	return &ClefProvider{
		endpoint: endpoint,
		client:   client,
		logger:   logger,
	}, nil
}

// OpenSession lists the accounts the signer's operator approves for this session
func (c *ClefProvider) OpenSession(ctx context.Context, req ApprovalRequest) (*SessionResponse, error) {
	if req.Namespace != NamespaceEIP155 || len(req.Chains) == 0 {
		return nil, fmt.Errorf("unsupported approval request for namespace %q", req.Namespace)
	}

	var addresses []common.Address
	if err := c.client.CallContext(ctx, &addresses, "account_list"); err != nil {
		if IsRejection(err) {
			return nil, fmt.Errorf("%w: %v", ErrUserRejected, err)
		}
		return nil, fmt.Errorf("account_list failed: %w", err)
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: no account approved", ErrUserRejected)
	}

	c.mu.Lock()
	c.approved = addresses
	c.mu.Unlock()

	chain := req.Chains[0]
	ns := SessionNamespace{Chains: []string{chain}}
	for _, addr := range addresses {
		ns.Accounts = append(ns.Accounts, chain+":"+addr.Hex())
	}

	return &SessionResponse{Namespaces: map[string]SessionNamespace{NamespaceEIP155: ns}}, nil
}

// Disconnect forgets the approved accounts; the signer keeps no session state
func (c *ClefProvider) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.approved = nil
	c.mu.Unlock()
	return nil
}

// Request forwards a JSON-RPC call to the signer
func (c *ClefProvider) Request(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	return c.client.CallContext(ctx, result, method, params...)
}

// signTransactionResult is the account_signTransaction reply
type signTransactionResult struct {
	Raw hexutil.Bytes      `json:"raw"`
	Tx  *types.Transaction `json:"tx"`
}

// SignTx asks the signer to sign tx; the operator confirms on the signer side
func (c *ClefProvider) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	args, err := signRequest(from, tx, chainID)
	if err != nil {
		return nil, err
	}

	var res signTransactionResult
	if err := c.client.CallContext(ctx, &res, "account_signTransaction", args); err != nil {
		if IsRejection(err) {
			return nil, fmt.Errorf("%w: %v", ErrUserRejected, err)
		}
		return nil, fmt.Errorf("signer failed: %w", err)
	}
	if res.Tx == nil {
		return nil, fmt.Errorf("signer failed: empty signature response")
	}
	return res.Tx, nil
}

// signRequest builds the signer's transaction arguments for tx
func signRequest(from common.Address, tx *types.Transaction, chainID *big.Int) (*apitypes.SendTxArgs, error) {
	data := hexutil.Bytes(tx.Data())
	args := &apitypes.SendTxArgs{
		From:  common.NewMixedcaseAddress(from),
		Data:  &data,
		Nonce: hexutil.Uint64(tx.Nonce()),
		Value: hexutil.Big(*tx.Value()),
		Gas:   hexutil.Uint64(tx.Gas()),
	}
	if to := tx.To(); to != nil {
		t := common.NewMixedcaseAddress(*to)
		args.To = &t
	}

	switch tx.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		args.GasPrice = (*hexutil.Big)(tx.GasPrice())
	case types.DynamicFeeTxType:
		args.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap())
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap())
	default:
		return nil, fmt.Errorf("unsupported transaction type %d", tx.Type())
	}

	if chainID != nil {
		args.ChainID = (*hexutil.Big)(chainID)
	}
	if tx.Type() != types.LegacyTxType {
		if args.ChainID == nil {
			args.ChainID = (*hexutil.Big)(tx.ChainId())
		}
		accessList := tx.AccessList()
		args.AccessList = &accessList
	}
	return args, nil
}

// Close closes the signer connection
func (c *ClefProvider) Close() error {
	c.client.Close()
	return nil
}
