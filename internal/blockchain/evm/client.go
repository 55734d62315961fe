package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

var (
	// ErrTransactionReverted is returned when gas estimation or the receipt reports a revert
	ErrTransactionReverted = errors.New("transaction reverted")
	// ErrConfirmationTimeout is returned when no receipt arrived in time
	ErrConfirmationTimeout = errors.New("timeout waiting for transaction")
)

// JSON-RPC code geth uses for reverted calls
const revertErrorCode = 3

// SigningError wraps a failure of the wallet to sign a transaction.
// Nothing was broadcast when it is returned.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("failed to sign transaction: %v", e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// Backend is the part of ethclient.Client the service uses
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// SignerFn signs a transaction for the client's account
type SignerFn func(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)

// Dial connects to an RPC endpoint
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	ethClient, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", endpoint, err)
	}
	return ethClient, nil
}

// Client sends transactions from one account, signed by an external signer
type Client struct {
	backend      Backend
	chainID      *big.Int
	fromAddress  common.Address
	sign         SignerFn
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewClient creates a client for from, checking the backend's chain id
func NewClient(ctx context.Context, backend Backend, from common.Address, sign SignerFn, pollInterval time.Duration, logger *zap.Logger) (*Client, error) {
	if sign == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	logger.Info("EVM client initialized",
		zap.String("chain_id", chainID.String()),
		zap.String("from_address", from.Hex()))

	return &Client{
		backend:      backend,
		chainID:      chainID,
		fromAddress:  from,
		sign:         sign,
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.backend.Close()
}

// ChainID returns the chain ID reported by the network
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// FromAddress returns the sending account
func (c *Client) FromAddress() common.Address {
	return c.fromAddress
}

// Call runs a read-only call as the sending account
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.backend.CallContract(ctx, ethereum.CallMsg{
		From: c.fromAddress,
		To:   &to,
		Data: data,
	}, nil)
}

// SignAndSendTransaction creates, signs, and sends a transaction
func (c *Client) SignAndSendTransaction(
	ctx context.Context,
	to common.Address,
	data []byte,
	value *big.Int,
) (common.Hash, error) {
	if value == nil {
		value = big.NewInt(0)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to suggest gas price: %w", err)
	}

	// Estimate gas; a revert here means the call would fail on-chain
	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.fromAddress,
		To:    &to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		if isRevert(err) {
			return common.Hash{}, fmt.Errorf("%w: %s", ErrTransactionReverted, revertReason(err))
		}
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}

	// Add 20% buffer
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)

	signedTx, err := c.sign(ctx, tx, c.chainID)
	if err != nil {
		return common.Hash{}, &SigningError{Err: err}
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Info("Transaction sent",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	return signedTx.Hash(), nil
}

// WaitForTransaction polls for the receipt of txHash until timeout.
// A receipt with status 0 is returned together with ErrTransactionReverted.
func (c *Client) WaitForTransaction(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w %s", ErrConfirmationTimeout, txHash.Hex())
		case <-ticker.C:
			receipt, err := c.backend.TransactionReceipt(ctx, txHash)
			if err == nil && receipt != nil {
				if receipt.Status == types.ReceiptStatusFailed {
					return receipt, fmt.Errorf("%w: %s", ErrTransactionReverted, txHash.Hex())
				}
				return receipt, nil
			}
			if err != nil && !errors.Is(err, ethereum.NotFound) {
				c.logger.Debug("Receipt lookup failed, retrying",
					zap.String("tx_hash", txHash.Hex()),
					zap.Error(err))
			}
		}
	}
}

func isRevert(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == revertErrorCode {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

// revertReason decodes an Error(string) payload when the node returned one
func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}
