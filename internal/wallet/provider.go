package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// EIP-1193 and JSON-RPC error codes a wallet may return
const (
	CodeUserRejected      = 4001
	CodeUnrecognizedChain = 4902
	CodeMethodNotFound    = -32601
)

// NamespaceEIP155 is the CAIP-2 namespace of EVM chains
const NamespaceEIP155 = "eip155"

// ErrUserRejected is returned when the wallet owner declines a request
var ErrUserRejected = errors.New("user rejected the request")

// Provider is the injected wallet: an interactive approval flow, a teardown
// call, a generic JSON-RPC request channel and a transaction signer.
type Provider interface {
	// OpenSession asks the wallet owner to approve a session for the requested chains
	OpenSession(ctx context.Context, req ApprovalRequest) (*SessionResponse, error)
	// Disconnect tears down the remote session
	Disconnect(ctx context.Context) error
	// Request issues a wallet JSON-RPC call and decodes the result into result (may be nil)
	Request(ctx context.Context, result interface{}, method string, params ...interface{}) error
	// SignTx signs tx on behalf of from
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	// Close releases the transport
	Close() error
}

// Factory acquires a connect-capable provider
type Factory func(ctx context.Context) (Provider, error)

// ApprovalRequest is the namespace a session is requested for
type ApprovalRequest struct {
	Namespace    string   `json:"namespace"`
	Chains       []string `json:"chains"` // CAIP-2, e.g. "eip155:545"
	DefaultChain string   `json:"default_chain"`
}

// NewApprovalRequest builds a request for a single EVM chain
func NewApprovalRequest(chainID uint64) ApprovalRequest {
	return ApprovalRequest{
		Namespace:    NamespaceEIP155,
		Chains:       []string{fmt.Sprintf("%s:%d", NamespaceEIP155, chainID)},
		DefaultChain: fmt.Sprintf("%d", chainID),
	}
}

// SessionNamespace lists the approved accounts ("eip155:545:0xabc...") and chains ("eip155:545")
type SessionNamespace struct {
	Accounts []string `json:"accounts"`
	Chains   []string `json:"chains"`
}

// SessionResponse is what the wallet returns after approval
type SessionResponse struct {
	Namespaces map[string]SessionNamespace `json:"namespaces"`
}

// RPCError is a wallet error carrying a JSON-RPC code
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet error %d: %s", e.Code, e.Message)
}

// ErrorCode implements rpc.Error
func (e *RPCError) ErrorCode() int {
	return e.Code
}

// ErrorCode extracts the JSON-RPC code carried by err, if any
func ErrorCode(err error) (int, bool) {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode(), true
	}
	return 0, false
}

// IsRejection reports whether err means the wallet owner declined
func IsRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUserRejected) {
		return true
	}
	if code, ok := ErrorCode(err); ok && code == CodeUserRejected {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "request denied") || strings.Contains(msg, "user rejected")
}
