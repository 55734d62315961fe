package wallet

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// clefService answers the account_* namespace the way a signer does
type clefService struct {
	key    *ecdsa.PrivateKey
	reject bool
}

func (s *clefService) Version() string {
	return "6.1.0"
}

func (s *clefService) List() []common.Address {
	return []common.Address{crypto.PubkeyToAddress(s.key.PublicKey)}
}

func (s *clefService) SignTransaction(args apitypes.SendTxArgs) (*signTransactionResult, error) {
	if s.reject {
		return nil, &RPCError{Code: CodeUserRejected, Message: "request denied"}
	}
	tx := args.ToTransaction()
	signed, err := types.SignTx(tx, types.LatestSignerForChainID((*big.Int)(args.ChainID)), s.key)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &signTransactionResult{Raw: raw, Tx: signed}, nil
}

func newTestClef(t *testing.T, reject bool) (*ClefProvider, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("account", &clefService{key: key, reject: reject}))
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		httpServer.Close()
		server.Stop()
	})

	provider, err := DialClef(context.Background(), httpServer.URL, zap.NewNop())
	require.NoError(t, err)
	return provider, crypto.PubkeyToAddress(key.PublicKey)
}

func TestClefSignTx(t *testing.T) {
	provider, from := newTestClef(t, false)
	defer provider.Close()

	chainID := big.NewInt(545)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	tests := []struct {
		name string
		tx   *types.Transaction
	}{
		{
			name: "dynamic fee",
			tx: types.NewTx(&types.DynamicFeeTx{
				ChainID:   chainID,
				Nonce:     3,
				GasTipCap: big.NewInt(1),
				GasFeeCap: big.NewInt(100),
				Gas:       60000,
				To:        &to,
				Value:     big.NewInt(7),
				Data:      []byte{0xde, 0xad},
			}),
		},
		{
			name: "legacy",
			tx: types.NewTx(&types.LegacyTx{
				Nonce:    4,
				GasPrice: big.NewInt(100),
				Gas:      21000,
				To:       &to,
				Value:    big.NewInt(1),
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed, err := provider.SignTx(context.Background(), from, tt.tx, chainID)
			require.NoError(t, err)

			sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
			require.NoError(t, err)
			assert.Equal(t, from, sender)
			assert.Equal(t, tt.tx.Nonce(), signed.Nonce())
			assert.Equal(t, tt.tx.Data(), signed.Data())
			assert.Equal(t, 0, tt.tx.Value().Cmp(signed.Value()))
		})
	}
}

func TestClefSignTxRejected(t *testing.T) {
	provider, from := newTestClef(t, true)
	defer provider.Close()

	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000})
	_, err := provider.SignTx(context.Background(), from, tx, big.NewInt(545))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUserRejected)
}

func TestClefSignTxAfterClose(t *testing.T) {
	provider, from := newTestClef(t, false)
	require.NoError(t, provider.Close())

	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000})
	_, err := provider.SignTx(context.Background(), from, tx, big.NewInt(545))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUserRejected)
}
