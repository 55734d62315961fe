package evm

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var schedulerAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func newTestScheduler(t *testing.T, backend *fakeBackend) *Scheduler {
	t.Helper()
	client, _ := newTestClient(t, backend)
	scheduler, err := NewScheduler(client, schedulerAddress, time.Second, zap.NewNop())
	require.NoError(t, err)
	return scheduler
}

func TestParseSchedulerABI(t *testing.T) {
	parsed, err := ParseSchedulerABI()
	require.NoError(t, err)

	for _, name := range []string{
		"deposit", "withdraw", "createPaymentSchedule", "payNow",
		"executePayment", "getUserBalance", "getUserPaymentSchedules",
	} {
		_, ok := parsed.Methods[name]
		assert.True(t, ok, name)
	}
	assert.True(t, parsed.Methods["deposit"].IsPayable())
}

func TestSchedulerDepositCarriesValue(t *testing.T) {
	backend := newFakeBackend()
	scheduler := newTestScheduler(t, backend)
	amount := big.NewInt(1_500_000_000_000_000_000)

	hash, err := scheduler.Deposit(context.Background(), amount)
	require.NoError(t, err)

	sent := backend.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, amount, sent[0].Value())
	assert.Equal(t, scheduler.abi.Methods["deposit"].ID, sent[0].Data())

	receipt, err := scheduler.WaitForConfirmation(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TxHash)
}

func TestWaitForConfirmationWithoutBlockNumber(t *testing.T) {
	backend := newFakeBackend()
	scheduler := newTestScheduler(t, backend)

	hash, err := scheduler.Withdraw(context.Background(), big.NewInt(1))
	require.NoError(t, err)

	backend.mu.Lock()
	backend.receipts[hash].BlockNumber = nil
	backend.mu.Unlock()

	receipt, err := scheduler.WaitForConfirmation(context.Background(), hash)
	require.NoError(t, err)
	assert.Nil(t, receipt.BlockNumber)
}

func TestSchedulerCreatePaymentScheduleEncoding(t *testing.T) {
	backend := newFakeBackend()
	scheduler := newTestScheduler(t, backend)

	amount, ok := new(big.Int).SetString("12500000000000000000", 10)
	require.True(t, ok)
	params := ScheduleParams{
		Recipient:       common.HexToAddress("0xabc0000000000000000000000000000000000abc"),
		Amount:          amount,
		Frequency:       1,
		NextPaymentDate: big.NewInt(1700000000),
		ConditionType:   0,
		ConditionValue:  big.NewInt(0),
		PaymentType:     "Rent",
	}

	_, err := scheduler.CreatePaymentSchedule(context.Background(), params)
	require.NoError(t, err)

	sent := backend.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(0), sent[0].Value().Int64())

	method := scheduler.abi.Methods["createPaymentSchedule"]
	data := sent[0].Data()
	require.Equal(t, method.ID, data[:4])

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 7)
	assert.Equal(t, params.Recipient, args[0])
	assert.Equal(t, "12500000000000000000", args[1].(*big.Int).String())
	assert.Equal(t, uint8(1), args[2])
	assert.Equal(t, int64(1700000000), args[3].(*big.Int).Int64())
	assert.Equal(t, uint8(0), args[4])
	assert.Equal(t, "0", args[5].(*big.Int).String())
	assert.Equal(t, "Rent", args[6])
}

func TestSchedulerUserBalance(t *testing.T) {
	backend := newFakeBackend()
	scheduler := newTestScheduler(t, backend)

	raw, ok := new(big.Int).SetString("1000000000000000000", 10)
	require.True(t, ok)
	encoded, err := scheduler.abi.Methods["getUserBalance"].Outputs.Pack(raw)
	require.NoError(t, err)
	backend.callResult = encoded

	balance, err := scheduler.UserBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, raw, balance)

	require.Len(t, backend.calls, 1)
	assert.Equal(t, scheduler.Client().FromAddress(), backend.calls[0].From)
	assert.Equal(t, &schedulerAddress, backend.calls[0].To)
}

func TestSchedulerUserPaymentSchedules(t *testing.T) {
	backend := newFakeBackend()
	scheduler := newTestScheduler(t, backend)

	want := []ScheduleRecord{
		{
			Recipient:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Amount:          big.NewInt(2_000_000_000_000_000_000),
			PaymentType:     "Rent",
			Frequency:       2,
			NextPaymentDate: big.NewInt(1700000000),
			ConditionType:   1,
			ConditionValue:  big.NewInt(5_000_000_000_000_000_000),
		},
		{
			Recipient:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
			Amount:          big.NewInt(1),
			PaymentType:     "Utilities",
			Frequency:       0,
			NextPaymentDate: big.NewInt(1800000000),
			ConditionType:   0,
			ConditionValue:  big.NewInt(0),
		},
	}
	encoded, err := scheduler.abi.Methods["getUserPaymentSchedules"].Outputs.Pack(want)
	require.NoError(t, err)
	backend.callResult = encoded

	got, err := scheduler.UserPaymentSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range want {
		assert.Equal(t, want[i].Recipient, got[i].Recipient)
		assert.Equal(t, want[i].Amount.String(), got[i].Amount.String())
		assert.Equal(t, want[i].PaymentType, got[i].PaymentType)
		assert.Equal(t, want[i].Frequency, got[i].Frequency)
		assert.Equal(t, want[i].NextPaymentDate.String(), got[i].NextPaymentDate.String())
		assert.Equal(t, want[i].ConditionType, got[i].ConditionType)
		assert.Equal(t, want[i].ConditionValue.String(), got[i].ConditionValue.String())
	}
}
