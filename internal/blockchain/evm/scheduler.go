package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// PaymentSchedulerABI is the ABI of the payment scheduler contract
const PaymentSchedulerABI = `[
	{
		"inputs": [],
		"name": "deposit",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "withdraw",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "recipient", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "uint8", "name": "frequency", "type": "uint8"},
			{"internalType": "uint256", "name": "nextPaymentDate", "type": "uint256"},
			{"internalType": "uint8", "name": "conditionType", "type": "uint8"},
			{"internalType": "uint256", "name": "conditionValue", "type": "uint256"},
			{"internalType": "string", "name": "paymentType", "type": "string"}
		],
		"name": "createPaymentSchedule",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "recipient", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "string", "name": "paymentType", "type": "string"}
		],
		"name": "payNow",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "index", "type": "uint256"}
		],
		"name": "executePayment",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getUserBalance",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getUserPaymentSchedules",
		"outputs": [
			{
				"components": [
					{"internalType": "address", "name": "recipient", "type": "address"},
					{"internalType": "uint256", "name": "amount", "type": "uint256"},
					{"internalType": "string", "name": "paymentType", "type": "string"},
					{"internalType": "uint8", "name": "frequency", "type": "uint8"},
					{"internalType": "uint256", "name": "nextPaymentDate", "type": "uint256"},
					{"internalType": "uint8", "name": "conditionType", "type": "uint8"},
					{"internalType": "uint256", "name": "conditionValue", "type": "uint256"}
				],
				"internalType": "struct PaymentScheduler.PaymentSchedule[]",
				"name": "",
				"type": "tuple[]"
			}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ScheduleRecord is one entry of getUserPaymentSchedules, field order as in the ABI
type ScheduleRecord struct {
	Recipient       common.Address
	Amount          *big.Int
	PaymentType     string
	Frequency       uint8
	NextPaymentDate *big.Int
	ConditionType   uint8
	ConditionValue  *big.Int
}

// ScheduleParams holds the arguments of createPaymentSchedule
type ScheduleParams struct {
	Recipient       common.Address
	Amount          *big.Int
	Frequency       uint8
	NextPaymentDate *big.Int
	ConditionType   uint8
	ConditionValue  *big.Int
	PaymentType     string
}

// Scheduler provides methods to interact with the payment scheduler contract
type Scheduler struct {
	client              *Client
	address             common.Address
	abi                 abi.ABI
	confirmationTimeout time.Duration
	logger              *zap.Logger
}

// ParseSchedulerABI parses PaymentSchedulerABI
func ParseSchedulerABI() (abi.ABI, error) {
	parsedABI, err := abi.JSON(strings.NewReader(PaymentSchedulerABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse scheduler ABI: %w", err)
	}
	return parsedABI, nil
}

// NewScheduler binds the contract at address to client
func NewScheduler(client *Client, address common.Address, confirmationTimeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	parsedABI, err := ParseSchedulerABI()
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		client:              client,
		address:             address,
		abi:                 parsedABI,
		confirmationTimeout: confirmationTimeout,
		logger:              logger,
	}, nil
}

// Address returns the bound contract address
func (s *Scheduler) Address() common.Address {
	return s.address
}

// Client returns the client the contract is bound to
func (s *Scheduler) Client() *Client {
	return s.client
}

// Deposit calls deposit() carrying amount as value
func (s *Scheduler) Deposit(ctx context.Context, amount *big.Int) (common.Hash, error) {
	return s.transact(ctx, amount, "deposit")
}

// Withdraw calls withdraw(amount)
func (s *Scheduler) Withdraw(ctx context.Context, amount *big.Int) (common.Hash, error) {
	return s.transact(ctx, nil, "withdraw", amount)
}

// CreatePaymentSchedule calls createPaymentSchedule
func (s *Scheduler) CreatePaymentSchedule(ctx context.Context, params ScheduleParams) (common.Hash, error) {
	return s.transact(ctx, nil, "createPaymentSchedule",
		params.Recipient,
		params.Amount,
		params.Frequency,
		params.NextPaymentDate,
		params.ConditionType,
		params.ConditionValue,
		params.PaymentType,
	)
}

// PayNow calls payNow(recipient, amount, paymentType)
func (s *Scheduler) PayNow(ctx context.Context, recipient common.Address, amount *big.Int, paymentType string) (common.Hash, error) {
	return s.transact(ctx, nil, "payNow", recipient, amount, paymentType)
}

// ExecutePayment calls executePayment(index)
func (s *Scheduler) ExecutePayment(ctx context.Context, index *big.Int) (common.Hash, error) {
	return s.transact(ctx, nil, "executePayment", index)
}

// WaitForConfirmation waits for txHash to reach a terminal receipt. Caller
// cancellation is ignored; only the confirmation timeout bounds the wait.
func (s *Scheduler) WaitForConfirmation(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := s.client.WaitForTransaction(context.WithoutCancel(ctx), txHash, s.confirmationTimeout)
	if err != nil {
		return receipt, err
	}

	var blockNumber uint64
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}
	s.logger.Info("Transaction confirmed",
		zap.String("tx_hash", txHash.Hex()),
		zap.Uint64("gas_used", receipt.GasUsed),
		zap.Uint64("block_number", blockNumber))

	return receipt, nil
}

// UserBalance calls getUserBalance() as the client's account
func (s *Scheduler) UserBalance(ctx context.Context) (*big.Int, error) {
	result, err := s.call(ctx, "getUserBalance")
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	if err := s.abi.UnpackIntoInterface(&balance, "getUserBalance", result); err != nil {
		return nil, fmt.Errorf("failed to unpack getUserBalance result: %w", err)
	}
	return balance, nil
}

// UserPaymentSchedules calls getUserPaymentSchedules() as the client's account
func (s *Scheduler) UserPaymentSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	result, err := s.call(ctx, "getUserPaymentSchedules")
	if err != nil {
		return nil, err
	}

	var records []ScheduleRecord
	if err := s.abi.UnpackIntoInterface(&records, "getUserPaymentSchedules", result); err != nil {
		return nil, fmt.Errorf("failed to unpack getUserPaymentSchedules result: %w", err)
	}
	return records, nil
}

func (s *Scheduler) transact(ctx context.Context, value *big.Int, method string, args ...interface{}) (common.Hash, error) {
	data, err := s.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	s.logger.Info("Calling scheduler",
		zap.String("method", method),
		zap.String("contract", s.address.Hex()))

	txHash, err := s.client.SignAndSendTransaction(ctx, s.address, data, value)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to send %s transaction: %w", method, err)
	}
	return txHash, nil
}

func (s *Scheduler) call(ctx context.Context, method string) ([]byte, error) {
	data, err := s.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	result, err := s.client.Call(ctx, s.address, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	return result, nil
}
