package gateway

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"autopay/internal/blockchain/evm"
	"autopay/internal/models"
	"autopay/internal/units"
	"autopay/internal/wallet"
)

// SessionSource exposes the wallet session the gateway binds to
type SessionSource interface {
	Snapshot() models.Session
	Provider() wallet.Provider
}

// Dialer opens a chain RPC backend
type Dialer func(ctx context.Context, endpoint string) (evm.Backend, error)

// DialEthereum dials endpoint with ethclient
func DialEthereum(ctx context.Context, endpoint string) (evm.Backend, error) {
	client, err := evm.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Config describes the contract binding
type Config struct {
	Chain               wallet.ChainParams
	SchedulerAddress    common.Address
	ConfirmationTimeout time.Duration
	ReceiptPollInterval time.Duration
}

// ScheduleRequest holds the arguments of CreatePaymentSchedule
type ScheduleRequest struct {
	Recipient       string               `json:"recipient"`
	Amount          string               `json:"amount"`
	Frequency       models.Frequency     `json:"frequency"`
	NextPaymentDate int64                `json:"next_payment_date"`
	ConditionType   models.ConditionType `json:"condition_type"`
	ConditionValue  string               `json:"condition_value"`
	Label           string               `json:"label"`
}

// PaymentRequest holds the arguments of PayNow
type PaymentRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Label     string `json:"label"`
}

// TransactionResult describes a confirmed transaction
type TransactionResult struct {
	OperationID string `json:"operation_id"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
}

type binding struct {
	address   common.Address
	client    *evm.Client
	scheduler *evm.Scheduler

	// the client stays open until the last in-flight call on a retired binding returns
	mu       sync.Mutex
	inflight int
	retired  bool
}

// acquire registers a call on the binding; false once it has been retired
func (b *binding) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired {
		return false
	}
	b.inflight++
	return true
}

func (b *binding) release() {
	b.mu.Lock()
	b.inflight--
	closeNow := b.retired && b.inflight == 0
	b.mu.Unlock()
	if closeNow {
		b.client.Close()
	}
}

// retire stops new calls and closes the client once none are in flight
func (b *binding) retire() {
	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		return
	}
	b.retired = true
	closeNow := b.inflight == 0
	b.mu.Unlock()
	if closeNow {
		b.client.Close()
	}
}

// Gateway maps typed, decimal-denominated operations onto the payment
// scheduler contract, signed by the connected wallet.
type Gateway struct {
	sessions SessionSource
	dial     Dialer
	cfg      Config
	logger   *zap.Logger
	opLogger OperationLogger
	now      func() time.Time
	newID    func() string

	mu      sync.RWMutex
	binding *binding
}

// New creates a gateway; Initialize binds it to the connected session
func New(sessions SessionSource, dial Dialer, cfg Config, logger *zap.Logger, options ...Option) (*Gateway, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session source is required")
	}
	if dial == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if cfg.SchedulerAddress == (common.Address{}) {
		return nil, fmt.Errorf("scheduler contract address is required")
	}
	if cfg.ConfirmationTimeout <= 0 {
		return nil, fmt.Errorf("confirmation timeout must be positive")
	}

	g := &Gateway{
		sessions: sessions,
		dial:     dial,
		cfg:      cfg,
		logger:   logger.Named("gateway"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, option := range options {
		option(g)
	}
	return g, nil
}

// Initialize switches the wallet to the target network and binds the
// contract to the session's signer, replacing any previous binding.
func (g *Gateway) Initialize(ctx context.Context) error {
	snapshot := g.sessions.Snapshot()
	provider := g.sessions.Provider()
	if !snapshot.Connected() || provider == nil {
		return WrapError("initialize", "session", codeNotInitialized, fmt.Errorf("%w: wallet is not connected", ErrNotInitialized))
	}
	address := common.HexToAddress(snapshot.Address)

	if err := wallet.SwitchNetwork(ctx, provider, g.cfg.Chain, g.logger); err != nil {
		return classify("initialize", "network", err)
	}

	backend, err := g.dial(ctx, g.cfg.Chain.RPCURL)
	if err != nil {
		return classify("initialize", "rpc", err)
	}

	signer := func(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
		return provider.SignTx(ctx, address, tx, chainID)
	}
	client, err := evm.NewClient(ctx, backend, address, signer, g.cfg.ReceiptPollInterval, g.logger.Named("evm"))
	if err != nil {
		backend.Close()
		return classify("initialize", "rpc", err)
	}
	if client.ChainID().Uint64() != g.cfg.Chain.ChainID {
		client.Close()
		return classify("initialize", "rpc", fmt.Errorf("rpc endpoint serves chain %s, expected %d", client.ChainID(), g.cfg.Chain.ChainID))
	}

	scheduler, err := evm.NewScheduler(client, g.cfg.SchedulerAddress, g.cfg.ConfirmationTimeout, g.logger.Named("scheduler"))
	if err != nil {
		client.Close()
		return classify("initialize", "contract", err)
	}

	g.mu.Lock()
	previous := g.binding
	g.binding = &binding{address: address, client: client, scheduler: scheduler}
	g.mu.Unlock()

	if previous != nil {
		previous.retire()
	}

	g.logger.Info("Contract bound",
		zap.String("address", address.Hex()),
		zap.String("contract", g.cfg.SchedulerAddress.Hex()),
		zap.Uint64("chain_id", g.cfg.Chain.ChainID))
	return nil
}

// Reset drops the contract binding
func (g *Gateway) Reset() {
	g.mu.Lock()
	previous := g.binding
	g.binding = nil
	g.mu.Unlock()

	if previous != nil {
		previous.retire()
		g.logger.Info("Contract binding released", zap.String("address", previous.address.Hex()))
	}
}

// Bound reports whether a binding for the current session exists
func (g *Gateway) Bound() bool {
	_, err := g.current()
	return err == nil
}

// current returns the binding when it still matches a connected session
func (g *Gateway) current() (*binding, error) {
	g.mu.RLock()
	b := g.binding
	g.mu.RUnlock()

	if b == nil {
		return nil, ErrNotInitialized
	}
	snapshot := g.sessions.Snapshot()
	if !snapshot.Connected() || common.HexToAddress(snapshot.Address) != b.address {
		return nil, fmt.Errorf("%w: session changed since binding", ErrNotInitialized)
	}
	return b, nil
}

// acquire returns the current binding with a call registered on it; the
// caller must release it. Transactions already broadcast keep their client
// until confirmation even if the binding is reset meanwhile.
func (g *Gateway) acquire() (*binding, error) {
	b, err := g.current()
	if err != nil {
		return nil, err
	}
	if !b.acquire() {
		return nil, fmt.Errorf("%w: binding was reset", ErrNotInitialized)
	}
	return b, nil
}

// Deposit sends amount into the contract
func (g *Gateway) Deposit(ctx context.Context, amount string) (*TransactionResult, error) {
	const operation = "deposit"
	b, err := g.acquire()
	if err != nil {
		return nil, classify(operation, "binding", err)
	}
	defer b.release()
	value, err := units.ToFixedPoint(amount)
	if err != nil {
		return nil, classify(operation, "amount", err)
	}

	return g.submit(ctx, b, models.OperationDeposit, amount, func(ctx context.Context) (common.Hash, error) {
		return b.scheduler.Deposit(ctx, value)
	})
}

// Withdraw takes amount out of the contract. The contract is the only
// authority on whether the balance covers it.
func (g *Gateway) Withdraw(ctx context.Context, amount string) (*TransactionResult, error) {
	const operation = "withdraw"
	b, err := g.acquire()
	if err != nil {
		return nil, classify(operation, "binding", err)
	}
	defer b.release()
	value, err := units.ToFixedPoint(amount)
	if err != nil {
		return nil, classify(operation, "amount", err)
	}

	return g.submit(ctx, b, models.OperationWithdraw, amount, func(ctx context.Context) (common.Hash, error) {
		return b.scheduler.Withdraw(ctx, value)
	})
}

// CreatePaymentSchedule registers a recurring or conditional payment.
// The condition value is forced to zero when there is no condition.
func (g *Gateway) CreatePaymentSchedule(ctx context.Context, req ScheduleRequest) (*TransactionResult, error) {
	const operation = "create_payment_schedule"
	b, err := g.acquire()
	if err != nil {
		return nil, classify(operation, "binding", err)
	}
	defer b.release()

	recipient, err := parseRecipient(req.Recipient)
	if err != nil {
		return nil, WrapError(operation, "recipient", codeInvalidInput, err)
	}
	amount, err := units.ToFixedPoint(req.Amount)
	if err != nil {
		return nil, classify(operation, "amount", err)
	}
	if !req.Frequency.Valid() {
		return nil, WrapError(operation, "frequency", codeInvalidInput, fmt.Errorf("%w: unknown frequency %d", ErrInvalidSchedule, req.Frequency))
	}
	if !req.ConditionType.Valid() {
		return nil, WrapError(operation, "condition", codeInvalidInput, fmt.Errorf("%w: unknown condition %d", ErrInvalidSchedule, req.ConditionType))
	}
	if req.NextPaymentDate < 0 {
		return nil, WrapError(operation, "next_payment_date", codeInvalidInput, fmt.Errorf("%w: negative next payment date", ErrInvalidSchedule))
	}

	conditionValue := req.ConditionValue
	if req.ConditionType == models.ConditionNone {
		conditionValue = "0"
	}
	threshold, err := units.ToFixedPoint(conditionValue)
	if err != nil {
		return nil, classify(operation, "condition_value", err)
	}

	params := evm.ScheduleParams{
		Recipient:       recipient,
		Amount:          amount,
		Frequency:       uint8(req.Frequency),
		NextPaymentDate: big.NewInt(req.NextPaymentDate),
		ConditionType:   uint8(req.ConditionType),
		ConditionValue:  threshold,
		PaymentType:     req.Label,
	}
	return g.submit(ctx, b, models.OperationCreateSchedule, req.Amount, func(ctx context.Context) (common.Hash, error) {
		return b.scheduler.CreatePaymentSchedule(ctx, params)
	})
}

// PayNow makes an immediate one-off payment
func (g *Gateway) PayNow(ctx context.Context, req PaymentRequest) (*TransactionResult, error) {
	const operation = "pay_now"
	b, err := g.acquire()
	if err != nil {
		return nil, classify(operation, "binding", err)
	}
	defer b.release()
	recipient, err := parseRecipient(req.Recipient)
	if err != nil {
		return nil, WrapError(operation, "recipient", codeInvalidInput, err)
	}
	amount, err := units.ToFixedPoint(req.Amount)
	if err != nil {
		return nil, classify(operation, "amount", err)
	}

	return g.submit(ctx, b, models.OperationPayNow, req.Amount, func(ctx context.Context) (common.Hash, error) {
		return b.scheduler.PayNow(ctx, recipient, amount, req.Label)
	})
}

// ExecutePayment triggers the schedule at index. Indices are positions in
// the contract's current list and must be re-read after every mutation.
func (g *Gateway) ExecutePayment(ctx context.Context, index int) (*TransactionResult, error) {
	const operation = "execute_payment"
	b, err := g.acquire()
	if err != nil {
		return nil, classify(operation, "binding", err)
	}
	defer b.release()
	if index < 0 {
		return nil, WrapError(operation, "index", codeInvalidInput, fmt.Errorf("%w: negative index %d", ErrInvalidSchedule, index))
	}

	return g.submit(ctx, b, models.OperationExecutePayment, "", func(ctx context.Context) (common.Hash, error) {
		return b.scheduler.ExecutePayment(ctx, big.NewInt(int64(index)))
	})
}

// GetUserBalance returns the caller's contract balance as a decimal string
func (g *Gateway) GetUserBalance(ctx context.Context) (string, error) {
	const operation = "get_user_balance"
	b, err := g.acquire()
	if err != nil {
		return "", classify(operation, "binding", err)
	}
	defer b.release()

	balance, err := b.scheduler.UserBalance(ctx)
	if err != nil {
		return "", classify(operation, "call", err)
	}
	return units.FromFixedPoint(balance), nil
}

// GetPaymentSchedules returns the caller's schedules in contract order
func (g *Gateway) GetPaymentSchedules(ctx context.Context) ([]models.PaymentSchedule, error) {
	const operation = "get_payment_schedules"
	b, err := g.acquire()
	if err != nil {
		return nil, classify(operation, "binding", err)
	}
	defer b.release()

	records, err := b.scheduler.UserPaymentSchedules(ctx)
	if err != nil {
		return nil, classify(operation, "call", err)
	}

	schedules := make([]models.PaymentSchedule, 0, len(records))
	for i, record := range records {
		schedules = append(schedules, toPaymentSchedule(i, record))
	}
	return schedules, nil
}

// submit sends a transaction and blocks until its receipt is terminal
func (g *Gateway) submit(ctx context.Context, b *binding, kind models.OperationKind, amount string, send func(context.Context) (common.Hash, error)) (*TransactionResult, error) {
	op := models.PendingOperation{
		ID:          g.newID(),
		Kind:        kind,
		SubmittedAt: g.now().UTC(),
		State:       models.ResolutionPending,
	}
	g.logOperation(ctx, OperationLog{Operation: op, Address: b.address.Hex(), Amount: amount})

	txHash, err := send(ctx)
	if err != nil {
		return nil, g.fail(ctx, b, op, amount, classify(string(kind), "submit", err))
	}
	op.TxHash = txHash.Hex()

	receipt, err := b.scheduler.WaitForConfirmation(ctx, txHash)
	if err != nil {
		return nil, g.fail(ctx, b, op, amount, classify(string(kind), "confirm", err))
	}

	op.State = models.ResolutionConfirmed
	g.logOperation(ctx, OperationLog{Operation: op, Address: b.address.Hex(), Amount: amount})

	result := &TransactionResult{
		OperationID: op.ID,
		TxHash:      op.TxHash,
		GasUsed:     receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result, nil
}

func (g *Gateway) fail(ctx context.Context, b *binding, op models.PendingOperation, amount string, err error) error {
	op.State = models.ResolutionFailed
	g.logOperation(ctx, OperationLog{Operation: op, Address: b.address.Hex(), Amount: amount, Error: err})
	return err
}

func (g *Gateway) logOperation(ctx context.Context, entry OperationLog) {
	if g.opLogger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	g.opLogger.LogOperation(ctx, entry)
}

func parseRecipient(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, raw)
	}
	return common.HexToAddress(raw), nil
}

func toPaymentSchedule(index int, record evm.ScheduleRecord) models.PaymentSchedule {
	schedule := models.PaymentSchedule{
		Index:     index,
		Recipient: record.Recipient.Hex(),
		Amount:    units.FromFixedPoint(record.Amount),
		Label:     record.PaymentType,
		Frequency: models.Frequency(record.Frequency),
		Condition: models.PaymentCondition{
			Type:      models.ConditionType(record.ConditionType),
			Threshold: units.FromFixedPoint(record.ConditionValue),
		},
	}
	if record.NextPaymentDate != nil && record.NextPaymentDate.IsInt64() {
		schedule.NextPaymentAt = record.NextPaymentDate.Int64()
	}
	return schedule
}
