package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"autopay/internal/gateway"
	"autopay/internal/models"
	"autopay/internal/session"
	"autopay/internal/worker"
)

// SessionService is the wallet session surface used by the handlers
type SessionService interface {
	Snapshot() models.Session
	Phase() session.Phase
	Initialize(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe() (<-chan models.Session, func())
}

// LedgerService is the contract surface used by the handlers
type LedgerService interface {
	Reset()
	Deposit(ctx context.Context, amount string) (*gateway.TransactionResult, error)
	Withdraw(ctx context.Context, amount string) (*gateway.TransactionResult, error)
	CreatePaymentSchedule(ctx context.Context, req gateway.ScheduleRequest) (*gateway.TransactionResult, error)
	PayNow(ctx context.Context, req gateway.PaymentRequest) (*gateway.TransactionResult, error)
	ExecutePayment(ctx context.Context, index int) (*gateway.TransactionResult, error)
	GetUserBalance(ctx context.Context) (string, error)
	GetPaymentSchedules(ctx context.Context) ([]models.PaymentSchedule, error)
}

// Binder binds the contract to a freshly connected session
type Binder interface {
	Bind(ctx context.Context) error
}

// OverviewSource serves the cached dashboard snapshot
type OverviewSource interface {
	Overview() (worker.Overview, bool)
	Trigger()
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessions       SessionService
	ledger         LedgerService
	binder         Binder
	overview       OverviewSource
	allowedOrigins []string
	logger         *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	sessions SessionService,
	ledger LedgerService,
	binder Binder,
	overview OverviewSource,
	allowedOrigins []string,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		sessions:       sessions,
		ledger:         ledger,
		binder:         binder,
		overview:       overview,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Session ====================

// HandleGetSession handles GET /api/v1/session
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.sessionResponse())
}

// HandleInitialize handles POST /api/v1/session/initialize
func (h *Handler) HandleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Initialize(r.Context()); err != nil {
		h.logger.Error("Failed to initialize wallet", zap.Error(err))
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.sessionResponse())
}

// HandleConnect handles POST /api/v1/session/connect
// Opens the wallet approval flow, then binds the contract to the new session
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Connect(r.Context()); err != nil {
		h.logger.Warn("Wallet connect failed", zap.Error(err))
		respondFailure(w, err)
		return
	}

	if err := h.binder.Bind(r.Context()); err != nil {
		h.logger.Error("Failed to bind contract",
			zap.String("address", h.sessions.Snapshot().Address),
			zap.Error(err))
		respondFailure(w, err)
		return
	}

	respondJSON(w, http.StatusOK, h.sessionResponse())
}

// HandleDisconnect handles POST /api/v1/session/disconnect
// Local state is cleared even when the wallet fails to acknowledge
func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	err := h.sessions.Disconnect(r.Context())
	h.ledger.Reset()
	if err != nil {
		h.logger.Warn("Wallet disconnect failed", zap.Error(err))
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.sessionResponse())
}

func (h *Handler) sessionResponse() SessionResponse {
	return SessionResponse{
		Phase:   string(h.sessions.Phase()),
		Session: h.sessions.Snapshot(),
	}
}

// ==================== Ledger Reads ====================

// HandleGetBalance handles GET /api/v1/ledger/balance
func (h *Handler) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.ledger.GetUserBalance(r.Context())
	if err != nil {
		h.logger.Error("Failed to get balance", zap.Error(err))
		respondFailure(w, err)
		return
	}

	response := BalanceResponse{
		Address: h.sessions.Snapshot().Address,
		Balance: balance,
	}
	respondJSON(w, http.StatusOK, response)
}

// HandleGetSchedules handles GET /api/v1/ledger/schedules
func (h *Handler) HandleGetSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.ledger.GetPaymentSchedules(r.Context())
	if err != nil {
		h.logger.Error("Failed to get payment schedules", zap.Error(err))
		respondFailure(w, err)
		return
	}

	response := SchedulesResponse{
		Address:   h.sessions.Snapshot().Address,
		Schedules: schedules,
	}
	respondJSON(w, http.StatusOK, response)
}

// HandleGetOverview handles GET /api/v1/ledger/overview
func (h *Handler) HandleGetOverview(w http.ResponseWriter, r *http.Request) {
	overview, ok := h.overview.Overview()
	if !ok {
		respondError(w, http.StatusNotFound, "not_available", "No overview available. Please connect your wallet.")
		return
	}
	respondJSON(w, http.StatusOK, OverviewResponse(overview))
}

// ==================== Ledger Mutations ====================

// HandleDeposit handles POST /api/v1/ledger/deposit
func (h *Handler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	h.logger.Info("Depositing", zap.String("amount", req.Amount))
	result, err := h.ledger.Deposit(r.Context(), req.Amount)
	h.respondTransaction(w, "deposit", result, err)
}

// HandleWithdraw handles POST /api/v1/ledger/withdraw
func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	h.logger.Info("Withdrawing", zap.String("amount", req.Amount))
	result, err := h.ledger.Withdraw(r.Context(), req.Amount)
	h.respondTransaction(w, "withdraw", result, err)
}

// HandleCreateSchedule handles POST /api/v1/ledger/schedules
func (h *Handler) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	h.logger.Info("Creating payment schedule",
		zap.String("recipient", req.Recipient),
		zap.String("amount", req.Amount),
		zap.String("frequency", req.Frequency.String()),
		zap.String("condition", req.ConditionType.String()))
	result, err := h.ledger.CreatePaymentSchedule(r.Context(), req)
	h.respondTransaction(w, "create_payment_schedule", result, err)
}

// HandlePayNow handles POST /api/v1/ledger/pay
func (h *Handler) HandlePayNow(w http.ResponseWriter, r *http.Request) {
	var req PayNowRequest
	if !decodeBody(w, r, &req) {
		return
	}

	h.logger.Info("Paying now",
		zap.String("recipient", req.Recipient),
		zap.String("amount", req.Amount))
	result, err := h.ledger.PayNow(r.Context(), req)
	h.respondTransaction(w, "pay_now", result, err)
}

// HandleExecutePayment handles POST /api/v1/ledger/schedules/{index}/execute
// The index is positional in the contract's list as last fetched by the caller
func (h *Handler) HandleExecutePayment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil || index < 0 {
		respondFailure(w, fmt.Errorf("%w: index must be a non-negative integer", errInvalidRequest))
		return
	}

	h.logger.Info("Executing scheduled payment", zap.Int("index", index))
	result, err := h.ledger.ExecutePayment(r.Context(), index)
	h.respondTransaction(w, "execute_payment", result, err)
}

// respondTransaction reports a mutating call and schedules a refresh of the overview
func (h *Handler) respondTransaction(w http.ResponseWriter, operation string, result *gateway.TransactionResult, err error) {
	if err != nil {
		h.logger.Error("Transaction failed",
			zap.String("operation", operation),
			zap.Error(err))
		respondFailure(w, err)
		return
	}

	h.overview.Trigger()
	respondJSON(w, http.StatusOK, TransactionResponse{
		Operation: operation,
		Result:    result,
	})
}

// ==================== Helper Functions ====================

// decodeBody decodes a JSON request body, responding 400 on failure
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		respondFailure(w, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return false
	}
	return true
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, code string, message string) {
	response := ErrorResponse{
		Error:   code,
		Message: message,
	}
	respondJSON(w, statusCode, response)
}

// respondFailure maps err onto its status and message
func respondFailure(w http.ResponseWriter, err error) {
	statusCode, code := statusForError(err)
	respondError(w, statusCode, code, errorMessage(err))
}
