package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"autopay/internal/gateway"
	"autopay/internal/models"
	"autopay/internal/session"
	"autopay/internal/worker"
)

const testAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type fakeSessions struct {
	mu            sync.Mutex
	session       models.Session
	phase         session.Phase
	connectErr    error
	disconnectErr error
	updates       chan models.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		session: models.Session{State: models.ConnectionStateDisconnected},
		phase:   session.PhaseReady,
		updates: make(chan models.Session, 4),
	}
}

func (f *fakeSessions) Snapshot() models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeSessions) Phase() session.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

func (f *fakeSessions) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phase = session.PhaseReady
	return nil
}

func (f *fakeSessions) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.session = models.Session{Address: testAddress, ChainID: "545", State: models.ConnectionStateConnected}
	return nil
}

func (f *fakeSessions) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = models.Session{State: models.ConnectionStateDisconnected}
	return f.disconnectErr
}

func (f *fakeSessions) Subscribe() (<-chan models.Session, func()) {
	return f.updates, func() {}
}

type fakeLedger struct {
	mu         sync.Mutex
	err        error
	resets     int
	lastAmount string
	lastIndex  int
	lastPay    gateway.PaymentRequest
	schedule   gateway.ScheduleRequest
}

func (f *fakeLedger) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeLedger) result() (*gateway.TransactionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.TransactionResult{OperationID: "op-1", TxHash: "0xabc", BlockNumber: 7, GasUsed: 21000}, nil
}

func (f *fakeLedger) Deposit(ctx context.Context, amount string) (*gateway.TransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAmount = amount
	return f.result()
}

func (f *fakeLedger) Withdraw(ctx context.Context, amount string) (*gateway.TransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAmount = amount
	return f.result()
}

func (f *fakeLedger) CreatePaymentSchedule(ctx context.Context, req gateway.ScheduleRequest) (*gateway.TransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedule = req
	return f.result()
}

func (f *fakeLedger) PayNow(ctx context.Context, req gateway.PaymentRequest) (*gateway.TransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPay = req
	return f.result()
}

func (f *fakeLedger) ExecutePayment(ctx context.Context, index int) (*gateway.TransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastIndex = index
	return f.result()
}

func (f *fakeLedger) GetUserBalance(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "12.5", nil
}

func (f *fakeLedger) GetPaymentSchedules(ctx context.Context) ([]models.PaymentSchedule, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []models.PaymentSchedule{
		{Index: 0, Recipient: testAddress, Amount: "1.0", Label: "Rent", Frequency: models.FrequencyMonthly},
	}, nil
}

type fakeBinder struct {
	calls int
	err   error
}

func (f *fakeBinder) Bind(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeOverview struct {
	overview *worker.Overview
	triggers int
}

func (f *fakeOverview) Overview() (worker.Overview, bool) {
	if f.overview == nil {
		return worker.Overview{}, false
	}
	return *f.overview, true
}

func (f *fakeOverview) Trigger() {
	f.triggers++
}

type testServer struct {
	sessions *fakeSessions
	ledger   *fakeLedger
	binder   *fakeBinder
	overview *fakeOverview
	router   http.Handler
}

func newTestServer(origins ...string) *testServer {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	ts := &testServer{
		sessions: newFakeSessions(),
		ledger:   &fakeLedger{},
		binder:   &fakeBinder{},
		overview: &fakeOverview{},
	}
	handler := NewHandler(ts.sessions, ts.ledger, ts.binder, ts.overview, origins, zap.NewNop())
	ts.router = SetupRouter(handler, zap.NewNop())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer()

	w := ts.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var response HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, "1.0.0", response.Version)
}

func TestHandleConnectBindsContract(t *testing.T) {
	ts := newTestServer()

	w := ts.do(t, http.MethodPost, "/api/v1/session/connect", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var response SessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "READY", response.Phase)
	assert.Equal(t, testAddress, response.Session.Address)
	assert.Equal(t, models.ConnectionStateConnected, response.Session.State)
	assert.Equal(t, 1, ts.binder.calls)
}

func TestHandleConnectFailures(t *testing.T) {
	tests := []struct {
		name           string
		connectErr     error
		bindErr        error
		expectedStatus int
		expectedCode   string
		expectedMsg    string
	}{
		{
			name:           "not ready",
			connectErr:     session.ErrNotReady,
			expectedStatus: http.StatusConflict,
			expectedCode:   "not_ready",
			expectedMsg:    session.Message(session.ErrNotReady),
		},
		{
			name:           "user rejected",
			connectErr:     session.ErrUserRejected,
			expectedStatus: http.StatusForbidden,
			expectedCode:   "rejected",
			expectedMsg:    "Connection request was rejected in the wallet.",
		},
		{
			name:           "timeout",
			connectErr:     session.ErrConnectionTimeout,
			expectedStatus: http.StatusGatewayTimeout,
			expectedCode:   "timeout",
			expectedMsg:    "Connection timed out. Please try again.",
		},
		{
			name:           "binding refused network switch",
			bindErr:        gateway.WrapError("initialize", "network", "rejected", fmt.Errorf("%w: denied", gateway.ErrTransactionRejected)),
			expectedStatus: http.StatusForbidden,
			expectedCode:   "rejected",
			expectedMsg:    "Transaction was rejected in the wallet.",
		},
		{
			name:           "binding rpc unreachable",
			bindErr:        gateway.WrapError("initialize", "rpc", "network", fmt.Errorf("%w: dial", gateway.ErrNetwork)),
			expectedStatus: http.StatusBadGateway,
			expectedCode:   "network",
			expectedMsg:    "Network error. Please try again.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			ts.sessions.connectErr = tt.connectErr
			ts.binder.err = tt.bindErr

			w := ts.do(t, http.MethodPost, "/api/v1/session/connect", nil)

			require.Equal(t, tt.expectedStatus, w.Code)
			response := decodeError(t, w)
			assert.Equal(t, tt.expectedCode, response.Error)
			assert.Equal(t, tt.expectedMsg, response.Message)
			if tt.connectErr != nil {
				assert.Equal(t, 0, ts.binder.calls)
			}
		})
	}
}

func TestHandleDisconnectResetsLedger(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ts := newTestServer()

		w := ts.do(t, http.MethodPost, "/api/v1/session/disconnect", nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, ts.ledger.resets)
	})

	t.Run("wallet failure still resets", func(t *testing.T) {
		ts := newTestServer()
		ts.sessions.disconnectErr = fmt.Errorf("%w: relay unavailable", session.ErrDisconnectFailed)

		w := ts.do(t, http.MethodPost, "/api/v1/session/disconnect", nil)

		require.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, 1, ts.ledger.resets)
		assert.Equal(t, "network", decodeError(t, w).Error)
	})

	t.Run("timeout still resets", func(t *testing.T) {
		ts := newTestServer()
		ts.sessions.disconnectErr = session.ErrDisconnectTimeout

		w := ts.do(t, http.MethodPost, "/api/v1/session/disconnect", nil)

		require.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.Equal(t, 1, ts.ledger.resets)
		assert.Equal(t, "Disconnect timed out. The local session has been cleared.", decodeError(t, w).Message)
	})
}

func TestHandleLedgerReads(t *testing.T) {
	ts := newTestServer()
	ts.sessions.session = models.Session{Address: testAddress, ChainID: "545", State: models.ConnectionStateConnected}

	w := ts.do(t, http.MethodGet, "/api/v1/ledger/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var balance BalanceResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&balance))
	assert.Equal(t, "12.5", balance.Balance)
	assert.Equal(t, testAddress, balance.Address)

	w = ts.do(t, http.MethodGet, "/api/v1/ledger/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var schedules SchedulesResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&schedules))
	require.Len(t, schedules.Schedules, 1)
	assert.Equal(t, "Rent", schedules.Schedules[0].Label)
}

func TestHandleLedgerReadNotInitialized(t *testing.T) {
	ts := newTestServer()
	ts.ledger.err = gateway.WrapError("get_user_balance", "binding", "not_initialized", gateway.ErrNotInitialized)

	w := ts.do(t, http.MethodGet, "/api/v1/ledger/balance", nil)

	require.Equal(t, http.StatusConflict, w.Code)
	response := decodeError(t, w)
	assert.Equal(t, "not_initialized", response.Error)
	assert.Equal(t, "Contract not initialized. Please connect your wallet.", response.Message)
}

func TestHandleTransactions(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		body           interface{}
		ledgerErr      error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "deposit",
			path:           "/api/v1/ledger/deposit",
			body:           AmountRequest{Amount: "1.5"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "withdraw",
			path:           "/api/v1/ledger/withdraw",
			body:           AmountRequest{Amount: "0.25"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "pay now",
			path:           "/api/v1/ledger/pay",
			body:           PayNowRequest{Recipient: testAddress, Amount: "2", Label: "Coffee"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "malformed body",
			path:           "/api/v1/ledger/deposit",
			body:           `{"amount":`,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "invalid_input",
		},
		{
			name:           "unknown field",
			path:           "/api/v1/ledger/deposit",
			body:           `{"value":"1"}`,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "invalid_input",
		},
		{
			name:           "invalid amount",
			path:           "/api/v1/ledger/deposit",
			body:           AmountRequest{Amount: "-1"},
			ledgerErr:      gateway.WrapError("deposit", "amount", "invalid_input", fmt.Errorf("%w: negative", gateway.ErrInvalidAmount)),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "invalid_input",
		},
		{
			name:           "rejected",
			path:           "/api/v1/ledger/withdraw",
			body:           AmountRequest{Amount: "1"},
			ledgerErr:      gateway.WrapError("withdraw", "transaction", "rejected", fmt.Errorf("%w: denied", gateway.ErrTransactionRejected)),
			expectedStatus: http.StatusForbidden,
			expectedCode:   "rejected",
		},
		{
			name:           "reverted",
			path:           "/api/v1/ledger/withdraw",
			body:           AmountRequest{Amount: "100"},
			ledgerErr:      gateway.WrapError("withdraw", "transaction", "reverted", fmt.Errorf("%w: insufficient balance", gateway.ErrTransactionReverted)),
			expectedStatus: http.StatusUnprocessableEntity,
			expectedCode:   "reverted",
		},
		{
			name:           "network",
			path:           "/api/v1/ledger/pay",
			body:           PayNowRequest{Recipient: testAddress, Amount: "2"},
			ledgerErr:      gateway.WrapError("pay_now", "transaction", "network", fmt.Errorf("%w: eof", gateway.ErrNetwork)),
			expectedStatus: http.StatusBadGateway,
			expectedCode:   "network",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			ts.ledger.err = tt.ledgerErr

			w := ts.do(t, http.MethodPost, tt.path, tt.body)

			require.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusOK {
				var response TransactionResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
				require.NotNil(t, response.Result)
				assert.Equal(t, "0xabc", response.Result.TxHash)
				assert.Equal(t, 1, ts.overview.triggers)
				return
			}
			assert.Equal(t, tt.expectedCode, decodeError(t, w).Error)
			assert.Equal(t, 0, ts.overview.triggers)
		})
	}
}

func TestHandleCreateSchedule(t *testing.T) {
	ts := newTestServer()
	body := `{"recipient":"` + testAddress + `","amount":"10","frequency":"weekly","next_payment_date":1700000000,"condition_type":"min_balance","condition_value":"5","label":"Allowance"}`

	w := ts.do(t, http.MethodPost, "/api/v1/ledger/schedules", body)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.FrequencyWeekly, ts.ledger.schedule.Frequency)
	assert.Equal(t, models.ConditionMinBalance, ts.ledger.schedule.ConditionType)
	assert.Equal(t, int64(1700000000), ts.ledger.schedule.NextPaymentDate)
	assert.Equal(t, "Allowance", ts.ledger.schedule.Label)
}

func TestHandleExecutePayment(t *testing.T) {
	ts := newTestServer()

	w := ts.do(t, http.MethodPost, "/api/v1/ledger/schedules/3/execute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, ts.ledger.lastIndex)

	w = ts.do(t, http.MethodPost, "/api/v1/ledger/schedules/abc/execute", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetOverview(t *testing.T) {
	ts := newTestServer()

	w := ts.do(t, http.MethodGet, "/api/v1/ledger/overview", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	ts.overview.overview = &worker.Overview{Address: testAddress, Balance: "4.0", Due: []int{1}}
	w = ts.do(t, http.MethodGet, "/api/v1/ledger/overview", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response OverviewResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "4.0", response.Balance)
	assert.Equal(t, []int{1}, response.Due)
}

func TestCORSAllowedOrigins(t *testing.T) {
	ts := newTestServer("https://app.example.com")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginPatterns(t *testing.T) {
	patterns := originPatterns([]string{"*", "https://app.example.com", "localhost:3000"})
	assert.Equal(t, []string{"*", "app.example.com", "localhost:3000"}, patterns)
}

func TestHandleSessionEvents(t *testing.T) {
	ts := newTestServer()
	server := httptest.NewServer(ts.router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/session/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readEvent := func() SessionEvent {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var event SessionEvent
		require.NoError(t, json.Unmarshal(data, &event))
		return event
	}

	initial := readEvent()
	assert.Equal(t, "session", initial.Type)
	assert.Equal(t, models.ConnectionStateDisconnected, initial.Session.State)

	ts.sessions.updates <- models.Session{Address: testAddress, ChainID: "545", State: models.ConnectionStateConnected}

	update := readEvent()
	assert.Equal(t, models.ConnectionStateConnected, update.Session.State)
	assert.Equal(t, testAddress, update.Session.Address)
}
