package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"autopay/internal/models"
	"autopay/internal/wallet"
)

// Phase is the manager's initialization state
type Phase string

const (
	PhaseUninitialized Phase = "UNINITIALIZED"
	PhaseInitializing  Phase = "INITIALIZING"
	PhaseReady         Phase = "READY"
)

// IntentStore persists the "was connected" flag across restarts
type IntentStore interface {
	LoadIntent(ctx context.Context, key string) (bool, error)
	SaveIntent(ctx context.Context, key string, connected bool) error
}

// Config holds session timing and network settings
type Config struct {
	RequiredChainID   uint64
	IntentKey         string
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	ErrorQuietPeriod  time.Duration
}

// DefaultConfig returns the standard timeouts for chainID
func DefaultConfig(chainID uint64) Config {
	return Config{
		RequiredChainID:   chainID,
		IntentKey:         "walletConnected",
		ConnectTimeout:    30 * time.Second,
		DisconnectTimeout: 10 * time.Second,
		ErrorQuietPeriod:  5 * time.Second,
	}
}

type initAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns the wallet connection lifecycle. All session fields are
// updated together under mu; readers only ever see full snapshots.
type Manager struct {
	factory wallet.Factory
	intents IntentStore
	cfg     Config
	logger  *zap.Logger

	mu            sync.Mutex
	phase         Phase
	generation    uint64
	attempt       *initAttempt
	provider      wallet.Provider
	session       models.Session
	connectEpoch  uint64
	errorSeq      uint64
	errorTimer    *time.Timer
	autoReconnect bool
	subscribers   map[chan models.Session]struct{}
}

// NewManager creates a session manager; Initialize must run before Connect
func NewManager(factory wallet.Factory, intents IntentStore, cfg Config, logger *zap.Logger) (*Manager, error) {
	if factory == nil {
		return nil, fmt.Errorf("wallet factory is required")
	}
	if intents == nil {
		return nil, fmt.Errorf("intent store is required")
	}
	if cfg.RequiredChainID == 0 {
		return nil, fmt.Errorf("required chain id must be set")
	}
	if cfg.IntentKey == "" || cfg.ConnectTimeout <= 0 || cfg.DisconnectTimeout <= 0 || cfg.ErrorQuietPeriod <= 0 {
		return nil, fmt.Errorf("invalid session config")
	}

	return &Manager{
		factory:     factory,
		intents:     intents,
		cfg:         cfg,
		logger:      logger.Named("session"),
		phase:       PhaseUninitialized,
		session:     models.Session{State: models.ConnectionStateDisconnected},
		subscribers: make(map[chan models.Session]struct{}),
	}, nil
}

// Snapshot returns a copy of the current session
func (m *Manager) Snapshot() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Phase returns the initialization phase
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Provider returns the wallet provider once initialized
func (m *Manager) Provider() wallet.Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseReady {
		return nil
	}
	return m.provider
}

// Initialize acquires the wallet provider. Concurrent callers share one
// attempt; an attempt whose caller gives up is discarded when it lands.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	switch m.phase {
	case PhaseReady:
		m.mu.Unlock()
		return nil
	case PhaseInitializing:
		attempt := m.attempt
		m.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrInitialization, ctx.Err())
		}
	}

	m.generation++
	gen := m.generation
	attempt := &initAttempt{done: make(chan struct{})}
	m.attempt = attempt
	m.phase = PhaseInitializing
	m.mu.Unlock()

	m.logger.Info("Initializing wallet provider", zap.Uint64("generation", gen))

	type result struct {
		provider wallet.Provider
		err      error
	}
	results := make(chan result, 1)
	go func() {
		provider, err := m.factory(ctx)
		results <- result{provider, err}
	}()

	select {
	case r := <-results:
		return m.finishInitialize(gen, attempt, r.provider, r.err)
	case <-ctx.Done():
		err := fmt.Errorf("%w: %v", ErrInitialization, ctx.Err())
		m.mu.Lock()
		if m.generation == gen {
			m.generation++
			m.phase = PhaseUninitialized
			m.attempt = nil
		}
		m.mu.Unlock()
		attempt.err = err
		close(attempt.done)

		go func() {
			if r := <-results; r.provider != nil {
				m.logger.Info("Discarding provider from abandoned initialization", zap.Uint64("generation", gen))
				_ = r.provider.Close()
			}
		}()
		return err
	}
}

func (m *Manager) finishInitialize(gen uint64, attempt *initAttempt, provider wallet.Provider, err error) error {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		if provider != nil {
			_ = provider.Close()
		}
		attempt.err = fmt.Errorf("%w: superseded", ErrInitialization)
		close(attempt.done)
		return attempt.err
	}

	m.attempt = nil
	if err != nil {
		m.phase = PhaseUninitialized
		attempt.err = fmt.Errorf("%w: %v", ErrInitialization, err)
		m.setErrorLocked(attempt.err)
		m.mu.Unlock()
		close(attempt.done)
		m.logger.Error("Wallet initialization failed", zap.Error(err))
		return attempt.err
	}

	m.provider = provider
	m.phase = PhaseReady
	m.publishLocked()
	m.mu.Unlock()
	close(attempt.done)

	m.logger.Info("Wallet provider ready", zap.Uint64("generation", gen))
	return nil
}

// Connect opens the wallet approval flow. It is a no-op while connected or
// while another connect is in flight.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseReady {
		m.mu.Unlock()
		return ErrNotReady
	}
	switch m.session.State {
	case models.ConnectionStateConnected, models.ConnectionStateConnecting:
		m.mu.Unlock()
		return nil
	case models.ConnectionStateDisconnecting:
		m.mu.Unlock()
		return ErrSessionBusy
	}
	provider := m.provider
	m.connectEpoch++
	epoch := m.connectEpoch
	m.clearErrorLocked()
	m.session = models.Session{State: models.ConnectionStateConnecting}
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("Opening wallet session", zap.Uint64("chain_id", m.cfg.RequiredChainID))

	address, chainID, err := m.openSession(ctx, provider)

	m.mu.Lock()
	if m.connectEpoch != epoch {
		// a disconnect ran while the approval was pending
		newer := m.session.State != models.ConnectionStateDisconnected
		m.mu.Unlock()
		if err != nil {
			return err
		}
		m.logger.Info("Discarding wallet session approved after disconnect", zap.String("address", address))
		if newer {
			// a later connect owns the wallet session now
			return ErrConnectionCancelled
		}
		if closeErr := m.closeSession(ctx, provider); closeErr != nil {
			m.logger.Debug("Failed to close discarded wallet session", zap.Error(closeErr))
		}
		return ErrConnectionCancelled
	}
	if err != nil {
		m.mu.Unlock()
		m.failConnect(ctx, err)
		return err
	}

	m.session = models.Session{
		Address: address,
		ChainID: chainID,
		State:   models.ConnectionStateConnected,
	}
	m.publishLocked()
	m.mu.Unlock()

	m.saveIntent(ctx, true)

	m.logger.Info("Wallet connected",
		zap.String("address", address),
		zap.String("chain_id", chainID))

	// wrong network is surfaced as a warning only
	_ = m.AssertExpectedNetwork()
	return nil
}

// openSession races the approval flow against the connect timeout.
// Caller cancellation does not abort the flow; only the timeout does.
func (m *Manager) openSession(ctx context.Context, provider wallet.Provider) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ConnectTimeout)
	defer cancel()

	type result struct {
		resp *wallet.SessionResponse
		err  error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := provider.OpenSession(ctx, wallet.NewApprovalRequest(m.cfg.RequiredChainID))
		results <- result{resp, err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			if wallet.IsRejection(r.err) {
				return "", "", fmt.Errorf("%w: %v", ErrUserRejected, r.err)
			}
			if errors.Is(r.err, context.DeadlineExceeded) {
				return "", "", ErrConnectionTimeout
			}
			return "", "", fmt.Errorf("failed to open wallet session: %w", r.err)
		}
		return parseSessionResponse(r.resp)
	case <-ctx.Done():
		return "", "", fmt.Errorf("%w after %s", ErrConnectionTimeout, m.cfg.ConnectTimeout)
	}
}

func (m *Manager) failConnect(ctx context.Context, err error) {
	m.mu.Lock()
	m.session = models.Session{State: models.ConnectionStateDisconnected}
	m.setErrorLocked(err)
	m.mu.Unlock()

	m.saveIntent(ctx, false)
	m.logger.Warn("Wallet connection failed", zap.Error(err))
}

// Disconnect tears down the session. Local state is cleared even when the
// wallet fails or times out; the persisted intent is always cleared.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.connectEpoch++
	switch m.session.State {
	case models.ConnectionStateConnecting:
		// the pending connect sees the new epoch and discards its result
		m.clearErrorLocked()
		m.session = models.Session{State: models.ConnectionStateDisconnected}
		m.publishLocked()
		m.mu.Unlock()
		m.saveIntent(ctx, false)
		m.logger.Info("Pending wallet connection cancelled")
		return nil
	case models.ConnectionStateConnected:
	default:
		m.mu.Unlock()
		m.saveIntent(ctx, false)
		return nil
	}
	provider := m.provider
	m.clearErrorLocked()
	m.session = models.Session{State: models.ConnectionStateDisconnecting}
	m.publishLocked()
	m.mu.Unlock()

	err := m.closeSession(ctx, provider)

	m.mu.Lock()
	m.session = models.Session{State: models.ConnectionStateDisconnected}
	if err != nil {
		m.setErrorLocked(err)
	} else {
		m.publishLocked()
	}
	m.mu.Unlock()

	m.saveIntent(ctx, false)

	if err != nil {
		m.logger.Warn("Disconnect did not complete, local session cleared", zap.Error(err))
		return err
	}
	m.logger.Info("Wallet disconnected")
	return nil
}

func (m *Manager) closeSession(ctx context.Context, provider wallet.Provider) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DisconnectTimeout)
	defer cancel()

	results := make(chan error, 1)
	go func() {
		results <- provider.Disconnect(ctx)
	}()

	select {
	case err := <-results:
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ErrDisconnectTimeout
			}
			return fmt.Errorf("%w: %v", ErrDisconnectFailed, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", ErrDisconnectTimeout, m.cfg.DisconnectTimeout)
	}
}

// AssertExpectedNetwork compares the connected chain to the required one.
// A mismatch is surfaced as the session's error but does not disconnect.
func (m *Manager) AssertExpectedNetwork() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State != models.ConnectionStateConnected {
		return nil
	}

	chainID, err := ParseChainID(m.session.ChainID)
	if err != nil || chainID != m.cfg.RequiredChainID {
		werr := fmt.Errorf("%w: connected to chain %s, expected %d", ErrWrongNetwork, m.session.ChainID, m.cfg.RequiredChainID)
		m.setErrorLocked(werr)
		m.logger.Warn("Wallet is on an unexpected network",
			zap.String("chain_id", m.session.ChainID),
			zap.Uint64("required_chain_id", m.cfg.RequiredChainID))
		return werr
	}
	return nil
}

// AutoReconnect reconnects once per manager when the persisted intent is
// set. A failed attempt clears the intent and is not retried.
func (m *Manager) AutoReconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseReady {
		m.mu.Unlock()
		return ErrNotReady
	}
	if m.autoReconnect {
		m.mu.Unlock()
		return nil
	}
	m.autoReconnect = true
	state := m.session.State
	m.mu.Unlock()

	if state != models.ConnectionStateDisconnected {
		return nil
	}

	intent, err := m.intents.LoadIntent(ctx, m.cfg.IntentKey)
	if err != nil {
		return fmt.Errorf("failed to load session intent: %w", err)
	}
	if !intent {
		return nil
	}

	m.logger.Info("Restoring previous wallet session")
	return m.Connect(ctx)
}

// Subscribe streams session snapshots, starting with the current one.
// The returned func stops the stream.
func (m *Manager) Subscribe() (<-chan models.Session, func()) {
	ch := make(chan models.Session, 8)

	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	ch <- m.session
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.subscribers[ch]; ok {
				delete(m.subscribers, ch)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
}

// Close releases the provider and ends all subscriptions
func (m *Manager) Close() error {
	m.mu.Lock()
	m.generation++
	m.connectEpoch++
	if m.errorTimer != nil {
		m.errorTimer.Stop()
	}
	provider := m.provider
	m.provider = nil
	m.phase = PhaseUninitialized
	m.session = models.Session{State: models.ConnectionStateDisconnected}
	for ch := range m.subscribers {
		delete(m.subscribers, ch)
		close(ch)
	}
	m.mu.Unlock()

	if provider != nil {
		return provider.Close()
	}
	return nil
}

func (m *Manager) saveIntent(ctx context.Context, connected bool) {
	if err := m.intents.SaveIntent(context.WithoutCancel(ctx), m.cfg.IntentKey, connected); err != nil {
		m.logger.Error("Failed to persist session intent",
			zap.Bool("connected", connected),
			zap.Error(err))
	}
}

// setErrorLocked surfaces err and schedules its removal after the quiet
// period unless a newer error replaces it first.
func (m *Manager) setErrorLocked(err error) {
	m.errorSeq++
	seq := m.errorSeq
	m.session.LastError = Message(err)
	if m.errorTimer != nil {
		m.errorTimer.Stop()
	}
	m.errorTimer = time.AfterFunc(m.cfg.ErrorQuietPeriod, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.errorSeq == seq && m.session.LastError != "" {
			m.session.LastError = ""
			m.publishLocked()
		}
	})
	m.publishLocked()
}

func (m *Manager) clearErrorLocked() {
	m.errorSeq++
	if m.errorTimer != nil {
		m.errorTimer.Stop()
		m.errorTimer = nil
	}
	m.session.LastError = ""
}

// publishLocked hands the snapshot to subscribers, dropping the oldest
// queued snapshot for slow readers.
func (m *Manager) publishLocked() {
	snapshot := m.session
	for ch := range m.subscribers {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

// parseSessionResponse extracts the first account and chain of the eip155
// namespace ("eip155:545:0xabc...", "eip155:545").
func parseSessionResponse(resp *wallet.SessionResponse) (string, string, error) {
	if resp == nil {
		return "", "", fmt.Errorf("%w: empty response", ErrInvalidSessionResponse)
	}
	ns, ok := resp.Namespaces[wallet.NamespaceEIP155]
	if !ok || len(ns.Accounts) == 0 || len(ns.Chains) == 0 {
		return "", "", fmt.Errorf("%w: missing accounts or chains", ErrInvalidSessionResponse)
	}

	accountParts := strings.Split(ns.Accounts[0], ":")
	if len(accountParts) != 3 || !common.IsHexAddress(accountParts[2]) {
		return "", "", fmt.Errorf("%w: malformed account %q", ErrInvalidSessionResponse, ns.Accounts[0])
	}
	chainParts := strings.Split(ns.Chains[0], ":")
	if len(chainParts) != 2 || chainParts[1] == "" {
		return "", "", fmt.Errorf("%w: malformed chain %q", ErrInvalidSessionResponse, ns.Chains[0])
	}

	return common.HexToAddress(accountParts[2]).Hex(), chainParts[1], nil
}

// ParseChainID accepts a decimal ("545") or hex ("0x221") chain id
func ParseChainID(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return hexutil.DecodeUint64("0x" + raw[2:])
	}
	return strconv.ParseUint(raw, 10, 64)
}
