package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"autopay/internal/config"
	"autopay/internal/models"
)

// Constants for worker configuration
const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultRefreshTimeout  = 15 * time.Second
	StartupTimeout         = 45 * time.Second
)

// Sessions is the part of the session manager the workers drive
type Sessions interface {
	Initialize(ctx context.Context) error
	AutoReconnect(ctx context.Context) error
	Snapshot() models.Session
	Subscribe() (<-chan models.Session, func())
}

// Ledger is the part of the gateway the workers drive
type Ledger interface {
	Initialize(ctx context.Context) error
	Reset()
	Bound() bool
	GetUserBalance(ctx context.Context) (string, error)
	GetPaymentSchedules(ctx context.Context) ([]models.PaymentSchedule, error)
}

// WorkerManager runs the startup sequence and the background workers
type WorkerManager struct {
	sessions Sessions
	ledger   Ledger
	cfg      config.WorkerConfig
	logger   *zap.Logger

	// Worker components
	refresher *Refresher
	watcher   *Watcher

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerManager creates a new worker manager with all required dependencies
func NewWorkerManager(sessions Sessions, ledger Ledger, cfg config.WorkerConfig, logger *zap.Logger) *WorkerManager {
	logger = logger.Named("worker")

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	wm := &WorkerManager{
		sessions: sessions,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	wm.refresher = NewRefresher(wm)
	wm.watcher = NewWatcher(wm)

	return wm
}

// Refresher returns the overview refresher
func (wm *WorkerManager) Refresher() *Refresher {
	return wm.refresher
}

// Start starts all worker goroutines
func (wm *WorkerManager) Start() {
	wm.logger.Info("Starting worker manager",
		zap.Duration("refresh_interval", wm.cfg.RefreshInterval))

	// Subscribe before startup so no transition is missed
	updates, stop := wm.sessions.Subscribe()

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		defer stop()
		wm.watcher.Run(wm.ctx, updates)
	}()

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		wm.refresher.Run(wm.ctx)
	}()

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		wm.startup(wm.ctx)
	}()

	wm.logger.Info("Worker manager started")
}

// startup initializes the wallet, restores a previous session and binds the contract
func (wm *WorkerManager) startup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, StartupTimeout)
	defer cancel()

	if err := wm.sessions.Initialize(ctx); err != nil {
		wm.logger.Error("Wallet initialization failed", zap.Error(err))
		return
	}

	if err := wm.sessions.AutoReconnect(ctx); err != nil {
		wm.logger.Warn("Automatic reconnect failed", zap.Error(err))
		return
	}

	if err := wm.Bind(ctx); err != nil {
		wm.logger.Warn("Contract binding failed", zap.Error(err))
	}
}

// Bind binds the contract when the session is connected and refreshes the overview
func (wm *WorkerManager) Bind(ctx context.Context) error {
	if !wm.sessions.Snapshot().Connected() {
		return nil
	}
	if err := wm.ledger.Initialize(ctx); err != nil {
		return err
	}
	wm.refresher.Trigger()
	return nil
}

// Shutdown gracefully stops all workers
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager")

	// Signal workers to stop
	wm.cancel()

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		wm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wm.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		wm.logger.Warn("Worker shutdown timed out")
	}

	wm.ledger.Reset()

	wm.logger.Info("Worker manager shutdown complete")
	return nil
}
