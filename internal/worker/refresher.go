package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"autopay/internal/models"
)

// Overview is the cached dashboard snapshot for the bound account
type Overview struct {
	Address     string                   `json:"address"`
	Balance     string                   `json:"balance"`
	Schedules   []models.PaymentSchedule `json:"schedules"`
	Due         []int                    `json:"due"`
	RefreshedAt time.Time                `json:"refreshed_at"`
	Error       string                   `json:"error,omitempty"`
}

// Refresher polls balance and schedules while the contract is bound
type Refresher struct {
	manager *WorkerManager
	logger  *zap.Logger
	now     func() time.Time

	trigger chan struct{}

	mu       sync.RWMutex
	overview *Overview
	epoch    uint64
}

// NewRefresher creates a new overview refresher
func NewRefresher(manager *WorkerManager) *Refresher {
	return &Refresher{
		manager: manager,
		logger:  manager.logger.Named("refresher"),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
}

// Run starts the refresher polling loop
func (r *Refresher) Run(ctx context.Context) {
	r.logger.Info("Refresher started",
		zap.Duration("refresh_interval", r.manager.cfg.RefreshInterval))

	ticker := time.NewTicker(r.manager.cfg.RefreshInterval)
	defer ticker.Stop()

	// Initial poll
	r.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Refresher stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		case <-r.trigger:
			r.poll(ctx)
		}
	}
}

// Trigger requests an immediate refresh; calls coalesce while one is pending
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Overview returns the last snapshot, if any
func (r *Refresher) Overview() (Overview, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.overview == nil {
		return Overview{}, false
	}
	return *r.overview, true
}

// Clear drops the cached snapshot
func (r *Refresher) Clear() {
	r.mu.Lock()
	r.overview = nil
	r.epoch++
	r.mu.Unlock()
}

// poll executes one refresh cycle
func (r *Refresher) poll(ctx context.Context) {
	// A Clear during the cycle invalidates its result
	r.mu.RLock()
	epoch := r.epoch
	r.mu.RUnlock()

	if !r.manager.ledger.Bound() {
		r.Clear()
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.manager.cfg.RefreshTimeout)
	defer cancel()

	r.logger.Debug("Starting refresh cycle")

	session := r.manager.sessions.Snapshot()
	overview := &Overview{
		Address:     session.Address,
		RefreshedAt: r.now().UTC(),
	}

	balance, err := r.manager.ledger.GetUserBalance(pollCtx)
	if err != nil {
		r.logger.Warn("Failed to refresh balance", zap.Error(err))
		r.keepPrevious(epoch, overview, err)
		return
	}
	overview.Balance = balance

	schedules, err := r.manager.ledger.GetPaymentSchedules(pollCtx)
	if err != nil {
		r.logger.Warn("Failed to refresh schedules", zap.Error(err))
		r.keepPrevious(epoch, overview, err)
		return
	}
	overview.Schedules = schedules
	overview.Due = dueIndices(schedules, overview.RefreshedAt)

	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return
	}
	r.overview = overview
	r.mu.Unlock()

	r.logger.Debug("Refresh cycle complete",
		zap.String("balance", balance),
		zap.Int("schedules", len(schedules)),
		zap.Int("due", len(overview.Due)))
}

// keepPrevious records a failed refresh without discarding the last good data
func (r *Refresher) keepPrevious(epoch uint64, failed *Overview, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		return
	}
	if r.overview != nil && r.overview.Address == failed.Address {
		previous := *r.overview
		previous.Error = err.Error()
		r.overview = &previous
		return
	}
	failed.Error = err.Error()
	r.overview = failed
}

func dueIndices(schedules []models.PaymentSchedule, now time.Time) []int {
	due := make([]int, 0)
	for _, schedule := range schedules {
		if schedule.Due(now) {
			due = append(due, schedule.Index)
		}
	}
	return due
}
