package worker

import (
	"context"

	"go.uber.org/zap"

	"autopay/internal/models"
)

// Watcher reacts to session state transitions
type Watcher struct {
	manager *WorkerManager
	logger  *zap.Logger
}

// NewWatcher creates a new session watcher
func NewWatcher(manager *WorkerManager) *Watcher {
	return &Watcher{
		manager: manager,
		logger:  manager.logger.Named("watcher"),
	}
}

// Run consumes session snapshots until ctx ends or the stream closes
func (w *Watcher) Run(ctx context.Context, updates <-chan models.Session) {
	w.logger.Info("Watcher started")

	var last models.ConnectionState
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watcher stopping")
			return
		case snapshot, ok := <-updates:
			if !ok {
				w.logger.Info("Session stream closed, watcher stopping")
				return
			}
			if snapshot.State == last {
				continue
			}
			last = snapshot.State
			w.handleTransition(snapshot)
		}
	}
}

// handleTransition releases the contract binding once the session leaves Connected
func (w *Watcher) handleTransition(snapshot models.Session) {
	w.logger.Debug("Session state changed", zap.String("state", string(snapshot.State)))

	switch snapshot.State {
	case models.ConnectionStateDisconnecting, models.ConnectionStateDisconnected:
		if w.manager.ledger.Bound() {
			w.logger.Info("Session ended, releasing contract binding")
		}
		w.manager.ledger.Reset()
		w.manager.refresher.Clear()
	case models.ConnectionStateConnected:
		w.manager.refresher.Trigger()
	}
}
