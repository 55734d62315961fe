package gateway

import (
	"context"

	"go.uber.org/zap"

	"autopay/internal/models"
)

const (
	operationStatusOK    = "ok"
	operationStatusError = "error"
)

// Option configures a Gateway instance.
type Option func(*Gateway)

// OperationLogger records the lifecycle of every mutating operation.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one state transition of a pending operation.
type OperationLog struct {
	Operation models.PendingOperation
	Address   string
	Amount    string
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) Option {
	return func(gateway *Gateway) {
		gateway.opLogger = logger
	}
}

// ZapOperationLogger writes operation logs through zap
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger returns an OperationLogger backed by logger
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger.Named("operations")}
}

// LogOperation implements OperationLogger
func (l *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	fields := []zap.Field{
		zap.String("operation_id", entry.Operation.ID),
		zap.String("kind", string(entry.Operation.Kind)),
		zap.String("state", string(entry.Operation.State)),
		zap.Time("submitted_at", entry.Operation.SubmittedAt),
		zap.String("address", entry.Address),
		zap.String("status", entry.Status),
	}
	if entry.Amount != "" {
		fields = append(fields, zap.String("amount", entry.Amount))
	}
	if entry.Operation.TxHash != "" {
		fields = append(fields, zap.String("tx_hash", entry.Operation.TxHash))
	}
	if entry.Error != nil {
		l.logger.Warn("Operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	l.logger.Info("Operation updated", fields...)
}
