// Package logging adapts ledger operation callbacks and escrow events to zap.
package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// OperationLogger writes every ledger operation as one structured line.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns an OperationLogger. A nil logger disables output.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("ledger")}
}

// LogOperation implements ledger.OperationLogger. Failures are logged at warn level because
// rejected operations (insufficient funds, stale state) are ordinary outcomes.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("ref", entry.Ref.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.BookingID.IsZero() {
		fields = append(fields, zap.String("booking_id", entry.BookingID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.String("code", ledger.ErrorCode(entry.Error)), zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

// EventLogger logs committed escrow transitions.
type EventLogger struct {
	logger *zap.Logger
}

// NewEventLogger returns an EventLogger.
func NewEventLogger(logger *zap.Logger) *EventLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLogger{logger: logger.Named("escrow")}
}

// Publish implements escrow.EventPublisher.
func (eventLogger *EventLogger) Publish(_ context.Context, event escrow.Event) error {
	eventLogger.logger.Info("escrow transition",
		zap.String("type", event.Type),
		zap.String("booking_id", event.BookingID),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
		zap.String("ref", event.Ref.String()),
		zap.Int64("owner_payout_cents", event.Settlement.OwnerPayoutCents),
		zap.Int64("platform_fee_cents", event.Settlement.PlatformFeeCents),
	)
	return nil
}
