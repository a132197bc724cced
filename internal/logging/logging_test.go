package logging

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustRef(test *testing.T, raw string) ledger.Ref {
	test.Helper()
	ref, err := ledger.NewRef(raw)
	if err != nil {
		test.Fatalf("ref: %v", err)
	}
	return ref
}

func TestOperationLoggerLevels(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	operationLogger := NewOperationLogger(zap.New(core))
	user := mustUserID(test, "renter-1")

	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "transfer",
		UserID:    user,
		Amount:    2500,
		Ref:       mustRef(test, "transfer-1"),
		Status:    "ok",
	})
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "lock",
		UserID:    user,
		Amount:    9000,
		Ref:       mustRef(test, "lock-1"),
		Status:    "error",
		Error:     fmt.Errorf("wallet renter-1: %w", ledger.ErrInsufficientFunds),
	})

	entries := logs.All()
	if len(entries) != 2 {
		test.Fatalf("expected 2 log lines, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].LoggerName != "ledger" {
		test.Fatalf("unexpected success line: %+v", entries[0])
	}
	fields := entries[0].ContextMap()
	if fields["user_id"] != "renter-1" || fields["amount_cents"] != int64(2500) || fields["ref"] != "transfer-1" {
		test.Fatalf("unexpected fields: %v", fields)
	}
	if _, ok := fields["booking_id"]; ok {
		test.Fatalf("empty booking id should be omitted")
	}
	if entries[1].Level != zapcore.WarnLevel {
		test.Fatalf("expected warn level for a failure, got %s", entries[1].Level)
	}
	if code := entries[1].ContextMap()["code"]; code != ledger.CodeInsufficientFunds {
		test.Fatalf("expected insufficient_funds code, got %v", code)
	}
}

func TestEventLoggerWritesTransition(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.InfoLevel)
	eventLogger := NewEventLogger(zap.New(core))
	err := eventLogger.Publish(context.Background(), escrow.Event{
		Type:      "complete_trip",
		BookingID: "booking-1",
		From:      escrow.StatusLocked,
		To:        escrow.StatusCompleted,
		Ref:       mustRef(test, "complete-1"),
	})
	if err != nil {
		test.Fatalf("publish: %v", err)
	}
	entries := logs.FilterMessage("escrow transition").All()
	if len(entries) != 1 {
		test.Fatalf("expected one transition line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["from"] != "locked" || fields["to"] != "completed" || fields["booking_id"] != "booking-1" {
		test.Fatalf("unexpected fields: %v", fields)
	}
}

func TestNilLoggersAreSilent(test *testing.T) {
	test.Parallel()
	NewOperationLogger(nil).LogOperation(context.Background(), ledger.OperationLog{Operation: "credit"})
	if err := NewEventLogger(nil).Publish(context.Background(), escrow.Event{}); err != nil {
		test.Fatalf("publish: %v", err)
	}
}
