package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

func TestLogOperationCountsOutcomes(test *testing.T) {
	test.Parallel()
	metrics := New()
	ctx := context.Background()

	metrics.LogOperation(ctx, ledger.OperationLog{Operation: "transfer", Status: "ok", Amount: 2500})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: "transfer", Status: "replayed", Amount: 2500})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: "transfer", Status: "error", Amount: 900, Error: ledger.ErrInsufficientFunds})

	if got := testutil.ToFloat64(metrics.LedgerOperations.WithLabelValues("transfer", "ok", "")); got != 1 {
		test.Fatalf("expected one ok transfer, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.LedgerOperations.WithLabelValues("transfer", "error", ledger.CodeInsufficientFunds)); got != 1 {
		test.Fatalf("expected one failed transfer, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.LedgerAmountCents.WithLabelValues("transfer")); got != 2500 {
		test.Fatalf("replays and failures must not add amounts, got %v", got)
	}
}

func TestPublishCountsSettlementOnTerminalEvent(test *testing.T) {
	test.Parallel()
	metrics := New()
	ctx := context.Background()
	settlement := escrow.Settlement{OwnerPayoutCents: 9000, PlatformFeeCents: 1000, DepositReleasedCents: 5000}

	if err := metrics.Publish(ctx, escrow.Event{Type: "confirm_renter", From: escrow.StatusLocked, To: escrow.StatusLocked, Settlement: settlement}); err != nil {
		test.Fatalf("publish: %v", err)
	}
	if err := metrics.Publish(ctx, escrow.Event{Type: "complete_trip", From: escrow.StatusLocked, To: escrow.StatusCompleted, Settlement: settlement}); err != nil {
		test.Fatalf("publish: %v", err)
	}

	if got := testutil.ToFloat64(metrics.EscrowTransitions.WithLabelValues("complete_trip", "locked", "completed")); got != 1 {
		test.Fatalf("expected one completion, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.EscrowSettledCents.WithLabelValues("owner")); got != 9000 {
		test.Fatalf("expected owner payout counted once, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.EscrowSettledCents.WithLabelValues("renter_refund")); got != 5000 {
		test.Fatalf("expected deposit release counted, got %v", got)
	}
}

func TestObserveFundAndJobs(test *testing.T) {
	test.Parallel()
	metrics := New()
	metrics.ObserveFund(fgo.Metrics{
		Subfunds: []fgo.Subfund{
			{Type: fgo.SubfundLiquidity, BalanceCents: 400},
			{Type: fgo.SubfundCapitalization, BalanceCents: 1200},
		},
		CoverageRatio: decimal.RequireFromString("1.25"),
		LossRatio90d:  decimal.RequireFromString("0.4"),
	})
	metrics.ObserveJob("expire-deposits", 3, 20*time.Millisecond, nil)
	metrics.ObserveJob("expire-deposits", 0, time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(metrics.SubfundBalance.WithLabelValues("capitalization")); got != 1200 {
		test.Fatalf("unexpected capitalization gauge %v", got)
	}
	if got := testutil.ToFloat64(metrics.FundCoverageRatio); got != 1.25 {
		test.Fatalf("unexpected coverage gauge %v", got)
	}
	if got := testutil.ToFloat64(metrics.JobRuns.WithLabelValues("expire-deposits", "error")); got != 1 {
		test.Fatalf("expected one failed run, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.JobItems.WithLabelValues("expire-deposits")); got != 3 {
		test.Fatalf("expected three processed items, got %v", got)
	}
}

func TestHandlerExposesRegistry(test *testing.T) {
	test.Parallel()
	metrics := New()
	metrics.ObserveHTTP(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		test.Fatalf("unexpected status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `rentalledger_http_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		test.Fatalf("expected http counter in exposition")
	}
}
