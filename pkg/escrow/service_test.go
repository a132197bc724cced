package escrow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow/escrowtest"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo/fgotest"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger/ledgertest"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk/risktest"
)

const (
	startUnixUTC   = int64(1_700_000_000)
	secondsPerHour = int64(3600)
	renterValue    = "renter-1"
	ownerValue     = "owner-1"
	platformValue  = "platform"
	bookingIDValue = "booking-1"
	rentalCents    = int64(5000)
	depositCents   = int64(2000)
)

type testClock struct {
	now atomic.Int64
}

func (clock *testClock) Now() int64 {
	return clock.now.Load()
}

func (clock *testClock) Advance(seconds int64) {
	clock.now.Add(seconds)
}

func (clock *testClock) Set(unixUTC int64) {
	clock.now.Store(unixUTC)
}

type stubAuthorizer struct {
	mutex     sync.Mutex
	failWith  error
	captured  map[string]int64
	cancelled []string
	calls     int
}

func (authorizer *stubAuthorizer) Authorize(_ context.Context, request escrow.AuthorizationRequest) (escrow.Authorization, error) {
	authorizer.mutex.Lock()
	defer authorizer.mutex.Unlock()
	authorizer.calls++
	if authorizer.failWith != nil {
		return escrow.Authorization{}, authorizer.failWith
	}
	return escrow.Authorization{IntentID: "pi_" + request.BookingID, AmountCents: request.AmountCents}, nil
}

func (authorizer *stubAuthorizer) Capture(_ context.Context, intentID string, amountCents int64, _ string) error {
	authorizer.mutex.Lock()
	defer authorizer.mutex.Unlock()
	if authorizer.captured == nil {
		authorizer.captured = map[string]int64{}
	}
	authorizer.captured[intentID] = amountCents
	return nil
}

func (authorizer *stubAuthorizer) Cancel(_ context.Context, intentID string, _ string) error {
	authorizer.mutex.Lock()
	defer authorizer.mutex.Unlock()
	authorizer.cancelled = append(authorizer.cancelled, intentID)
	return nil
}

type stubGate struct {
	verified bool
}

func (gate stubGate) IsVerified(context.Context, string) (bool, error) {
	return gate.verified, nil
}

type stubRisk struct {
	stale     atomic.Bool
	refreshes atomic.Int64
}

func (checker *stubRisk) Snapshot(_ context.Context, request risk.SnapshotRequest) (risk.Snapshot, error) {
	return risk.Snapshot{SnapshotID: "snap-1", BookingID: request.BookingID, Bucket: "standard", Active: true}, nil
}

func (checker *stubRisk) CheckRevalidation(_ context.Context, bookingID string) (risk.Revalidation, error) {
	if checker.stale.Load() {
		return risk.Revalidation{BookingID: bookingID, Required: true, Reason: risk.ReasonFXVariation}, nil
	}
	return risk.Revalidation{BookingID: bookingID}, nil
}

func (checker *stubRisk) Refresh(_ context.Context, bookingID string) (risk.Snapshot, error) {
	checker.refreshes.Add(1)
	checker.stale.Store(false)
	return risk.Snapshot{SnapshotID: "snap-2", BookingID: bookingID, Bucket: "premium", Active: true}, nil
}

type recordingPublisher struct {
	mutex  sync.Mutex
	events []escrow.Event
}

func (publisher *recordingPublisher) Publish(_ context.Context, event escrow.Event) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	publisher.events = append(publisher.events, event)
	return nil
}

func (publisher *recordingPublisher) Types() []string {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	types := make([]string, 0, len(publisher.events))
	for _, event := range publisher.events {
		types = append(types, event.Type)
	}
	return types
}

type fixtureConfig struct {
	withFund      bool
	fundBalances  map[fgo.SubfundType]int64
	authorizer    escrow.PaymentAuthorizer
	gate          escrow.VerificationGate
	risk          *stubRisk
	frozenRates   bool
	damageWindow  int64
	renterBalance int64
}

type fixture struct {
	service   *escrow.Service
	store     *escrowtest.MemoryStore
	ledger    *ledger.Service
	fund      *fgo.Service
	fundStore *fgotest.MemoryStore
	clock     *testClock
	publisher *recordingPublisher
}

func newFixture(test *testing.T, config fixtureConfig) fixture {
	test.Helper()
	clock := &testClock{}
	clock.now.Store(startUnixUTC)
	platform := mustUserID(test, platformValue)
	ledgerService, err := ledger.NewService(ledgertest.NewMemoryStore(), clock.Now, ledger.WithSystemAccounts(platform))
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	publisher := &recordingPublisher{}
	options := []escrow.ServiceOption{
		escrow.WithPlatformAccount(platform),
		escrow.WithEventPublisher(publisher),
		escrow.WithDamageWindow(config.damageWindow),
	}
	var riskService *risk.Service
	if config.frozenRates {
		policy := risk.DefaultPolicy()
		policy.Buckets = []risk.BucketTier{{Bucket: "standard", GuaranteeAmountUSDCents: 80000, FranchiseUSDCents: 50000}}
		riskService, err = risk.NewService(risktest.NewMemoryStore(), risk.StaticRates{}, policy, clock.Now)
		if err != nil {
			test.Fatalf("risk service: %v", err)
		}
		options = append(options, escrow.WithRiskChecker(riskService))
	}
	var fundService *fgo.Service
	var fundStore *fgotest.MemoryStore
	if config.withFund {
		fundStore = fgotest.NewMemoryStore()
		fundStore.Seed(config.fundBalances)
		fundOptions := []fgo.ServiceOption{fgo.WithLedger(ledgerService), fgo.WithFundingAccount(platform)}
		if riskService != nil {
			fundOptions = append(fundOptions, fgo.WithConverter(riskService))
		}
		fundService, err = fgo.NewService(fundStore, clock.Now, fundOptions...)
		if err != nil {
			test.Fatalf("fgo service: %v", err)
		}
		options = append(options, escrow.WithGuaranteeFund(fundService))
	}
	if config.authorizer != nil {
		options = append(options, escrow.WithPaymentAuthorizer(config.authorizer, "usd"))
	}
	if config.gate != nil {
		options = append(options, escrow.WithVerificationGate(config.gate))
	}
	if config.risk != nil {
		options = append(options, escrow.WithRiskChecker(config.risk))
	}
	store := escrowtest.NewMemoryStore()
	service, err := escrow.NewService(store, ledgerService, clock.Now, options...)
	if err != nil {
		test.Fatalf("escrow service: %v", err)
	}
	current := fixture{service: service, store: store, ledger: ledgerService, fund: fundService, fundStore: fundStore, clock: clock, publisher: publisher}
	if config.renterBalance > 0 {
		current.credit(test, renterValue, config.renterBalance)
	}
	return current
}

func (current fixture) credit(test *testing.T, userID string, amountCents int64) {
	test.Helper()
	amount, err := ledger.NewPositiveAmountCents(amountCents)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if _, err := current.ledger.Credit(context.Background(), ledger.CreditRequest{
		UserID: mustUserID(test, userID),
		Amount: amount,
		Kind:   ledger.KindDeposit,
		Ref:    mustRef(test, "topup:"+userID),
	}); err != nil {
		test.Fatalf("credit: %v", err)
	}
}

func (current fixture) balance(test *testing.T, userID string) ledger.Balance {
	test.Helper()
	balance, err := current.ledger.Balance(context.Background(), mustUserID(test, userID))
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func (current fixture) create(test *testing.T, mutate func(booking *escrow.BookingContext)) escrow.Escrow {
	test.Helper()
	booking := escrow.BookingContext{
		BookingID:        bookingIDValue,
		CarID:            "car-1",
		RenterID:         renterValue,
		OwnerID:          ownerValue,
		StartUnixUTC:     startUnixUTC + 10*24*secondsPerHour,
		EndUnixUTC:       startUnixUTC + 13*24*secondsPerHour,
		CancelPolicy:     escrow.CancelPolicyModerate,
		CountryCode:      "us",
		CarValueUSDCents: 2_500_000,
	}
	if mutate != nil {
		mutate(&booking)
	}
	result, err := current.service.Create(context.Background(), escrow.CreateRequest{
		Booking: booking,
		Amounts: escrow.Amounts{RentalCents: rentalCents, DepositCents: depositCents},
		Ref:     mustRef(test, "create:"+booking.BookingID),
	})
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	return result.Escrow
}

func (current fixture) lock(test *testing.T) escrow.Escrow {
	test.Helper()
	result, err := current.service.Lock(context.Background(), escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:1")})
	if err != nil {
		test.Fatalf("lock: %v", err)
	}
	return result.Escrow
}

func (current fixture) confirmBoth(test *testing.T) escrow.Escrow {
	test.Helper()
	ctx := context.Background()
	if _, err := current.service.ConfirmRenterPayment(ctx, escrow.ConfirmationRequest{BookingID: bookingIDValue, Ref: mustRef(test, "confirm:renter")}); err != nil {
		test.Fatalf("renter confirmation: %v", err)
	}
	result, err := current.service.ConfirmOwnerDelivery(ctx, escrow.ConfirmationRequest{BookingID: bookingIDValue, Ref: mustRef(test, "confirm:owner")})
	if err != nil {
		test.Fatalf("owner confirmation: %v", err)
	}
	return result.Escrow
}

func (current fixture) bookingEntries(test *testing.T) int {
	test.Helper()
	entries, err := current.ledger.EntriesByBooking(context.Background(), mustBookingID(test, bookingIDValue))
	if err != nil {
		test.Fatalf("entries: %v", err)
	}
	return len(entries)
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustBookingID(test *testing.T, raw string) ledger.BookingID {
	test.Helper()
	bookingID, err := ledger.NewBookingID(raw)
	if err != nil {
		test.Fatalf("booking id: %v", err)
	}
	return bookingID
}

func mustRef(test *testing.T, raw string) ledger.Ref {
	test.Helper()
	ref, err := ledger.NewRef(raw)
	if err != nil {
		test.Fatalf("ref: %v", err)
	}
	return ref
}

func percent(value int) *int {
	return &value
}

func TestLockAndDualConfirmationSettleRental(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000})
	current.create(test, nil)
	locked := current.lock(test)
	if locked.Status != escrow.StatusLocked || locked.FundingSource != escrow.FundingWallet {
		test.Fatalf("unexpected lock result: %+v", locked)
	}
	renter := current.balance(test, renterValue)
	if renter.AvailableCents != 3000 || renter.LockedCents != 7000 {
		test.Fatalf("unexpected renter balance after lock: %+v", renter)
	}

	result, err := current.service.ConfirmRenterPayment(context.Background(), escrow.ConfirmationRequest{BookingID: bookingIDValue, Ref: mustRef(test, "confirm:renter")})
	if err != nil {
		test.Fatalf("renter confirmation: %v", err)
	}
	if result.Escrow.Status != escrow.StatusLocked {
		test.Fatalf("one confirmation must not settle, got %s", result.Escrow.Status)
	}
	settled, err := current.service.ConfirmOwnerDelivery(context.Background(), escrow.ConfirmationRequest{BookingID: bookingIDValue, Ref: mustRef(test, "confirm:owner")})
	if err != nil {
		test.Fatalf("owner confirmation: %v", err)
	}

	if settled.Escrow.Status != escrow.StatusCompleted {
		test.Fatalf("expected completed, got %s", settled.Escrow.Status)
	}
	if got := current.balance(test, ownerValue).AvailableCents; got != 4500 {
		test.Fatalf("expected owner payout 4500, got %d", got)
	}
	if got := current.balance(test, platformValue).AvailableCents; got != 500 {
		test.Fatalf("expected platform fee 500, got %d", got)
	}
	renter = current.balance(test, renterValue)
	if renter.AvailableCents != 5000 || renter.LockedCents != 0 {
		test.Fatalf("expected deposit released to renter, got %+v", renter)
	}
	settlement := settled.Escrow.Settlement
	if settlement.OwnerPayoutCents != 4500 || settlement.PlatformFeeCents != 500 || settlement.DepositReleasedCents != 2000 {
		test.Fatalf("unexpected settlement: %+v", settlement)
	}

	transitions, err := current.service.Transitions(context.Background(), bookingIDValue)
	if err != nil {
		test.Fatalf("transitions: %v", err)
	}
	var path []escrow.Status
	for _, transition := range transitions {
		if transition.From != transition.To {
			path = append(path, transition.To)
		}
	}
	expected := []escrow.Status{escrow.StatusUnlocked, escrow.StatusLocked, escrow.StatusCharged, escrow.StatusCompleted}
	if len(path) != len(expected) {
		test.Fatalf("unexpected path %v", path)
	}
	for index := range expected {
		if path[index] != expected[index] {
			test.Fatalf("unexpected path %v", path)
		}
	}
	types := current.publisher.Types()
	if len(types) != 4 || types[3] != "confirm_owner" {
		test.Fatalf("unexpected events %v", types)
	}
}

func TestLockFailsWithoutFunds(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 6000})
	current.create(test, nil)

	_, err := current.service.Lock(context.Background(), escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:1")})
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		test.Fatalf("expected insufficient funds, got %v", err)
	}
	stored, err := current.service.Get(context.Background(), bookingIDValue)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Status != escrow.StatusUnlocked {
		test.Fatalf("failed lock must leave the escrow unlocked, got %s", stored.Status)
	}
	if renter := current.balance(test, renterValue); renter.AvailableCents != 6000 || renter.LockedCents != 0 {
		test.Fatalf("failed lock moved money: %+v", renter)
	}
}

func TestLockReplayReturnsStoredResult(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000})
	current.create(test, nil)
	current.lock(test)

	replayed, err := current.service.Lock(context.Background(), escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:1")})
	if err != nil {
		test.Fatalf("replay: %v", err)
	}
	if !replayed.Replayed || replayed.Escrow.Status != escrow.StatusLocked {
		test.Fatalf("expected replayed lock, got %+v", replayed)
	}
	if renter := current.balance(test, renterValue); renter.LockedCents != 7000 {
		test.Fatalf("replay locked funds twice: %+v", renter)
	}

	_, err = current.service.Cancel(context.Background(), escrow.CancelRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:1")})
	if !errors.Is(err, escrow.ErrDuplicateRef) {
		test.Fatalf("expected duplicate ref for another operation, got %v", err)
	}
}

func TestLockRetriesAfterCommitFailure(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000})
	current.create(test, nil)

	current.store.FailNext("UpdateEscrow", errors.New("disk full"))
	if _, err := current.service.Lock(context.Background(), escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:1")}); err == nil {
		test.Fatalf("expected commit failure")
	}
	locked := current.lock(test)
	if locked.Status != escrow.StatusLocked {
		test.Fatalf("retry did not lock: %s", locked.Status)
	}
	if renter := current.balance(test, renterValue); renter.AvailableCents != 3000 || renter.LockedCents != 7000 {
		test.Fatalf("retry locked funds twice: %+v", renter)
	}
}

func TestDamageAboveDepositGoesToGuaranteeFund(test *testing.T) {
	test.Parallel()
	// Locking adds 5% of the deposit (100) to liquidity before the claim arrives.
	cases := []struct {
		name             string
		liquidityCents   int64
		expectedStatus   escrow.Status
		expectedPaid     int64
		expectedShortage int64
	}{
		{name: "fund covers excess", liquidityCents: 5000, expectedStatus: escrow.StatusCompleted, expectedPaid: 1000},
		{name: "fund short", liquidityCents: 400, expectedStatus: escrow.StatusDamageSettled, expectedPaid: 500, expectedShortage: 500},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			current := newFixture(test, fixtureConfig{
				renterBalance: 10_000,
				withFund:      true,
				fundBalances:  map[fgo.SubfundType]int64{fgo.SubfundLiquidity: testCase.liquidityCents},
			})
			current.create(test, nil)
			current.lock(test)
			ctx := context.Background()

			disputed, err := current.service.ReportDamage(ctx, escrow.DamageReport{BookingID: bookingIDValue, ClaimCents: 3000, Description: "bumper", Ref: mustRef(test, "damage:1")})
			if err != nil {
				test.Fatalf("report damage: %v", err)
			}
			if disputed.Escrow.Status != escrow.StatusDisputed || disputed.Escrow.DisputedFrom != escrow.StatusLocked {
				test.Fatalf("unexpected dispute: %+v", disputed.Escrow)
			}
			if renter := current.balance(test, renterValue); renter.LockedCents != 7000 {
				test.Fatalf("dispute must keep funds locked: %+v", renter)
			}

			resolved, err := current.service.ApplyDisputeResolution(ctx, escrow.DisputeResolution{BookingID: bookingIDValue, Reasoning: "renter at fault", Ref: mustRef(test, "resolve:1")})
			if err != nil {
				test.Fatalf("resolve: %v", err)
			}
			settlement := resolved.Escrow.Settlement
			if resolved.Escrow.Status != testCase.expectedStatus {
				test.Fatalf("expected %s, got %s", testCase.expectedStatus, resolved.Escrow.Status)
			}
			if settlement.DamageChargeCents != 2000 || settlement.FGOClaimCents != 1000 {
				test.Fatalf("unexpected damage split: %+v", settlement)
			}
			if settlement.FGOPaidCents != testCase.expectedPaid || settlement.FGOShortfallCents != testCase.expectedShortage {
				test.Fatalf("unexpected fund payout: %+v", settlement)
			}
			renter := current.balance(test, renterValue)
			if renter.AvailableCents != 3000 || renter.LockedCents != 0 {
				test.Fatalf("renter must pay at most rental plus deposit: %+v", renter)
			}
			if got := current.balance(test, ownerValue).AvailableCents; got != ledger.AmountCents(4500+2000+testCase.expectedPaid) {
				test.Fatalf("unexpected owner balance %d", got)
			}
		})
	}
}

func TestDisputeAfterChargeRefundsFromOwnerAndPlatform(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000, damageWindow: 24 * secondsPerHour})
	current.create(test, nil)
	current.lock(test)
	charged := current.confirmBoth(test)
	if charged.Status != escrow.StatusCharged {
		test.Fatalf("expected charged inside the damage window, got %s", charged.Status)
	}
	if renter := current.balance(test, renterValue); renter.LockedCents != 2000 {
		test.Fatalf("deposit must stay locked during the damage window: %+v", renter)
	}
	ctx := context.Background()
	if _, err := current.service.ReportDamage(ctx, escrow.DamageReport{BookingID: bookingIDValue, ClaimCents: 500, Ref: mustRef(test, "damage:1")}); err != nil {
		test.Fatalf("report damage: %v", err)
	}
	resolved, err := current.service.ApplyDisputeResolution(ctx, escrow.DisputeResolution{
		BookingID:        bookingIDValue,
		RefundPercentage: percent(50),
		Reasoning:        "late delivery",
		Ref:              mustRef(test, "resolve:1"),
	})
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if resolved.Escrow.Status != escrow.StatusCompleted {
		test.Fatalf("expected completed, got %s", resolved.Escrow.Status)
	}
	if got := current.balance(test, renterValue).AvailableCents; got != 7000 {
		test.Fatalf("expected renter 7000, got %d", got)
	}
	if got := current.balance(test, ownerValue).AvailableCents; got != 2750 {
		test.Fatalf("expected owner 2750, got %d", got)
	}
	if got := current.balance(test, platformValue).AvailableCents; got != 250 {
		test.Fatalf("expected platform 250, got %d", got)
	}
	if settlement := resolved.Escrow.Settlement; settlement.RentalRefundCents != 2500 || settlement.OwnerPayoutCents != 2250 {
		test.Fatalf("unexpected settlement: %+v", settlement)
	}
}

func TestDisputeResolutionRejectsInvalidPercentage(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000})
	_, err := current.service.ApplyDisputeResolution(context.Background(), escrow.DisputeResolution{
		BookingID:        bookingIDValue,
		RefundPercentage: percent(101),
		Ref:              mustRef(test, "resolve:1"),
	})
	if !errors.Is(err, escrow.ErrInvalidResolution) {
		test.Fatalf("expected invalid resolution, got %v", err)
	}
}

func TestComputeCancelFee(test *testing.T) {
	test.Parallel()
	start := startUnixUTC + 1000*secondsPerHour
	cases := []struct {
		policy      escrow.CancelPolicy
		hoursBefore int64
		expected    int64
	}{
		{policy: escrow.CancelPolicyFlex, hoursBefore: 24, expected: 0},
		{policy: escrow.CancelPolicyFlex, hoursBefore: 23, expected: 500},
		{policy: escrow.CancelPolicyModerate, hoursBefore: 72, expected: 0},
		{policy: escrow.CancelPolicyModerate, hoursBefore: 48, expected: 1250},
		{policy: escrow.CancelPolicyModerate, hoursBefore: 2, expected: 2500},
		{policy: escrow.CancelPolicyStrict, hoursBefore: 168, expected: 0},
		{policy: escrow.CancelPolicyStrict, hoursBefore: 100, expected: 2500},
		{policy: escrow.CancelPolicyStrict, hoursBefore: 71, expected: 5000},
		{policy: escrow.CancelPolicyStrict, hoursBefore: -5, expected: 5000},
	}
	for _, testCase := range cases {
		fee, err := escrow.ComputeCancelFee(testCase.policy, start, start-testCase.hoursBefore*secondsPerHour, rentalCents)
		if err != nil {
			test.Fatalf("%s %dh: %v", testCase.policy, testCase.hoursBefore, err)
		}
		if fee != testCase.expected {
			test.Fatalf("%s %dh: expected %d, got %d", testCase.policy, testCase.hoursBefore, testCase.expected, fee)
		}
	}
	if _, err := escrow.ComputeCancelFee("lenient", start, startUnixUTC, rentalCents); !errors.Is(err, escrow.ErrInvalidCancelPolicy) {
		test.Fatalf("expected invalid policy, got %v", err)
	}
}

func TestCancelChargesFeeAndRefundsRest(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000})
	current.create(test, func(booking *escrow.BookingContext) {
		booking.CancelPolicy = escrow.CancelPolicyStrict
		booking.StartUnixUTC = startUnixUTC + 100*secondsPerHour
		booking.EndUnixUTC = startUnixUTC + 148*secondsPerHour
	})
	current.lock(test)

	result, err := current.service.Cancel(context.Background(), escrow.CancelRequest{BookingID: bookingIDValue, Reason: "plans changed", Ref: mustRef(test, "cancel:1")})
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if result.Escrow.Status != escrow.StatusRefunded || result.Escrow.Settlement.CancelFeeCents != 2500 {
		test.Fatalf("unexpected cancel result: %+v", result.Escrow)
	}
	renter := current.balance(test, renterValue)
	if renter.AvailableCents != 7500 || renter.LockedCents != 0 {
		test.Fatalf("unexpected renter balance: %+v", renter)
	}
	if got := current.balance(test, ownerValue).AvailableCents; got != 2250 {
		test.Fatalf("expected owner 2250, got %d", got)
	}
	if got := current.balance(test, platformValue).AvailableCents; got != 250 {
		test.Fatalf("expected platform 250, got %d", got)
	}
}

func TestCancelUnlockedMovesNoMoney(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000})
	current.create(test, nil)
	result, err := current.service.Cancel(context.Background(), escrow.CancelRequest{BookingID: bookingIDValue, Ref: mustRef(test, "cancel:1")})
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if result.Escrow.Status != escrow.StatusRefunded {
		test.Fatalf("expected refunded, got %s", result.Escrow.Status)
	}
	if entries := current.bookingEntries(test); entries != 0 {
		test.Fatalf("expected no booking entries, got %d", entries)
	}
}

func TestTerminalEscrowRejectsFurtherOperations(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000})
	current.create(test, nil)
	current.lock(test)
	current.confirmBoth(test)
	before := current.bookingEntries(test)
	ctx := context.Background()

	attempts := map[string]func() error{
		"cancel": func() error {
			_, err := current.service.Cancel(ctx, escrow.CancelRequest{BookingID: bookingIDValue, Ref: mustRef(test, "late:cancel")})
			return err
		},
		"damage": func() error {
			_, err := current.service.ReportDamage(ctx, escrow.DamageReport{BookingID: bookingIDValue, ClaimCents: 100, Ref: mustRef(test, "late:damage")})
			return err
		},
		"lock": func() error {
			_, err := current.service.Lock(ctx, escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "late:lock")})
			return err
		},
		"release": func() error {
			_, err := current.service.ReleaseDeposit(ctx, escrow.ReleaseDepositRequest{BookingID: bookingIDValue, Ref: mustRef(test, "late:release")})
			return err
		},
	}
	for name, attempt := range attempts {
		if err := attempt(); !errors.Is(err, escrow.ErrInvalidState) {
			test.Fatalf("%s: expected invalid state, got %v", name, err)
		}
	}
	if after := current.bookingEntries(test); after != before {
		test.Fatalf("terminal escrow gained ledger entries: %d -> %d", before, after)
	}
	if !escrow.StatusCompleted.IsTerminal() || escrow.StatusLocked.IsTerminal() {
		test.Fatalf("unexpected terminal classification")
	}
}

func TestLockRequiresVerification(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000, gate: stubGate{verified: false}})
	current.create(test, nil)
	_, err := current.service.Lock(context.Background(), escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:1")})
	if !errors.Is(err, escrow.ErrVerificationRequired) {
		test.Fatalf("expected verification required, got %v", err)
	}
	if renter := current.balance(test, renterValue); renter.LockedCents != 0 {
		test.Fatalf("unverified renter had funds locked: %+v", renter)
	}
}

func TestStaleSnapshotBlocksLockUntilRequote(test *testing.T) {
	test.Parallel()
	checker := &stubRisk{}
	current := newFixture(test, fixtureConfig{renterBalance: 10_000, risk: checker})
	created := current.create(test, nil)
	if created.Bucket != "standard" || created.RiskSnapshotID != "snap-1" {
		test.Fatalf("snapshot not frozen at creation: %+v", created)
	}
	checker.stale.Store(true)
	ctx := context.Background()

	_, err := current.service.Lock(ctx, escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:1")})
	if !errors.Is(err, escrow.ErrStaleSnapshot) {
		test.Fatalf("expected stale snapshot, got %v", err)
	}
	flagged, err := current.service.Get(ctx, bookingIDValue)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if !flagged.RequiresRevalidation {
		test.Fatalf("stale lock must flag the escrow")
	}

	requoted, err := current.service.Requote(ctx, escrow.RequoteRequest{
		BookingID: bookingIDValue,
		Amounts:   escrow.Amounts{RentalCents: 5200, DepositCents: depositCents},
		Ref:       mustRef(test, "requote:1"),
	})
	if err != nil {
		test.Fatalf("requote: %v", err)
	}
	if requoted.Escrow.RequiresRevalidation || requoted.Escrow.Bucket != "premium" || requoted.Escrow.Amounts.RentalCents != 5200 {
		test.Fatalf("unexpected requote: %+v", requoted.Escrow)
	}
	locked, err := current.service.Lock(ctx, escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:2")})
	if err != nil {
		test.Fatalf("lock after requote: %v", err)
	}
	if locked.Escrow.Status != escrow.StatusLocked {
		test.Fatalf("expected locked, got %s", locked.Escrow.Status)
	}
}

func TestSweepRevalidationFlagsStaleEscrows(test *testing.T) {
	test.Parallel()
	checker := &stubRisk{}
	current := newFixture(test, fixtureConfig{risk: checker})
	current.create(test, nil)
	checker.stale.Store(true)

	flagged, err := current.service.SweepRevalidation(context.Background(), 10)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if flagged != 1 {
		test.Fatalf("expected one flagged escrow, got %d", flagged)
	}
	again, err := current.service.SweepRevalidation(context.Background(), 10)
	if err != nil || again != 0 {
		test.Fatalf("expected flagged escrows to be skipped, got %d %v", again, err)
	}
}

func TestWalletFirstFallsBackToCard(test *testing.T) {
	test.Parallel()
	authorizer := &stubAuthorizer{}
	current := newFixture(test, fixtureConfig{renterBalance: 1000, authorizer: authorizer, damageWindow: 24 * secondsPerHour})
	current.create(test, nil)

	locked := current.lock(test)
	if locked.FundingSource != escrow.FundingCard || locked.PaymentIntentID != "pi_"+bookingIDValue {
		test.Fatalf("expected card funding, got %+v", locked)
	}
	if renter := current.balance(test, renterValue); renter.LockedCents != 0 || renter.AvailableCents != 1000 {
		test.Fatalf("card hold must not touch the wallet: %+v", renter)
	}

	settled := current.confirmBoth(test)
	if settled.Status != escrow.StatusCompleted {
		test.Fatalf("card escrow completes on charge, got %s", settled.Status)
	}
	if captured := authorizer.captured["pi_"+bookingIDValue]; captured != rentalCents {
		test.Fatalf("expected rental captured on card, got %d", captured)
	}
	if got := current.balance(test, ownerValue).AvailableCents; got != 4500 {
		test.Fatalf("expected owner 4500, got %d", got)
	}
	if renter := current.balance(test, renterValue); renter.AvailableCents != 1000 || renter.LockedCents != 0 {
		test.Fatalf("card settlement changed the renter wallet: %+v", renter)
	}
}

func TestCardFailureReportsBothCauses(test *testing.T) {
	test.Parallel()
	authorizer := &stubAuthorizer{failWith: errors.New("card declined")}
	current := newFixture(test, fixtureConfig{renterBalance: 1000, authorizer: authorizer})
	current.create(test, nil)

	_, err := current.service.Lock(context.Background(), escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:1")})
	if !errors.Is(err, escrow.ErrHoldAuthorizationFailed) || !errors.Is(err, escrow.ErrInsufficientFunds) {
		test.Fatalf("expected hold failure and insufficient funds, got %v", err)
	}
}

func TestCardCancelReleasesAuthorization(test *testing.T) {
	test.Parallel()
	authorizer := &stubAuthorizer{}
	current := newFixture(test, fixtureConfig{authorizer: authorizer})
	current.create(test, func(booking *escrow.BookingContext) {
		booking.PaymentMode = escrow.PaymentModeCardOnly
	})
	current.lock(test)

	result, err := current.service.Cancel(context.Background(), escrow.CancelRequest{BookingID: bookingIDValue, Ref: mustRef(test, "cancel:1")})
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if result.Escrow.Status != escrow.StatusRefunded || result.Escrow.Settlement.CancelFeeCents != 0 {
		test.Fatalf("unexpected cancel: %+v", result.Escrow)
	}
	if len(authorizer.cancelled) != 1 {
		test.Fatalf("expected the authorization to be cancelled, got %v", authorizer.cancelled)
	}
}

func TestLockContributesDepositShareToFund(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000, withFund: true})
	current.create(test, nil)
	current.lock(test)

	subfunds, err := current.fund.Subfunds(context.Background())
	if err != nil {
		test.Fatalf("subfunds: %v", err)
	}
	for _, subfund := range subfunds {
		if subfund.Type == fgo.SubfundLiquidity && subfund.BalanceCents != 100 {
			test.Fatalf("expected 5%% of 2000 in liquidity, got %d", subfund.BalanceCents)
		}
	}
	if got := current.balance(test, platformValue).AvailableCents; got != -100 {
		test.Fatalf("expected platform to fund the contribution, got %d", got)
	}
}

func TestExpirePendingBookings(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000})
	current.create(test, nil)
	ctx := context.Background()

	expired, err := current.service.ExpirePendingBookings(ctx, 10)
	if err != nil || expired != 0 {
		test.Fatalf("expected nothing to expire yet, got %d %v", expired, err)
	}
	current.clock.Advance(31 * 60)
	expired, err = current.service.ExpirePendingBookings(ctx, 10)
	if err != nil || expired != 1 {
		test.Fatalf("expected one expired escrow, got %d %v", expired, err)
	}
	stored, err := current.service.Get(ctx, bookingIDValue)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Status != escrow.StatusExpired {
		test.Fatalf("expected expired, got %s", stored.Status)
	}
	if _, err := current.service.Lock(ctx, escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:1")}); !errors.Is(err, escrow.ErrInvalidState) {
		test.Fatalf("expected invalid state for expired escrow, got %v", err)
	}
}

func TestReleaseTimedOutSettlesWithoutConfirmations(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000, damageWindow: 24 * secondsPerHour})
	current.create(test, nil)
	locked := current.lock(test)
	ctx := context.Background()

	current.clock.Set(locked.AutoReleaseUnixUTC - 1)
	released, err := current.service.ReleaseTimedOut(ctx, 10)
	if err != nil || released != 0 {
		test.Fatalf("expected nothing released before the timeout, got %d %v", released, err)
	}
	current.clock.Advance(1)
	released, err = current.service.ReleaseTimedOut(ctx, 10)
	if err != nil || released != 1 {
		test.Fatalf("expected the rental charged, got %d %v", released, err)
	}
	stored, _ := current.service.Get(ctx, bookingIDValue)
	if stored.Status != escrow.StatusCharged {
		test.Fatalf("expected charged, got %s", stored.Status)
	}

	current.clock.Advance(24 * secondsPerHour)
	released, err = current.service.ReleaseTimedOut(ctx, 10)
	if err != nil || released != 1 {
		test.Fatalf("expected the deposit released, got %d %v", released, err)
	}
	stored, _ = current.service.Get(ctx, bookingIDValue)
	if stored.Status != escrow.StatusCompleted {
		test.Fatalf("expected completed, got %s", stored.Status)
	}
	if renter := current.balance(test, renterValue); renter.AvailableCents != 5000 || renter.LockedCents != 0 {
		test.Fatalf("unexpected renter balance: %+v", renter)
	}
}

func TestCreateValidatesBooking(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{})
	cases := map[string]func(booking *escrow.BookingContext){
		"same party":      func(booking *escrow.BookingContext) { booking.OwnerID = booking.RenterID },
		"ends early":      func(booking *escrow.BookingContext) { booking.EndUnixUTC = booking.StartUnixUTC },
		"bad policy":      func(booking *escrow.BookingContext) { booking.CancelPolicy = "lenient" },
		"bad mode":        func(booking *escrow.BookingContext) { booking.PaymentMode = "cash" },
		"missing booking": func(booking *escrow.BookingContext) { booking.BookingID = " " },
	}
	for name, mutate := range cases {
		booking := escrow.BookingContext{
			BookingID:    bookingIDValue,
			RenterID:     renterValue,
			OwnerID:      ownerValue,
			StartUnixUTC: startUnixUTC + 100,
			EndUnixUTC:   startUnixUTC + 200,
		}
		mutate(&booking)
		_, err := current.service.Create(context.Background(), escrow.CreateRequest{Booking: booking, Amounts: escrow.Amounts{RentalCents: 100}, Ref: mustRef(test, "create:"+name)})
		if err == nil {
			test.Fatalf("%s: expected validation error", name)
		}
	}
}

type racingAuthorizer struct {
	stubAuthorizer
	race       func()
	raced      atomic.Bool
	authorized []string
}

func (authorizer *racingAuthorizer) Authorize(_ context.Context, request escrow.AuthorizationRequest) (escrow.Authorization, error) {
	if authorizer.race != nil && authorizer.raced.CompareAndSwap(false, true) {
		authorizer.race()
	}
	authorizer.mutex.Lock()
	defer authorizer.mutex.Unlock()
	intentID := "pi_" + request.Ref
	authorizer.authorized = append(authorizer.authorized, intentID)
	return escrow.Authorization{IntentID: intentID, AmountCents: request.AmountCents}, nil
}

func TestClosingUnlockedEscrowReleasesFailedLock(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name   string
		close  func(test *testing.T, current fixture) escrow.Status
		status escrow.Status
	}{
		{
			name: "expire",
			close: func(test *testing.T, current fixture) escrow.Status {
				current.clock.Advance(31 * 60)
				expired, err := current.service.ExpirePendingBookings(context.Background(), 10)
				if err != nil || expired != 1 {
					test.Fatalf("expected one expired escrow, got %d %v", expired, err)
				}
				stored, err := current.service.Get(context.Background(), bookingIDValue)
				if err != nil {
					test.Fatalf("get: %v", err)
				}
				return stored.Status
			},
			status: escrow.StatusExpired,
		},
		{
			name: "cancel",
			close: func(test *testing.T, current fixture) escrow.Status {
				result, err := current.service.Cancel(context.Background(), escrow.CancelRequest{BookingID: bookingIDValue, Ref: mustRef(test, "cancel:1")})
				if err != nil {
					test.Fatalf("cancel: %v", err)
				}
				return result.Escrow.Status
			},
			status: escrow.StatusRefunded,
		},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			current := newFixture(test, fixtureConfig{renterBalance: 10_000, withFund: true})
			current.create(test, nil)
			current.fundStore.FailNext("InsertMovements", errors.New("disk full"))
			if _, err := current.service.Lock(context.Background(), escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:1")}); err == nil {
				test.Fatalf("expected the contribution failure to fail the lock")
			}
			if renter := current.balance(test, renterValue); renter.LockedCents != 7000 {
				test.Fatalf("expected the wallet lock to survive the failure, got %+v", renter)
			}

			if status := testCase.close(test, current); status != testCase.status {
				test.Fatalf("expected %s, got %s", testCase.status, status)
			}
			if renter := current.balance(test, renterValue); renter.AvailableCents != 10_000 || renter.LockedCents != 0 {
				test.Fatalf("closed escrow left funds locked: %+v", renter)
			}
		})
	}
}

func TestCancelUnlockedCancelsRememberedAuthorization(test *testing.T) {
	test.Parallel()
	authorizer := &stubAuthorizer{}
	current := newFixture(test, fixtureConfig{withFund: true, authorizer: authorizer})
	current.create(test, func(booking *escrow.BookingContext) {
		booking.PaymentMode = escrow.PaymentModeCardOnly
	})
	current.fundStore.FailNext("InsertMovements", errors.New("disk full"))
	if _, err := current.service.Lock(context.Background(), escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:1")}); err == nil {
		test.Fatalf("expected the contribution failure to fail the lock")
	}
	pending, err := current.service.Get(context.Background(), bookingIDValue)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if pending.Status != escrow.StatusUnlocked || pending.PaymentIntentID != "pi_"+bookingIDValue {
		test.Fatalf("expected the authorization remembered on the unlocked escrow, got %+v", pending)
	}

	if _, err := current.service.Cancel(context.Background(), escrow.CancelRequest{BookingID: bookingIDValue, Ref: mustRef(test, "cancel:1")}); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if len(authorizer.cancelled) != 1 || authorizer.cancelled[0] != "pi_"+bookingIDValue {
		test.Fatalf("expected the remembered authorization cancelled, got %v", authorizer.cancelled)
	}
}

func TestLosingCardLockCancelsItsAuthorization(test *testing.T) {
	test.Parallel()
	authorizer := &racingAuthorizer{}
	current := newFixture(test, fixtureConfig{authorizer: authorizer})
	current.create(test, func(booking *escrow.BookingContext) {
		booking.PaymentMode = escrow.PaymentModeCardFirst
	})
	authorizer.race = func() {
		if _, err := current.service.Lock(context.Background(), escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:winner")}); err != nil {
			test.Errorf("winning lock: %v", err)
		}
	}

	if _, err := current.service.Lock(context.Background(), escrow.LockRequest{BookingID: bookingIDValue, Ref: mustRef(test, "lock:loser")}); !errors.Is(err, escrow.ErrConcurrencyConflict) {
		test.Fatalf("expected the losing lock to conflict, got %v", err)
	}
	stored, err := current.service.Get(context.Background(), bookingIDValue)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if len(authorizer.authorized) != 2 {
		test.Fatalf("expected two authorizations, got %v", authorizer.authorized)
	}
	winner, loser := authorizer.authorized[0], authorizer.authorized[1]
	if stored.Status != escrow.StatusLocked || stored.PaymentIntentID != winner {
		test.Fatalf("expected the winner's authorization on the escrow, got %+v", stored)
	}
	if len(authorizer.cancelled) != 1 || authorizer.cancelled[0] != loser {
		test.Fatalf("expected only the losing authorization cancelled, got %v", authorizer.cancelled)
	}
}

func TestDisputeWithoutFrozenRateStillPaysFromFund(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{
		renterBalance: 10_000,
		withFund:      true,
		frozenRates:   true,
		fundBalances:  map[fgo.SubfundType]int64{fgo.SubfundLiquidity: 5000},
	})
	created := current.create(test, func(booking *escrow.BookingContext) {
		booking.CarValueUSDCents = 0
	})
	if created.RiskSnapshotID != "" {
		test.Fatalf("expected no snapshot without a car value, got %s", created.RiskSnapshotID)
	}
	current.lock(test)
	ctx := context.Background()
	if _, err := current.service.ReportDamage(ctx, escrow.DamageReport{BookingID: bookingIDValue, ClaimCents: 3000, Description: "door", Ref: mustRef(test, "damage:1")}); err != nil {
		test.Fatalf("report damage: %v", err)
	}

	resolved, err := current.service.ApplyDisputeResolution(ctx, escrow.DisputeResolution{BookingID: bookingIDValue, Reasoning: "renter at fault", Ref: mustRef(test, "resolve:1")})
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if resolved.Escrow.Status != escrow.StatusCompleted || resolved.Escrow.Settlement.FGOPaidCents != 1000 {
		test.Fatalf("unexpected resolution: %+v", resolved.Escrow)
	}
	if got := current.balance(test, ownerValue).AvailableCents; got != 7500 {
		test.Fatalf("expected owner 7500, got %d", got)
	}
}

func TestDisputeRefundOwnerCannotPayEndsDamageSettled(test *testing.T) {
	test.Parallel()
	current := newFixture(test, fixtureConfig{renterBalance: 10_000, damageWindow: 24 * secondsPerHour})
	current.create(test, nil)
	current.lock(test)
	current.confirmBoth(test)
	ctx := context.Background()
	payout, err := ledger.NewPositiveAmountCents(4500)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if _, err := current.ledger.Transfer(ctx, ledger.TransferRequest{
		FromUserID: mustUserID(test, ownerValue),
		ToUserID:   mustUserID(test, "elsewhere"),
		Amount:     payout,
		Ref:        mustRef(test, "owner:spend"),
	}); err != nil {
		test.Fatalf("owner spend: %v", err)
	}
	if _, err := current.service.ReportDamage(ctx, escrow.DamageReport{BookingID: bookingIDValue, ClaimCents: 500, Ref: mustRef(test, "damage:1")}); err != nil {
		test.Fatalf("report damage: %v", err)
	}

	resolved, err := current.service.ApplyDisputeResolution(ctx, escrow.DisputeResolution{
		BookingID:        bookingIDValue,
		RefundPercentage: percent(50),
		Reasoning:        "late delivery",
		Ref:              mustRef(test, "resolve:1"),
	})
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	settlement := resolved.Escrow.Settlement
	if resolved.Escrow.Status != escrow.StatusDamageSettled {
		test.Fatalf("expected damage_settled, got %s", resolved.Escrow.Status)
	}
	if settlement.RefundShortfallCents != 2250 || settlement.RentalRefundCents != 250 || settlement.OwnerPayoutCents != 4500 || settlement.PlatformFeeCents != 250 {
		test.Fatalf("unexpected settlement: %+v", settlement)
	}
	if renter := current.balance(test, renterValue); renter.AvailableCents != 4750 || renter.LockedCents != 0 {
		test.Fatalf("unexpected renter balance: %+v", renter)
	}
	if got := current.balance(test, ownerValue).AvailableCents; got != 500 {
		test.Fatalf("expected owner to keep the damage charge, got %d", got)
	}
}
