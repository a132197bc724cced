package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

const (
	operationCreate        = "escrow_create"
	operationLock          = "escrow_lock"
	operationConfirmRenter = "escrow_confirm_renter"
	operationConfirmOwner  = "escrow_confirm_owner"
	operationCompleteTrip  = "escrow_complete_trip"
	operationAutoRelease   = "escrow_auto_release"
	operationReleaseDep    = "escrow_release_deposit"
	operationReportDamage  = "escrow_report_damage"
	operationResolve       = "escrow_resolve_dispute"
	operationCancel        = "escrow_cancel"
	operationExpire        = "escrow_expire"
	operationRequote       = "escrow_requote"

	refSuffixWalletLock      = "wallet_lock"
	refSuffixCardHold        = "card_hold"
	refSuffixContribution    = "contribution"
	refSuffixRental          = "rental"
	refSuffixDeposit         = "deposit"
	refSuffixCardCapture     = "card_capture"
	refSuffixCardFunds       = "card_funds"
	refSuffixCardLock        = "card_lock"
	refSuffixCardCancel      = "card_cancel"
	refSuffixOwnerRefund     = "owner_refund"
	refSuffixFeeRefund       = "fee_refund"
	refSuffixGuarantee       = "guarantee_claim"
	refSuffixStrandedRelease = "stranded_release"

	basisPointsDenominator = 10_000
	secondsPerHour         = int64(60 * 60)

	defaultPlatformFeeBps   = 1_000
	defaultHoldWindow       = 30 * 60
	defaultAutoReleaseAfter = 48 * secondsPerHour
	defaultSweepLimit       = 100
	defaultCurrency         = "usd"
)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPlatformAccount sets the system wallet that receives platform fees.
func WithPlatformAccount(userID ledger.UserID) ServiceOption {
	return func(service *Service) {
		service.platformAccount = userID
	}
}

// WithPlatformFeeBps sets the platform fee taken from every captured rental, in basis points.
func WithPlatformFeeBps(bps int64) ServiceOption {
	return func(service *Service) {
		service.platformFeeBps = bps
	}
}

// WithGuaranteeFund routes deposit contributions and excess damage claims to the fund.
func WithGuaranteeFund(fund GuaranteeFund) ServiceOption {
	return func(service *Service) {
		service.fund = fund
	}
}

// WithRiskChecker freezes a risk snapshot at creation and checks it before locking.
func WithRiskChecker(checker RiskChecker) ServiceOption {
	return func(service *Service) {
		service.risk = checker
	}
}

// WithPaymentAuthorizer enables card holds.
func WithPaymentAuthorizer(authorizer PaymentAuthorizer, currency string) ServiceOption {
	return func(service *Service) {
		service.authorizer = authorizer
		if trimmed := strings.ToLower(strings.TrimSpace(currency)); trimmed != "" {
			service.currency = trimmed
		}
	}
}

// WithVerificationGate requires renters to be verified before their funds are locked.
func WithVerificationGate(gate VerificationGate) ServiceOption {
	return func(service *Service) {
		service.verification = gate
	}
}

// WithEventPublisher adds a publisher notified after every committed operation.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		if publisher != nil {
			service.publishers = append(service.publishers, publisher)
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithConflictRetry replaces the retry policy used on concurrency conflicts.
func WithConflictRetry(config ledger.RetryConfig) ServiceOption {
	return func(service *Service) {
		service.retryPolicy = ledger.NewConflictRetryPolicy(config)
	}
}

// WithHoldWindow sets how long an unlocked escrow may wait for its lock before it expires.
func WithHoldWindow(seconds int64) ServiceOption {
	return func(service *Service) {
		service.holdWindowSeconds = seconds
	}
}

// WithAutoReleaseAfter sets how long after the trip ends settlement runs without both confirmations.
func WithAutoReleaseAfter(seconds int64) ServiceOption {
	return func(service *Service) {
		service.autoReleaseSeconds = seconds
	}
}

// WithDamageWindow keeps the deposit locked for the given seconds after the rental is charged.
// Zero releases the deposit with the charge.
func WithDamageWindow(seconds int64) ServiceOption {
	return func(service *Service) {
		service.damageWindowSeconds = seconds
	}
}

// Service drives booking escrows through their settlement states.
type Service struct {
	store               Store
	ledger              Ledger
	nowFn               func() int64
	platformAccount     ledger.UserID
	platformFeeBps      int64
	fund                GuaranteeFund
	risk                RiskChecker
	authorizer          PaymentAuthorizer
	currency            string
	verification        VerificationGate
	publishers          []EventPublisher
	logger              *zap.Logger
	retryPolicy         retrypolicy.RetryPolicy[any]
	holdWindowSeconds   int64
	autoReleaseSeconds  int64
	damageWindowSeconds int64
}

// NewService wires a Service.
func NewService(store Store, walletLedger Ledger, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil || walletLedger == nil || now == nil {
		return nil, fmt.Errorf("%w: store, ledger and clock are required", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:              store,
		ledger:             walletLedger,
		nowFn:              now,
		platformFeeBps:     defaultPlatformFeeBps,
		currency:           defaultCurrency,
		logger:             zap.NewNop(),
		retryPolicy:        ledger.NewConflictRetryPolicy(ledger.DefaultRetryConfig()),
		holdWindowSeconds:  defaultHoldWindow,
		autoReleaseSeconds: defaultAutoReleaseAfter,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	switch {
	case service.platformAccount.IsZero():
		return nil, fmt.Errorf("%w: platform account is required", ErrInvalidServiceConfig)
	case service.platformFeeBps < 0 || service.platformFeeBps > basisPointsDenominator:
		return nil, fmt.Errorf("%w: platform fee %d bps", ErrInvalidServiceConfig, service.platformFeeBps)
	case service.holdWindowSeconds <= 0 || service.autoReleaseSeconds < 0 || service.damageWindowSeconds < 0:
		return nil, fmt.Errorf("%w: windows must not be negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Result is the escrow after an operation.
type Result struct {
	Ref      ledger.Ref `json:"ref"`
	Escrow   Escrow     `json:"escrow"`
	Replayed bool       `json:"-"`
}

// Get returns the escrow of a booking.
func (service *Service) Get(ctx context.Context, bookingID string) (Escrow, error) {
	return service.store.GetEscrow(ctx, strings.TrimSpace(bookingID))
}

// Transitions returns the audit trail of a booking, oldest first.
func (service *Service) Transitions(ctx context.Context, bookingID string) ([]Transition, error) {
	return service.store.ListTransitions(ctx, strings.TrimSpace(bookingID))
}

// CreateRequest opens the escrow of a confirmed booking.
type CreateRequest struct {
	Booking BookingContext
	Amounts Amounts
	Ref     ledger.Ref
}

// Create opens an unlocked escrow and freezes the risk snapshot of the booking.
func (service *Service) Create(ctx context.Context, request CreateRequest) (Result, error) {
	booking := request.Booking
	booking.BookingID = strings.TrimSpace(booking.BookingID)
	booking.RenterID = strings.TrimSpace(booking.RenterID)
	booking.OwnerID = strings.TrimSpace(booking.OwnerID)
	booking.CountryCode = strings.ToUpper(strings.TrimSpace(booking.CountryCode))
	if err := booking.Validate(); err != nil {
		return Result{}, err
	}
	if err := request.Amounts.Validate(); err != nil {
		return Result{}, err
	}
	booking.CancelPolicy, _ = ParseCancelPolicy(string(booking.CancelPolicy))
	booking.PaymentMode, _ = ParsePaymentMode(string(booking.PaymentMode))

	var bucket, snapshotID string
	if service.risk != nil && booking.CarValueUSDCents > 0 {
		snapshot, err := service.risk.Snapshot(ctx, riskRequest(booking))
		if err != nil {
			return Result{}, err
		}
		bucket, snapshotID = snapshot.Bucket, snapshot.SnapshotID
	}

	call := ledger.NewIdempotentCall(operationCreate, request.Ref, booking, request.Amounts)
	result, replayed, err := ledger.RunIdempotent(ctx, service.retryPolicy, service.store.WithTx, call, service.nowFn, func(ctx context.Context, txStore Store) (Result, error) {
		nowUnixUTC := service.nowFn()
		escrow := Escrow{
			Booking:            booking,
			Amounts:            request.Amounts,
			PlatformFeeBps:     service.platformFeeBps,
			Status:             StatusUnlocked,
			Bucket:             bucket,
			RiskSnapshotID:     snapshotID,
			HoldExpiresUnixUTC: nowUnixUTC + service.holdWindowSeconds,
			Version:            1,
			CreatedUnixUTC:     nowUnixUTC,
			UpdatedUnixUTC:     nowUnixUTC,
		}
		if err := txStore.CreateEscrow(ctx, escrow); err != nil {
			return Result{}, err
		}
		if err := txStore.InsertTransition(ctx, Transition{
			BookingID:      booking.BookingID,
			To:             StatusUnlocked,
			Operation:      operationCreate,
			Ref:            request.Ref,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return Result{}, err
		}
		return Result{Ref: request.Ref, Escrow: escrow}, nil
	})
	if err != nil {
		service.logger.Warn("escrow create failed", zap.String("booking_id", booking.BookingID), zap.String("ref", request.Ref.String()), zap.Error(err))
		return Result{}, err
	}
	result.Replayed = replayed
	if !replayed {
		service.publish(ctx, operationCreate, "", result)
	}
	service.logger.Info("escrow created", zap.String("booking_id", booking.BookingID), zap.String("bucket", bucket), zap.Bool("replayed", replayed))
	return result, nil
}

// transitionPlan describes one state change of an escrow. apply runs the external effects with
// refs derived from ref and returns the escrow to store. via names an intermediate status the
// escrow passes through in the same operation.
type transitionPlan struct {
	operation string
	bookingID string
	ref       ledger.Ref
	from      []Status
	arguments []any
	detail    string
	apply     func(ctx context.Context, current Escrow) (Escrow, Status, error)
	// abandon runs when apply succeeded but the escrow update could not be committed.
	abandon func(ctx context.Context, attempted Escrow, ref ledger.Ref)
}

// transition runs a plan as a saga: effects first, each idempotent under a derived ref, then the
// escrow update and its transition rows in one transaction recorded under ref. A replayed ref
// returns the stored result without touching any collaborator.
func (service *Service) transition(ctx context.Context, plan transitionPlan) (Result, error) {
	if plan.ref.IsZero() {
		return Result{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidRef)
	}
	bookingID := strings.TrimSpace(plan.bookingID)
	call := ledger.NewIdempotentCall(plan.operation, plan.ref, append([]any{bookingID}, plan.arguments...)...)

	var (
		next Escrow
		via  Status
		from Escrow
	)
	_, recorded, err := service.store.GetOperation(ctx, plan.ref)
	if err != nil {
		return Result{}, err
	}
	if !recorded {
		from, err = service.store.GetEscrow(ctx, bookingID)
		if err != nil {
			return Result{}, err
		}
		if !slices.Contains(plan.from, from.Status) {
			return Result{Escrow: from}, fmt.Errorf("%w: booking %s is %s", ErrInvalidState, bookingID, from.Status)
		}
		next, via, err = plan.apply(ctx, from)
		if err != nil {
			service.logger.Warn("escrow operation failed",
				zap.String("operation", plan.operation),
				zap.String("booking_id", bookingID),
				zap.String("ref", plan.ref.String()),
				zap.Error(err),
			)
			return Result{Escrow: from}, err
		}
		if err := validatePath(from.Status, via, next.Status); err != nil {
			return Result{Escrow: from}, err
		}
	}

	result, replayed, err := ledger.RunIdempotent(ctx, service.retryPolicy, service.store.WithTx, call, service.nowFn, func(ctx context.Context, txStore Store) (Result, error) {
		if next.Booking.BookingID == "" {
			return Result{}, fmt.Errorf("%w: %s was not recorded", ErrInvalidState, plan.ref)
		}
		nowUnixUTC := service.nowFn()
		next.Version = from.Version + 1
		next.UpdatedUnixUTC = nowUnixUTC
		if err := txStore.UpdateEscrow(ctx, next, from.Version); err != nil {
			return Result{}, err
		}
		path := hops(from.Status, via, next.Status)
		if len(path) == 0 {
			path = [][2]Status{{from.Status, from.Status}}
		}
		for _, hop := range path {
			if err := txStore.InsertTransition(ctx, Transition{
				BookingID:      bookingID,
				From:           hop[0],
				To:             hop[1],
				Operation:      plan.operation,
				Ref:            plan.ref,
				Detail:         plan.detail,
				CreatedUnixUTC: nowUnixUTC,
			}); err != nil {
				return Result{}, err
			}
		}
		return Result{Ref: plan.ref, Escrow: next}, nil
	})
	if err != nil {
		if plan.abandon != nil && next.Booking.BookingID != "" {
			plan.abandon(ctx, next, plan.ref)
		}
		service.logger.Warn("escrow transition failed",
			zap.String("operation", plan.operation),
			zap.String("booking_id", bookingID),
			zap.String("ref", plan.ref.String()),
			zap.Error(err),
		)
		return Result{}, err
	}
	result.Replayed = replayed
	if !replayed {
		service.publish(ctx, plan.operation, from.Status, result)
	}
	service.logger.Info("escrow transition",
		zap.String("operation", plan.operation),
		zap.String("booking_id", bookingID),
		zap.String("status", string(result.Escrow.Status)),
		zap.String("ref", plan.ref.String()),
		zap.Bool("replayed", replayed),
	)
	return result, nil
}

func validatePath(from Status, via Status, to Status) error {
	for _, hop := range hops(from, via, to) {
		if !hop[0].CanTransition(hop[1]) {
			return fmt.Errorf("%w: %s cannot move to %s", ErrInvalidState, hop[0], hop[1])
		}
	}
	return nil
}

// hops lists the status changes between from and to, skipping unchanged steps.
func hops(from Status, via Status, to Status) [][2]Status {
	var path [][2]Status
	current := from
	for _, step := range []Status{via, to} {
		if step == "" || step == current {
			continue
		}
		path = append(path, [2]Status{current, step})
		current = step
	}
	return path
}

func (service *Service) publish(ctx context.Context, operation string, from Status, result Result) {
	if len(service.publishers) == 0 {
		return
	}
	event := Event{
		Type:            strings.TrimPrefix(operation, "escrow_"),
		BookingID:       result.Escrow.BookingID(),
		From:            from,
		To:              result.Escrow.Status,
		Ref:             result.Ref,
		Settlement:      result.Escrow.Settlement,
		OccurredUnixUTC: result.Escrow.UpdatedUnixUTC,
	}
	for _, publisher := range service.publishers {
		if err := publisher.Publish(ctx, event); err != nil {
			service.logger.Warn("escrow event not published", zap.String("type", event.Type), zap.String("booking_id", event.BookingID), zap.Error(err))
		}
	}
}

// sweepRef is the deterministic ref of a sweep-driven operation on one booking.
func sweepRef(operation string, bookingID string) (ledger.Ref, error) {
	return ledger.NewRef("escrow:" + bookingID + ":" + strings.TrimPrefix(operation, "escrow_"))
}

func deriveRef(base ledger.Ref, suffix string) (ledger.Ref, error) {
	return ledger.DeriveRef(base, suffix)
}

func (service *Service) metadata(escrow Escrow, operation string) (ledger.MetadataJSON, error) {
	encoded, err := json.Marshal(map[string]string{
		"booking_id": escrow.BookingID(),
		"car_id":     escrow.Booking.CarID,
		"operation":  operation,
	})
	if err != nil {
		return ledger.MetadataJSON{}, err
	}
	return ledger.NewMetadataJSON(string(encoded))
}

type bookingParties struct {
	renter  ledger.UserID
	owner   ledger.UserID
	booking ledger.BookingID
}

func partiesOf(escrow Escrow) (bookingParties, error) {
	renter, err := ledger.NewUserID(escrow.Booking.RenterID)
	if err != nil {
		return bookingParties{}, err
	}
	owner, err := ledger.NewUserID(escrow.Booking.OwnerID)
	if err != nil {
		return bookingParties{}, err
	}
	booking, err := ledger.NewBookingID(escrow.Booking.BookingID)
	if err != nil {
		return bookingParties{}, err
	}
	return bookingParties{renter: renter, owner: owner, booking: booking}, nil
}

// sweep applies fn to up to limit escrows in status, in booking id order. Failures are logged
// and skipped so one booking cannot stall the rest.
func (service *Service) sweep(ctx context.Context, status Status, limit int, fn func(ctx context.Context, escrow Escrow) (bool, error)) (int, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	processed := 0
	after := ""
	for processed < limit {
		page, err := service.store.ListByStatus(ctx, status, after, limit)
		if err != nil {
			return processed, err
		}
		if len(page) == 0 {
			return processed, nil
		}
		for _, escrow := range page {
			after = escrow.BookingID()
			done, err := fn(ctx, escrow)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return processed, err
				}
				service.logger.Warn("escrow sweep skipped booking", zap.String("status", string(status)), zap.String("booking_id", escrow.BookingID()), zap.Error(err))
				continue
			}
			if done {
				processed++
				if processed >= limit {
					return processed, nil
				}
			}
		}
		if len(page) < limit {
			return processed, nil
		}
	}
	return processed, nil
}
