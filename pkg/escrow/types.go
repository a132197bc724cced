package escrow

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
)

// Status is the settlement state of a booking escrow.
type Status string

const (
	StatusUnlocked      Status = "unlocked"
	StatusLocked        Status = "locked"
	StatusCharged       Status = "charged"
	StatusDisputed      Status = "disputed"
	StatusCompleted     Status = "completed"
	StatusRefunded      Status = "refunded"
	StatusDamageSettled Status = "damage_settled"
	StatusExpired       Status = "expired"
)

var transitions = map[Status][]Status{
	StatusUnlocked:      {StatusLocked, StatusRefunded, StatusExpired},
	StatusLocked:        {StatusCharged, StatusDisputed, StatusRefunded},
	StatusCharged:       {StatusCompleted, StatusDisputed},
	StatusDisputed:      {StatusCompleted, StatusDamageSettled},
	StatusCompleted:     nil,
	StatusRefunded:      nil,
	StatusDamageSettled: nil,
	StatusExpired:       nil,
}

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.TrimSpace(raw))
	if _, ok := transitions[status]; !ok {
		return "", fmt.Errorf("%w: status %q", ErrInvalidState, raw)
	}
	return status, nil
}

// CanTransition reports whether the state machine allows moving to next.
func (status Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[status], next)
}

// IsTerminal reports whether no further ledger writes may reference the booking.
func (status Status) IsTerminal() bool {
	allowed, ok := transitions[status]
	return ok && len(allowed) == 0
}

// CancelPolicy is the owner's cancellation policy.
type CancelPolicy string

const (
	CancelPolicyFlex     CancelPolicy = "flex"
	CancelPolicyModerate CancelPolicy = "moderate"
	CancelPolicyStrict   CancelPolicy = "strict"
)

// ParseCancelPolicy validates a cancel policy. An empty value is flex.
func ParseCancelPolicy(raw string) (CancelPolicy, error) {
	switch policy := CancelPolicy(strings.TrimSpace(raw)); policy {
	case "":
		return CancelPolicyFlex, nil
	case CancelPolicyFlex, CancelPolicyModerate, CancelPolicyStrict:
		return policy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCancelPolicy, raw)
	}
}

// PaymentMode orders the wallet lock and the card hold when securing a booking.
type PaymentMode string

const (
	PaymentModeWalletFirst PaymentMode = "wallet_first"
	PaymentModeCardFirst   PaymentMode = "card_first"
	PaymentModeWalletOnly  PaymentMode = "wallet_only"
	PaymentModeCardOnly    PaymentMode = "card_only"
)

// ParsePaymentMode validates a payment mode. An empty value is wallet first.
func ParsePaymentMode(raw string) (PaymentMode, error) {
	switch mode := PaymentMode(strings.TrimSpace(raw)); mode {
	case "":
		return PaymentModeWalletFirst, nil
	case PaymentModeWalletFirst, PaymentModeCardFirst, PaymentModeWalletOnly, PaymentModeCardOnly:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMode, raw)
	}
}

// FundingSource is where the locked funds of a booking live.
type FundingSource string

const (
	FundingNone   FundingSource = ""
	FundingWallet FundingSource = "wallet"
	FundingCard   FundingSource = "card"
)

// BookingContext is the read-only view of the booking the escrow settles.
type BookingContext struct {
	BookingID        string             `json:"booking_id"`
	CarID            string             `json:"car_id"`
	RenterID         string             `json:"renter_id"`
	OwnerID          string             `json:"owner_id"`
	StartUnixUTC     int64              `json:"start_unix_utc"`
	EndUnixUTC       int64              `json:"end_unix_utc"`
	CancelPolicy     CancelPolicy       `json:"cancel_policy"`
	PaymentMode      PaymentMode        `json:"payment_mode"`
	CountryCode      string             `json:"country_code"`
	CarValueUSDCents int64              `json:"car_value_usd_cents"`
	GuaranteeType    risk.GuaranteeType `json:"guarantee_type"`
}

// Validate checks the booking context.
func (booking BookingContext) Validate() error {
	switch {
	case strings.TrimSpace(booking.BookingID) == "":
		return fmt.Errorf("%w: booking id", ErrInvalidBooking)
	case strings.TrimSpace(booking.RenterID) == "" || strings.TrimSpace(booking.OwnerID) == "":
		return fmt.Errorf("%w: renter and owner are required", ErrInvalidBooking)
	case strings.TrimSpace(booking.RenterID) == strings.TrimSpace(booking.OwnerID):
		return fmt.Errorf("%w: renter and owner are the same user", ErrInvalidBooking)
	case booking.EndUnixUTC <= booking.StartUnixUTC:
		return fmt.Errorf("%w: end must be after start", ErrInvalidBooking)
	}
	if _, err := ParseCancelPolicy(string(booking.CancelPolicy)); err != nil {
		return err
	}
	_, err := ParsePaymentMode(string(booking.PaymentMode))
	return err
}

// Amounts are the quoted rental and the security deposit of a booking, in cents.
type Amounts struct {
	RentalCents  int64 `json:"rental_cents"`
	DepositCents int64 `json:"deposit_cents"`
}

// Validate checks the amounts.
func (amounts Amounts) Validate() error {
	if amounts.RentalCents <= 0 || amounts.DepositCents < 0 {
		return fmt.Errorf("%w: rental %d, deposit %d", ErrInvalidAmounts, amounts.RentalCents, amounts.DepositCents)
	}
	return nil
}

// Settlement records where the escrowed money went.
type Settlement struct {
	OwnerPayoutCents     int64 `json:"owner_payout_cents"`
	PlatformFeeCents     int64 `json:"platform_fee_cents"`
	RentalRefundCents    int64 `json:"rental_refund_cents"`
	CancelFeeCents       int64 `json:"cancel_fee_cents"`
	DamageChargeCents    int64 `json:"damage_charge_cents"`
	DepositReleasedCents int64 `json:"deposit_released_cents"`
	CardCapturedCents    int64 `json:"card_captured_cents"`
	FGOClaimCents        int64 `json:"fgo_claim_cents"`
	FGOPaidCents         int64 `json:"fgo_paid_cents"`
	FGOShortfallCents    int64 `json:"fgo_shortfall_cents"`
	RefundShortfallCents int64 `json:"refund_shortfall_cents,omitempty"`
}

// Escrow is the settlement record of one booking. It is changed only by the Service.
type Escrow struct {
	Booking                BookingContext `json:"booking"`
	Amounts                Amounts        `json:"amounts"`
	PlatformFeeBps         int64          `json:"platform_fee_bps"`
	Status                 Status         `json:"status"`
	FundingSource          FundingSource  `json:"funding_source,omitempty"`
	PaymentIntentID        string         `json:"payment_intent_id,omitempty"`
	Bucket                 string         `json:"bucket,omitempty"`
	RiskSnapshotID         string         `json:"risk_snapshot_id,omitempty"`
	RequiresRevalidation   bool           `json:"requires_revalidation"`
	HoldExpiresUnixUTC     int64          `json:"hold_expires_unix_utc"`
	LockedUnixUTC          int64          `json:"locked_unix_utc,omitempty"`
	RenterConfirmedUnixUTC int64          `json:"renter_confirmed_unix_utc,omitempty"`
	OwnerConfirmedUnixUTC  int64          `json:"owner_confirmed_unix_utc,omitempty"`
	TripCompletedUnixUTC   int64          `json:"trip_completed_unix_utc,omitempty"`
	AutoReleaseUnixUTC     int64          `json:"auto_release_unix_utc,omitempty"`
	DepositReleaseUnixUTC  int64          `json:"deposit_release_unix_utc,omitempty"`
	DamageClaimCents       int64          `json:"damage_claim_cents,omitempty"`
	DamageDescription      string         `json:"damage_description,omitempty"`
	DisputedFrom           Status         `json:"disputed_from,omitempty"`
	Settlement             Settlement     `json:"settlement"`
	Version                int64          `json:"version"`
	CreatedUnixUTC         int64          `json:"created_unix_utc"`
	UpdatedUnixUTC         int64          `json:"updated_unix_utc"`
}

// BookingID returns the booking identifier.
func (escrow Escrow) BookingID() string {
	return escrow.Booking.BookingID
}

// BothConfirmed reports whether renter and owner have both confirmed completion.
func (escrow Escrow) BothConfirmed() bool {
	return escrow.RenterConfirmedUnixUTC > 0 && escrow.OwnerConfirmedUnixUTC > 0
}

// Transition is the audit row of one state change.
type Transition struct {
	BookingID      string     `json:"booking_id"`
	From           Status     `json:"from"`
	To             Status     `json:"to"`
	Operation      string     `json:"operation"`
	Ref            ledger.Ref `json:"ref"`
	Detail         string     `json:"detail,omitempty"`
	CreatedUnixUTC int64      `json:"created_unix_utc"`
}

// Event is published after every committed transition.
type Event struct {
	Type            string     `json:"type"`
	BookingID       string     `json:"booking_id"`
	From            Status     `json:"from"`
	To              Status     `json:"to"`
	Ref             ledger.Ref `json:"ref"`
	Settlement      Settlement `json:"settlement"`
	OccurredUnixUTC int64      `json:"occurred_unix_utc"`
}

// Ledger is the wallet ledger surface the escrow drives.
type Ledger interface {
	LockFunds(ctx context.Context, request ledger.LockRequest) (ledger.LockResult, error)
	SettleLock(ctx context.Context, request ledger.SettleRequest) (ledger.LockResult, error)
	UnlockFunds(ctx context.Context, request ledger.UnlockRequest) (ledger.LockResult, error)
	Credit(ctx context.Context, request ledger.CreditRequest) (ledger.Receipt, error)
	Transfer(ctx context.Context, request ledger.TransferRequest) (ledger.Receipt, error)
}

// GuaranteeFund receives deposit contributions and pays claims above the deposit.
type GuaranteeFund interface {
	ContributeFromDeposit(ctx context.Context, request fgo.ContributionRequest) (fgo.ContributionResult, error)
	ExecuteWaterfall(ctx context.Context, request fgo.WaterfallRequest) (fgo.WaterfallResult, error)
}

// RiskChecker freezes and revalidates the FX and guarantee terms of a booking.
type RiskChecker interface {
	Snapshot(ctx context.Context, request risk.SnapshotRequest) (risk.Snapshot, error)
	CheckRevalidation(ctx context.Context, bookingID string) (risk.Revalidation, error)
	Refresh(ctx context.Context, bookingID string) (risk.Snapshot, error)
}

// AuthorizationRequest asks the card processor to hold an amount.
type AuthorizationRequest struct {
	BookingID   string
	UserID      string
	AmountCents int64
	Currency    string
	Ref         string
}

// Authorization is a card hold.
type Authorization struct {
	IntentID    string `json:"intent_id"`
	AmountCents int64  `json:"amount_cents"`
}

// PaymentAuthorizer holds, captures and cancels card authorizations. Ref is the idempotency key
// forwarded to the processor.
type PaymentAuthorizer interface {
	Authorize(ctx context.Context, request AuthorizationRequest) (Authorization, error)
	Capture(ctx context.Context, intentID string, amountCents int64, ref string) error
	Cancel(ctx context.Context, intentID string, ref string) error
}

// VerificationGate reports whether a user may lock funds at all.
type VerificationGate interface {
	IsVerified(ctx context.Context, userID string) (bool, error)
}

// EventPublisher publishes committed transitions.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Store persists escrows, their transitions and the operation journal.
type Store interface {
	ledger.OperationJournal
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateEscrow(ctx context.Context, escrow Escrow) error
	GetEscrow(ctx context.Context, bookingID string) (Escrow, error)
	UpdateEscrow(ctx context.Context, escrow Escrow, expectedVersion int64) error
	ListByStatus(ctx context.Context, status Status, afterBookingID string, limit int) ([]Escrow, error)
	InsertTransition(ctx context.Context, transition Transition) error
	ListTransitions(ctx context.Context, bookingID string) ([]Transition, error)
}
