package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is a signed integer amount in cents.
type AmountCents int64

// Int64 exposes the raw value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// Negated returns the amount with the opposite sign.
func (amount AmountCents) Negated() AmountCents {
	return -amount
}

// PositiveAmountCents is an amount in cents that is strictly greater than zero.
type PositiveAmountCents int64

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// ToAmountCents converts to the signed representation.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// Int64 exposes the raw value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// MarshalText implements encoding.TextMarshaler.
func (id UserID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *UserID) UnmarshalText(text []byte) error {
	id.value = strings.TrimSpace(string(text))
	return nil
}

// BookingID identifies the booking a movement belongs to. The zero value means "no booking".
type BookingID struct {
	value string
}

// NewBookingID validates and normalizes a booking id.
func NewBookingID(raw string) (BookingID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BookingID{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	return BookingID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BookingID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id BookingID) IsZero() bool {
	return id.value == ""
}

// MarshalText implements encoding.TextMarshaler.
func (id BookingID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *BookingID) UnmarshalText(text []byte) error {
	id.value = strings.TrimSpace(string(text))
	return nil
}

// Ref is the caller-supplied idempotency reference of an operation.
type Ref struct {
	value string
}

// NewRef validates and normalizes a ref.
func NewRef(raw string) (Ref, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Ref{}, fmt.Errorf("%w: empty value", ErrInvalidRef)
	}
	return Ref{value: trimmed}, nil
}

// DeriveRef appends a suffix to a base ref.
func DeriveRef(base Ref, suffix string) (Ref, error) {
	if base.value == "" {
		return Ref{}, fmt.Errorf("%w: empty base", ErrInvalidRef)
	}
	return NewRef(base.value + refDelimiter + suffix)
}

// String returns the normalized ref.
func (ref Ref) String() string {
	return ref.value
}

// IsZero reports whether the ref is unset.
func (ref Ref) IsZero() bool {
	return ref.value == ""
}

// MarshalText implements encoding.TextMarshaler.
func (ref Ref) MarshalText() ([]byte, error) {
	return []byte(ref.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (ref *Ref) UnmarshalText(text []byte) error {
	ref.value = strings.TrimSpace(string(text))
	return nil
}

// Currency is an ISO-4217 currency code.
type Currency struct {
	value string
}

// NewCurrency validates a three-letter currency code.
func NewCurrency(raw string) (Currency, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != 3 {
		return Currency{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
	}
	for _, symbol := range normalized {
		if symbol < 'A' || symbol > 'Z' {
			return Currency{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
		}
	}
	return Currency{value: normalized}, nil
}

// String returns the currency code.
func (currency Currency) String() string {
	return currency.value
}

// IsZero reports whether the currency is unset.
func (currency Currency) IsZero() bool {
	return currency.value == ""
}

// MarshalText implements encoding.TextMarshaler.
func (currency Currency) MarshalText() ([]byte, error) {
	return []byte(currency.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (currency *Currency) UnmarshalText(text []byte) error {
	currency.value = strings.ToUpper(strings.TrimSpace(string(text)))
	return nil
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// MarshalJSON embeds the metadata verbatim.
func (metadata MetadataJSON) MarshalJSON() ([]byte, error) {
	return []byte(metadata.String()), nil
}

// UnmarshalJSON keeps the raw metadata blob.
func (metadata *MetadataJSON) UnmarshalJSON(raw []byte) error {
	parsed, err := NewMetadataJSON(string(raw))
	if err != nil {
		return err
	}
	*metadata = parsed
	return nil
}

// Bucket is the partition of a wallet an entry applies to.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketLocked    Bucket = "locked"
)

// ParseBucket validates a stored bucket value.
func ParseBucket(raw string) (Bucket, error) {
	switch Bucket(strings.TrimSpace(raw)) {
	case BucketAvailable:
		return BucketAvailable, nil
	case BucketLocked:
		return BucketLocked, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBucket, raw)
	}
}

// String returns the bucket name.
func (bucket Bucket) String() string {
	return string(bucket)
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string       `json:"entry_id"`
	UserID         UserID       `json:"user_id"`
	Bucket         Bucket       `json:"bucket"`
	Kind           EntryKind    `json:"kind"`
	AmountCents    AmountCents  `json:"amount_cents"`
	Ref            Ref          `json:"ref"`
	Leg            string       `json:"leg"`
	BookingID      BookingID    `json:"booking_id"`
	Metadata       MetadataJSON `json:"metadata"`
	CreatedUnixUTC int64        `json:"created_unix_utc"`
}

// Wallet is the derived per-user aggregate maintained alongside the entries.
type Wallet struct {
	UserID                    UserID      `json:"user_id"`
	Currency                  Currency    `json:"currency"`
	AvailableCents            AmountCents `json:"available_cents"`
	LockedCents               AmountCents `json:"locked_cents"`
	NonWithdrawableFloorCents AmountCents `json:"non_withdrawable_floor_cents"`
	Version                   int64       `json:"version"`
	UpdatedUnixUTC            int64       `json:"updated_unix_utc"`
}

// Balance is the read view of a wallet.
type Balance struct {
	UserID                    UserID      `json:"user_id"`
	Currency                  Currency    `json:"currency"`
	AvailableCents            AmountCents `json:"available_cents"`
	LockedCents               AmountCents `json:"locked_cents"`
	TotalCents                AmountCents `json:"total_cents"`
	NonWithdrawableFloorCents AmountCents `json:"non_withdrawable_floor_cents"`
	WithdrawableCents         AmountCents `json:"withdrawable_cents"`
}

func balanceOf(wallet Wallet) Balance {
	withdrawable := wallet.AvailableCents - wallet.NonWithdrawableFloorCents
	if withdrawable < 0 {
		withdrawable = 0
	}
	return Balance{
		UserID:                    wallet.UserID,
		Currency:                  wallet.Currency,
		AvailableCents:            wallet.AvailableCents,
		LockedCents:               wallet.LockedCents,
		TotalCents:                wallet.AvailableCents + wallet.LockedCents,
		NonWithdrawableFloorCents: wallet.NonWithdrawableFloorCents,
		WithdrawableCents:         withdrawable,
	}
}

// LockPurpose names what a fund lock secures.
type LockPurpose string

const (
	LockPurposeRental     LockPurpose = "rental"
	LockPurposeDeposit    LockPurpose = "deposit"
	LockPurposeWithdrawal LockPurpose = "withdrawal"
)

// ParseLockPurpose validates a lock purpose.
func ParseLockPurpose(raw string) (LockPurpose, error) {
	switch LockPurpose(strings.TrimSpace(raw)) {
	case LockPurposeRental:
		return LockPurposeRental, nil
	case LockPurposeDeposit:
		return LockPurposeDeposit, nil
	case LockPurposeWithdrawal:
		return LockPurposeWithdrawal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLockPurpose, raw)
	}
}

// String returns the purpose name.
func (purpose LockPurpose) String() string {
	return string(purpose)
}

// LockStatus defines fund lock lifecycle.
type LockStatus string

const (
	LockStatusActive   LockStatus = "active"
	LockStatusCaptured LockStatus = "captured"
	LockStatusReleased LockStatus = "released"
)

// ParseLockStatus validates a stored lock status.
func ParseLockStatus(raw string) (LockStatus, error) {
	switch LockStatus(strings.TrimSpace(raw)) {
	case LockStatusActive:
		return LockStatusActive, nil
	case LockStatusCaptured:
		return LockStatusCaptured, nil
	case LockStatusReleased:
		return LockStatusReleased, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLockStatus, raw)
	}
}

// String returns the status name.
func (status LockStatus) String() string {
	return string(status)
}

// FundLock records money moved from available into locked for a purpose.
type FundLock struct {
	LockID         string      `json:"lock_id"`
	UserID         UserID      `json:"user_id"`
	BookingID      BookingID   `json:"booking_id"`
	Purpose        LockPurpose `json:"purpose"`
	AmountCents    AmountCents `json:"amount_cents"`
	CapturedCents  AmountCents `json:"captured_cents"`
	Status         LockStatus  `json:"status"`
	Ref            Ref         `json:"ref"`
	CreatedUnixUTC int64       `json:"created_unix_utc"`
	UpdatedUnixUTC int64       `json:"updated_unix_utc"`
}

// LockIDFor returns the deterministic lock id of a booking hold.
func LockIDFor(bookingID BookingID, purpose LockPurpose) string {
	return bookingID.String() + refDelimiter + purpose.String()
}

// DepositStatus defines the pending deposit lifecycle.
type DepositStatus string

const (
	DepositStatusPending   DepositStatus = "pending"
	DepositStatusConfirmed DepositStatus = "confirmed"
	DepositStatusExpired   DepositStatus = "expired"
)

// DepositTransaction is an inbound top-up awaiting provider confirmation.
type DepositTransaction struct {
	TransactionID    string        `json:"transaction_id"`
	UserID           UserID        `json:"user_id"`
	AmountCents      AmountCents   `json:"amount_cents"`
	Provider         string        `json:"provider"`
	ProviderRef      string        `json:"provider_ref"`
	Ref              Ref           `json:"ref"`
	Status           DepositStatus `json:"status"`
	ExpiresAtUnixUTC int64         `json:"expires_at_unix_utc"`
	CreatedUnixUTC   int64         `json:"created_unix_utc"`
	UpdatedUnixUTC   int64         `json:"updated_unix_utc"`
}

// WithdrawalStatus defines the withdrawal lifecycle.
type WithdrawalStatus string

const (
	WithdrawalStatusRequested  WithdrawalStatus = "requested"
	WithdrawalStatusApproved   WithdrawalStatus = "approved"
	WithdrawalStatusProcessing WithdrawalStatus = "processing"
	WithdrawalStatusCompleted  WithdrawalStatus = "completed"
	WithdrawalStatusFailed     WithdrawalStatus = "failed"
	WithdrawalStatusRejected   WithdrawalStatus = "rejected"
)

// Withdrawal is an outbound payout request backed by a locked hold.
type Withdrawal struct {
	WithdrawalID   string           `json:"withdrawal_id"`
	UserID         UserID           `json:"user_id"`
	AmountCents    AmountCents      `json:"amount_cents"`
	Destination    string           `json:"destination"`
	Ref            Ref              `json:"ref"`
	Status         WithdrawalStatus `json:"status"`
	PayoutRef      string           `json:"payout_ref"`
	FailureReason  string           `json:"failure_reason"`
	CreatedUnixUTC int64            `json:"created_unix_utc"`
	UpdatedUnixUTC int64            `json:"updated_unix_utc"`
}

// OperationRecord stores the outcome of an idempotent operation keyed by its ref.
type OperationRecord struct {
	Ref            Ref
	Operation      string
	Fingerprint    string
	ResultJSON     string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// LockWallets returns the wallets of the given users, creating missing ones with the
	// given currency. Rows are locked for update in ascending user id order.
	LockWallets(ctx context.Context, userIDs []UserID, currency Currency) (map[UserID]Wallet, error)
	GetWallet(ctx context.Context, userID UserID) (Wallet, bool, error)
	SaveWallet(ctx context.Context, wallet Wallet) error

	InsertEntries(ctx context.Context, entries []Entry) error
	ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error)
	ListEntriesByRef(ctx context.Context, ref Ref) ([]Entry, error)
	ListEntriesByBooking(ctx context.Context, bookingID BookingID) ([]Entry, error)

	CreateFundLock(ctx context.Context, fundLock FundLock) error
	GetFundLock(ctx context.Context, lockID string) (FundLock, error)
	ListFundLocksByBooking(ctx context.Context, bookingID BookingID) ([]FundLock, error)
	UpdateFundLock(ctx context.Context, fundLock FundLock, from LockStatus) error

	CreateDeposit(ctx context.Context, deposit DepositTransaction) error
	GetDeposit(ctx context.Context, transactionID string) (DepositTransaction, error)
	UpdateDeposit(ctx context.Context, deposit DepositTransaction, from DepositStatus) error
	ListExpiredDeposits(ctx context.Context, atUnixUTC int64, limit int) ([]DepositTransaction, error)

	CreateWithdrawal(ctx context.Context, withdrawal Withdrawal) error
	GetWithdrawal(ctx context.Context, withdrawalID string) (Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, withdrawal Withdrawal, from WithdrawalStatus) error

	GetOperation(ctx context.Context, ref Ref) (OperationRecord, bool, error)
	InsertOperation(ctx context.Context, record OperationRecord) error
}
