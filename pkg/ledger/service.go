package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store                Store
	nowFn                func() int64
	logger               OperationLogger
	currency             Currency
	depositExpirySeconds int64
	systemAccounts       map[UserID]struct{}
	retryPolicy          retrypolicy.RetryPolicy[any]
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:                store,
		nowFn:                now,
		currency:             Currency{value: defaultCurrencyCode},
		depositExpirySeconds: defaultDepositExpirySeconds,
		systemAccounts:       map[UserID]struct{}{},
		retryPolicy:          newConflictRetryPolicy(DefaultRetryConfig()),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.currency.IsZero() {
		return nil, fmt.Errorf("%w: currency is empty", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Currency returns the currency every wallet of this ledger is denominated in.
func (service *Service) Currency() Currency {
	return service.currency
}

// IsSystemAccount reports whether the user may carry a negative available balance.
func (service *Service) IsSystemAccount(userID UserID) bool {
	_, ok := service.systemAccounts[userID]
	return ok
}

// Balance returns the wallet aggregate of a user. Unknown users have an empty wallet.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	if userID.IsZero() {
		return Balance{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	wallet, found, err := service.store.GetWallet(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	if !found {
		wallet = Wallet{UserID: userID, Currency: service.currency}
	}
	return balanceOf(wallet), nil
}

// ListEntries lists ledger entries for a user created before a cutoff time, newest first.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return service.store.ListEntries(ctx, userID, beforeUnixUTC, normalizeLimit(limit))
}

// EntriesByRef returns every entry written under a ref.
func (service *Service) EntriesByRef(ctx context.Context, ref Ref) ([]Entry, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidRef)
	}
	return service.store.ListEntriesByRef(ctx, ref)
}

// EntriesByBooking returns every entry tagged with a booking.
func (service *Service) EntriesByBooking(ctx context.Context, bookingID BookingID) ([]Entry, error) {
	if bookingID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	return service.store.ListEntriesByBooking(ctx, bookingID)
}

// LocksByBooking returns the fund locks of a booking.
func (service *Service) LocksByBooking(ctx context.Context, bookingID BookingID) ([]FundLock, error) {
	if bookingID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	return service.store.ListFundLocksByBooking(ctx, bookingID)
}

// AuditRef checks that the entries of a ref conserve money.
func (service *Service) AuditRef(ctx context.Context, ref Ref) (ConservationReport, error) {
	entries, err := service.EntriesByRef(ctx, ref)
	if err != nil {
		return ConservationReport{}, err
	}
	return CheckConservation(entries)
}

// leg is one side of a posting before it becomes an Entry.
type leg struct {
	userID UserID
	bucket Bucket
	kind   EntryKind
	amount AmountCents
}

type posting struct {
	ref       Ref
	bookingID BookingID
	metadata  MetadataJSON
	legs      []leg
}

// post applies legs to the locked wallets and appends the matching entries.
func (service *Service) post(ctx context.Context, txStore Store, current posting) ([]Entry, error) {
	if len(current.legs) == 0 {
		return []Entry{}, nil
	}
	userIDs := uniqueUsers(current.legs)
	wallets, err := txStore.LockWallets(ctx, userIDs, service.currency)
	if err != nil {
		return nil, err
	}
	nowUnixUTC := service.nowFn()
	entries := make([]Entry, 0, len(current.legs))
	for index, currentLeg := range current.legs {
		if currentLeg.amount == 0 {
			continue
		}
		wallet, ok := wallets[currentLeg.userID]
		if !ok {
			return nil, WrapError("service", "wallet", "missing", fmt.Errorf("%w: %s", ErrInvalidState, currentLeg.userID))
		}
		switch currentLeg.bucket {
		case BucketAvailable:
			wallet.AvailableCents += currentLeg.amount
		case BucketLocked:
			wallet.LockedCents += currentLeg.amount
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidBucket, currentLeg.bucket)
		}
		wallets[currentLeg.userID] = wallet
		entries = append(entries, Entry{
			EntryID:        uuid.NewString(),
			UserID:         currentLeg.userID,
			Bucket:         currentLeg.bucket,
			Kind:           currentLeg.kind,
			AmountCents:    currentLeg.amount,
			Ref:            current.ref,
			Leg:            fmt.Sprintf("%02d:%s:%s", index, currentLeg.bucket, currentLeg.kind),
			BookingID:      current.bookingID,
			Metadata:       current.metadata,
			CreatedUnixUTC: nowUnixUTC,
		})
	}
	for _, userID := range userIDs {
		wallet := wallets[userID]
		if wallet.Currency != service.currency {
			return nil, fmt.Errorf("%w: wallet %s is %s", ErrCurrencyMismatch, userID, wallet.Currency)
		}
		if wallet.LockedCents < 0 {
			return nil, WrapError("service", "wallet", "negative_locked", ErrInvalidState)
		}
		if wallet.AvailableCents < 0 && !service.IsSystemAccount(userID) {
			return nil, ErrInsufficientFunds
		}
		wallet.Version++
		wallet.UpdatedUnixUTC = nowUnixUTC
		if err := txStore.SaveWallet(ctx, wallet); err != nil {
			return nil, err
		}
	}
	if err := txStore.InsertEntries(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// lockedWallet loads a single wallet under lock.
func (service *Service) lockedWallet(ctx context.Context, txStore Store, userID UserID) (Wallet, error) {
	wallets, err := txStore.LockWallets(ctx, []UserID{userID}, service.currency)
	if err != nil {
		return Wallet{}, err
	}
	wallet, ok := wallets[userID]
	if !ok {
		return Wallet{}, WrapError("service", "wallet", "missing", ErrInvalidState)
	}
	return wallet, nil
}

func uniqueUsers(legs []leg) []UserID {
	seen := make(map[UserID]struct{}, len(legs))
	userIDs := make([]UserID, 0, len(legs))
	for _, currentLeg := range legs {
		if _, ok := seen[currentLeg.userID]; ok {
			continue
		}
		seen[currentLeg.userID] = struct{}{}
		userIDs = append(userIDs, currentLeg.userID)
	}
	SortUserIDs(userIDs)
	return userIDs
}

// SortUserIDs orders ids ascending, the order wallet rows are locked in.
func SortUserIDs(userIDs []UserID) {
	sort.Slice(userIDs, func(left, right int) bool {
		return userIDs[left].String() < userIDs[right].String()
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
