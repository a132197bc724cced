package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// LedgerStore implements ledger.Store using GORM.
type LedgerStore struct {
	db         *gorm.DB
	operations journal
}

// NewLedgerStore returns a LedgerStore backed by gorm.DB.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db, operations: journal{table: TableLedgerOperations}}
}

// WithTx executes fn within a transaction.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return transaction(ctx, store.db, func(tx *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: tx, operations: store.operations})
	})
}

func (store *LedgerStore) LockWallets(ctx context.Context, userIDs []ledger.UserID, currency ledger.Currency) (map[ledger.UserID]ledger.Wallet, error) {
	ordered := append([]ledger.UserID(nil), userIDs...)
	sort.Slice(ordered, func(left, right int) bool { return ordered[left].String() < ordered[right].String() })
	wallets := make(map[ledger.UserID]ledger.Wallet, len(ordered))
	for _, userID := range ordered {
		if _, seen := wallets[userID]; seen {
			continue
		}
		err := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Wallet{UserID: userID.String(), Currency: currency.String(), UpdatedAt: unixTime(0)}).Error
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
		}
		var row Wallet
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID.String()).
			Take(&row).Error
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
		}
		wallet, err := mapWallet(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		wallets[userID] = wallet
	}
	return wallets, nil
}

func (store *LedgerStore) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, bool, error) {
	var row Wallet
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, false, nil
	}
	if err != nil {
		return ledger.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	wallet, err := mapWallet(row)
	if err != nil {
		return ledger.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, true, nil
}

func (store *LedgerStore) SaveWallet(ctx context.Context, wallet ledger.Wallet) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ?", wallet.UserID.String()).
		Updates(map[string]any{
			"currency":                     wallet.Currency.String(),
			"available_cents":              wallet.AvailableCents.Int64(),
			"locked_cents":                 wallet.LockedCents.Int64(),
			"non_withdrawable_floor_cents": wallet.NonWithdrawableFloorCents.Int64(),
			"version":                      wallet.Version,
			"updated_at":                   unixTime(wallet.UpdatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, fmt.Errorf("%w: wallet %s is not locked", ledger.ErrConcurrencyConflict, wallet.UserID))
	}
	return nil
}

func (store *LedgerStore) InsertEntries(ctx context.Context, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]WalletEntry, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, WalletEntry{
			EntryID:     entry.EntryID,
			UserID:      entry.UserID.String(),
			Bucket:      entry.Bucket.String(),
			Kind:        string(entry.Kind),
			AmountCents: entry.AmountCents.Int64(),
			Ref:         entry.Ref.String(),
			Leg:         entry.Leg,
			BookingID:   entry.BookingID.String(),
			Metadata:    datatypesJSON(entry.Metadata.String()),
			CreatedAt:   unixTime(entry.CreatedUnixUTC),
		})
	}
	err := store.db.WithContext(ctx).Create(&rows).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateRef)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *LedgerStore) ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if beforeUnixUTC > 0 {
		query = query.Where("created_at < ?", unixTime(beforeUnixUTC))
	}
	var rows []WalletEntry
	if err := query.Order("sequence DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *LedgerStore) ListEntriesByRef(ctx context.Context, ref ledger.Ref) ([]ledger.Entry, error) {
	var rows []WalletEntry
	if err := store.db.WithContext(ctx).Where("ref = ?", ref.String()).Order("sequence").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *LedgerStore) ListEntriesByBooking(ctx context.Context, bookingID ledger.BookingID) ([]ledger.Entry, error) {
	var rows []WalletEntry
	if err := store.db.WithContext(ctx).Where("booking_id = ?", bookingID.String()).Order("sequence").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *LedgerStore) CreateFundLock(ctx context.Context, fundLock ledger.FundLock) error {
	row := FundLock{
		LockID:        fundLock.LockID,
		UserID:        fundLock.UserID.String(),
		BookingID:     fundLock.BookingID.String(),
		Purpose:       fundLock.Purpose.String(),
		AmountCents:   fundLock.AmountCents.Int64(),
		CapturedCents: fundLock.CapturedCents.Int64(),
		Status:        string(fundLock.Status),
		Ref:           fundLock.Ref.String(),
		CreatedAt:     unixTime(fundLock.CreatedUnixUTC),
		UpdatedAt:     unixTime(fundLock.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectFundLock, errorCodeDuplicate, fmt.Errorf("%w: %s", ledger.ErrLockExists, fundLock.LockID))
	}
	if err != nil {
		return wrapStoreError(errorSubjectFundLock, errorCodeCreate, err)
	}
	return nil
}

func (store *LedgerStore) GetFundLock(ctx context.Context, lockID string) (ledger.FundLock, error) {
	var row FundLock
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("lock_id = ?", lockID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.FundLock{}, wrapStoreError(errorSubjectFundLock, errorCodeGet, fmt.Errorf("%w: %s", ledger.ErrUnknownLock, lockID))
	}
	if err != nil {
		return ledger.FundLock{}, wrapStoreError(errorSubjectFundLock, errorCodeGet, err)
	}
	fundLock, err := mapFundLock(row)
	if err != nil {
		return ledger.FundLock{}, wrapStoreError(errorSubjectFundLock, errorCodeInvalid, err)
	}
	return fundLock, nil
}

func (store *LedgerStore) ListFundLocksByBooking(ctx context.Context, bookingID ledger.BookingID) ([]ledger.FundLock, error) {
	var rows []FundLock
	if err := store.db.WithContext(ctx).Where("booking_id = ?", bookingID.String()).Order("lock_id").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectFundLock, errorCodeList, err)
	}
	locks := make([]ledger.FundLock, 0, len(rows))
	for _, row := range rows {
		fundLock, err := mapFundLock(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectFundLock, errorCodeInvalid, err)
		}
		locks = append(locks, fundLock)
	}
	return locks, nil
}

func (store *LedgerStore) UpdateFundLock(ctx context.Context, fundLock ledger.FundLock, from ledger.LockStatus) error {
	result := store.db.WithContext(ctx).
		Model(&FundLock{}).
		Where("lock_id = ? AND status = ?", fundLock.LockID, string(from)).
		Updates(map[string]any{
			"captured_cents": fundLock.CapturedCents.Int64(),
			"status":         string(fundLock.Status),
			"updated_at":     unixTime(fundLock.UpdatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectFundLock, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetFundLock(ctx, fundLock.LockID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectFundLock, errorCodeUpdateStatus, fmt.Errorf("%w: lock %s is not %s", ledger.ErrInvalidState, fundLock.LockID, from))
	}
	return nil
}

func (store *LedgerStore) CreateDeposit(ctx context.Context, deposit ledger.DepositTransaction) error {
	row := DepositTransaction{
		TransactionID:    deposit.TransactionID,
		UserID:           deposit.UserID.String(),
		AmountCents:      deposit.AmountCents.Int64(),
		Provider:         deposit.Provider,
		ProviderRef:      deposit.ProviderRef,
		Ref:              deposit.Ref.String(),
		Status:           string(deposit.Status),
		ExpiresAtUnixUTC: deposit.ExpiresAtUnixUTC,
		CreatedAt:        unixTime(deposit.CreatedUnixUTC),
		UpdatedAt:        unixTime(deposit.UpdatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectDeposit, errorCodeCreate, err)
	}
	return nil
}

func (store *LedgerStore) GetDeposit(ctx context.Context, transactionID string) (ledger.DepositTransaction, error) {
	var row DepositTransaction
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("transaction_id = ?", transactionID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.DepositTransaction{}, wrapStoreError(errorSubjectDeposit, errorCodeGet, fmt.Errorf("%w: %s", ledger.ErrUnknownDeposit, transactionID))
	}
	if err != nil {
		return ledger.DepositTransaction{}, wrapStoreError(errorSubjectDeposit, errorCodeGet, err)
	}
	deposit, err := mapDeposit(row)
	if err != nil {
		return ledger.DepositTransaction{}, wrapStoreError(errorSubjectDeposit, errorCodeInvalid, err)
	}
	return deposit, nil
}

func (store *LedgerStore) UpdateDeposit(ctx context.Context, deposit ledger.DepositTransaction, from ledger.DepositStatus) error {
	result := store.db.WithContext(ctx).
		Model(&DepositTransaction{}).
		Where("transaction_id = ? AND status = ?", deposit.TransactionID, string(from)).
		Updates(map[string]any{
			"status":       string(deposit.Status),
			"provider_ref": deposit.ProviderRef,
			"updated_at":   unixTime(deposit.UpdatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectDeposit, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetDeposit(ctx, deposit.TransactionID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectDeposit, errorCodeUpdateStatus, fmt.Errorf("%w: deposit %s is not %s", ledger.ErrInvalidState, deposit.TransactionID, from))
	}
	return nil
}

func (store *LedgerStore) ListExpiredDeposits(ctx context.Context, atUnixUTC int64, limit int) ([]ledger.DepositTransaction, error) {
	var rows []DepositTransaction
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at_unix_utc <= ?", string(ledger.DepositStatusPending), atUnixUTC).
		Order("expires_at_unix_utc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectDeposit, errorCodeList, err)
	}
	deposits := make([]ledger.DepositTransaction, 0, len(rows))
	for _, row := range rows {
		deposit, err := mapDeposit(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectDeposit, errorCodeInvalid, err)
		}
		deposits = append(deposits, deposit)
	}
	return deposits, nil
}

func (store *LedgerStore) CreateWithdrawal(ctx context.Context, withdrawal ledger.Withdrawal) error {
	row := Withdrawal{
		WithdrawalID:  withdrawal.WithdrawalID,
		UserID:        withdrawal.UserID.String(),
		AmountCents:   withdrawal.AmountCents.Int64(),
		Destination:   withdrawal.Destination,
		Ref:           withdrawal.Ref.String(),
		Status:        string(withdrawal.Status),
		PayoutRef:     withdrawal.PayoutRef,
		FailureReason: withdrawal.FailureReason,
		CreatedAt:     unixTime(withdrawal.CreatedUnixUTC),
		UpdatedAt:     unixTime(withdrawal.UpdatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeCreate, err)
	}
	return nil
}

func (store *LedgerStore) GetWithdrawal(ctx context.Context, withdrawalID string) (ledger.Withdrawal, error) {
	var row Withdrawal
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("withdrawal_id = ?", withdrawalID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Withdrawal{}, wrapStoreError(errorSubjectWithdrawal, errorCodeGet, fmt.Errorf("%w: %s", ledger.ErrUnknownWithdrawal, withdrawalID))
	}
	if err != nil {
		return ledger.Withdrawal{}, wrapStoreError(errorSubjectWithdrawal, errorCodeGet, err)
	}
	withdrawal, err := mapWithdrawal(row)
	if err != nil {
		return ledger.Withdrawal{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	return withdrawal, nil
}

func (store *LedgerStore) UpdateWithdrawal(ctx context.Context, withdrawal ledger.Withdrawal, from ledger.WithdrawalStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Withdrawal{}).
		Where("withdrawal_id = ? AND status = ?", withdrawal.WithdrawalID, string(from)).
		Updates(map[string]any{
			"status":         string(withdrawal.Status),
			"payout_ref":     withdrawal.PayoutRef,
			"failure_reason": withdrawal.FailureReason,
			"updated_at":     unixTime(withdrawal.UpdatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetWithdrawal(ctx, withdrawal.WithdrawalID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, fmt.Errorf("%w: withdrawal %s is not %s", ledger.ErrInvalidState, withdrawal.WithdrawalID, from))
	}
	return nil
}

func (store *LedgerStore) GetOperation(ctx context.Context, ref ledger.Ref) (ledger.OperationRecord, bool, error) {
	return store.operations.get(ctx, store.db, ref)
}

func (store *LedgerStore) InsertOperation(ctx context.Context, record ledger.OperationRecord) error {
	return store.operations.insert(ctx, store.db, record)
}

func mapWallet(row Wallet) (ledger.Wallet, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	currency, err := ledger.NewCurrency(row.Currency)
	if err != nil {
		return ledger.Wallet{}, err
	}
	return ledger.Wallet{
		UserID:                    userID,
		Currency:                  currency,
		AvailableCents:            ledger.AmountCents(row.AvailableCents),
		LockedCents:               ledger.AmountCents(row.LockedCents),
		NonWithdrawableFloorCents: ledger.AmountCents(row.NonWithdrawableFloorCents),
		Version:                   row.Version,
		UpdatedUnixUTC:            row.UpdatedAt.Unix(),
	}, nil
}

func mapEntries(rows []WalletEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapEntry(row WalletEntry) (ledger.Entry, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	bucket, err := ledger.ParseBucket(row.Bucket)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	ref, err := ledger.NewRef(row.Ref)
	if err != nil {
		return ledger.Entry{}, err
	}
	var bookingID ledger.BookingID
	if row.BookingID != "" {
		if bookingID, err = ledger.NewBookingID(row.BookingID); err != nil {
			return ledger.Entry{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        row.EntryID,
		UserID:         userID,
		Bucket:         bucket,
		Kind:           kind,
		AmountCents:    ledger.AmountCents(row.AmountCents),
		Ref:            ref,
		Leg:            row.Leg,
		BookingID:      bookingID,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapFundLock(row FundLock) (ledger.FundLock, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.FundLock{}, err
	}
	var bookingID ledger.BookingID
	if row.BookingID != "" {
		if bookingID, err = ledger.NewBookingID(row.BookingID); err != nil {
			return ledger.FundLock{}, err
		}
	}
	purpose, err := ledger.ParseLockPurpose(row.Purpose)
	if err != nil {
		return ledger.FundLock{}, err
	}
	status, err := ledger.ParseLockStatus(row.Status)
	if err != nil {
		return ledger.FundLock{}, err
	}
	ref, err := ledger.NewRef(row.Ref)
	if err != nil {
		return ledger.FundLock{}, err
	}
	return ledger.FundLock{
		LockID:         row.LockID,
		UserID:         userID,
		BookingID:      bookingID,
		Purpose:        purpose,
		AmountCents:    ledger.AmountCents(row.AmountCents),
		CapturedCents:  ledger.AmountCents(row.CapturedCents),
		Status:         status,
		Ref:            ref,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

func mapDeposit(row DepositTransaction) (ledger.DepositTransaction, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.DepositTransaction{}, err
	}
	ref, err := ledger.NewRef(row.Ref)
	if err != nil {
		return ledger.DepositTransaction{}, err
	}
	return ledger.DepositTransaction{
		TransactionID:    row.TransactionID,
		UserID:           userID,
		AmountCents:      ledger.AmountCents(row.AmountCents),
		Provider:         row.Provider,
		ProviderRef:      row.ProviderRef,
		Ref:              ref,
		Status:           ledger.DepositStatus(row.Status),
		ExpiresAtUnixUTC: row.ExpiresAtUnixUTC,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		UpdatedUnixUTC:   row.UpdatedAt.Unix(),
	}, nil
}

func mapWithdrawal(row Withdrawal) (ledger.Withdrawal, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	ref, err := ledger.NewRef(row.Ref)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	return ledger.Withdrawal{
		WithdrawalID:   row.WithdrawalID,
		UserID:         userID,
		AmountCents:    ledger.AmountCents(row.AmountCents),
		Destination:    row.Destination,
		Ref:            ref,
		Status:         ledger.WithdrawalStatus(row.Status),
		PayoutRef:      row.PayoutRef,
		FailureReason:  row.FailureReason,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}
