// Package pgstore implements ledger.Store directly on pgx for deployments that run the wallet
// ledger without GORM. It reads and writes the schema created by the SQL migrations.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

const (
	constraintEntryRefLeg      = "uniq_wallet_entries_ref_leg"
	constraintFundLockPrimary  = "fund_locks_pkey"
	constraintOperationPrimary = "ledger_operations_pkey"
	pgUniqueViolationCode      = "23505"
	pgSerializationFailure     = "40001"
	pgDeadlockDetected         = "40P01"
	errorOperationStore        = "store"
	errorSubjectWallet         = "wallet"
	errorSubjectEntry          = "entry"
	errorSubjectFundLock       = "fund_lock"
	errorSubjectDeposit        = "deposit"
	errorSubjectWithdrawal     = "withdrawal"
	errorSubjectOperation      = "operation"
	errorSubjectTransaction    = "transaction"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
	errorCodeCreate            = "create"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLock              = "lock"
	errorCodeSerialization     = "serialization"
	errorCodeUpdate            = "update"
	errorCodeUpdateStatus      = "update_status"

	sqlEnsureWallet = `
		insert into wallets(user_id, currency, available_cents, locked_cents, non_withdrawable_floor_cents, version, updated_at)
		values ($1, $2, 0, 0, 0, 0, now())
		on conflict (user_id) do nothing
	`

	sqlSelectWalletForUpdate = sqlSelectWallet + ` for update`

	sqlSelectWallet = `
		select user_id, currency, available_cents, locked_cents, non_withdrawable_floor_cents, version,
			extract(epoch from updated_at)::bigint
		from wallets
		where user_id = $1
	`

	sqlUpdateWallet = `
		update wallets
		set currency = $2, available_cents = $3, locked_cents = $4, non_withdrawable_floor_cents = $5,
			version = $6, updated_at = to_timestamp($7)
		where user_id = $1
	`

	sqlInsertEntry = `
		insert into wallet_entries(entry_id, user_id, bucket, kind, amount_cents, ref, leg, booking_id, metadata, created_at)
		values (
			coalesce(nullif($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, $8,
			coalesce(nullif($9, ''), '{}')::jsonb,
			to_timestamp($10)
		)
	`

	sqlSelectEntries = `
		select entry_id, user_id, bucket, kind, amount_cents, ref, leg, booking_id,
			coalesce(metadata::text, '{}'), extract(epoch from created_at)::bigint
		from wallet_entries
	`

	sqlListEntriesBefore = sqlSelectEntries + `
		where user_id = $1 and ($2 = 0 or created_at < to_timestamp($2))
		order by sequence desc
		limit $3
	`

	sqlListEntriesByRef     = sqlSelectEntries + ` where ref = $1 order by sequence`
	sqlListEntriesByBooking = sqlSelectEntries + ` where booking_id = $1 order by sequence`

	sqlInsertFundLock = `
		insert into fund_locks(lock_id, user_id, booking_id, purpose, amount_cents, captured_cents, status, ref, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, to_timestamp($9), to_timestamp($10))
	`

	sqlSelectFundLocks = `
		select lock_id, user_id, booking_id, purpose, amount_cents, captured_cents, status, ref,
			extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
		from fund_locks
	`

	sqlSelectFundLockForUpdate = sqlSelectFundLocks + ` where lock_id = $1 for update`
	sqlListFundLocksByBooking  = sqlSelectFundLocks + ` where booking_id = $1 order by lock_id`

	sqlUpdateFundLock = `
		update fund_locks
		set captured_cents = $3, status = $4, updated_at = to_timestamp($5)
		where lock_id = $1 and status = $2
	`

	sqlInsertDeposit = `
		insert into deposit_transactions(transaction_id, user_id, amount_cents, provider, provider_ref, ref, status,
			expires_at_unix_utc, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, to_timestamp($9), to_timestamp($10))
	`

	sqlSelectDeposits = `
		select transaction_id, user_id, amount_cents, provider, provider_ref, ref, status, expires_at_unix_utc,
			extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
		from deposit_transactions
	`

	sqlSelectDepositForUpdate = sqlSelectDeposits + ` where transaction_id = $1 for update`
	sqlListExpiredDeposits    = sqlSelectDeposits + `
		where status = 'pending' and expires_at_unix_utc <= $1
		order by expires_at_unix_utc
		limit $2
	`

	sqlUpdateDeposit = `
		update deposit_transactions
		set status = $3, provider_ref = $4, updated_at = to_timestamp($5)
		where transaction_id = $1 and status = $2
	`

	sqlInsertWithdrawal = `
		insert into withdrawals(withdrawal_id, user_id, amount_cents, destination, ref, status, payout_ref,
			failure_reason, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, to_timestamp($9), to_timestamp($10))
	`

	sqlSelectWithdrawalForUpdate = `
		select withdrawal_id, user_id, amount_cents, destination, ref, status, payout_ref, failure_reason,
			extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
		from withdrawals
		where withdrawal_id = $1
		for update
	`

	sqlUpdateWithdrawal = `
		update withdrawals
		set status = $3, payout_ref = $4, failure_reason = $5, updated_at = to_timestamp($6)
		where withdrawal_id = $1 and status = $2
	`

	sqlSelectOperation = `
		select ref, operation, fingerprint, result_json, extract(epoch from created_at)::bigint
		from ledger_operations
		where ref = $1
	`

	sqlInsertOperation = `
		insert into ledger_operations(ref, operation, fingerprint, result_json, created_at)
		values ($1, $2, $3, $4, to_timestamp($5))
	`
)

// querier is the part of pgxpool.Pool and pgx.Tx the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx runs fn in a serializable transaction. Serialization failures and deadlocks surface as
// ledger.ErrConcurrencyConflict so the service retries them.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(wrapStoreError(errorSubjectTransaction, errorCodeCommit, err))
	}
	return nil
}

func (store *Store) LockWallets(ctx context.Context, userIDs []ledger.UserID, currency ledger.Currency) (map[ledger.UserID]ledger.Wallet, error) {
	ordered := append([]ledger.UserID(nil), userIDs...)
	sort.Slice(ordered, func(left, right int) bool { return ordered[left].String() < ordered[right].String() })
	wallets := make(map[ledger.UserID]ledger.Wallet, len(ordered))
	for _, userID := range ordered {
		if _, seen := wallets[userID]; seen {
			continue
		}
		if _, err := store.db.Exec(ctx, sqlEnsureWallet, userID.String(), currency.String()); err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
		}
		wallet, err := scanWallet(store.db.QueryRow(ctx, sqlSelectWalletForUpdate, userID.String()))
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
		}
		wallets[userID] = wallet
	}
	return wallets, nil
}

func (store *Store) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, bool, error) {
	wallet, err := scanWallet(store.db.QueryRow(ctx, sqlSelectWallet, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, false, nil
	}
	if err != nil {
		return ledger.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return wallet, true, nil
}

func (store *Store) SaveWallet(ctx context.Context, wallet ledger.Wallet) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWallet,
		wallet.UserID.String(),
		wallet.Currency.String(),
		wallet.AvailableCents.Int64(),
		wallet.LockedCents.Int64(),
		wallet.NonWithdrawableFloorCents.Int64(),
		wallet.Version,
		wallet.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, fmt.Errorf("%w: wallet %s is not locked", ledger.ErrConcurrencyConflict, wallet.UserID))
	}
	return nil
}

func (store *Store) InsertEntries(ctx context.Context, entries []ledger.Entry) error {
	for _, entry := range entries {
		_, err := store.db.Exec(ctx, sqlInsertEntry,
			entry.EntryID,
			entry.UserID.String(),
			entry.Bucket.String(),
			entry.Kind.String(),
			entry.AmountCents.Int64(),
			entry.Ref.String(),
			entry.Leg,
			entry.BookingID.String(),
			entry.Metadata.String(),
			entry.CreatedUnixUTC,
		)
		if isConstraintViolation(err, constraintEntryRefLeg) {
			return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateRef)
		}
		if err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
		}
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	return store.queryEntries(ctx, sqlListEntriesBefore, userID.String(), beforeUnixUTC, limit)
}

func (store *Store) ListEntriesByRef(ctx context.Context, ref ledger.Ref) ([]ledger.Entry, error) {
	return store.queryEntries(ctx, sqlListEntriesByRef, ref.String())
}

func (store *Store) ListEntriesByBooking(ctx context.Context, bookingID ledger.BookingID) ([]ledger.Entry, error) {
	return store.queryEntries(ctx, sqlListEntriesByBooking, bookingID.String())
}

func (store *Store) CreateFundLock(ctx context.Context, fundLock ledger.FundLock) error {
	_, err := store.db.Exec(ctx, sqlInsertFundLock,
		fundLock.LockID,
		fundLock.UserID.String(),
		fundLock.BookingID.String(),
		fundLock.Purpose.String(),
		fundLock.AmountCents.Int64(),
		fundLock.CapturedCents.Int64(),
		fundLock.Status.String(),
		fundLock.Ref.String(),
		fundLock.CreatedUnixUTC,
		fundLock.UpdatedUnixUTC,
	)
	if isConstraintViolation(err, constraintFundLockPrimary) {
		return wrapStoreError(errorSubjectFundLock, errorCodeDuplicate, fmt.Errorf("%w: %s", ledger.ErrLockExists, fundLock.LockID))
	}
	if err != nil {
		return wrapStoreError(errorSubjectFundLock, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetFundLock(ctx context.Context, lockID string) (ledger.FundLock, error) {
	fundLock, err := scanFundLock(store.db.QueryRow(ctx, sqlSelectFundLockForUpdate, lockID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.FundLock{}, wrapStoreError(errorSubjectFundLock, errorCodeGet, fmt.Errorf("%w: %s", ledger.ErrUnknownLock, lockID))
	}
	if err != nil {
		return ledger.FundLock{}, wrapStoreError(errorSubjectFundLock, errorCodeGet, err)
	}
	return fundLock, nil
}

func (store *Store) ListFundLocksByBooking(ctx context.Context, bookingID ledger.BookingID) ([]ledger.FundLock, error) {
	rows, err := store.db.Query(ctx, sqlListFundLocksByBooking, bookingID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectFundLock, errorCodeList, err)
	}
	defer rows.Close()
	locks := make([]ledger.FundLock, 0, 2)
	for rows.Next() {
		fundLock, err := scanFundLock(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectFundLock, errorCodeInvalid, err)
		}
		locks = append(locks, fundLock)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectFundLock, errorCodeList, err)
	}
	return locks, nil
}

func (store *Store) UpdateFundLock(ctx context.Context, fundLock ledger.FundLock, from ledger.LockStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateFundLock, fundLock.LockID, from.String(), fundLock.CapturedCents.Int64(), fundLock.Status.String(), fundLock.UpdatedUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectFundLock, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetFundLock(ctx, fundLock.LockID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectFundLock, errorCodeUpdateStatus, fmt.Errorf("%w: lock %s is not %s", ledger.ErrInvalidState, fundLock.LockID, from))
	}
	return nil
}

func (store *Store) CreateDeposit(ctx context.Context, deposit ledger.DepositTransaction) error {
	_, err := store.db.Exec(ctx, sqlInsertDeposit,
		deposit.TransactionID,
		deposit.UserID.String(),
		deposit.AmountCents.Int64(),
		deposit.Provider,
		deposit.ProviderRef,
		deposit.Ref.String(),
		string(deposit.Status),
		deposit.ExpiresAtUnixUTC,
		deposit.CreatedUnixUTC,
		deposit.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectDeposit, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetDeposit(ctx context.Context, transactionID string) (ledger.DepositTransaction, error) {
	deposit, err := scanDeposit(store.db.QueryRow(ctx, sqlSelectDepositForUpdate, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.DepositTransaction{}, wrapStoreError(errorSubjectDeposit, errorCodeGet, fmt.Errorf("%w: %s", ledger.ErrUnknownDeposit, transactionID))
	}
	if err != nil {
		return ledger.DepositTransaction{}, wrapStoreError(errorSubjectDeposit, errorCodeGet, err)
	}
	return deposit, nil
}

func (store *Store) UpdateDeposit(ctx context.Context, deposit ledger.DepositTransaction, from ledger.DepositStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateDeposit, deposit.TransactionID, string(from), string(deposit.Status), deposit.ProviderRef, deposit.UpdatedUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectDeposit, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetDeposit(ctx, deposit.TransactionID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectDeposit, errorCodeUpdateStatus, fmt.Errorf("%w: deposit %s is not %s", ledger.ErrInvalidState, deposit.TransactionID, from))
	}
	return nil
}

func (store *Store) ListExpiredDeposits(ctx context.Context, atUnixUTC int64, limit int) ([]ledger.DepositTransaction, error) {
	rows, err := store.db.Query(ctx, sqlListExpiredDeposits, atUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectDeposit, errorCodeList, err)
	}
	defer rows.Close()
	deposits := make([]ledger.DepositTransaction, 0, limit)
	for rows.Next() {
		deposit, err := scanDeposit(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectDeposit, errorCodeInvalid, err)
		}
		deposits = append(deposits, deposit)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectDeposit, errorCodeList, err)
	}
	return deposits, nil
}

func (store *Store) CreateWithdrawal(ctx context.Context, withdrawal ledger.Withdrawal) error {
	_, err := store.db.Exec(ctx, sqlInsertWithdrawal,
		withdrawal.WithdrawalID,
		withdrawal.UserID.String(),
		withdrawal.AmountCents.Int64(),
		withdrawal.Destination,
		withdrawal.Ref.String(),
		string(withdrawal.Status),
		withdrawal.PayoutRef,
		withdrawal.FailureReason,
		withdrawal.CreatedUnixUTC,
		withdrawal.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetWithdrawal(ctx context.Context, withdrawalID string) (ledger.Withdrawal, error) {
	var (
		userIDValue string
		refValue    string
		statusValue string
		withdrawal  ledger.Withdrawal
		amountValue int64
	)
	err := store.db.QueryRow(ctx, sqlSelectWithdrawalForUpdate, withdrawalID).Scan(
		&withdrawal.WithdrawalID,
		&userIDValue,
		&amountValue,
		&withdrawal.Destination,
		&refValue,
		&statusValue,
		&withdrawal.PayoutRef,
		&withdrawal.FailureReason,
		&withdrawal.CreatedUnixUTC,
		&withdrawal.UpdatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Withdrawal{}, wrapStoreError(errorSubjectWithdrawal, errorCodeGet, fmt.Errorf("%w: %s", ledger.ErrUnknownWithdrawal, withdrawalID))
	}
	if err != nil {
		return ledger.Withdrawal{}, wrapStoreError(errorSubjectWithdrawal, errorCodeGet, err)
	}
	if withdrawal.UserID, err = ledger.NewUserID(userIDValue); err != nil {
		return ledger.Withdrawal{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	if withdrawal.Ref, err = ledger.NewRef(refValue); err != nil {
		return ledger.Withdrawal{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	withdrawal.AmountCents = ledger.AmountCents(amountValue)
	withdrawal.Status = ledger.WithdrawalStatus(statusValue)
	return withdrawal, nil
}

func (store *Store) UpdateWithdrawal(ctx context.Context, withdrawal ledger.Withdrawal, from ledger.WithdrawalStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWithdrawal,
		withdrawal.WithdrawalID,
		string(from),
		string(withdrawal.Status),
		withdrawal.PayoutRef,
		withdrawal.FailureReason,
		withdrawal.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetWithdrawal(ctx, withdrawal.WithdrawalID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, fmt.Errorf("%w: withdrawal %s is not %s", ledger.ErrInvalidState, withdrawal.WithdrawalID, from))
	}
	return nil
}

func (store *Store) GetOperation(ctx context.Context, ref ledger.Ref) (ledger.OperationRecord, bool, error) {
	var (
		refValue string
		record   ledger.OperationRecord
	)
	err := store.db.QueryRow(ctx, sqlSelectOperation, ref.String()).Scan(
		&refValue,
		&record.Operation,
		&record.Fingerprint,
		&record.ResultJSON,
		&record.CreatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.OperationRecord{}, false, nil
	}
	if err != nil {
		return ledger.OperationRecord{}, false, wrapStoreError(errorSubjectOperation, errorCodeGet, err)
	}
	if record.Ref, err = ledger.NewRef(refValue); err != nil {
		return ledger.OperationRecord{}, false, wrapStoreError(errorSubjectOperation, errorCodeInvalid, err)
	}
	return record, true, nil
}

func (store *Store) InsertOperation(ctx context.Context, record ledger.OperationRecord) error {
	_, err := store.db.Exec(ctx, sqlInsertOperation, record.Ref.String(), record.Operation, record.Fingerprint, record.ResultJSON, record.CreatedUnixUTC)
	if isConstraintViolation(err, constraintOperationPrimary) {
		return wrapStoreError(errorSubjectOperation, errorCodeDuplicate, ledger.ErrConcurrencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOperation, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) queryEntries(ctx context.Context, sql string, arguments ...any) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sql, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var (
		userIDValue   string
		currencyValue string
		available     int64
		locked        int64
		floor         int64
		wallet        ledger.Wallet
	)
	if err := row.Scan(&userIDValue, &currencyValue, &available, &locked, &floor, &wallet.Version, &wallet.UpdatedUnixUTC); err != nil {
		return ledger.Wallet{}, err
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Wallet{}, err
	}
	currency, err := ledger.NewCurrency(currencyValue)
	if err != nil {
		return ledger.Wallet{}, err
	}
	wallet.UserID = userID
	wallet.Currency = currency
	wallet.AvailableCents = ledger.AmountCents(available)
	wallet.LockedCents = ledger.AmountCents(locked)
	wallet.NonWithdrawableFloorCents = ledger.AmountCents(floor)
	return wallet, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		var (
			entry          ledger.Entry
			userIDValue    string
			bucketValue    string
			kindValue      string
			amountValue    int64
			refValue       string
			bookingIDValue string
			metadataValue  string
		)
		if err := rows.Scan(
			&entry.EntryID,
			&userIDValue,
			&bucketValue,
			&kindValue,
			&amountValue,
			&refValue,
			&entry.Leg,
			&bookingIDValue,
			&metadataValue,
			&entry.CreatedUnixUTC,
		); err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		bucket, err := ledger.ParseBucket(bucketValue)
		if err != nil {
			return nil, err
		}
		kind, err := ledger.ParseEntryKind(kindValue)
		if err != nil {
			return nil, err
		}
		ref, err := ledger.NewRef(refValue)
		if err != nil {
			return nil, err
		}
		if bookingIDValue != "" {
			if entry.BookingID, err = ledger.NewBookingID(bookingIDValue); err != nil {
				return nil, err
			}
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entry.UserID = userID
		entry.Bucket = bucket
		entry.Kind = kind
		entry.AmountCents = ledger.AmountCents(amountValue)
		entry.Ref = ref
		entry.Metadata = metadata
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanFundLock(row pgx.Row) (ledger.FundLock, error) {
	var (
		fundLock       ledger.FundLock
		userIDValue    string
		bookingIDValue string
		purposeValue   string
		amountValue    int64
		capturedValue  int64
		statusValue    string
		refValue       string
	)
	if err := row.Scan(
		&fundLock.LockID,
		&userIDValue,
		&bookingIDValue,
		&purposeValue,
		&amountValue,
		&capturedValue,
		&statusValue,
		&refValue,
		&fundLock.CreatedUnixUTC,
		&fundLock.UpdatedUnixUTC,
	); err != nil {
		return ledger.FundLock{}, err
	}
	var err error
	if fundLock.UserID, err = ledger.NewUserID(userIDValue); err != nil {
		return ledger.FundLock{}, err
	}
	if bookingIDValue != "" {
		if fundLock.BookingID, err = ledger.NewBookingID(bookingIDValue); err != nil {
			return ledger.FundLock{}, err
		}
	}
	if fundLock.Purpose, err = ledger.ParseLockPurpose(purposeValue); err != nil {
		return ledger.FundLock{}, err
	}
	if fundLock.Status, err = ledger.ParseLockStatus(statusValue); err != nil {
		return ledger.FundLock{}, err
	}
	if fundLock.Ref, err = ledger.NewRef(refValue); err != nil {
		return ledger.FundLock{}, err
	}
	fundLock.AmountCents = ledger.AmountCents(amountValue)
	fundLock.CapturedCents = ledger.AmountCents(capturedValue)
	return fundLock, nil
}

func scanDeposit(row pgx.Row) (ledger.DepositTransaction, error) {
	var (
		deposit     ledger.DepositTransaction
		userIDValue string
		amountValue int64
		refValue    string
		statusValue string
	)
	if err := row.Scan(
		&deposit.TransactionID,
		&userIDValue,
		&amountValue,
		&deposit.Provider,
		&deposit.ProviderRef,
		&refValue,
		&statusValue,
		&deposit.ExpiresAtUnixUTC,
		&deposit.CreatedUnixUTC,
		&deposit.UpdatedUnixUTC,
	); err != nil {
		return ledger.DepositTransaction{}, err
	}
	var err error
	if deposit.UserID, err = ledger.NewUserID(userIDValue); err != nil {
		return ledger.DepositTransaction{}, err
	}
	if deposit.Ref, err = ledger.NewRef(refValue); err != nil {
		return ledger.DepositTransaction{}, err
	}
	deposit.AmountCents = ledger.AmountCents(amountValue)
	deposit.Status = ledger.DepositStatus(statusValue)
	return deposit, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// classify marks serialization failures and deadlocks as concurrency conflicts.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return wrapStoreError(errorSubjectTransaction, errorCodeSerialization, errors.Join(ledger.ErrConcurrencyConflict, err))
	}
	return err
}

func isConstraintViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
