// Package gormstore implements the ledger, escrow, guarantee fund, risk and pricing stores on
// GORM. PostgreSQL and SQLite are both supported.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

const (
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	sqliteConstraintCode    = 19
	sqliteBusyCode          = 5
	errorOperationStore     = "store"
	errorSubjectWallet      = "wallet"
	errorSubjectEntry       = "entry"
	errorSubjectFundLock    = "fund_lock"
	errorSubjectDeposit     = "deposit"
	errorSubjectWithdrawal  = "withdrawal"
	errorSubjectOperation   = "operation"
	errorSubjectEscrow      = "escrow"
	errorSubjectTransition  = "transition"
	errorSubjectSubfund     = "subfund"
	errorSubjectMovement    = "movement"
	errorSubjectParameters  = "parameters"
	errorSubjectMetrics     = "metrics"
	errorSubjectAdjustment  = "alpha_adjustment"
	errorSubjectSnapshot    = "snapshot"
	errorSubjectCalculation = "calculation"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"
	errorCodeVersion        = "version"
	errorCodeUpdateStatus   = "update_status"
	errorCodeEncode         = "encode"
	errorCodeDecode         = "decode"
	errorCodeTransaction    = "transaction"
	errorCodeSerialization  = "serialization"
)

// Models lists every table AutoMigrate creates, except the operation journals.
func Models() []any {
	return []any{
		&Wallet{}, &WalletEntry{}, &FundLock{}, &DepositTransaction{}, &Withdrawal{},
		&Escrow{}, &EscrowTransition{},
		&Subfund{}, &FundMovement{}, &FundParameters{}, &FundMetrics{}, &AlphaAdjustment{},
		&RiskSnapshot{}, &PriceCalculation{},
	}
}

// AutoMigrate creates the schema on databases without SQL migrations, such as SQLite.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	for _, table := range []string{TableLedgerOperations, TableEscrowOperations, TableFundOperations} {
		if err := db.Table(table).AutoMigrate(&Operation{}); err != nil {
			return err
		}
	}
	return nil
}

// transaction runs fn in a gorm transaction and classifies serialization failures as
// concurrency conflicts so callers retry them.
func transaction(ctx context.Context, db *gorm.DB, fn func(transaction *gorm.DB) error) error {
	err := db.WithContext(ctx).Transaction(fn)
	if isSerializationFailure(err) {
		return wrapStoreError(errorSubjectOperation, errorCodeSerialization, errors.Join(ledger.ErrConcurrencyConflict, err))
	}
	return err
}

// journal reads and writes one operations table.
type journal struct {
	table string
}

func (journal journal) get(ctx context.Context, db *gorm.DB, ref ledger.Ref) (ledger.OperationRecord, bool, error) {
	var row Operation
	err := db.WithContext(ctx).Table(journal.table).Where("ref = ?", ref.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.OperationRecord{}, false, nil
	}
	if err != nil {
		return ledger.OperationRecord{}, false, wrapStoreError(errorSubjectOperation, errorCodeGet, err)
	}
	parsedRef, err := ledger.NewRef(row.Ref)
	if err != nil {
		return ledger.OperationRecord{}, false, wrapStoreError(errorSubjectOperation, errorCodeInvalid, err)
	}
	return ledger.OperationRecord{
		Ref:            parsedRef,
		Operation:      row.Operation,
		Fingerprint:    row.Fingerprint,
		ResultJSON:     row.ResultJSON,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, true, nil
}

func (journal journal) insert(ctx context.Context, db *gorm.DB, record ledger.OperationRecord) error {
	row := Operation{
		Ref:         record.Ref.String(),
		Operation:   record.Operation,
		Fingerprint: record.Fingerprint,
		ResultJSON:  record.ResultJSON,
		CreatedAt:   unixTime(record.CreatedUnixUTC),
	}
	err := db.WithContext(ctx).Table(journal.table).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectOperation, errorCodeDuplicate, ledger.ErrConcurrencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOperation, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func unixTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteBusyCode
	}
	return false
}
