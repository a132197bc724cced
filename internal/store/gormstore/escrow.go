package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// EscrowStore implements escrow.Store using GORM.
type EscrowStore struct {
	db         *gorm.DB
	operations journal
}

// NewEscrowStore returns an EscrowStore backed by gorm.DB.
func NewEscrowStore(db *gorm.DB) *EscrowStore {
	return &EscrowStore{db: db, operations: journal{table: TableEscrowOperations}}
}

// WithTx executes fn within a transaction.
func (store *EscrowStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore escrow.Store) error) error {
	return transaction(ctx, store.db, func(tx *gorm.DB) error {
		return fn(ctx, &EscrowStore{db: tx, operations: store.operations})
	})
}

func (store *EscrowStore) CreateEscrow(ctx context.Context, record escrow.Escrow) error {
	row, err := escrowRow(record)
	if err != nil {
		return err
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEscrow, errorCodeDuplicate, fmt.Errorf("%w: %s", escrow.ErrBookingExists, record.BookingID()))
	}
	if err != nil {
		return wrapStoreError(errorSubjectEscrow, errorCodeCreate, err)
	}
	return nil
}

func (store *EscrowStore) GetEscrow(ctx context.Context, bookingID string) (escrow.Escrow, error) {
	var row Escrow
	err := store.db.WithContext(ctx).Where("booking_id = ?", bookingID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return escrow.Escrow{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, fmt.Errorf("%w: %s", escrow.ErrUnknownBooking, bookingID))
	}
	if err != nil {
		return escrow.Escrow{}, wrapStoreError(errorSubjectEscrow, errorCodeGet, err)
	}
	return decodeEscrow(row)
}

func (store *EscrowStore) UpdateEscrow(ctx context.Context, record escrow.Escrow, expectedVersion int64) error {
	row, err := escrowRow(record)
	if err != nil {
		return err
	}
	result := store.db.WithContext(ctx).
		Model(&Escrow{}).
		Where("booking_id = ? AND version = ?", record.BookingID(), expectedVersion).
		Updates(map[string]any{
			"status":                   row.Status,
			"hold_expires_unix_utc":    row.HoldExpiresUnixUTC,
			"auto_release_unix_utc":    row.AutoReleaseUnixUTC,
			"deposit_release_unix_utc": row.DepositReleaseUnixUTC,
			"version":                  row.Version,
			"document":                 row.Document,
			"updated_at":               row.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&Escrow{}).Where("booking_id = ?", record.BookingID()).Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectEscrow, errorCodeGet, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectEscrow, errorCodeUpdate, fmt.Errorf("%w: %s", escrow.ErrUnknownBooking, record.BookingID()))
	}
	return wrapStoreError(errorSubjectEscrow, errorCodeVersion, fmt.Errorf("%w: escrow %s is not at version %d", ledger.ErrConcurrencyConflict, record.BookingID(), expectedVersion))
}

func (store *EscrowStore) ListByStatus(ctx context.Context, status escrow.Status, afterBookingID string, limit int) ([]escrow.Escrow, error) {
	query := store.db.WithContext(ctx).
		Where("status = ? AND booking_id > ?", string(status), afterBookingID).
		Order("booking_id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Escrow
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEscrow, errorCodeList, err)
	}
	records := make([]escrow.Escrow, 0, len(rows))
	for _, row := range rows {
		record, err := decodeEscrow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *EscrowStore) InsertTransition(ctx context.Context, transition escrow.Transition) error {
	row := EscrowTransition{
		BookingID:  transition.BookingID,
		FromStatus: string(transition.From),
		ToStatus:   string(transition.To),
		Operation:  transition.Operation,
		Ref:        transition.Ref.String(),
		Detail:     transition.Detail,
		CreatedAt:  unixTime(transition.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectTransition, errorCodeInsert, err)
	}
	return nil
}

func (store *EscrowStore) ListTransitions(ctx context.Context, bookingID string) ([]escrow.Transition, error) {
	var rows []EscrowTransition
	if err := store.db.WithContext(ctx).Where("booking_id = ?", bookingID).Order("sequence").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransition, errorCodeList, err)
	}
	transitions := make([]escrow.Transition, 0, len(rows))
	for _, row := range rows {
		ref, err := ledger.NewRef(row.Ref)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransition, errorCodeInvalid, err)
		}
		transitions = append(transitions, escrow.Transition{
			BookingID:      row.BookingID,
			From:           escrow.Status(row.FromStatus),
			To:             escrow.Status(row.ToStatus),
			Operation:      row.Operation,
			Ref:            ref,
			Detail:         row.Detail,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return transitions, nil
}

func (store *EscrowStore) GetOperation(ctx context.Context, ref ledger.Ref) (ledger.OperationRecord, bool, error) {
	return store.operations.get(ctx, store.db, ref)
}

func (store *EscrowStore) InsertOperation(ctx context.Context, record ledger.OperationRecord) error {
	return store.operations.insert(ctx, store.db, record)
}

func escrowRow(record escrow.Escrow) (Escrow, error) {
	document, err := json.Marshal(record)
	if err != nil {
		return Escrow{}, wrapStoreError(errorSubjectEscrow, errorCodeEncode, err)
	}
	return Escrow{
		BookingID:             record.BookingID(),
		RenterID:              record.Booking.RenterID,
		OwnerID:               record.Booking.OwnerID,
		Status:                string(record.Status),
		HoldExpiresUnixUTC:    record.HoldExpiresUnixUTC,
		AutoReleaseUnixUTC:    record.AutoReleaseUnixUTC,
		DepositReleaseUnixUTC: record.DepositReleaseUnixUTC,
		Version:               record.Version,
		Document:              datatypesJSON(string(document)),
		CreatedAt:             unixTime(record.CreatedUnixUTC),
		UpdatedAt:             unixTime(record.UpdatedUnixUTC),
	}, nil
}

func decodeEscrow(row Escrow) (escrow.Escrow, error) {
	var record escrow.Escrow
	if err := json.Unmarshal(row.Document, &record); err != nil {
		return escrow.Escrow{}, wrapStoreError(errorSubjectEscrow, errorCodeDecode, err)
	}
	return record, nil
}
