package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
)

var errSnapshotExists = errors.New("snapshot already exists")

// RiskStore implements risk.Store using GORM.
type RiskStore struct {
	db *gorm.DB
}

// NewRiskStore returns a RiskStore backed by gorm.DB.
func NewRiskStore(db *gorm.DB) *RiskStore {
	return &RiskStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *RiskStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore risk.Store) error) error {
	return transaction(ctx, store.db, func(tx *gorm.DB) error {
		return fn(ctx, &RiskStore{db: tx})
	})
}

func (store *RiskStore) GetActiveSnapshot(ctx context.Context, bookingID string) (risk.Snapshot, bool, error) {
	var row RiskSnapshot
	err := store.db.WithContext(ctx).Where("booking_id = ? AND active = ?", bookingID, true).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return risk.Snapshot{}, false, nil
	}
	if err != nil {
		return risk.Snapshot{}, false, wrapStoreError(errorSubjectSnapshot, errorCodeGet, err)
	}
	snapshot, err := decodeSnapshot(row)
	if err != nil {
		return risk.Snapshot{}, false, err
	}
	return snapshot, true, nil
}

// InsertSnapshot rejects a duplicate booking version and a second active snapshot of a booking.
func (store *RiskStore) InsertSnapshot(ctx context.Context, snapshot risk.Snapshot) error {
	if snapshot.Active {
		var active int64
		err := store.db.WithContext(ctx).Model(&RiskSnapshot{}).
			Where("booking_id = ? AND active = ?", snapshot.BookingID, true).
			Count(&active).Error
		if err != nil {
			return wrapStoreError(errorSubjectSnapshot, errorCodeGet, err)
		}
		if active > 0 {
			return wrapStoreError(errorSubjectSnapshot, errorCodeDuplicate, fmt.Errorf("%w: booking %s has an active snapshot", errSnapshotExists, snapshot.BookingID))
		}
	}
	document, err := json.Marshal(snapshot)
	if err != nil {
		return wrapStoreError(errorSubjectSnapshot, errorCodeEncode, err)
	}
	row := RiskSnapshot{
		SnapshotID:           snapshot.SnapshotID,
		BookingID:            snapshot.BookingID,
		Version:              snapshot.Version,
		Active:               snapshot.Active,
		RequiresRevalidation: snapshot.RequiresRevalidation,
		RevalidationReason:   string(snapshot.RevalidationReason),
		SupersededUnixUTC:    snapshot.SupersededUnixUTC,
		Document:             datatypesJSON(string(document)),
		CreatedAt:            unixTime(snapshot.CreatedUnixUTC),
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectSnapshot, errorCodeDuplicate, fmt.Errorf("%w: %s v%d", errSnapshotExists, snapshot.BookingID, snapshot.Version))
	}
	if err != nil {
		return wrapStoreError(errorSubjectSnapshot, errorCodeInsert, err)
	}
	return nil
}

func (store *RiskStore) SupersedeSnapshot(ctx context.Context, snapshotID string, atUnixUTC int64) error {
	return store.update(ctx, snapshotID, map[string]any{
		"active":              false,
		"superseded_unix_utc": atUnixUTC,
	})
}

func (store *RiskStore) FlagSnapshot(ctx context.Context, snapshotID string, reason risk.RevalidationReason) error {
	return store.update(ctx, snapshotID, map[string]any{
		"requires_revalidation": true,
		"revalidation_reason":   string(reason),
	})
}

func (store *RiskStore) ListSnapshots(ctx context.Context, bookingID string) ([]risk.Snapshot, error) {
	var rows []RiskSnapshot
	if err := store.db.WithContext(ctx).Where("booking_id = ?", bookingID).Order("version").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectSnapshot, errorCodeList, err)
	}
	return decodeSnapshots(rows)
}

func (store *RiskStore) ListActiveSnapshots(ctx context.Context, afterBookingID string, limit int) ([]risk.Snapshot, error) {
	query := store.db.WithContext(ctx).
		Where("active = ? AND booking_id > ?", true, afterBookingID).
		Order("booking_id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []RiskSnapshot
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectSnapshot, errorCodeList, err)
	}
	return decodeSnapshots(rows)
}

func (store *RiskStore) update(ctx context.Context, snapshotID string, columns map[string]any) error {
	result := store.db.WithContext(ctx).Model(&RiskSnapshot{}).Where("snapshot_id = ?", snapshotID).Updates(columns)
	if result.Error != nil {
		return wrapStoreError(errorSubjectSnapshot, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSnapshot, errorCodeUpdate, fmt.Errorf("%w: %s", risk.ErrUnknownSnapshot, snapshotID))
	}
	return nil
}

func decodeSnapshots(rows []RiskSnapshot) ([]risk.Snapshot, error) {
	snapshots := make([]risk.Snapshot, 0, len(rows))
	for _, row := range rows {
		snapshot, err := decodeSnapshot(row)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

// decodeSnapshot reads the frozen document and overlays the lifecycle columns.
func decodeSnapshot(row RiskSnapshot) (risk.Snapshot, error) {
	var snapshot risk.Snapshot
	if err := json.Unmarshal(row.Document, &snapshot); err != nil {
		return risk.Snapshot{}, wrapStoreError(errorSubjectSnapshot, errorCodeDecode, err)
	}
	snapshot.Active = row.Active
	snapshot.RequiresRevalidation = row.RequiresRevalidation
	snapshot.RevalidationReason = risk.RevalidationReason(row.RevalidationReason)
	snapshot.SupersededUnixUTC = row.SupersededUnixUTC
	return snapshot, nil
}
