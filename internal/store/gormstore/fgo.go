package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

// FundStore implements fgo.Store using GORM.
type FundStore struct {
	db         *gorm.DB
	operations journal
}

// NewFundStore returns a FundStore backed by gorm.DB.
func NewFundStore(db *gorm.DB) *FundStore {
	return &FundStore{db: db, operations: journal{table: TableFundOperations}}
}

// WithTx executes fn within a transaction.
func (store *FundStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore fgo.Store) error) error {
	return transaction(ctx, store.db, func(tx *gorm.DB) error {
		return fn(ctx, &FundStore{db: tx, operations: store.operations})
	})
}

// LockSubfunds locks every subfund row in waterfall order, creating missing ones.
func (store *FundStore) LockSubfunds(ctx context.Context) (map[fgo.SubfundType]fgo.Subfund, error) {
	subfunds := make(map[fgo.SubfundType]fgo.Subfund, len(fgo.WaterfallOrder))
	for _, subfundType := range fgo.WaterfallOrder {
		err := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Subfund{Type: string(subfundType), UpdatedAt: unixTime(0)}).Error
		if err != nil {
			return nil, wrapStoreError(errorSubjectSubfund, errorCodeCreate, err)
		}
		var row Subfund
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("type = ?", string(subfundType)).
			Take(&row).Error
		if err != nil {
			return nil, wrapStoreError(errorSubjectSubfund, errorCodeLock, err)
		}
		subfunds[subfundType] = fgo.Subfund{Type: subfundType, BalanceCents: row.BalanceCents, UpdatedUnixUTC: row.UpdatedAt.Unix()}
	}
	return subfunds, nil
}

func (store *FundStore) SaveSubfund(ctx context.Context, subfund fgo.Subfund) error {
	row := Subfund{Type: string(subfund.Type), BalanceCents: subfund.BalanceCents, UpdatedAt: unixTime(subfund.UpdatedUnixUTC)}
	if err := store.db.WithContext(ctx).Save(&row).Error; err != nil {
		return wrapStoreError(errorSubjectSubfund, errorCodeUpdate, err)
	}
	return nil
}

func (store *FundStore) ListSubfunds(ctx context.Context) ([]fgo.Subfund, error) {
	var rows []Subfund
	if err := store.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectSubfund, errorCodeList, err)
	}
	byType := make(map[fgo.SubfundType]Subfund, len(rows))
	for _, row := range rows {
		byType[fgo.SubfundType(row.Type)] = row
	}
	subfunds := make([]fgo.Subfund, 0, len(fgo.WaterfallOrder))
	for _, subfundType := range fgo.WaterfallOrder {
		subfund := fgo.Subfund{Type: subfundType}
		if row, ok := byType[subfundType]; ok {
			subfund.BalanceCents = row.BalanceCents
			subfund.UpdatedUnixUTC = row.UpdatedAt.Unix()
		}
		subfunds = append(subfunds, subfund)
	}
	return subfunds, nil
}

func (store *FundStore) InsertMovements(ctx context.Context, movements []fgo.Movement) error {
	if len(movements) == 0 {
		return nil
	}
	rows := make([]FundMovement, 0, len(movements))
	for _, movement := range movements {
		rows = append(rows, FundMovement{
			MovementID:    movement.MovementID,
			Subfund:       string(movement.Subfund),
			Type:          string(movement.Type),
			Operation:     string(movement.Operation),
			AmountCents:   movement.AmountCents,
			Ref:           movement.Ref.String(),
			BookingID:     movement.BookingID,
			UserID:        movement.UserID,
			WalletEntryID: movement.WalletEntryID,
			Description:   movement.Description,
			CreatedAt:     unixTime(movement.CreatedUnixUTC),
		})
	}
	err := store.db.WithContext(ctx).Create(&rows).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectMovement, errorCodeDuplicate, fmt.Errorf("%w: movement %s", ledger.ErrConcurrencyConflict, movements[0].Ref))
	}
	if err != nil {
		return wrapStoreError(errorSubjectMovement, errorCodeInsert, err)
	}
	return nil
}

func (store *FundStore) ListMovements(ctx context.Context, filter fgo.MovementFilter) ([]fgo.Movement, error) {
	query := movementQuery(store.db.WithContext(ctx), filter).Order("created_at DESC").Order("movement_id DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []FundMovement
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectMovement, errorCodeList, err)
	}
	movements := make([]fgo.Movement, 0, len(rows))
	for _, row := range rows {
		ref, err := ledger.NewRef(row.Ref)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMovement, errorCodeInvalid, err)
		}
		movements = append(movements, fgo.Movement{
			MovementID:     row.MovementID,
			Subfund:        fgo.SubfundType(row.Subfund),
			Type:           fgo.MovementType(row.Type),
			Operation:      fgo.MovementOperation(row.Operation),
			AmountCents:    row.AmountCents,
			Ref:            ref,
			BookingID:      row.BookingID,
			UserID:         row.UserID,
			WalletEntryID:  row.WalletEntryID,
			Description:    row.Description,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return movements, nil
}

func (store *FundStore) SumMovements(ctx context.Context, filter fgo.MovementFilter) (int64, error) {
	var sum sqlSum
	err := movementQuery(store.db.WithContext(ctx).Model(&FundMovement{}), filter).
		Select("COALESCE(SUM(amount_cents), 0) AS total").
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectMovement, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *FundStore) LinkWalletEntry(ctx context.Context, ref ledger.Ref, walletEntryID string) error {
	err := store.db.WithContext(ctx).
		Model(&FundMovement{}).
		Where("ref = ?", ref.String()).
		Update("wallet_entry_id", walletEntryID).Error
	if err != nil {
		return wrapStoreError(errorSubjectMovement, errorCodeUpdate, err)
	}
	return nil
}

func (store *FundStore) GetParameters(ctx context.Context, key fgo.ParameterKey) (fgo.Parameters, bool, error) {
	var row FundParameters
	err := store.db.WithContext(ctx).
		Where("bucket = ? AND country_code = ?", key.Bucket, key.CountryCode).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fgo.Parameters{}, false, nil
	}
	if err != nil {
		return fgo.Parameters{}, false, wrapStoreError(errorSubjectParameters, errorCodeGet, err)
	}
	var parameters fgo.Parameters
	if err := json.Unmarshal(row.Document, &parameters); err != nil {
		return fgo.Parameters{}, false, wrapStoreError(errorSubjectParameters, errorCodeDecode, err)
	}
	return parameters, true, nil
}

// SaveParameters writes parameters when the stored version equals expectedVersion. A missing
// row is version zero.
func (store *FundStore) SaveParameters(ctx context.Context, parameters fgo.Parameters, expectedVersion int) error {
	document, err := json.Marshal(parameters)
	if err != nil {
		return wrapStoreError(errorSubjectParameters, errorCodeEncode, err)
	}
	row := FundParameters{
		Bucket:      parameters.Key.Bucket,
		CountryCode: parameters.Key.CountryCode,
		Version:     parameters.Version,
		Document:    datatypesJSON(string(document)),
		UpdatedAt:   unixTime(parameters.UpdatedUnixUTC),
	}
	conflict := fmt.Errorf("%w: parameters %s/%s are not at version %d", ledger.ErrConcurrencyConflict, parameters.Key.Bucket, parameters.Key.CountryCode, expectedVersion)
	if expectedVersion == 0 {
		err := store.db.WithContext(ctx).Create(&row).Error
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectParameters, errorCodeVersion, conflict)
		}
		if err != nil {
			return wrapStoreError(errorSubjectParameters, errorCodeCreate, err)
		}
		return nil
	}
	result := store.db.WithContext(ctx).
		Model(&FundParameters{}).
		Where("bucket = ? AND country_code = ? AND version = ?", row.Bucket, row.CountryCode, expectedVersion).
		Updates(map[string]any{
			"version":    row.Version,
			"document":   row.Document,
			"updated_at": row.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectParameters, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectParameters, errorCodeVersion, conflict)
	}
	return nil
}

func (store *FundStore) ListParameters(ctx context.Context) ([]fgo.Parameters, error) {
	var rows []FundParameters
	if err := store.db.WithContext(ctx).Order("bucket").Order("country_code").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectParameters, errorCodeList, err)
	}
	list := make([]fgo.Parameters, 0, len(rows))
	for _, row := range rows {
		var parameters fgo.Parameters
		if err := json.Unmarshal(row.Document, &parameters); err != nil {
			return nil, wrapStoreError(errorSubjectParameters, errorCodeDecode, err)
		}
		list = append(list, parameters)
	}
	return list, nil
}

func (store *FundStore) InsertMetrics(ctx context.Context, metrics fgo.Metrics) error {
	document, err := json.Marshal(metrics)
	if err != nil {
		return wrapStoreError(errorSubjectMetrics, errorCodeEncode, err)
	}
	row := FundMetrics{
		MetricsID:  metrics.MetricsID,
		Status:     string(metrics.Status),
		Document:   datatypesJSON(string(document)),
		ComputedAt: unixTime(metrics.ComputedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectMetrics, errorCodeInsert, err)
	}
	return nil
}

func (store *FundStore) LatestMetrics(ctx context.Context) (fgo.Metrics, bool, error) {
	var row FundMetrics
	err := store.db.WithContext(ctx).Order("sequence DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fgo.Metrics{}, false, nil
	}
	if err != nil {
		return fgo.Metrics{}, false, wrapStoreError(errorSubjectMetrics, errorCodeGet, err)
	}
	var metrics fgo.Metrics
	if err := json.Unmarshal(row.Document, &metrics); err != nil {
		return fgo.Metrics{}, false, wrapStoreError(errorSubjectMetrics, errorCodeDecode, err)
	}
	return metrics, true, nil
}

func (store *FundStore) InsertAlphaAdjustment(ctx context.Context, adjustment fgo.AlphaAdjustment) error {
	document, err := json.Marshal(adjustment)
	if err != nil {
		return wrapStoreError(errorSubjectAdjustment, errorCodeEncode, err)
	}
	row := AlphaAdjustment{
		AdjustmentID: adjustment.AdjustmentID,
		Bucket:       adjustment.Key.Bucket,
		CountryCode:  adjustment.Key.CountryCode,
		Document:     datatypesJSON(string(document)),
		CreatedAt:    unixTime(adjustment.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectAdjustment, errorCodeInsert, err)
	}
	return nil
}

func (store *FundStore) GetOperation(ctx context.Context, ref ledger.Ref) (ledger.OperationRecord, bool, error) {
	return store.operations.get(ctx, store.db, ref)
}

func (store *FundStore) InsertOperation(ctx context.Context, record ledger.OperationRecord) error {
	return store.operations.insert(ctx, store.db, record)
}

func movementQuery(query *gorm.DB, filter fgo.MovementFilter) *gorm.DB {
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, movementType := range filter.Types {
			types = append(types, string(movementType))
		}
		query = query.Where("type IN ?", types)
	}
	if filter.Subfund != "" {
		query = query.Where("subfund = ?", string(filter.Subfund))
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.BookingID != "" {
		query = query.Where("booking_id = ?", filter.BookingID)
	}
	if filter.SinceUnixUTC > 0 {
		query = query.Where("created_at >= ?", unixTime(filter.SinceUnixUTC))
	}
	return query
}
