package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/pricing"
)

// CalculationStore implements pricing.CalculationRecorder using GORM.
type CalculationStore struct {
	db *gorm.DB
}

// NewCalculationStore returns a CalculationStore backed by gorm.DB.
func NewCalculationStore(db *gorm.DB) *CalculationStore {
	return &CalculationStore{db: db}
}

// RecordCalculation stores a quote. Recording the same calculation again overwrites it.
func (store *CalculationStore) RecordCalculation(ctx context.Context, quote pricing.PriceQuote) error {
	document, err := json.Marshal(quote)
	if err != nil {
		return wrapStoreError(errorSubjectCalculation, errorCodeEncode, err)
	}
	row := PriceCalculation{
		CalculationID:   quote.CalculationID,
		RegionID:        quote.Request.RegionID,
		UserID:          quote.Request.UserID,
		FinalPriceCents: quote.FinalPriceCents,
		FactorsVersion:  quote.FactorsVersion,
		Document:        datatypesJSON(string(document)),
		CalculatedAt:    unixTime(quote.CalculatedUnixUTC),
	}
	err = store.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectCalculation, errorCodeInsert, err)
	}
	return nil
}

func (store *CalculationStore) GetCalculation(ctx context.Context, calculationID string) (pricing.PriceQuote, error) {
	var row PriceCalculation
	err := store.db.WithContext(ctx).Where("calculation_id = ?", calculationID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pricing.PriceQuote{}, wrapStoreError(errorSubjectCalculation, errorCodeGet, fmt.Errorf("%w: %s", pricing.ErrUnknownCalculation, calculationID))
	}
	if err != nil {
		return pricing.PriceQuote{}, wrapStoreError(errorSubjectCalculation, errorCodeGet, err)
	}
	var quote pricing.PriceQuote
	if err := json.Unmarshal(row.Document, &quote); err != nil {
		return pricing.PriceQuote{}, wrapStoreError(errorSubjectCalculation, errorCodeDecode, err)
	}
	return quote, nil
}
