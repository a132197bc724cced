package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TableLedgerOperations = "ledger_operations"
	TableEscrowOperations = "escrow_operations"
	TableFundOperations   = "fgo_operations"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	UserID                    string    `gorm:"primaryKey"`
	Currency                  string    `gorm:"not null"`
	AvailableCents            int64     `gorm:"not null"`
	LockedCents               int64     `gorm:"not null"`
	NonWithdrawableFloorCents int64     `gorm:"not null"`
	Version                   int64     `gorm:"not null"`
	UpdatedAt                 time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// WalletEntry mirrors the append-only wallet_entries table. Sequence orders entries that share
// a timestamp.
type WalletEntry struct {
	Sequence    int64          `gorm:"primaryKey;autoIncrement"`
	EntryID     string         `gorm:"not null;uniqueIndex"`
	UserID      string         `gorm:"not null;index:idx_wallet_entries_user_created,priority:1"`
	Bucket      string         `gorm:"not null"`
	Kind        string         `gorm:"not null"`
	AmountCents int64          `gorm:"not null"`
	Ref         string         `gorm:"not null;uniqueIndex:uniq_wallet_entries_ref_leg,priority:1"`
	Leg         string         `gorm:"not null;uniqueIndex:uniq_wallet_entries_ref_leg,priority:2"`
	BookingID   string         `gorm:"index"`
	Metadata    datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_wallet_entries_user_created,priority:2"`
}

func (WalletEntry) TableName() string { return "wallet_entries" }

func (entry *WalletEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// FundLock mirrors the fund_locks table.
type FundLock struct {
	LockID        string    `gorm:"primaryKey"`
	UserID        string    `gorm:"not null;index"`
	BookingID     string    `gorm:"index"`
	Purpose       string    `gorm:"not null"`
	AmountCents   int64     `gorm:"not null"`
	CapturedCents int64     `gorm:"not null"`
	Status        string    `gorm:"not null"`
	Ref           string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (FundLock) TableName() string { return "fund_locks" }

// DepositTransaction mirrors the deposit_transactions table.
type DepositTransaction struct {
	TransactionID    string    `gorm:"primaryKey"`
	UserID           string    `gorm:"not null;index"`
	AmountCents      int64     `gorm:"not null"`
	Provider         string    `gorm:"not null"`
	ProviderRef      string    `gorm:"not null"`
	Ref              string    `gorm:"not null"`
	Status           string    `gorm:"not null;index:idx_deposits_status_expires,priority:1"`
	ExpiresAtUnixUTC int64     `gorm:"not null;index:idx_deposits_status_expires,priority:2"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (DepositTransaction) TableName() string { return "deposit_transactions" }

// Withdrawal mirrors the withdrawals table.
type Withdrawal struct {
	WithdrawalID  string    `gorm:"primaryKey"`
	UserID        string    `gorm:"not null;index"`
	AmountCents   int64     `gorm:"not null"`
	Destination   string    `gorm:"not null"`
	Ref           string    `gorm:"not null"`
	Status        string    `gorm:"not null"`
	PayoutRef     string    `gorm:"not null"`
	FailureReason string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Withdrawal) TableName() string { return "withdrawals" }

// Operation is a row of one of the idempotency journals. The same shape backs
// ledger_operations, escrow_operations and fgo_operations.
type Operation struct {
	Ref         string    `gorm:"primaryKey"`
	Operation   string    `gorm:"not null"`
	Fingerprint string    `gorm:"not null"`
	ResultJSON  string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

// Escrow mirrors the escrows table. Document holds the full escrow; the other columns serve
// lookups and the optimistic version check.
type Escrow struct {
	BookingID             string         `gorm:"primaryKey"`
	RenterID              string         `gorm:"not null;index"`
	OwnerID               string         `gorm:"not null;index"`
	Status                string         `gorm:"not null;index"`
	HoldExpiresUnixUTC    int64          `gorm:"not null"`
	AutoReleaseUnixUTC    int64          `gorm:"not null"`
	DepositReleaseUnixUTC int64          `gorm:"not null"`
	Version               int64          `gorm:"not null"`
	Document              datatypes.JSON `gorm:"not null"`
	CreatedAt             time.Time      `gorm:"not null"`
	UpdatedAt             time.Time      `gorm:"not null"`
}

func (Escrow) TableName() string { return "escrows" }

// EscrowTransition mirrors the escrow_transitions audit table.
type EscrowTransition struct {
	Sequence   int64     `gorm:"primaryKey;autoIncrement"`
	BookingID  string    `gorm:"not null;index"`
	FromStatus string    `gorm:"not null"`
	ToStatus   string    `gorm:"not null"`
	Operation  string    `gorm:"not null"`
	Ref        string    `gorm:"not null"`
	Detail     string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (EscrowTransition) TableName() string { return "escrow_transitions" }

// Subfund mirrors the fgo_subfunds table.
type Subfund struct {
	Type         string    `gorm:"primaryKey"`
	BalanceCents int64     `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Subfund) TableName() string { return "fgo_subfunds" }

// FundMovement mirrors the append-only fgo_movements table.
type FundMovement struct {
	MovementID    string    `gorm:"primaryKey"`
	Subfund       string    `gorm:"not null;uniqueIndex:uniq_fgo_movements_ref,priority:2"`
	Type          string    `gorm:"not null;uniqueIndex:uniq_fgo_movements_ref,priority:3"`
	Operation     string    `gorm:"not null"`
	AmountCents   int64     `gorm:"not null"`
	Ref           string    `gorm:"not null;uniqueIndex:uniq_fgo_movements_ref,priority:1"`
	BookingID     string    `gorm:"index"`
	UserID        string    `gorm:"index"`
	WalletEntryID string    `gorm:"not null"`
	Description   string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index"`
}

func (FundMovement) TableName() string { return "fgo_movements" }

// FundParameters mirrors the fgo_parameters table keyed by bucket and country.
type FundParameters struct {
	Bucket      string         `gorm:"primaryKey"`
	CountryCode string         `gorm:"primaryKey"`
	Version     int            `gorm:"not null"`
	Document    datatypes.JSON `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (FundParameters) TableName() string { return "fgo_parameters" }

// FundMetrics mirrors the fgo_metrics history table.
type FundMetrics struct {
	Sequence   int64          `gorm:"primaryKey;autoIncrement"`
	MetricsID  string         `gorm:"not null;uniqueIndex"`
	Status     string         `gorm:"not null"`
	Document   datatypes.JSON `gorm:"not null"`
	ComputedAt time.Time      `gorm:"not null"`
}

func (FundMetrics) TableName() string { return "fgo_metrics" }

// AlphaAdjustment mirrors the fgo_alpha_adjustments audit table.
type AlphaAdjustment struct {
	AdjustmentID string         `gorm:"primaryKey"`
	Bucket       string         `gorm:"not null"`
	CountryCode  string         `gorm:"not null"`
	Document     datatypes.JSON `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null"`
}

func (AlphaAdjustment) TableName() string { return "fgo_alpha_adjustments" }

// RiskSnapshot mirrors the risk_snapshots table. Document holds the snapshot as frozen; the
// mutable lifecycle flags live in their own columns.
type RiskSnapshot struct {
	SnapshotID           string         `gorm:"primaryKey"`
	BookingID            string         `gorm:"not null;uniqueIndex:uniq_risk_snapshots_booking_version,priority:1"`
	Version              int            `gorm:"not null;uniqueIndex:uniq_risk_snapshots_booking_version,priority:2"`
	Active               bool           `gorm:"not null;index"`
	RequiresRevalidation bool           `gorm:"not null"`
	RevalidationReason   string         `gorm:"not null"`
	SupersededUnixUTC    int64          `gorm:"not null"`
	Document             datatypes.JSON `gorm:"not null"`
	CreatedAt            time.Time      `gorm:"not null"`
}

func (RiskSnapshot) TableName() string { return "risk_snapshots" }

// PriceCalculation mirrors the pricing_calculations audit table.
type PriceCalculation struct {
	CalculationID   string         `gorm:"primaryKey"`
	RegionID        string         `gorm:"not null;index"`
	UserID          string         `gorm:"index"`
	FinalPriceCents int64          `gorm:"not null"`
	FactorsVersion  string         `gorm:"not null"`
	Document        datatypes.JSON `gorm:"not null"`
	CalculatedAt    time.Time      `gorm:"not null"`
}

func (PriceCalculation) TableName() string { return "pricing_calculations" }
