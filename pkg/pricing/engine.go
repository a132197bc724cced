package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultDemandStaleAfterSeconds = int64(15 * 60)

// PriceRequest identifies the rental being priced.
type PriceRequest struct {
	RegionID           string `json:"region_id"`
	RentalStartUnixUTC int64  `json:"rental_start_unix_utc"`
	RentalHours        int    `json:"rental_hours"`
	UserID             string `json:"user_id"`
}

// BreakdownLine is one multiplication step of a price calculation.
type BreakdownLine struct {
	Step          string          `json:"step"`
	Factor        decimal.Decimal `json:"factor"`
	SubtotalCents decimal.Decimal `json:"subtotal_cents"`
}

// PriceQuote is a priced rental together with every factor used, enough to replay it.
type PriceQuote struct {
	CalculationID         string          `json:"calculation_id"`
	Request               PriceRequest    `json:"request"`
	Currency              string          `json:"currency"`
	UserTier              string          `json:"user_tier"`
	BasePricePerHourCents int64           `json:"base_price_per_hour_cents"`
	DayFactor             decimal.Decimal `json:"day_factor"`
	HourFactor            decimal.Decimal `json:"hour_factor"`
	DemandFactor          decimal.Decimal `json:"demand_factor"`
	DemandStale           bool            `json:"demand_stale"`
	UserFactor            decimal.Decimal `json:"user_factor"`
	EventFactor           decimal.Decimal `json:"event_factor"`
	EventName             string          `json:"event_name,omitempty"`
	FinalPriceCents       int64           `json:"final_price_cents"`
	Breakdown             []BreakdownLine `json:"breakdown"`
	FactorsVersion        string          `json:"factors_version"`
	CalculatedUnixUTC     int64           `json:"calculated_unix_utc"`
}

// QuoteRequest prices a rental and stacks its discounts.
type QuoteRequest struct {
	Price         PriceRequest
	Coupon        *Discount
	BookedUnixUTC int64
}

// Quote is the customer-facing price: the dynamic price minus the capped discounts.
type Quote struct {
	Price     PriceQuote     `json:"price"`
	Discounts DiscountResult `json:"discounts"`
	// TotalCents is what the escrow locks as the rental amount.
	TotalCents int64 `json:"total_cents"`
}

// ReplayResult compares a recorded calculation with a recomputation from its recorded factors.
type ReplayResult struct {
	Recorded        PriceQuote `json:"recorded"`
	RecomputedCents int64      `json:"recomputed_cents"`
	Matches         bool       `json:"matches"`
}

// UserTierResolver maps a user to a pricing tier.
type UserTierResolver interface {
	ResolveTier(ctx context.Context, userID string) (string, error)
}

// CalculationRecorder stores calculations for audit and replay.
type CalculationRecorder interface {
	RecordCalculation(ctx context.Context, quote PriceQuote) error
	GetCalculation(ctx context.Context, calculationID string) (PriceQuote, error)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCalculationRecorder records every calculation.
func WithCalculationRecorder(recorder CalculationRecorder) EngineOption {
	return func(engine *Engine) {
		engine.recorder = recorder
	}
}

// WithUserTierResolver resolves user tiers; without it every user is standard.
func WithUserTierResolver(resolver UserTierResolver) EngineOption {
	return func(engine *Engine) {
		engine.tiers = resolver
	}
}

// WithMaxCombinedDiscount sets the ceiling of stacked discounts.
func WithMaxCombinedDiscount(maxCombined decimal.Decimal) EngineOption {
	return func(engine *Engine) {
		engine.maxCombinedDiscount = maxCombined
	}
}

// WithDemandStaleAfter sets how old a demand snapshot may get before it is flagged stale.
func WithDemandStaleAfter(seconds int64) EngineOption {
	return func(engine *Engine) {
		if seconds > 0 {
			engine.demandStaleAfterSeconds = seconds
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(engine *Engine) {
		if logger != nil {
			engine.logger = logger
		}
	}
}

// Engine computes dynamic prices. It has no side effects beyond recording calculations.
type Engine struct {
	factors                 FactorSource
	demand                  DemandStore
	recorder                CalculationRecorder
	tiers                   UserTierResolver
	nowFn                   func() int64
	logger                  *zap.Logger
	maxCombinedDiscount     decimal.Decimal
	demandStaleAfterSeconds int64
}

// NewEngine wires an Engine.
func NewEngine(factors FactorSource, demand DemandStore, now func() int64, options ...EngineOption) (*Engine, error) {
	if factors == nil || demand == nil || now == nil {
		return nil, fmt.Errorf("%w: factors, demand and clock are required", ErrInvalidServiceConfig)
	}
	engine := &Engine{
		factors:                 factors,
		demand:                  demand,
		nowFn:                   now,
		logger:                  zap.NewNop(),
		maxCombinedDiscount:     decimal.RequireFromString("0.5"),
		demandStaleAfterSeconds: defaultDemandStaleAfterSeconds,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	if engine.maxCombinedDiscount.IsNegative() || engine.maxCombinedDiscount.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: max combined discount must be within [0,1]", ErrInvalidServiceConfig)
	}
	return engine, nil
}

// CalculateDynamicPrice multiplies the hourly base price of the region by the rental hours and
// by the day, hour, demand, user and event factors, rounding half-even to whole cents.
func (engine *Engine) CalculateDynamicPrice(ctx context.Context, request PriceRequest) (PriceQuote, error) {
	regionID := strings.TrimSpace(request.RegionID)
	if regionID == "" {
		return PriceQuote{}, fmt.Errorf("%w: empty value", ErrInvalidRegionID)
	}
	if request.RentalHours <= 0 {
		return PriceQuote{}, fmt.Errorf("%w: %d", ErrInvalidRentalHours, request.RentalHours)
	}
	request.RegionID = regionID
	snapshot, err := engine.factors.LoadFactors(ctx)
	if err != nil {
		return PriceQuote{}, err
	}
	region, ok := snapshot.Regions[regionID]
	if !ok {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}
	location, err := region.location()
	if err != nil {
		return PriceQuote{}, fmt.Errorf("%w: %v", ErrInvalidFactors, err)
	}
	localStart := time.Unix(request.RentalStartUnixUTC, 0).In(location)
	endUnixUTC := request.RentalStartUnixUTC + int64(request.RentalHours)*int64(time.Hour/time.Second)

	tier := defaultUserTier
	if engine.tiers != nil && strings.TrimSpace(request.UserID) != "" {
		resolved, err := engine.tiers.ResolveTier(ctx, request.UserID)
		if err != nil {
			return PriceQuote{}, err
		}
		if strings.TrimSpace(resolved) != "" {
			tier = resolved
		}
	}
	demandFactor, demandStale, err := engine.demandFactor(ctx, regionID)
	if err != nil {
		return PriceQuote{}, err
	}
	eventFactor, eventName := snapshot.eventFactor(regionID, request.RentalStartUnixUTC, endUnixUTC)

	quote := PriceQuote{
		CalculationID:         uuid.NewString(),
		Request:               request,
		Currency:              region.Currency,
		UserTier:              tier,
		BasePricePerHourCents: region.BasePricePerHourCents,
		DayFactor:             snapshot.dayFactor(localStart.Weekday()),
		HourFactor:            snapshot.hourFactor(localStart.Hour()),
		DemandFactor:          demandFactor,
		DemandStale:           demandStale,
		UserFactor:            snapshot.userFactor(tier),
		EventFactor:           eventFactor,
		EventName:             eventName,
		FactorsVersion:        snapshot.Version,
		CalculatedUnixUTC:     engine.nowFn(),
	}
	quote.Breakdown, quote.FinalPriceCents = multiply(quote)
	if engine.recorder != nil {
		if err := engine.recorder.RecordCalculation(ctx, quote); err != nil {
			return PriceQuote{}, err
		}
	}
	engine.logger.Debug("price calculated",
		zap.String("calculation_id", quote.CalculationID),
		zap.String("region_id", regionID),
		zap.Int64("final_price_cents", quote.FinalPriceCents),
		zap.String("factors_version", quote.FactorsVersion),
	)
	return quote, nil
}

// Quote prices a rental and applies its automatic discounts plus an optional coupon, capped once.
func (engine *Engine) Quote(ctx context.Context, request QuoteRequest) (Quote, error) {
	price, err := engine.CalculateDynamicPrice(ctx, request.Price)
	if err != nil {
		return Quote{}, err
	}
	snapshot, err := engine.factors.LoadFactors(ctx)
	if err != nil {
		return Quote{}, err
	}
	bookedUnixUTC := request.BookedUnixUTC
	if bookedUnixUTC == 0 {
		bookedUnixUTC = engine.nowFn()
	}
	discounts := automaticDiscounts(snapshot.Discounts, request.Price.RentalHours, request.Price.RentalStartUnixUTC-bookedUnixUTC)
	if request.Coupon != nil {
		coupon := *request.Coupon
		coupon.Kind = DiscountCoupon
		discounts = append(discounts, coupon)
	}
	result, err := ApplyDiscounts(price.FinalPriceCents, discounts, engine.maxCombinedDiscount)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Price: price, Discounts: result, TotalCents: result.TotalCents}, nil
}

// UpdateDemandSnapshot stores the surge factor derived from fresh demand counts.
func (engine *Engine) UpdateDemandSnapshot(ctx context.Context, regionID string, counts DemandCounts) (DemandSnapshot, error) {
	regionID = strings.TrimSpace(regionID)
	if regionID == "" {
		return DemandSnapshot{}, fmt.Errorf("%w: empty value", ErrInvalidRegionID)
	}
	if counts.ActiveBookings < 0 || counts.AvailableCars < 0 || counts.PendingRequests < 0 {
		return DemandSnapshot{}, fmt.Errorf("%w: negative demand counts", ErrInvalidFactors)
	}
	snapshot, err := engine.factors.LoadFactors(ctx)
	if err != nil {
		return DemandSnapshot{}, err
	}
	demand := DemandSnapshot{
		RegionID:       regionID,
		Counts:         counts,
		SurgeFactor:    SurgeFactor(snapshot.SurgeTiers, counts),
		UpdatedUnixUTC: engine.nowFn(),
	}
	if err := engine.demand.SaveDemand(ctx, demand); err != nil {
		return DemandSnapshot{}, err
	}
	return demand, nil
}

// Replay recomputes a recorded calculation from the factors recorded with it.
func (engine *Engine) Replay(ctx context.Context, calculationID string) (ReplayResult, error) {
	if engine.recorder == nil {
		return ReplayResult{}, fmt.Errorf("%w: no calculation recorder", ErrUnknownCalculation)
	}
	recorded, err := engine.recorder.GetCalculation(ctx, strings.TrimSpace(calculationID))
	if err != nil {
		return ReplayResult{}, err
	}
	_, recomputed := multiply(recorded)
	return ReplayResult{Recorded: recorded, RecomputedCents: recomputed, Matches: recomputed == recorded.FinalPriceCents}, nil
}

func (engine *Engine) demandFactor(ctx context.Context, regionID string) (decimal.Decimal, bool, error) {
	snapshot, found, err := engine.demand.LoadDemand(ctx, regionID)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	if !found || !snapshot.SurgeFactor.IsPositive() {
		return decimal.NewFromInt(1), false, nil
	}
	stale := engine.nowFn()-snapshot.UpdatedUnixUTC > engine.demandStaleAfterSeconds
	return snapshot.SurgeFactor, stale, nil
}

// multiply applies the recorded factors in a fixed order and returns the breakdown and final cents.
func multiply(quote PriceQuote) ([]BreakdownLine, int64) {
	subtotal := decimal.NewFromInt(quote.BasePricePerHourCents)
	steps := []struct {
		name   string
		factor decimal.Decimal
	}{
		{name: "hours", factor: decimal.NewFromInt(int64(quote.Request.RentalHours))},
		{name: "day", factor: quote.DayFactor},
		{name: "hour", factor: quote.HourFactor},
		{name: "demand", factor: quote.DemandFactor},
		{name: "user", factor: quote.UserFactor},
		{name: "event", factor: quote.EventFactor},
	}
	breakdown := make([]BreakdownLine, 0, len(steps)+1)
	breakdown = append(breakdown, BreakdownLine{Step: "base", Factor: decimal.NewFromInt(1), SubtotalCents: subtotal})
	for _, step := range steps {
		subtotal = subtotal.Mul(step.factor)
		breakdown = append(breakdown, BreakdownLine{Step: step.name, Factor: step.factor, SubtotalCents: subtotal})
	}
	return breakdown, subtotal.RoundBank(0).IntPart()
}
