package fgo

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
)

const (
	shortWindowDays = 90
	longWindowDays  = 365
	monthsPerYear   = 12
	ratioPlaces     = 4

	adjustmentReasonCritical  = "critical_coverage"
	adjustmentReasonWarning   = "warning_coverage"
	adjustmentReasonRising    = "rising_loss_ratio"
	adjustmentReasonSurplus   = "surplus_coverage"
	adjustmentReasonUnchanged = "unchanged"
)

// RecalculateMetrics computes the loss ratios, coverage ratio and status of the fund and
// records the snapshot. The thresholds come from the global parameter row.
func (service *Service) RecalculateMetrics(ctx context.Context) (Metrics, error) {
	nowUnixUTC := service.nowFn()
	subfunds, err := service.store.ListSubfunds(ctx)
	if err != nil {
		return Metrics{}, err
	}
	parameters, err := service.resolveParameters(ctx, service.store, ParameterKey{})
	if err != nil {
		return Metrics{}, err
	}
	metrics := Metrics{MetricsID: uuid.NewString(), Subfunds: subfunds, ComputedUnixUTC: nowUnixUTC}
	for _, subfund := range subfunds {
		metrics.TotalBalanceCents += subfund.BalanceCents
	}

	var payouts365 int64
	for _, window := range []int64{shortWindowDays, longWindowDays} {
		since := nowUnixUTC - window*secondsPerDay
		payouts, err := service.store.SumMovements(ctx, MovementFilter{Types: []MovementType{MovementClaimPayout}, SinceUnixUTC: since})
		if err != nil {
			return Metrics{}, err
		}
		contributions, err := service.store.SumMovements(ctx, MovementFilter{Types: []MovementType{MovementContribution}, SinceUnixUTC: since})
		if err != nil {
			return Metrics{}, err
		}
		ratio := lossRatio(payouts, contributions)
		if window == shortWindowDays {
			metrics.LossRatio90d = ratio
		} else {
			metrics.LossRatio365d = ratio
			payouts365 = payouts
		}
	}

	metrics.MonthlyPayoutRateCents = decimal.NewFromInt(payouts365).Div(decimal.NewFromInt(monthsPerYear)).RoundBank(0).IntPart()
	metrics.TargetBalanceCents = parameters.TargetMonthsCoverage.Mul(decimal.NewFromInt(metrics.MonthlyPayoutRateCents)).RoundBank(0).IntPart()
	if metrics.TargetBalanceCents > 0 {
		metrics.CoverageRatio = decimal.NewFromInt(metrics.TotalBalanceCents).Div(decimal.NewFromInt(metrics.TargetBalanceCents)).Round(ratioPlaces)
	} else {
		metrics.NoPayoutHistory = true
	}
	metrics.Status, metrics.Surplus = classify(metrics, parameters)

	if err := service.store.InsertMetrics(ctx, metrics); err != nil {
		return Metrics{}, err
	}
	service.logger.Info("fgo metrics recalculated",
		zap.Int64("total_balance_cents", metrics.TotalBalanceCents),
		zap.String("lr_90d", metrics.LossRatio90d.String()),
		zap.String("lr_365d", metrics.LossRatio365d.String()),
		zap.String("coverage_ratio", metrics.CoverageRatio.String()),
		zap.String("status", string(metrics.Status)),
	)
	return metrics, nil
}

// LatestMetrics returns the most recent metrics snapshot.
func (service *Service) LatestMetrics(ctx context.Context) (Metrics, bool, error) {
	return service.store.LatestMetrics(ctx)
}

// AdjustAlphaDynamic recalculates the metrics and moves alpha of every parameter row by the
// status of the fund: two steps up when critical, one step up on warning, half a step up when
// the short-window loss ratio exceeds the long one, and one step down on a surplus. Alpha is
// clamped to [AlphaMin, AlphaMax]. Every row gets an audit record, changed or not.
func (service *Service) AdjustAlphaDynamic(ctx context.Context) ([]AlphaAdjustment, error) {
	metrics, err := service.RecalculateMetrics(ctx)
	if err != nil {
		return nil, err
	}
	var adjustments []AlphaAdjustment
	err = ledger.RunWithConflictRetry(ctx, service.retryPolicy, func() error {
		adjustments = nil
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			rows, err := txStore.ListParameters(ctx)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				defaults := service.defaults
				defaults.Key = ParameterKey{}
				defaults.Version = 0
				rows = []Parameters{defaults}
			}
			nowUnixUTC := service.nowFn()
			for _, row := range rows {
				status, surplus := classify(metrics, row)
				newAlpha, reason := nextAlpha(row, status, surplus, metrics)
				adjustment := AlphaAdjustment{
					AdjustmentID:   uuid.NewString(),
					Key:            row.Key,
					OldAlpha:       row.Alpha,
					NewAlpha:       newAlpha,
					Status:         status,
					LossRatio90d:   metrics.LossRatio90d,
					LossRatio365d:  metrics.LossRatio365d,
					CoverageRatio:  metrics.CoverageRatio,
					Reason:         reason,
					CreatedUnixUTC: nowUnixUTC,
				}
				if !newAlpha.Equal(row.Alpha) || row.Version == 0 {
					expectedVersion := row.Version
					row.Alpha = newAlpha
					row.Version = expectedVersion + 1
					row.UpdatedUnixUTC = nowUnixUTC
					if err := txStore.SaveParameters(ctx, row, expectedVersion); err != nil {
						return err
					}
				}
				if err := txStore.InsertAlphaAdjustment(ctx, adjustment); err != nil {
					return err
				}
				adjustments = append(adjustments, adjustment)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for _, adjustment := range adjustments {
		service.logger.Info("fgo alpha adjusted",
			zap.String("bucket", adjustment.Key.Bucket),
			zap.String("country_code", adjustment.Key.CountryCode),
			zap.String("old_alpha", adjustment.OldAlpha.String()),
			zap.String("new_alpha", adjustment.NewAlpha.String()),
			zap.String("reason", adjustment.Reason),
		)
	}
	return adjustments, nil
}

func lossRatio(payouts int64, contributions int64) decimal.Decimal {
	if contributions <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(payouts).Div(decimal.NewFromInt(contributions)).Round(ratioPlaces)
}

// classify derives the status from the coverage ratio. A fund without payout history has no
// target balance and is healthy.
func classify(metrics Metrics, parameters Parameters) (Status, bool) {
	if metrics.NoPayoutHistory {
		return StatusHealthy, false
	}
	switch {
	case metrics.CoverageRatio.LessThan(parameters.RCHardFloor):
		return StatusCritical, false
	case metrics.CoverageRatio.LessThan(parameters.RCFloor):
		return StatusWarning, false
	default:
		return StatusHealthy, metrics.CoverageRatio.GreaterThan(parameters.RCSoftCeiling)
	}
}

func nextAlpha(parameters Parameters, status Status, surplus bool, metrics Metrics) (decimal.Decimal, string) {
	rising := metrics.LossRatio90d.GreaterThan(metrics.LossRatio365d)
	var (
		steps  decimal.Decimal
		reason string
	)
	switch status {
	case StatusCritical:
		steps, reason = decimal.NewFromInt(2), adjustmentReasonCritical
	case StatusWarning:
		steps, reason = decimal.NewFromInt(1), adjustmentReasonWarning
	case StatusHealthy:
		switch {
		case rising:
			steps, reason = decimal.RequireFromString("0.5"), adjustmentReasonRising
		case surplus:
			steps, reason = decimal.NewFromInt(-1), adjustmentReasonSurplus
		default:
			steps, reason = decimal.Zero, adjustmentReasonUnchanged
		}
	default:
		return parameters.Alpha, adjustmentReasonUnchanged
	}
	alpha := parameters.Alpha.Add(parameters.AlphaStep.Mul(steps))
	if alpha.LessThan(parameters.AlphaMin) {
		alpha = parameters.AlphaMin
	}
	if alpha.GreaterThan(parameters.AlphaMax) {
		alpha = parameters.AlphaMax
	}
	if alpha.Equal(parameters.Alpha) {
		reason = adjustmentReasonUnchanged
	}
	return alpha, reason
}
