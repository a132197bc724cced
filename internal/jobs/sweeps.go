package jobs

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
)

// Job names.
const (
	JobExpireDeposits      = "expire-deposits"
	JobExpireBookings      = "expire-bookings"
	JobAutoRelease         = "auto-release"
	JobRevalidateSnapshots = "revalidate-snapshots"
	JobFundMetrics         = "fgo-metrics"
	JobFundAlpha           = "fgo-alpha"
)

// DepositExpirer fails pending deposits past their expiry.
type DepositExpirer interface {
	ExpirePendingDeposits(ctx context.Context, limit int) (int, error)
}

// BookingSweeper advances escrows whose deadlines passed.
type BookingSweeper interface {
	ExpirePendingBookings(ctx context.Context, limit int) (int, error)
	ReleaseTimedOut(ctx context.Context, limit int) (int, error)
	SweepRevalidation(ctx context.Context, limit int) (int, error)
}

// SnapshotSweeper flags risk snapshots older than the policy allows.
type SnapshotSweeper interface {
	SweepStale(ctx context.Context, limit int) (int, error)
}

// FundMonitor recomputes guarantee fund solvency.
type FundMonitor interface {
	RecalculateMetrics(ctx context.Context) (fgo.Metrics, error)
	AdjustAlphaDynamic(ctx context.Context) ([]fgo.AlphaAdjustment, error)
}

// FundObserver publishes a solvency report.
type FundObserver interface {
	ObserveFund(report fgo.Metrics)
}

// Schedule holds job intervals and the per-run batch size.
type Schedule struct {
	DepositExpiry   time.Duration `mapstructure:"deposit_expiry"`
	BookingExpiry   time.Duration `mapstructure:"booking_expiry"`
	AutoRelease     time.Duration `mapstructure:"auto_release"`
	Revalidation    time.Duration `mapstructure:"revalidation"`
	FundMetrics     time.Duration `mapstructure:"fund_metrics"`
	AlphaAdjustment time.Duration `mapstructure:"alpha_adjustment"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// DefaultSchedule returns production intervals.
func DefaultSchedule() Schedule {
	return Schedule{
		DepositExpiry:   time.Minute,
		BookingExpiry:   time.Minute,
		AutoRelease:     5 * time.Minute,
		Revalidation:    time.Hour,
		FundMetrics:     15 * time.Minute,
		AlphaAdjustment: 24 * time.Hour,
		BatchSize:       100,
	}
}

func (schedule Schedule) withDefaults() Schedule {
	defaults := DefaultSchedule()
	if schedule.DepositExpiry <= 0 {
		schedule.DepositExpiry = defaults.DepositExpiry
	}
	if schedule.BookingExpiry <= 0 {
		schedule.BookingExpiry = defaults.BookingExpiry
	}
	if schedule.AutoRelease <= 0 {
		schedule.AutoRelease = defaults.AutoRelease
	}
	if schedule.Revalidation <= 0 {
		schedule.Revalidation = defaults.Revalidation
	}
	if schedule.FundMetrics <= 0 {
		schedule.FundMetrics = defaults.FundMetrics
	}
	if schedule.AlphaAdjustment <= 0 {
		schedule.AlphaAdjustment = defaults.AlphaAdjustment
	}
	if schedule.BatchSize <= 0 {
		schedule.BatchSize = defaults.BatchSize
	}
	return schedule
}

// Services are the collaborators the standard sweeps drive. Nil members skip their jobs.
type Services struct {
	Deposits  DepositExpirer
	Bookings  BookingSweeper
	Snapshots SnapshotSweeper
	Fund      FundMonitor
	Observer  FundObserver
}

// Standard builds the sweep jobs for the configured services.
func Standard(services Services, schedule Schedule) []Job {
	schedule = schedule.withDefaults()
	limit := schedule.BatchSize
	var jobs []Job
	if services.Deposits != nil {
		jobs = append(jobs, Job{Name: JobExpireDeposits, Interval: schedule.DepositExpiry, Run: func(ctx context.Context) (int, error) {
			return services.Deposits.ExpirePendingDeposits(ctx, limit)
		}})
	}
	if services.Bookings != nil {
		jobs = append(jobs,
			Job{Name: JobExpireBookings, Interval: schedule.BookingExpiry, Run: func(ctx context.Context) (int, error) {
				return services.Bookings.ExpirePendingBookings(ctx, limit)
			}},
			Job{Name: JobAutoRelease, Interval: schedule.AutoRelease, Run: func(ctx context.Context) (int, error) {
				return services.Bookings.ReleaseTimedOut(ctx, limit)
			}},
		)
	}
	if services.Snapshots != nil || services.Bookings != nil {
		jobs = append(jobs, Job{Name: JobRevalidateSnapshots, Interval: schedule.Revalidation, Run: func(ctx context.Context) (int, error) {
			total := 0
			if services.Snapshots != nil {
				flagged, err := services.Snapshots.SweepStale(ctx, limit)
				total += flagged
				if err != nil {
					return total, err
				}
			}
			if services.Bookings != nil {
				revalidated, err := services.Bookings.SweepRevalidation(ctx, limit)
				total += revalidated
				if err != nil {
					return total, err
				}
			}
			return total, nil
		}})
	}
	if services.Fund != nil {
		jobs = append(jobs,
			Job{Name: JobFundMetrics, Interval: schedule.FundMetrics, Run: func(ctx context.Context) (int, error) {
				report, err := services.Fund.RecalculateMetrics(ctx)
				if err != nil {
					return 0, err
				}
				if services.Observer != nil {
					services.Observer.ObserveFund(report)
				}
				return 1, nil
			}},
			Job{Name: JobFundAlpha, Interval: schedule.AlphaAdjustment, Run: func(ctx context.Context) (int, error) {
				adjustments, err := services.Fund.AdjustAlphaDynamic(ctx)
				return len(adjustments), err
			}},
		)
	}
	return jobs
}
