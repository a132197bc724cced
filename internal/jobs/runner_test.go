package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
)

type recordingObserver struct {
	mutex sync.Mutex
	runs  map[string]int
	errs  map[string]error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{runs: map[string]int{}, errs: map[string]error{}}
}

func (recorder *recordingObserver) ObserveJob(job string, processed int, _ time.Duration, err error) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.runs[job] += processed
	recorder.errs[job] = err
}

type fakeServices struct {
	expiredDeposits int
	expiredBookings int
	released        int
	revalidated     int
	flagged         int
	limits          []int
	metricsErr      error
	adjustments     []fgo.AlphaAdjustment
	observed        []fgo.Metrics
}

func (fake *fakeServices) ExpirePendingDeposits(_ context.Context, limit int) (int, error) {
	fake.limits = append(fake.limits, limit)
	return fake.expiredDeposits, nil
}

func (fake *fakeServices) ExpirePendingBookings(_ context.Context, _ int) (int, error) {
	return fake.expiredBookings, nil
}

func (fake *fakeServices) ReleaseTimedOut(_ context.Context, _ int) (int, error) {
	return fake.released, nil
}

func (fake *fakeServices) SweepRevalidation(_ context.Context, _ int) (int, error) {
	return fake.revalidated, nil
}

func (fake *fakeServices) SweepStale(_ context.Context, _ int) (int, error) {
	return fake.flagged, nil
}

func (fake *fakeServices) RecalculateMetrics(_ context.Context) (fgo.Metrics, error) {
	return fgo.Metrics{MetricsID: "m-1", TotalBalanceCents: 10_000}, fake.metricsErr
}

func (fake *fakeServices) AdjustAlphaDynamic(_ context.Context) ([]fgo.AlphaAdjustment, error) {
	return fake.adjustments, nil
}

func (fake *fakeServices) ObserveFund(report fgo.Metrics) {
	fake.observed = append(fake.observed, report)
}

func TestStandardRegistersJobsForPresentServices(test *testing.T) {
	test.Parallel()

	fake := &fakeServices{}
	jobs := Standard(Services{Deposits: fake}, Schedule{})
	require.Len(test, jobs, 1)
	require.Equal(test, JobExpireDeposits, jobs[0].Name)
	require.Equal(test, time.Minute, jobs[0].Interval)

	all := Standard(Services{Deposits: fake, Bookings: fake, Snapshots: fake, Fund: fake, Observer: fake}, Schedule{})
	runner, err := NewRunner(all)
	require.NoError(test, err)
	require.Equal(test, []string{
		JobExpireDeposits, JobExpireBookings, JobAutoRelease, JobRevalidateSnapshots, JobFundMetrics, JobFundAlpha,
	}, runner.Jobs())
}

func TestRunOnceExecutesEverySweep(test *testing.T) {
	test.Parallel()

	fake := &fakeServices{expiredDeposits: 2, expiredBookings: 1, released: 3, revalidated: 1, flagged: 4,
		adjustments: []fgo.AlphaAdjustment{{AdjustmentID: "a-1"}}}
	recorder := newRecordingObserver()
	runner, err := NewRunner(
		Standard(Services{Deposits: fake, Bookings: fake, Snapshots: fake, Fund: fake, Observer: fake}, Schedule{BatchSize: 25}),
		WithObserver(recorder),
	)
	require.NoError(test, err)

	require.NoError(test, runner.RunOnce(context.Background()))
	require.Equal(test, 2, recorder.runs[JobExpireDeposits])
	require.Equal(test, 1, recorder.runs[JobExpireBookings])
	require.Equal(test, 3, recorder.runs[JobAutoRelease])
	require.Equal(test, 5, recorder.runs[JobRevalidateSnapshots])
	require.Equal(test, 1, recorder.runs[JobFundMetrics])
	require.Equal(test, 1, recorder.runs[JobFundAlpha])
	require.Equal(test, []int{25}, fake.limits)
	require.Len(test, fake.observed, 1)
	require.Equal(test, "m-1", fake.observed[0].MetricsID)
}

func TestRunOnceSelectsAndReportsFailures(test *testing.T) {
	test.Parallel()

	fake := &fakeServices{metricsErr: errors.New("database unavailable")}
	core, logs := observer.New(zap.ErrorLevel)
	runner, err := NewRunner(Standard(Services{Deposits: fake, Fund: fake}, Schedule{}), WithLogger(zap.New(core)))
	require.NoError(test, err)

	err = runner.RunOnce(context.Background(), JobFundMetrics)
	require.ErrorContains(test, err, "fgo-metrics: database unavailable")
	require.Empty(test, fake.limits)
	require.Equal(test, 1, logs.FilterMessage("job failed").Len())

	require.ErrorContains(test, runner.RunOnce(context.Background(), "no-such-job"), "unknown job")
}

func TestNewRunnerRejectsInvalidJobs(test *testing.T) {
	test.Parallel()

	run := func(context.Context) (int, error) { return 0, nil }
	_, err := NewRunner([]Job{{Name: "a", Interval: 0, Run: run}})
	require.Error(test, err)
	_, err = NewRunner([]Job{{Name: "", Interval: time.Second, Run: run}})
	require.Error(test, err)
	_, err = NewRunner([]Job{{Name: "a", Interval: time.Second, Run: run}, {Name: "a", Interval: time.Second, Run: run}})
	require.Error(test, err)
}

func TestRunRepeatsUntilCancelled(test *testing.T) {
	test.Parallel()

	var calls atomic.Int64
	runner, err := NewRunner([]Job{{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	}}})
	require.NoError(test, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(test, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(test, err)
	case <-time.After(time.Second):
		test.Fatal("runner did not stop")
	}
}
