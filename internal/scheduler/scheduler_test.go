package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/digwatch/internal/ingest"
	"github.com/JakeFAU/digwatch/internal/notify"
)

type fakeSweeper struct {
	mu       sync.Mutex
	calls    int
	deadline bool
}

func (f *fakeSweeper) NotifyAll(ctx context.Context) notify.SweepReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	_, f.deadline = ctx.Deadline()
	return notify.SweepReport{Identities: 2, Notified: 1}
}

type fakeIngester struct {
	mu   sync.Mutex
	opts []ingest.Options
	err  error
}

func (f *fakeIngester) Ingest(_ context.Context, opts ingest.Options) (ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	return ingest.Result{RunID: "run-1", Scraped: 3, Saved: 2}, nil
}

func TestNewRegistersConfiguredJobs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		jobs int
	}{
		{name: "both", cfg: Config{SweepSchedule: "@every 1m", IngestSchedule: "0 2 * * *"}, jobs: 2},
		{name: "sweep only", cfg: Config{SweepSchedule: "@every 30s"}, jobs: 1},
		{name: "none", cfg: Config{}, jobs: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, err := New(tc.cfg, &fakeSweeper{}, &fakeIngester{}, nil)
			require.NoError(t, err)
			require.Equal(t, tc.jobs, s.Jobs())
		})
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := New(Config{SweepSchedule: "every minute"}, &fakeSweeper{}, &fakeIngester{}, nil)
	require.ErrorContains(t, err, "sweep schedule")

	_, err = New(Config{IngestSchedule: "61 * * * *"}, &fakeSweeper{}, &fakeIngester{}, nil)
	require.ErrorContains(t, err, "ingest schedule")

	_, err = New(Config{}, nil, &fakeIngester{}, nil)
	require.Error(t, err)
}

func TestRunSweepAppliesTimeout(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{}
	s, err := New(Config{SweepTimeout: time.Second}, sweeper, &fakeIngester{}, nil)
	require.NoError(t, err)

	s.RunSweep()
	require.Equal(t, 1, sweeper.calls)
	require.True(t, sweeper.deadline)
}

func TestRunIngestPassesPageCap(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	ingester := &fakeIngester{}
	s, err := New(Config{MaxPages: 4}, &fakeSweeper{}, ingester, zap.New(core))
	require.NoError(t, err)

	s.RunIngest()
	require.Equal(t, []ingest.Options{{MaxPages: 4}}, ingester.opts)
	require.Equal(t, 1, logs.FilterMessage("scheduled ingest finished").Len())
}

func TestRunIngestLogsOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		message string
	}{
		{name: "already running", err: ingest.ErrIngestRunning, message: "scheduled ingest skipped, another run is active"},
		{name: "failure", err: errors.New("listing unreachable"), message: "scheduled ingest failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			core, logs := observer.New(zap.InfoLevel)
			s, err := New(Config{}, &fakeSweeper{}, &fakeIngester{err: tc.err}, zap.New(core))
			require.NoError(t, err)

			s.RunIngest()
			require.Equal(t, 1, logs.FilterMessage(tc.message).Len())
		})
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{}
	s, err := New(Config{SweepSchedule: "@every 1h"}, sweeper, &fakeIngester{}, nil)
	require.NoError(t, err)

	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.Zero(t, sweeper.calls)
}
