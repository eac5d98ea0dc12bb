package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRunnerRunsTasksPeriodically(t *testing.T) {
	var runs atomic.Int32
	r := NewRunner(quietLogger(), Task{
		Name:       "count",
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	require.NoError(t, r.Start(context.Background()))

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	r.Stop()

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no cycles after Stop")
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	r := NewRunner(quietLogger(), Task{
		Name:       "slow",
		Interval:   time.Hour,
		RunOnStart: true,
		Timeout:    time.Second,
		Run: func(ctx context.Context) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(ctx.Err() == nil)
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	<-started

	cancel()
	r.Stop()
	assert.True(t, finished.Load(), "cycle must finish with a live context after shutdown")
}

func TestRunnerSurvivesErrorsAndPanics(t *testing.T) {
	var runs atomic.Int32
	r := NewRunner(quietLogger(), Task{
		Name:       "flaky",
		Interval:   5 * time.Millisecond,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			n := runs.Add(1)
			if n == 1 {
				panic("boom")
			}
			return errors.New("still failing")
		},
	})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestStartValidatesTasks(t *testing.T) {
	r := NewRunner(quietLogger(), Task{Name: "bad", Run: func(context.Context) error { return nil }})
	require.Error(t, r.Start(context.Background()))

	r = NewRunner(quietLogger(), Task{Name: "norun", Interval: time.Second})
	require.Error(t, r.Start(context.Background()))

	r = NewRunner(quietLogger())
	require.NoError(t, r.Start(context.Background()))
	require.Error(t, r.Start(context.Background()))
	r.Stop()
	r.Stop()
}

func TestCancelledContextSkipsCycles(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(quietLogger(), Task{
		Name:       "never",
		Interval:   5 * time.Millisecond,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	require.NoError(t, r.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	r.Stop()
	assert.Zero(t, runs.Load())
}
