package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func start(t *testing.T) (*Worker, context.CancelFunc) {
	t.Helper()
	w := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, cancel
}

func TestDoRunsJob(t *testing.T) {
	w, _ := start(t)
	ran := false
	require.NoError(t, w.Do(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestDoReturnsJobError(t *testing.T) {
	w, _ := start(t)
	want := errors.New("boom")
	assert.ErrorIs(t, w.Do(context.Background(), func(context.Context) error { return want }), want)
}

func TestJobsRunSerially(t *testing.T) {
	w, _ := start(t)
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestBusyDuringJob(t *testing.T) {
	w, _ := start(t)
	started := make(chan struct{})
	release := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- w.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.True(t, w.Busy())
	close(release)
	require.NoError(t, <-errc)
	assert.Eventually(t, func() bool { return !w.Busy() }, time.Second, time.Millisecond)
}

func TestCallerCancelReachesJob(t *testing.T) {
	w, _ := start(t)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- w.Do(ctx, func(jobCtx context.Context) error {
			close(started)
			<-jobCtx.Done()
			return jobCtx.Err()
		})
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestShutdownCancelsRunningJob(t *testing.T) {
	w, stop := start(t)
	started := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- w.Do(context.Background(), func(jobCtx context.Context) error {
			close(started)
			<-jobCtx.Done()
			return jobCtx.Err()
		})
	}()
	<-started
	stop()
	assert.ErrorIs(t, <-errc, context.Canceled)
	<-w.Stopped()
	assert.ErrorIs(t, w.Do(context.Background(), func(context.Context) error { return nil }), ErrStopped)
}

func TestPanicBecomesError(t *testing.T) {
	w, _ := start(t)
	err := w.Do(context.Background(), func(context.Context) error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}
