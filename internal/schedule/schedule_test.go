package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsSubmittedTaskToCompletion(t *testing.T) {
	s := New(2, 0)
	s.Start()
	defer s.Stop()

	var ran atomic.Bool
	task := s.Submit("t1", PriorityNormal, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	require.Eventually(t, func() bool {
		status, _ := task.Status()
		return status == StatusDone
	}, time.Second, 5*time.Millisecond)
	assert.True(t, ran.Load())
}

func TestScheduler_HighPriorityRunsBeforeQueuedNormal(t *testing.T) {
	s := New(1, 0)

	var mu sync.Mutex
	var order []string
	block := make(chan struct{})

	// Occupy the single worker so both tasks queue up behind it.
	s.Start()
	defer s.Stop()
	blocker := s.Submit("blocker", PriorityNormal, func(ctx context.Context) error {
		<-block
		return nil
	})
	require.Eventually(t, func() bool {
		status, _ := blocker.Status()
		return status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	s.Submit("normal", PriorityNormal, func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "normal")
		mu.Unlock()
		return nil
	})
	high := s.Submit("high", PriorityHigh, func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "high")
		mu.Unlock()
		return nil
	})

	close(block)
	require.Eventually(t, func() bool {
		status, _ := high.Status()
		return status == StatusDone
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, "high", order[0])
}

func TestScheduler_CancelBeforeRunTransitionsToCancelled(t *testing.T) {
	s := New(1, 0)
	s.Start()
	defer s.Stop()

	block := make(chan struct{})
	blocker := s.Submit("blocker", PriorityNormal, func(ctx context.Context) error {
		<-block
		return nil
	})
	require.Eventually(t, func() bool {
		status, _ := blocker.Status()
		return status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	queued := s.Submit("queued", PriorityNormal, func(ctx context.Context) error {
		return nil
	})
	queued.Cancel()
	close(block)

	require.Eventually(t, func() bool {
		status, _ := queued.Status()
		return status == StatusCancelled
	}, time.Second, 5*time.Millisecond)
	_, reason := queued.Status()
	assert.Equal(t, "cancelled", reason)
}

func TestScheduler_TaskErrorIsRecorded(t *testing.T) {
	s := New(1, 0)
	s.Start()
	defer s.Stop()

	task := s.Submit("failing", PriorityNormal, func(ctx context.Context) error {
		return assert.AnError
	})

	require.Eventually(t, func() bool {
		status, _ := task.Status()
		return status == StatusError
	}, time.Second, 5*time.Millisecond)
	_, reason := task.Status()
	assert.Equal(t, assert.AnError.Error(), reason)
}

func TestScheduler_OverSoftCapReportsBackPressure(t *testing.T) {
	s := New(0, 2)
	block := make(chan struct{})
	defer close(block)

	s.Submit("a", PriorityNormal, func(ctx context.Context) error { <-block; return nil })
	s.Submit("b", PriorityNormal, func(ctx context.Context) error { <-block; return nil })
	assert.True(t, s.OverSoftCap())
}

func TestScheduler_StopDrainsRunningWorkers(t *testing.T) {
	s := New(2, 0)
	s.Start()

	var finished atomic.Bool
	task := s.Submit("t", PriorityNormal, func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.Eventually(t, func() bool {
		status, _ := task.Status()
		return status == StatusRunning
	}, time.Second, time.Millisecond)
	s.Stop()
	assert.True(t, finished.Load())
}
