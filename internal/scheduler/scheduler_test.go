package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_AfterFires(t *testing.T) {
	s := New()
	var fired int32
	s.After(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestScheduler_CancelPreventsFire(t *testing.T) {
	s := New()
	var fired int32
	h := s.After(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	h.Cancel()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestHandle_CancelIsIdempotent(t *testing.T) {
	s := New()
	h := s.After(20*time.Millisecond, func() {})
	h.Cancel()
	assert.NotPanics(t, func() { h.Cancel() })
}

func TestScheduler_EveryRepeats(t *testing.T) {
	s := New()
	var count int32
	h := s.Every(10*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	defer h.Cancel()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 3 }, time.Second, time.Millisecond)
}

func TestScheduler_EveryStopsOnCancel(t *testing.T) {
	s := New()
	var count int32
	h := s.Every(10*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	time.Sleep(25 * time.Millisecond)
	h.Cancel()
	n := atomic.LoadInt32(&count)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, n, atomic.LoadInt32(&count))
}
