package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTime struct {
	now time.Duration
}

func (m *manualTime) Now() time.Duration { return m.now }

func TestAfterOrdering(t *testing.T) {
	mt := &manualTime{}
	s := New(mt)
	var order []string
	s.After(2*time.Millisecond, func() { order = append(order, "b") })
	s.After(time.Millisecond, func() { order = append(order, "a") })
	s.After(2*time.Millisecond, func() { order = append(order, "c") })

	require.Equal(t, 0, s.RunPending())
	mt.now = time.Millisecond
	require.Equal(t, 1, s.RunPending())
	mt.now = 5 * time.Millisecond
	require.Equal(t, 2, s.RunPending())
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, s.Pending())
}

func TestEveryAndCancel(t *testing.T) {
	mt := &manualTime{}
	s := New(mt)
	var runs int
	task := s.Every(10*time.Millisecond, func() { runs++ })
	for i := 0; i < 5; i++ {
		mt.now += 10 * time.Millisecond
		s.RunPending()
	}
	assert.Equal(t, 5, runs)
	assert.True(t, task.Active())

	task.Cancel()
	assert.False(t, task.Active())
	mt.now += 100 * time.Millisecond
	s.RunPending()
	assert.Equal(t, 5, runs)
	task.Cancel()
}

func TestEverySkipsMissedPeriods(t *testing.T) {
	mt := &manualTime{}
	s := New(mt)
	var runs int
	s.Every(time.Millisecond, func() { runs++ })
	mt.now = 50 * time.Millisecond
	s.RunPending()
	assert.Equal(t, 1, runs)
}

func TestCancelFromCallback(t *testing.T) {
	mt := &manualTime{}
	s := New(mt)
	var other *Task
	var ran bool
	s.After(time.Millisecond, func() { other.Cancel() })
	other = s.After(time.Millisecond, func() { ran = true })
	mt.now = time.Millisecond
	s.RunPending()
	assert.False(t, ran)
}

func TestPostRunsBeforeTasks(t *testing.T) {
	mt := &manualTime{}
	s := New(mt)
	var order []string
	s.After(0, func() { order = append(order, "task") })
	s.Post(func() { order = append(order, "posted") })
	s.RunPending()
	assert.Equal(t, []string{"posted", "task"}, order)
}

func TestRunWallClock(t *testing.T) {
	s := New(NewWallClock())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	s.After(5*time.Millisecond, func() {
		s.Post(func() { close(done) })
	})
	go s.Run(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("task not executed")
	}
}
