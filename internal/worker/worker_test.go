package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/d9705996/escalator/internal/pending"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	runs atomic.Int32
	err  error
}

func (s *countingSweeper) Sweep(context.Context) (pending.SweepResult, error) {
	s.runs.Add(1)
	return pending.SweepResult{}, s.err
}

type countingPersister struct{ runs atomic.Int32 }

func (p *countingPersister) PersistShifts(context.Context) (int, error) {
	p.runs.Add(1)
	return 2, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestJobKinds(t *testing.T) {
	assert.Equal(t, "pending_escalation_sweep", SweepArgs{}.Kind())
	assert.Equal(t, "oncall_persist_shifts", PersistShiftsArgs{}.Kind())
}

func TestNew_RejectsIncompleteTasks(t *testing.T) {
	_, err := New(nil, "sqlite", 1, Tasks{Sweeper: &countingSweeper{}, SweepInterval: time.Second}, quietLogger())
	assert.Error(t, err)

	_, err = New(nil, "sqlite", 1, Tasks{
		Sweeper: &countingSweeper{},
		Shifts:  &countingPersister{},
	}, quietLogger())
	assert.Error(t, err)
}

func TestTickerQueue_RunsJobsUntilStopped(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("transient")}
	shifts := &countingPersister{}
	q, err := New(nil, "sqlite", 1, Tasks{
		Sweeper:              sweeper,
		SweepInterval:        10 * time.Millisecond,
		Shifts:               shifts,
		ShiftPersistInterval: time.Hour,
	}, quietLogger())
	require.NoError(t, err)
	require.IsType(t, &tickerQueue{}, q)

	require.NoError(t, q.Start(context.Background()))
	assert.Error(t, q.Start(context.Background()), "double start")

	assert.Eventually(t, func() bool { return sweeper.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond,
		"sweep keeps running after errors")
	assert.Eventually(t, func() bool { return shifts.runs.Load() == 1 }, time.Second, 5*time.Millisecond,
		"shift persistence runs on start")

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Stop(stopCtx))

	after := sweeper.runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, sweeper.runs.Load(), "no runs after stop")
}

func TestTickerQueue_StopBeforeStart(t *testing.T) {
	q := newTickerQueue(Tasks{}, quietLogger())
	assert.NoError(t, q.Stop(context.Background()))
}
