package events_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/d9705996/escalator/internal/db/dbtest"
	"github.com/d9705996/escalator/internal/escalatable"
	"github.com/d9705996/escalator/internal/events"
	"github.com/d9705996/escalator/internal/model"
	"github.com/d9705996/escalator/internal/pending"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	calls []pending.StatusChange
	err   error
}

func (f *fakeScheduler) OnStatusChanged(_ context.Context, ch pending.StatusChange) (pending.Result, error) {
	f.calls = append(f.calls, ch)
	return pending.Result{Created: 1}, f.err
}

func newHandler(s events.StatusScheduler) *events.Handler {
	return events.NewHandler(s, time.Second, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func TestDecode(t *testing.T) {
	ev, err := events.Decode([]byte(`{
		"target": {"kind": "alert", "id": "a-1"},
		"project_id": "proj",
		"old_status": "triggered",
		"new_status": "acknowledged",
		"changed_at": "2021-01-04T12:00:00Z"
	}`))
	require.NoError(t, err)
	assert.Equal(t, escalatable.AlertRef("a-1"), ev.Target)
	assert.Equal(t, "proj", ev.ProjectID)
	assert.Equal(t, escalatable.StatusTriggered, ev.OldStatus)
	assert.Equal(t, escalatable.StatusAcknowledged, ev.NewStatus)
	assert.Equal(t, time.Date(2021, 1, 4, 12, 0, 0, 0, time.UTC), ev.ChangedAt)
}

func TestDecode_Invalid(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":       `nope`,
		"unknown status": `{"target":{"kind":"alert","id":"a"},"old_status":"triggered","new_status":"snoozed","changed_at":"2021-01-04T12:00:00Z"}`,
		"bad kind":       `{"target":{"kind":"widget","id":"a"},"old_status":"triggered","new_status":"resolved","changed_at":"2021-01-04T12:00:00Z"}`,
		"no time":        `{"target":{"kind":"issue","id":"a"},"old_status":"triggered","new_status":"resolved"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := events.Decode([]byte(payload))
			assert.Error(t, err)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	in := events.StatusChanged{
		Target:    escalatable.IssueRef("i-9"),
		ProjectID: "proj",
		OldStatus: escalatable.StatusAcknowledged,
		NewStatus: escalatable.StatusResolved,
		ChangedAt: time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := events.Encode(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"new_status":"resolved"`)
	out, err := events.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestHandle(t *testing.T) {
	payload, err := events.Encode(events.StatusChanged{
		Target:    escalatable.AlertRef("a-1"),
		ProjectID: "proj",
		OldStatus: escalatable.StatusTriggered,
		NewStatus: escalatable.StatusAcknowledged,
		ChangedAt: time.Date(2021, 1, 4, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	t.Run("applied", func(t *testing.T) {
		s := &fakeScheduler{}
		assert.Equal(t, events.Ack, newHandler(s).Handle(context.Background(), payload))
		require.Len(t, s.calls, 1)
		assert.Equal(t, escalatable.StatusAcknowledged, s.calls[0].To)
		assert.Equal(t, "proj", s.calls[0].ProjectID)
	})

	t.Run("malformed is acked without scheduling", func(t *testing.T) {
		s := &fakeScheduler{}
		assert.Equal(t, events.Ack, newHandler(s).Handle(context.Background(), []byte("{")))
		assert.Empty(t, s.calls)
	})

	t.Run("scheduler failure is retried", func(t *testing.T) {
		s := &fakeScheduler{err: errors.New("database is locked")}
		assert.Equal(t, events.Nak, newHandler(s).Handle(context.Background(), payload))
	})
}

func TestHandle_RecordsEntityOwnedElsewhere(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.New(t)
	sched := &model.OncallSchedule{ProjectID: "proj", Name: "Primary", Timezone: "UTC"}
	require.NoError(t, gdb.Create(sched).Error)
	require.NoError(t, gdb.Create(&model.EscalationPolicy{ProjectID: "proj", Name: "Default", Rules: []model.EscalationRule{
		{ScheduleID: sched.ID, Status: escalatable.StatusAcknowledged, ElapsedTimeSeconds: 300},
	}}).Error)
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := events.NewHandler(pending.NewScheduler(gdb, log), time.Second, log)

	changedAt := time.Date(2021, 1, 4, 12, 0, 0, 0, time.UTC)
	payload, err := events.Encode(events.StatusChanged{
		Target:    escalatable.IssueRef("gitlab-issue-42"),
		ProjectID: "proj",
		OldStatus: escalatable.StatusTriggered,
		NewStatus: escalatable.StatusAcknowledged,
		ChangedAt: changedAt,
	})
	require.NoError(t, err)
	require.Equal(t, events.Ack, h.Handle(ctx, payload))

	var issue model.Issue
	require.NoError(t, gdb.First(&issue, "id = ?", "gitlab-issue-42").Error)
	assert.Equal(t, escalatable.StatusAcknowledged, issue.Status)

	var items []model.PendingEscalation
	require.NoError(t, gdb.Find(&items).Error)
	require.Len(t, items, 1)
	assert.Equal(t, escalatable.StatusAcknowledged, items[0].ExpectedStatus)
	assert.True(t, items[0].ProcessAt.Equal(changedAt.Add(300*time.Second)))

	// A redelivered message changes nothing.
	require.Equal(t, events.Ack, h.Handle(ctx, payload))
	require.NoError(t, gdb.Find(&items).Error)
	assert.Len(t, items, 1)
}
