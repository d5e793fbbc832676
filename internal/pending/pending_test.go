package pending_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/d9705996/escalator/internal/auth"
	"github.com/d9705996/escalator/internal/clock"
	"github.com/d9705996/escalator/internal/db/dbtest"
	"github.com/d9705996/escalator/internal/escalatable"
	"github.com/d9705996/escalator/internal/escalation"
	"github.com/d9705996/escalator/internal/incident"
	"github.com/d9705996/escalator/internal/model"
	"github.com/d9705996/escalator/internal/notify"
	"github.com/d9705996/escalator/internal/oncall"
	"github.com/d9705996/escalator/internal/pending"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	admin = auth.Actor{UserID: "admin", Roles: []string{"Admin"}}
	t0    = time.Date(2021, 1, 4, 12, 0, 0, 0, time.UTC)
)

type recordingNotifier struct {
	mu    sync.Mutex
	pages []notify.Page
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, page notify.Page) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.pages = append(n.pages, page)
	return nil
}

func (n *recordingNotifier) sent() []notify.Page {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Page(nil), n.pages...)
}

type fixture struct {
	db        *gorm.DB
	clock     *clock.Manual
	oncall    *oncall.Service
	policies  *escalation.Service
	scheduler *pending.Scheduler
	incidents *incident.Service
	notifier  *recordingNotifier
	primary   string
	empty     string
	alice     *model.User
	log       *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	gdb := dbtest.New(t)
	clk := clock.NewManual(t0)
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	features := auth.StaticFeatures{auth.FeatureOncallSchedules: true, auth.FeatureEscalationPolicies: true}

	f := &fixture{
		db:       gdb,
		clock:    clk,
		oncall:   oncall.NewService(gdb, auth.RoleAuthorizer{}, features, clk, log),
		policies: escalation.NewService(gdb, auth.RoleAuthorizer{}, features, 10, log),
		notifier: &recordingNotifier{},
		log:      log,
	}
	f.scheduler = pending.NewScheduler(gdb, log)
	f.incidents = incident.NewService(gdb, f.scheduler, clk, log)

	f.alice = &model.User{Email: "alice@example.com", Name: "Alice"}
	require.NoError(t, gdb.Create(f.alice).Error)

	primary, err := f.oncall.CreateSchedule(ctx, admin, "proj", oncall.ScheduleParams{Name: "Primary", Timezone: "UTC"})
	require.NoError(t, err)
	_, err = f.oncall.CreateRotation(ctx, admin, primary.ID, oncall.RotationParams{
		Name:         "Weekly",
		StartsAt:     t0.AddDate(0, -1, 0),
		Length:       1,
		LengthUnit:   model.LengthUnitWeeks,
		Participants: []oncall.ParticipantParams{{UserID: f.alice.ID}},
	})
	require.NoError(t, err)
	empty, err := f.oncall.CreateSchedule(ctx, admin, "proj", oncall.ScheduleParams{Name: "Empty", Timezone: "UTC"})
	require.NoError(t, err)
	f.primary, f.empty = primary.ID, empty.ID
	return f
}

func (f *fixture) policy(t *testing.T, rules ...escalation.RuleParams) {
	t.Helper()
	_, err := f.policies.Create(context.Background(), admin, "proj", escalation.PolicyParams{Name: "Default", Rules: rules})
	require.NoError(t, err)
}

func (f *fixture) processor(cfg pending.Config) *pending.Processor {
	return pending.NewProcessor(f.db, f.oncall, f.notifier, f.clock, cfg, f.log)
}

func (f *fixture) items(t *testing.T, ref escalatable.Ref) []model.PendingEscalation {
	t.Helper()
	var out []model.PendingEscalation
	require.NoError(t, f.db.Where("target_type = ? AND target_id = ?", ref.Kind, ref.ID).Find(&out).Error)
	return out
}

func (f *fixture) alert(t *testing.T) *model.Alert {
	t.Helper()
	a, err := f.incidents.CreateAlert(context.Background(), incident.AlertParams{ProjectID: "proj", Title: "CPU high"})
	require.NoError(t, err)
	return a
}

func (f *fixture) set(t *testing.T, ref escalatable.Ref, status string) {
	t.Helper()
	_, _, err := f.incidents.SetStatus(context.Background(), ref, status, time.Time{})
	require.NoError(t, err)
}

func ackRule(schedule string, seconds int) escalation.RuleParams {
	return escalation.RuleParams{ScheduleID: schedule, ElapsedTimeSeconds: seconds, Status: escalatable.StatusAcknowledged}
}

func TestAcknowledgeSchedulesRule(t *testing.T) {
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 300))
	a := f.alert(t)
	assert.Empty(t, f.items(t, a.EscalatableRef()), "no rule matches triggered")

	f.set(t, a.EscalatableRef(), "acknowledged")

	items := f.items(t, a.EscalatableRef())
	require.Len(t, items, 1)
	assert.Equal(t, escalatable.StatusAcknowledged, items[0].ExpectedStatus)
	assert.Equal(t, "proj", items[0].ProjectID)
	assert.Equal(t, f.primary, items[0].ScheduleID)
	assert.True(t, items[0].ProcessAt.Equal(t0.Add(300*time.Second)), "process_at = %s", items[0].ProcessAt)
}

func TestResolveBeforeDueCancels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 300))
	a := f.alert(t)
	f.set(t, a.EscalatableRef(), "acknowledged")
	require.Len(t, f.items(t, a.EscalatableRef()), 1)

	f.clock.Set(t0.Add(100 * time.Second))
	f.set(t, a.EscalatableRef(), "resolved")
	assert.Empty(t, f.items(t, a.EscalatableRef()))

	f.clock.Set(t0.Add(300 * time.Second))
	res, err := f.processor(pending.Config{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
	assert.Empty(t, f.notifier.sent())
}

func TestSweepFiresWhenDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 300))
	a := f.alert(t)
	f.set(t, a.EscalatableRef(), "acknowledged")
	p := f.processor(pending.Config{})

	f.clock.Set(t0.Add(299 * time.Second))
	res, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due, "not due yet")

	f.clock.Set(t0.Add(300 * time.Second))
	res, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, pending.SweepResult{Due: 1, Notified: 1}, res)
	pages := f.notifier.sent()
	require.Len(t, pages, 1)
	assert.Equal(t, f.alice.ID, pages[0].Recipient.UserID)
	assert.Equal(t, "alice@example.com", pages[0].Recipient.Email)
	assert.Equal(t, a.EscalatableRef(), pages[0].Target)
	assert.Equal(t, 300, pages[0].ElapsedTimeSeconds)
	assert.Empty(t, f.items(t, a.EscalatableRef()))

	f.clock.Set(t0.Add(301 * time.Second))
	res, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
	assert.Len(t, f.notifier.sent(), 1)
}

func TestImmediateTriggeredRule(t *testing.T) {
	f := newFixture(t)
	f.policy(t, escalation.RuleParams{ScheduleID: f.primary, Status: escalatable.StatusTriggered})
	a := f.alert(t)

	res, err := f.processor(pending.Config{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)
	assert.Empty(t, f.items(t, a.EscalatableRef()))
}

func TestReacknowledgeRestartsDelay(t *testing.T) {
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 300))
	a := f.alert(t)
	f.set(t, a.EscalatableRef(), "acknowledged")

	f.clock.Set(t0.Add(200 * time.Second))
	f.set(t, a.EscalatableRef(), "triggered")
	assert.Empty(t, f.items(t, a.EscalatableRef()))
	f.set(t, a.EscalatableRef(), "acknowledged")

	items := f.items(t, a.EscalatableRef())
	require.Len(t, items, 1)
	assert.True(t, items[0].ProcessAt.Equal(t0.Add(500*time.Second)))
}

func TestSweepDiscardsStaleItem(t *testing.T) {
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 0))
	a := f.alert(t)
	f.set(t, a.EscalatableRef(), "acknowledged")

	// The status moves on without going through the scheduler, as if the
	// cancellation lost a race with the sweep.
	require.NoError(t, f.db.Model(&model.Alert{}).Where("id = ?", a.ID).Update("status", escalatable.StatusTriggered).Error)

	res, err := f.processor(pending.Config{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pending.SweepResult{Due: 1, Stale: 1}, res)
	assert.Empty(t, f.notifier.sent())
	assert.Empty(t, f.items(t, a.EscalatableRef()))
}

func TestSweepDropsOrphans(t *testing.T) {
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 0))
	a := f.alert(t)
	f.set(t, a.EscalatableRef(), "acknowledged")
	require.NoError(t, f.db.Delete(&model.Alert{}, "id = ?", a.ID).Error)

	res, err := f.processor(pending.Config{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pending.SweepResult{Due: 1, Orphaned: 1}, res)
	assert.Empty(t, f.items(t, a.EscalatableRef()))
}

func TestSweepWithNobodyOnCall(t *testing.T) {
	f := newFixture(t)
	f.policy(t, ackRule(f.empty, 0))
	a := f.alert(t)
	f.set(t, a.EscalatableRef(), "acknowledged")

	res, err := f.processor(pending.Config{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pending.SweepResult{Due: 1, NoOncall: 1}, res)
	assert.Empty(t, f.notifier.sent())
	assert.Empty(t, f.items(t, a.EscalatableRef()))
}

func TestSweepRetriesAfterLeaseThenDrops(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 0))
	a := f.alert(t)
	f.set(t, a.EscalatableRef(), "acknowledged")
	f.notifier.err = errors.New("smtp down")
	p := f.processor(pending.Config{Lease: time.Minute, MaxAttempts: 2})

	res, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, pending.SweepResult{Due: 1, Failed: 1}, res)
	items := f.items(t, a.EscalatableRef())
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)

	res, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due, "claim still held")

	f.clock.Advance(2 * time.Minute)
	res, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, pending.SweepResult{Due: 1, Dropped: 1}, res)
	assert.Empty(t, f.items(t, a.EscalatableRef()))
}

func TestConcurrentSweepsPageOnce(t *testing.T) {
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 0))
	for range 5 {
		a := f.alert(t)
		f.set(t, a.EscalatableRef(), "acknowledged")
	}

	var wg sync.WaitGroup
	for range 3 {
		p := f.processor(pending.Config{Concurrency: 2})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Sweep(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.notifier.sent(), 5)
	var left int64
	require.NoError(t, f.db.Model(&model.PendingEscalation{}).Count(&left).Error)
	assert.Zero(t, left)
}

func change(ref escalatable.Ref, from, to escalatable.Status, at time.Time) pending.StatusChange {
	return pending.StatusChange{Target: ref, From: from, To: to, ChangedAt: at}
}

func TestOnStatusChanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 60))
	a := f.alert(t)
	ref := a.EscalatableRef()
	require.NoError(t, f.db.Model(&model.Alert{}).Where("id = ?", a.ID).Update("status", escalatable.StatusAcknowledged).Error)

	t.Run("event older than the last change is ignored", func(t *testing.T) {
		res, err := f.scheduler.OnStatusChanged(ctx, change(ref, escalatable.StatusTriggered, escalatable.StatusIgnored, t0.Add(-time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, pending.Result{}, res)
		assert.Empty(t, f.items(t, ref))
		ent, err := f.incidents.Find(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, escalatable.StatusAcknowledged, ent.CurrentStatus())
	})

	t.Run("current event schedules", func(t *testing.T) {
		res, err := f.scheduler.OnStatusChanged(ctx, change(ref, escalatable.StatusTriggered, escalatable.StatusAcknowledged, t0))
		require.NoError(t, err)
		assert.Equal(t, pending.Result{Created: 1}, res)
	})

	t.Run("redelivery does not duplicate", func(t *testing.T) {
		res, err := f.scheduler.OnStatusChanged(ctx, change(ref, escalatable.StatusTriggered, escalatable.StatusAcknowledged, t0))
		require.NoError(t, err)
		assert.Equal(t, pending.Result{}, res)
		assert.Len(t, f.items(t, ref), 1)
	})

	t.Run("no-op transition", func(t *testing.T) {
		res, err := f.scheduler.OnStatusChanged(ctx, change(ref, escalatable.StatusAcknowledged, escalatable.StatusAcknowledged, t0))
		require.NoError(t, err)
		assert.Equal(t, pending.Result{}, res)
	})

	t.Run("missing entity without project cancels everything", func(t *testing.T) {
		require.NoError(t, f.db.Delete(&model.Alert{}, "id = ?", a.ID).Error)
		res, err := f.scheduler.OnStatusChanged(ctx, change(ref, escalatable.StatusAcknowledged, escalatable.StatusResolved, t0))
		require.NoError(t, err)
		assert.Equal(t, pending.Result{Canceled: 1}, res)
		assert.Empty(t, f.items(t, ref))
		_, err = f.incidents.Find(ctx, ref)
		assert.Error(t, err)
	})

	t.Run("invalid reference", func(t *testing.T) {
		_, err := f.scheduler.OnStatusChanged(ctx, change(escalatable.Ref{Kind: "widget", ID: "1"}, escalatable.StatusTriggered, escalatable.StatusResolved, t0))
		assert.Error(t, err)
	})
}

func TestOnStatusChangedMovesKnownEntity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 60))
	a := f.alert(t)
	ref := a.EscalatableRef()

	res, err := f.scheduler.OnStatusChanged(ctx, change(ref, escalatable.StatusTriggered, escalatable.StatusAcknowledged, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, pending.Result{Created: 1}, res)
	items := f.items(t, ref)
	require.Len(t, items, 1)
	assert.True(t, items[0].ProcessAt.Equal(t0.Add(2*time.Minute)))

	res, err = f.scheduler.OnStatusChanged(ctx, change(ref, escalatable.StatusAcknowledged, escalatable.StatusResolved, t0.Add(90*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, pending.Result{Canceled: 1}, res)

	var stored model.Alert
	require.NoError(t, f.db.First(&stored, "id = ?", a.ID).Error)
	assert.Equal(t, escalatable.StatusResolved, stored.Status)
	require.NotNil(t, stored.EndedAt)
	assert.True(t, stored.EndedAt.Equal(t0.Add(90*time.Second)))
}

func TestOnStatusChangedRecordsUnknownEntity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 300))
	ref := escalatable.IssueRef("gitlab-issue-42")

	ch := change(ref, escalatable.StatusTriggered, escalatable.StatusAcknowledged, t0)
	ch.ProjectID = "proj"
	res, err := f.scheduler.OnStatusChanged(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, pending.Result{Created: 1}, res)

	var issue model.Issue
	require.NoError(t, f.db.First(&issue, "id = ?", ref.ID).Error)
	assert.Equal(t, "proj", issue.ProjectID)
	assert.Equal(t, escalatable.StatusAcknowledged, issue.Status)

	f.clock.Set(t0.Add(10 * time.Minute))
	sweep, err := f.processor(pending.Config{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, pending.SweepResult{Due: 1, Notified: 1}, sweep)
	pages := f.notifier.sent()
	require.Len(t, pages, 1)
	assert.Equal(t, ref, pages[0].Target)
	assert.Equal(t, f.alice.ID, pages[0].Recipient.UserID)
}

func TestOnStatusChangedOutOfOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 300))
	ref := escalatable.AlertRef("prom-alert-7")

	resolved := change(ref, escalatable.StatusAcknowledged, escalatable.StatusResolved, t0.Add(2*time.Minute))
	resolved.ProjectID = "proj"
	_, err := f.scheduler.OnStatusChanged(ctx, resolved)
	require.NoError(t, err)

	acked := change(ref, escalatable.StatusTriggered, escalatable.StatusAcknowledged, t0.Add(time.Minute))
	acked.ProjectID = "proj"
	res, err := f.scheduler.OnStatusChanged(ctx, acked)
	require.NoError(t, err)
	assert.Equal(t, pending.Result{}, res)
	assert.Empty(t, f.items(t, ref))

	var alert model.Alert
	require.NoError(t, f.db.First(&alert, "id = ?", ref.ID).Error)
	assert.Equal(t, escalatable.StatusResolved, alert.Status)
	require.NotNil(t, alert.EndedAt)
	assert.True(t, alert.EndedAt.Equal(t0.Add(2*time.Minute)))
}

// blockingNotifier holds every page until its context ends.
type blockingNotifier struct{}

func (blockingNotifier) Notify(ctx context.Context, _ notify.Page) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSweepCountsTimedOutDeliveries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 0))
	a := f.alert(t)
	f.set(t, a.EscalatableRef(), "acknowledged")
	p := pending.NewProcessor(f.db, f.oncall, blockingNotifier{}, f.clock,
		pending.Config{Lease: time.Minute, ItemTimeout: 50 * time.Millisecond, MaxAttempts: 2}, f.log)

	res, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, pending.SweepResult{Due: 1, Failed: 1}, res)
	items := f.items(t, a.EscalatableRef())
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)

	f.clock.Advance(2 * time.Minute)
	res, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, pending.SweepResult{Due: 1, Dropped: 1}, res)
	assert.Empty(t, f.items(t, a.EscalatableRef()))
}

// slowNotifier delivers once its context has already expired.
type slowNotifier struct {
	recordingNotifier
}

func (n *slowNotifier) Notify(ctx context.Context, page notify.Page) error {
	<-ctx.Done()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages = append(n.pages, page)
	return nil
}

func TestSweepDeletesItemDeliveredAtDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.policy(t, ackRule(f.primary, 0))
	a := f.alert(t)
	f.set(t, a.EscalatableRef(), "acknowledged")
	n := &slowNotifier{}
	p := pending.NewProcessor(f.db, f.oncall, n, f.clock,
		pending.Config{Lease: time.Minute, ItemTimeout: 50 * time.Millisecond}, f.log)

	res, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, pending.SweepResult{Due: 1, Notified: 1}, res)
	assert.Empty(t, f.items(t, a.EscalatableRef()))

	f.clock.Advance(2 * time.Minute)
	res, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
	assert.Len(t, n.sent(), 1)
}
