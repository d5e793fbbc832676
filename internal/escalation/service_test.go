package escalation_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/d9705996/escalator/internal/apperror"
	"github.com/d9705996/escalator/internal/auth"
	"github.com/d9705996/escalator/internal/db/dbtest"
	"github.com/d9705996/escalator/internal/escalatable"
	"github.com/d9705996/escalator/internal/escalation"
	"github.com/d9705996/escalator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var admin = auth.Actor{UserID: "admin", Roles: []string{"Admin"}}

type fixture struct {
	db        *gorm.DB
	svc       *escalation.Service
	primary   string
	secondary string
	foreign   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := dbtest.New(t)
	features := auth.StaticFeatures{auth.FeatureEscalationPolicies: true}
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	f := &fixture{db: gdb, svc: escalation.NewService(gdb, auth.RoleAuthorizer{}, features, 3, log)}

	mk := func(project, name string) string {
		s := &model.OncallSchedule{ProjectID: project, Name: name, Timezone: "UTC"}
		require.NoError(t, gdb.Create(s).Error)
		return s.ID
	}
	f.primary = mk("proj", "Primary")
	f.secondary = mk("proj", "Secondary")
	f.foreign = mk("other", "Foreign")
	return f
}

func rule(schedule string, seconds int, status escalatable.Status) escalation.RuleParams {
	return escalation.RuleParams{ScheduleID: schedule, ElapsedTimeSeconds: seconds, Status: status}
}

func ruleIDs(p *model.EscalationPolicy) []string {
	out := make([]string, 0, len(p.Rules))
	for _, r := range p.Rules {
		out = append(out, r.ID)
	}
	return out
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.svc.Create(ctx, admin, "proj", escalation.PolicyParams{
		Name:  "Default",
		Rules: []escalation.RuleParams{rule(f.primary, 300, escalatable.StatusAcknowledged)},
	})
	require.NoError(t, err)
	require.Len(t, p.Rules, 1)
	assert.Equal(t, p.ID, p.Rules[0].PolicyID)

	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ruleIDs(p), ruleIDs(got))
}

func TestCreate_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name    string
		project string
		actor   auth.Actor
		params  escalation.PolicyParams
		kind    apperror.Kind
		message string
	}{
		{
			name: "no rules", project: "proj", actor: admin,
			params: escalation.PolicyParams{Name: "P"},
			kind:   apperror.KindValidation, message: escalation.MsgNoRules,
		},
		{
			name: "too many rules", project: "proj", actor: admin,
			params: escalation.PolicyParams{Name: "P", Rules: []escalation.RuleParams{
				rule(f.primary, 0, escalatable.StatusTriggered),
				rule(f.primary, 60, escalatable.StatusTriggered),
				rule(f.primary, 120, escalatable.StatusTriggered),
				rule(f.primary, 180, escalatable.StatusTriggered),
			}},
			kind: apperror.KindValidation, message: "Escalation policies may not have more than 3 rules",
		},
		{
			name: "schedule from another project", project: "proj", actor: admin,
			params: escalation.PolicyParams{Name: "P", Rules: []escalation.RuleParams{rule(f.foreign, 60, escalatable.StatusTriggered)}},
			kind:   apperror.KindValidation, message: escalation.MsgBadSchedules,
		},
		{
			name: "unknown schedule", project: "proj", actor: admin,
			params: escalation.PolicyParams{Name: "P", Rules: []escalation.RuleParams{rule("nope", 60, escalatable.StatusTriggered)}},
			kind:   apperror.KindValidation, message: escalation.MsgBadSchedules,
		},
		{
			name: "closed status", project: "proj", actor: admin,
			params: escalation.PolicyParams{Name: "P", Rules: []escalation.RuleParams{rule(f.primary, 60, escalatable.StatusResolved)}},
			kind:   apperror.KindValidation,
		},
		{
			name: "negative delay", project: "proj", actor: admin,
			params: escalation.PolicyParams{Name: "P", Rules: []escalation.RuleParams{rule(f.primary, -1, escalatable.StatusTriggered)}},
			kind:   apperror.KindValidation,
		},
		{
			name: "duplicate rules", project: "proj", actor: admin,
			params: escalation.PolicyParams{Name: "P", Rules: []escalation.RuleParams{
				rule(f.primary, 60, escalatable.StatusTriggered),
				rule(f.primary, 60, escalatable.StatusTriggered),
			}},
			kind: apperror.KindValidation,
		},
		{
			name: "no permission", project: "proj",
			actor:  auth.Actor{UserID: "r", Roles: []string{"Responder"}, Projects: []string{"proj"}},
			params: escalation.PolicyParams{Name: "P", Rules: []escalation.RuleParams{rule(f.primary, 60, escalatable.StatusTriggered)}},
			kind:   apperror.KindForbidden, message: escalation.MsgNoPermissions,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.actor, tt.project, tt.params)
			require.Error(t, err)
			var appErr *apperror.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.kind, appErr.Kind)
			if tt.message != "" {
				assert.Contains(t, appErr.Messages, tt.message)
			}
		})
	}

	var count int64
	require.NoError(t, f.db.Model(&model.EscalationPolicy{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreate_Unlicensed(t *testing.T) {
	f := newFixture(t)
	svc := escalation.NewService(f.db, auth.RoleAuthorizer{}, auth.StaticFeatures{}, 0, slog.Default())
	_, err := svc.Create(context.Background(), admin, "proj", escalation.PolicyParams{Name: "P"})
	assert.True(t, apperror.Is(err, apperror.KindUnlicensed))
}

func TestUpdate_UnchangedRulesKeepIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rules := []escalation.RuleParams{
		rule(f.primary, 0, escalatable.StatusTriggered),
		rule(f.secondary, 300, escalatable.StatusAcknowledged),
	}
	p, err := f.svc.Create(ctx, admin, "proj", escalation.PolicyParams{Name: "P", Rules: rules})
	require.NoError(t, err)
	before, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)

	// Same set in a different order.
	updated, err := f.svc.Update(ctx, admin, p.ID, escalation.PolicyParams{
		Name:  "P",
		Rules: []escalation.RuleParams{rules[1], rules[0]},
	})
	require.NoError(t, err)
	assert.Equal(t, ruleIDs(before), ruleIDs(updated))
}

func TestUpdate_ReconcilesRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	keep := rule(f.primary, 0, escalatable.StatusTriggered)
	drop := rule(f.secondary, 300, escalatable.StatusAcknowledged)
	p, err := f.svc.Create(ctx, admin, "proj", escalation.PolicyParams{Name: "P", Rules: []escalation.RuleParams{keep, drop}})
	require.NoError(t, err)
	before, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)

	var keptID, droppedID string
	for _, r := range before.Rules {
		if r.ScheduleID == f.primary {
			keptID = r.ID
		} else {
			droppedID = r.ID
		}
	}
	// A pending escalation of the dropped rule goes with it.
	pe := &model.PendingEscalation{RuleID: droppedID, ScheduleID: f.secondary, ProjectID: "proj",
		TargetType: escalatable.KindIssue, TargetID: "i1", ExpectedStatus: escalatable.StatusAcknowledged}
	require.NoError(t, f.db.Create(pe).Error)

	added := rule(f.secondary, 600, escalatable.StatusAcknowledged)
	updated, err := f.svc.Update(ctx, admin, p.ID, escalation.PolicyParams{
		Name:        "Renamed",
		Description: "after review",
		Rules:       []escalation.RuleParams{keep, added},
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	require.Len(t, updated.Rules, 2)
	assert.Equal(t, keptID, updated.Rules[0].ID)
	assert.NotEqual(t, droppedID, updated.Rules[1].ID)
	assert.Equal(t, 600, updated.Rules[1].ElapsedTimeSeconds)

	var pending int64
	require.NoError(t, f.db.Model(&model.PendingEscalation{}).Count(&pending).Error)
	assert.Zero(t, pending)
}

func TestUpdate_EmptyRulesRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, err := f.svc.Create(ctx, admin, "proj", escalation.PolicyParams{
		Name: "P", Rules: []escalation.RuleParams{rule(f.primary, 0, escalatable.StatusTriggered)},
	})
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, admin, p.ID, escalation.PolicyParams{Name: "P", Rules: []escalation.RuleParams{}})
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, []string{escalation.MsgNoRules}, appErr.Messages)

	// nil leaves the rules alone.
	updated, err := f.svc.Update(ctx, admin, p.ID, escalation.PolicyParams{Name: "Q"})
	require.NoError(t, err)
	assert.Len(t, updated.Rules, 1)
}

func TestUpdate_NameUniquePerProject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rules := []escalation.RuleParams{rule(f.primary, 0, escalatable.StatusTriggered)}
	_, err := f.svc.Create(ctx, admin, "proj", escalation.PolicyParams{Name: "A", Rules: rules})
	require.NoError(t, err)
	b, err := f.svc.Create(ctx, admin, "proj", escalation.PolicyParams{Name: "B", Rules: rules})
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, admin, b.ID, escalation.PolicyParams{Name: "A"})
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, err := f.svc.Create(ctx, admin, "proj", escalation.PolicyParams{
		Name: "P", Rules: []escalation.RuleParams{rule(f.primary, 0, escalatable.StatusTriggered)},
	})
	require.NoError(t, err)

	_, err = f.svc.Destroy(ctx, admin, p.ID)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, p.ID)
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	var rules int64
	require.NoError(t, f.db.Model(&model.EscalationRule{}).Count(&rules).Error)
	assert.Zero(t, rules)
}

func TestRulesFor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.Create(ctx, admin, "proj", escalation.PolicyParams{Name: "P", Rules: []escalation.RuleParams{
		rule(f.primary, 600, escalatable.StatusAcknowledged),
		rule(f.primary, 0, escalatable.StatusTriggered),
		rule(f.secondary, 300, escalatable.StatusAcknowledged),
	}})
	require.NoError(t, err)

	rules, err := f.svc.RulesFor(ctx, "proj", escalatable.StatusAcknowledged)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 300, rules[0].ElapsedTimeSeconds)
	assert.Equal(t, 600, rules[1].ElapsedTimeSeconds)

	rules, err = f.svc.RulesFor(ctx, "other", escalatable.StatusAcknowledged)
	require.NoError(t, err)
	assert.Empty(t, rules)
}
