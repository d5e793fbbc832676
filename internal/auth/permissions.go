// Package auth provides the permission and feature-availability capabilities
// that guard policy and schedule mutations.
package auth

import (
	"context"
	"slices"
)

// Permissions checked by the mutation services.
const (
	PermAdminEscalationPolicy = "admin_incident_management_escalation_policy"
	PermAdminOncallSchedule   = "admin_incident_management_oncall_schedule"
)

// Features gated per project.
const (
	FeatureEscalationPolicies = "escalation_policies"
	FeatureOncallSchedules    = "oncall_schedules"
)

// Actor is the caller of a mutation.
type Actor struct {
	UserID string
	Roles  []string
	// Projects limits Roles to these project IDs. The Admin role ignores it.
	Projects []string
}

// Authorizer answers whether actor holds permission on a project.
type Authorizer interface {
	Can(ctx context.Context, actor Actor, permission, projectID string) bool
}

// FeatureGate answers whether a feature is available for a project.
type FeatureGate interface {
	Enabled(ctx context.Context, feature, projectID string) bool
}

// rolePermissions maps built-in role names to their allowed permissions.
var rolePermissions = map[string][]string{
	"Maintainer": {
		PermAdminOncallSchedule,
		PermAdminEscalationPolicy,
	},
	"Admin": {"*"}, // wildcard, grants all permissions on every project
}

// RoleAuthorizer grants permissions from the actor's roles.
type RoleAuthorizer struct{}

// Can implements Authorizer.
func (RoleAuthorizer) Can(_ context.Context, actor Actor, permission, projectID string) bool {
	for _, role := range actor.Roles {
		perms := rolePermissions[role]
		if slices.Contains(perms, "*") {
			return true
		}
		if !slices.Contains(perms, permission) {
			continue
		}
		if slices.Contains(actor.Projects, projectID) {
			return true
		}
	}
	return false
}

// StaticFeatures enables features globally from configuration.
type StaticFeatures map[string]bool

// Enabled implements FeatureGate. Unknown features are disabled.
func (f StaticFeatures) Enabled(_ context.Context, feature, _ string) bool {
	return f[feature]
}
