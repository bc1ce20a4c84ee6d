package auth

import (
	"errors"
	"fmt"
	"sort"

	"folioline/internal/config"
)

// Permissions checked before human and driver operations.
const (
	PermProjectCreate     = "project.create"
	PermProjectStep       = "project.step"
	PermProjectTransition = "project.transition"
	PermGateRecord        = "gate.record"
	PermReviewApprove     = "review.approve"
	PermReviewReject      = "review.reject"
	PermPublishPublic     = "publish.public"
	PermBudgetOverride    = "budget.override"
	PermProjectCancel     = "project.cancel"
	PermProjectRework     = "project.rework"
	PermProjectResume     = "project.resume"
	PermAttemptsReset     = "attempts.reset"
	PermEventsRead        = "events.read"
	PermProjectRead       = "project.read"
)

// OwnerRole is granted to every actor while rbac.actors is empty.
const OwnerRole = "owner"

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Actor      string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required for actor %s", e.Permission, e.Actor)
}

// Service resolves actor permissions from the rbac section of the workspace config.
type Service struct {
	Config *config.Config
}

func (s Service) open() bool {
	return s.Config == nil || len(s.Config.RBAC.Actors) == 0
}

func (s Service) ActorRoles(actorID string) []string {
	if actorID == "" {
		return nil
	}
	if s.open() {
		return []string{OwnerRole}
	}
	roles := append([]string(nil), s.Config.RBAC.Actors[actorID]...)
	sort.Strings(roles)
	return roles
}

func (s Service) ActorPermissions(actorID string) []string {
	seen := map[string]bool{}
	var perms []string
	for _, role := range s.ActorRoles(actorID) {
		var granted []string
		if s.Config != nil {
			granted = s.Config.RBAC.Roles[role].Permissions
		}
		if s.Config == nil || len(s.Config.RBAC.Roles) == 0 {
			granted = All
		}
		for _, p := range granted {
			if !seen[p] {
				seen[p] = true
				perms = append(perms, p)
			}
		}
	}
	sort.Strings(perms)
	return perms
}

func (s Service) ActorHasPermission(actorID, perm string) bool {
	for _, p := range s.ActorPermissions(actorID) {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless actorID holds perm.
func (s Service) Require(actorID, perm string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	if !s.ActorHasPermission(actorID, perm) {
		return ForbiddenError{Actor: actorID, Permission: perm}
	}
	return nil
}

// All lists every permission.
var All = []string{
	PermProjectCreate,
	PermProjectStep,
	PermProjectTransition,
	PermGateRecord,
	PermReviewApprove,
	PermReviewReject,
	PermPublishPublic,
	PermBudgetOverride,
	PermProjectCancel,
	PermProjectRework,
	PermProjectResume,
	PermAttemptsReset,
	PermEventsRead,
	PermProjectRead,
}
