package auth

import (
	"errors"
	"testing"

	"folioline/internal/config"
)

func TestOpenWorkspaceGrantsOwner(t *testing.T) {
	s := Service{Config: config.Default("default")}
	if err := s.Require("anyone", PermPublishPublic); err != nil {
		t.Fatalf("owner should publish: %v", err)
	}
	if err := s.Require("", PermProjectRead); err == nil {
		t.Fatalf("empty actor accepted")
	}
}

func TestConfiguredActors(t *testing.T) {
	cfg := config.Default("default")
	cfg.RBAC.Actors = map[string][]string{
		"rita":  {"reviewer"},
		"otto":  {"operator"},
		"paula": {"publisher", "reviewer"},
	}
	s := Service{Config: cfg}
	cases := []struct {
		actor, perm string
		ok          bool
	}{
		{"rita", PermReviewApprove, true},
		{"rita", PermPublishPublic, false},
		{"otto", PermProjectStep, true},
		{"otto", PermReviewApprove, false},
		{"otto", PermBudgetOverride, false},
		{"paula", PermPublishPublic, true},
		{"paula", PermReviewReject, true},
		{"mallory", PermProjectRead, false},
	}
	for _, c := range cases {
		err := s.Require(c.actor, c.perm)
		if c.ok && err != nil {
			t.Fatalf("%s %s: %v", c.actor, c.perm, err)
		}
		var fe ForbiddenError
		if !c.ok && !errors.As(err, &fe) {
			t.Fatalf("%s %s: expected forbidden, got %v", c.actor, c.perm, err)
		}
	}
	if roles := s.ActorRoles("paula"); len(roles) != 2 || roles[0] != "publisher" {
		t.Fatalf("roles = %v", roles)
	}
}
