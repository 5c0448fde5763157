// Package authz decides whether a caller may perform an action, never
// who the caller is — authentication (password hashing, session/OIDC
// tokens) is an external collaborator. Two roles are
// recognized: admin and user. Policies are seeded in code, not loaded
// from a file, since the control plane has no policy-editing surface.
package authz

import (
	"github.com/casbin/casbin/v3"
	"github.com/casbin/casbin/v3/model"
	"github.com/nova-hosting/controlplane/internal/errkind"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	ActServerCreate      = "server:create"
	ActServerDelete      = "server:delete"
	ActServerStart       = "server:start"
	ActServerStop        = "server:stop"
	ActPortReserveAdmin  = "port:reserve-admin"
	ActPortReservePublic = "port:reserve-public"
	ActSubdomainReserved = "subdomain:reserved"
	ActAdminReconcile    = "admin:reconcile"
)

const modelText = `
[request_definition]
r = sub, act, obj

[policy_definition]
p = sub, act, obj

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.act == p.act && (p.obj == "*" || r.obj == p.obj)
`

// Authorizer wraps a casbin Enforcer seeded with the control plane's
// fixed admin/user policy set.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// New builds an Authorizer with the baseline policy: admins may perform
// every named action; users may create, delete, start and stop servers
// and reserve ports in the public range. Policies use the "*" object, so
// ownership of a server is checked by the caller, not here.
func New() (*Authorizer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "parsing authz model", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "building authz enforcer", err)
	}

	adminActions := []string{
		ActServerCreate, ActServerDelete, ActServerStart, ActServerStop,
		ActPortReserveAdmin, ActPortReservePublic, ActSubdomainReserved,
		ActAdminReconcile,
	}
	for _, act := range adminActions {
		if _, err := e.AddPolicy(RoleAdmin, act, "*"); err != nil {
			return nil, errkind.Wrap(errkind.Internal, "seeding admin policy", err)
		}
	}
	userActions := []string{
		ActServerCreate, ActServerDelete, ActServerStart, ActServerStop,
		ActPortReservePublic,
	}
	for _, act := range userActions {
		if _, err := e.AddPolicy(RoleUser, act, "*"); err != nil {
			return nil, errkind.Wrap(errkind.Internal, "seeding user policy", err)
		}
	}

	return &Authorizer{enforcer: e}, nil
}

// AssignRole grants subject (an email) a role. Called once at user
// creation and whenever admin status changes.
func (a *Authorizer) AssignRole(subject, role string) error {
	if _, err := a.enforcer.AddGroupingPolicy(subject, role); err != nil {
		return errkind.Wrap(errkind.Internal, "assigning role", err)
	}
	return nil
}

// RoleFor maps IsAdmin onto the two known roles.
func RoleFor(isAdmin bool) string {
	if isAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// Can reports whether subject may perform act on obj, surfacing a
// typed Authorization error on denial rather than a bare bool, so
// callers can return it directly from a lifecycle step.
func (a *Authorizer) Can(subject, act, obj string) error {
	ok, err := a.enforcer.Enforce(subject, act, obj)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "evaluating authz policy", err)
	}
	if !ok {
		return errkind.New(errkind.Authorization, "caller not permitted: "+act)
	}
	return nil
}
