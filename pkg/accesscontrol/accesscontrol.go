package accesscontrol

import (
	"fmt"

	"rental-payouts/pkg/config"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	RoleOwner     = "owner"
	RoleAffiliate = "affiliate"
	RoleAdmin     = "admin"
	RoleService   = "service"
)

var Module = fx.Module("accesscontrol", fx.Provide(New))

const defaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (g(r.sub, p.sub) || r.sub == p.sub) && keyMatch2(r.obj, p.obj) && r.act == p.act
`

var defaultPolicies = [][]string{
	{"beneficiary", "/v1/balance", "GET"},
	{"beneficiary", "/v1/earnings", "GET"},
	{"beneficiary", "/v1/withdrawals", "GET"},
	{"beneficiary", "/v1/withdrawals", "POST"},
	{"beneficiary", "/v1/withdrawals/:id", "GET"},
	{"beneficiary", "/v1/notifications", "GET"},
	{"beneficiary", "/v1/notifications/:id/read", "POST"},
	{RoleAdmin, "/v1/admin/withdrawals", "GET"},
	{RoleAdmin, "/v1/admin/withdrawals/:id", "GET"},
	{RoleAdmin, "/v1/admin/withdrawals/:id/processing", "POST"},
	{RoleAdmin, "/v1/admin/withdrawals/:id/approve", "POST"},
	{RoleAdmin, "/v1/admin/withdrawals/:id/reject", "POST"},
	{RoleService, "/v1/internal/bookings/events", "POST"},
	{RoleService, "/v1/internal/referrals", "POST"},
}

var defaultGroupings = [][]string{
	{RoleOwner, "beneficiary"},
	{RoleAffiliate, "beneficiary"},
}

// Enforcer answers whether a role may call a route.
type Enforcer interface {
	Enforce(rvals ...interface{}) (bool, error)
}

// New builds the enforcer from ACCESS_CONTROL.MODEL/POLICY files, or from the
// built-in route table when they are not configured.
func New(cfg *config.Config) (Enforcer, error) {
	if cfg.AccessControl.Model != "" && cfg.AccessControl.Policy != "" {
		e, err := casbin.NewEnforcer(cfg.AccessControl.Model, cfg.AccessControl.Policy)
		if err != nil {
			return nil, fmt.Errorf("load access control files: %w", err)
		}
		zap.L().Info("access control loaded from files",
			zap.String("model", cfg.AccessControl.Model),
			zap.String("policy", cfg.AccessControl.Policy))
		return e, nil
	}

	return NewDefault()
}

func NewDefault() (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(defaultModel)
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	if _, err := e.AddPolicies(defaultPolicies); err != nil {
		return nil, err
	}
	if _, err := e.AddGroupingPolicies(defaultGroupings); err != nil {
		return nil, err
	}

	return e, nil
}
