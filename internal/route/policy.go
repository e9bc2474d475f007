package route

import (
	"net/http"

	"meshgate.org/internal/mapping"
)

// Action is what the gateway does with a matched request.
type Action int

const (
	ActionProxy Action = iota
	ActionResolveProxy
	ActionLogout
	ActionRefresh
	ActionProvision
)

func (a Action) String() string {
	switch a {
	case ActionProxy:
		return "proxy"
	case ActionResolveProxy:
		return "resolve-proxy"
	case ActionLogout:
		return "logout"
	case ActionRefresh:
		return "refresh"
	case ActionProvision:
		return "provision"
	default:
		return "unknown"
	}
}

// Auth is the credential a policy requires.
type Auth int

const (
	AuthNone Auth = iota
	AuthAccess
	AuthRefresh
)

// Service names an upstream the dispatcher can forward to.
type Service string

const (
	ServiceIdentity   Service = "identity"
	ServiceDeviceMgmt Service = "devmgmt"
	ServiceAnalytics  Service = "analytics"
	ServiceFrontend   Service = "frontend"
)

// Policy is one row of the route table. Patterns are chi patterns relative to
// the API prefix; an empty Methods list matches every method.
type Policy struct {
	Name     string
	Methods  []string
	Patterns []string
	Auth     Auth
	Action   Action
	Target   Service
	Family   mapping.Family
}

// AllowsMethod reports whether the policy applies to method.
func (p Policy) AllowsMethod(method string) bool {
	if len(p.Methods) == 0 {
		return true
	}
	for _, m := range p.Methods {
		if m == method {
			return true
		}
	}
	return false
}

func orgScoped(name, kind string, target Service, family mapping.Family) Policy {
	base := "/organizations/{orgID}/" + kind
	return Policy{
		Name:     name,
		Patterns: []string{base, base + "/*"},
		Auth:     AuthAccess,
		Action:   ActionResolveProxy,
		Target:   target,
		Family:   family,
	}
}

// Policies is the gateway route table in evaluation order.
var Policies = []Policy{
	{Name: "create-user", Methods: []string{http.MethodPost}, Patterns: []string{"/users"}, Auth: AuthNone, Action: ActionProxy, Target: ServiceIdentity},
	{Name: "users", Patterns: []string{"/users", "/users/*"}, Auth: AuthAccess, Action: ActionProxy, Target: ServiceIdentity},
	{Name: "logout", Patterns: []string{"/auth/logout"}, Auth: AuthNone, Action: ActionLogout},
	{Name: "refresh", Patterns: []string{"/auth/refresh"}, Auth: AuthRefresh, Action: ActionRefresh, Target: ServiceIdentity},
	{Name: "auth", Patterns: []string{"/auth/*"}, Auth: AuthNone, Action: ActionProxy, Target: ServiceIdentity},
	orgScoped("org-applications", "applications", ServiceDeviceMgmt, mapping.FamilyDeviceMgmt),
	orgScoped("org-service-profiles", "service-profiles", ServiceDeviceMgmt, mapping.FamilyDeviceMgmt),
	orgScoped("org-lora-profiles", "lora-profiles", ServiceDeviceMgmt, mapping.FamilyDeviceMgmt),
	orgScoped("org-device-profiles", "device-profiles", ServiceDeviceMgmt, mapping.FamilyDeviceMgmt),
	orgScoped("org-export-sensor-data", "export-sensor-data", ServiceAnalytics, mapping.FamilyTSDB),
	{Name: "create-organization", Methods: []string{http.MethodPost}, Patterns: []string{"/organizations"}, Auth: AuthAccess, Action: ActionProvision},
	{Name: "organizations", Patterns: []string{"/organizations", "/organizations/*"}, Auth: AuthAccess, Action: ActionProxy, Target: ServiceIdentity},
}

// Table groups policies by pattern, keeping table order within each pattern.
type Table struct {
	patterns  []string
	byPattern map[string][]Policy
}

// NewTable indexes policies for registration with a router.
func NewTable(policies []Policy) *Table {
	t := &Table{byPattern: make(map[string][]Policy)}
	for _, p := range policies {
		for _, pattern := range p.Patterns {
			if _, ok := t.byPattern[pattern]; !ok {
				t.patterns = append(t.patterns, pattern)
			}
			t.byPattern[pattern] = append(t.byPattern[pattern], p)
		}
	}
	return t
}

// Patterns returns the distinct patterns in first-seen order.
func (t *Table) Patterns() []string {
	out := make([]string, len(t.patterns))
	copy(out, t.patterns)
	return out
}

// Select returns the first policy registered for pattern that allows method.
func (t *Table) Select(pattern, method string) (Policy, bool) {
	for _, p := range t.byPattern[pattern] {
		if p.AllowsMethod(method) {
			return p, true
		}
	}
	return Policy{}, false
}
