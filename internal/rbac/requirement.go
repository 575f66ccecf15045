package rbac

import (
	"net/http"
	"strings"

	"golang.org/x/text/cases"
)

// RequirementKind tags what a Requirement checks.
type RequirementKind int

const (
	// KindPermissions requires every listed permission.
	KindPermissions RequirementKind = iota + 1
	// KindAnyOfRoles requires at least one of the listed roles.
	KindAnyOfRoles
)

// Requirement is the authorization rule attached to a protected operation.
type Requirement struct {
	Kind  RequirementKind
	Names []string
}

// RequirePermission requires all of the named permissions.
func RequirePermission(names ...string) Requirement {
	return Requirement{Kind: KindPermissions, Names: normalizeNames(names)}
}

// RequireAnyRole requires at least one of the named roles.
func RequireAnyRole(names ...string) Requirement {
	return Requirement{Kind: KindAnyOfRoles, Names: normalizeNames(names)}
}

// Authorize evaluates req against a grant snapshot. Unknown kinds deny.
func Authorize(req Requirement, grants Snapshot) bool {
	switch req.Kind {
	case KindPermissions:
		return hasAll(grants.Permissions, req.Names)
	case KindAnyOfRoles:
		return hasAny(grants.Roles, req.Names)
	default:
		return false
	}
}

// AuthorizeAll evaluates every requirement; all must pass.
func AuthorizeAll(reqs []Requirement, grants Snapshot) bool {
	for _, req := range reqs {
		if !Authorize(req, grants) {
			return false
		}
	}
	return true
}

// Guard produces route middleware that enforces requirements.
type Guard interface {
	Require(reqs ...Requirement) func(http.Handler) http.Handler
}

func normalizeName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

func normalizeNames(names []string) []string {
	unique := make(map[string]struct{}, len(names))
	normalized := make([]string, 0, len(names))
	for _, n := range names {
		n = normalizeName(n)
		if n == "" {
			continue
		}
		if _, ok := unique[n]; ok {
			continue
		}
		unique[n] = struct{}{}
		normalized = append(normalized, n)
	}
	return normalized
}

func nameSet(granted []string) map[string]struct{} {
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		set[normalizeName(g)] = struct{}{}
	}
	return set
}

// hasAny is false for an empty requirement: a role gate with no roles admits nobody.
func hasAny(granted []string, required []string) bool {
	set := nameSet(granted)
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func hasAll(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := nameSet(granted)
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
