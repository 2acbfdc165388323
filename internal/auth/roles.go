package auth

import "strings"

// Role is a coarse application role carried in token claims. Mutation
// privilege on the control plane belongs to ADMIN and REFEREE.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleOrganizer  Role = "ORGANIZER"
	RoleCompetitor Role = "COMPETITOR"
	RoleReferee    Role = "REFEREE"
	RoleCoach      Role = "COACH"
)

// ParseRole normalizes a claim string into a known Role. Unknown strings
// are dropped by the caller.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleOrganizer:
		return RoleOrganizer, true
	case RoleCompetitor:
		return RoleCompetitor, true
	case RoleReferee:
		return RoleReferee, true
	case RoleCoach:
		return RoleCoach, true
	}
	return "", false
}

// HasAny reports whether any of want is present in roles.
func HasAny(roles []Role, want ...Role) bool {
	for _, r := range roles {
		for _, w := range want {
			if r == w {
				return true
			}
		}
	}
	return false
}

// CanMutate reports whether the role set may issue mutating commands.
func CanMutate(roles []Role) bool {
	return HasAny(roles, RoleAdmin, RoleReferee)
}
