package auth

import "strings"

// IsValidRole checks if the role is one of the predefined roles
func IsValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAdmin:
		return true
	default:
		return false
	}
}

// NormalizeRoles lower cases, dedupes and drops blanks. An empty
// result falls back to RoleUser.
func NormalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || containsRole(out, r) {
			continue
		}
		out = append(out, r)
	}

	if len(out) == 0 {
		out = append(out, RoleUser)
	}

	return out
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}
