package auth

import "context"

// Caller is the authenticated principal a request runs as
type Caller struct {
	UserID string
	Roles  []string
}

// IsAdmin reports whether the caller holds the admin role
func (c Caller) IsAdmin() bool {
	return containsRole(c.Roles, RoleAdmin)
}

// Requirement is evaluated by Authorize before a core operation runs
type Requirement struct {
	role       string
	instanceID string
}

// RequireRole demands the caller hold role
func RequireRole(role string) Requirement {
	return Requirement{role: role}
}

// RequireInstanceAccess demands a link to the instance. Admins pass
// without one.
func RequireInstanceAccess(instanceID string) Requirement {
	return Requirement{instanceID: instanceID}
}

// AccessChecker is the link check Authorize relies on
type AccessChecker interface {
	HasAccess(ctx context.Context, userID, instanceID string) (bool, error)
}

// Authorize returns nil if caller satisfies every requirement. Denials
// return ErrAccessDenied without saying what would have granted access.
func Authorize(ctx context.Context, guard AccessChecker, caller Caller, requirements ...Requirement) error {
	if caller.UserID == "" {
		return ErrAccessDenied
	}

	for _, req := range requirements {
		if req.role != "" && !containsRole(caller.Roles, req.role) {
			return ErrAccessDenied
		}

		if req.instanceID == "" || caller.IsAdmin() {
			continue
		}

		if guard == nil {
			return ErrAccessDenied
		}

		ok, err := guard.HasAccess(ctx, caller.UserID, req.instanceID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAccessDenied
		}
	}

	return nil
}
