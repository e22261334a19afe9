package shared

import "context"

type contextKey string

const userContextKey contextKey = "current_user"

// CurrentUser identifies the authenticated caller. Session management is
// owned by the identity boundary; handlers only consume what it resolved.
type CurrentUser struct {
	ID          string
	DisplayName string
}

// WithUser stores the current user on the context.
func WithUser(ctx context.Context, user CurrentUser) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the current user, if any.
func UserFromContext(ctx context.Context) (CurrentUser, bool) {
	user, ok := ctx.Value(userContextKey).(CurrentUser)
	return user, ok && user.ID != ""
}
