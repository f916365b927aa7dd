package adminapi

import "context"

type contextKey string

const sessionIDContextKey contextKey = "sessionId"

// withSessionID attaches the authenticated session id to ctx, set by
// bearerAuthMiddleware after a bearer token verifies successfully.
func withSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey, sessionID)
}

// sessionIDFromContext retrieves the session id attached by
// bearerAuthMiddleware, if any.
func sessionIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionIDContextKey).(string)
	return v, ok
}
