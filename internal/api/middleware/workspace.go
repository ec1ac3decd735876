// Package middleware provides HTTP middleware for the ConvoDeck API.
package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const workspaceKey contextKey = "workspace"

// DefaultWorkspace is used when the request carries no workspace hint.
const DefaultWorkspace = "default"

// WorkspaceExtractor resolves the tenant workspace for each request.
// Resolution order: X-Workspace header, then ?workspace= query param,
// then DefaultWorkspace.
func WorkspaceExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := r.Header.Get("X-Workspace")
		if ws == "" {
			ws = r.URL.Query().Get("workspace")
		}
		if ws == "" {
			ws = DefaultWorkspace
		}
		ctx := context.WithValue(r.Context(), workspaceKey, ws)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Workspace returns the workspace from the request context.
func Workspace(ctx context.Context) string {
	if ws, ok := ctx.Value(workspaceKey).(string); ok {
		return ws
	}
	return DefaultWorkspace
}
