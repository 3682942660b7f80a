package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/pesaloop/pesaloop-backend/internal/auth"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/handler"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
	"github.com/pesaloop/pesaloop-backend/internal/rbac"
)

type userLoader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// LoadUser resolves the authenticated user ID into a full user record
// and stashes it on the context. Must run after Auth.
func LoadUser(users userLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := auth.UserIDFromContext(r.Context())
			if !ok {
				handler.RespondAppError(w, handler.ErrMissingToken, nil)
				return
			}

			user, err := users.GetByID(r.Context(), userID)
			if err != nil {
				logging.FromContext(r.Context()).Warn("token subject not found", "user_id", userID, "error", err)
				handler.RespondAppError(w, handler.ErrInvalidToken, nil)
				return
			}

			ctx := auth.ContextWithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission guards a route with an RBAC requirement. Must run
// after LoadUser.
func RequirePermission(resolver *rbac.Resolver, req rbac.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := auth.UserFromContext(r.Context())
			if !ok {
				handler.RespondAppError(w, handler.ErrMissingToken, nil)
				return
			}

			if err := resolver.Authorize(r.Context(), user, req); err != nil {
				logging.FromContext(r.Context()).Info("permission denied",
					"user_id", user.ID, "codename", req.Codename, "method", req.Method)
				handler.RespondAppError(w, handler.ErrForbidden, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
