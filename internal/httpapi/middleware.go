package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/DoyleJ11/trivia-duel-backend/internal/identity"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const identityCookie = "trivia_uid"

type freshKey struct{}

// freshIdentity reports whether the request's uid was issued by this
// request rather than read from its cookie.
func freshIdentity(r *http.Request) bool {
	fresh, _ := r.Context().Value(freshKey{}).(bool)
	return fresh
}

// Identity issues an anonymous uid cookie on first visit and puts the user
// on the request context.
func Identity(secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, fresh := "", false
			if c, err := r.Cookie(identityCookie); err == nil && identity.Valid(c.Value) {
				uid = c.Value
			} else {
				uid, fresh = identity.NewUID(), true
				http.SetCookie(w, &http.Cookie{
					Name:     identityCookie,
					Value:    uid,
					Path:     "/",
					MaxAge:   int((365 * 24 * time.Hour).Seconds()),
					HttpOnly: true,
					Secure:   secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			ctx := identity.WithUser(r.Context(), identity.User{UID: uid})
			ctx = context.WithValue(ctx, freshKey{}, fresh)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
