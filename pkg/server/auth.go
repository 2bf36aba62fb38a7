package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/raterudder/batteryplan/pkg/log"
)

// authMiddleware resolves the caller's email from a bearer token or the auth
// cookie. When OIDC is configured every API call except login and status
// needs a valid token, otherwise reads are open and requireAuth rejects
// writes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		allowNoLogin := r.URL.Path == "/api/auth/login" || r.URL.Path == "/api/auth/status" || r.URL.Path == "/api/auth/logout"

		if s.bypassAuth {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		var token string
		var fromCookie bool
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if !strings.HasPrefix(authHeader, "Bearer ") {
				log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
				writeJSONError(w, "invalid auth header", http.StatusBadRequest)
				return
			}
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else if cookie, err := r.Cookie(authTokenCookie); err == nil {
			token = cookie.Value
			fromCookie = true
		}

		if token != "" && s.oidcVerifier != nil {
			email, _, err := s.authenticateToken(ctx, token)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
				if fromCookie {
					s.clearCookie(w)
				}
				writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
				return
			}
			ctx = context.WithValue(ctx, emailContextKey, email)
			ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authEmail", email)))
		} else if s.oidcVerifier != nil && !allowNoLogin {
			log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
			writeJSONError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) getEmail(r *http.Request) string {
	email, _ := r.Context().Value(emailContextKey).(string)
	return email
}

// requireAuth only lets admins through, plus the update-specific account
// when allowUpdater is set.
func (s *Server) requireAuth(next http.HandlerFunc, allowUpdater bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bypassAuth {
			next(w, r)
			return
		}
		ctx := r.Context()
		email := s.getEmail(r)
		if email == "" {
			writeJSONError(w, "missing authentication", http.StatusUnauthorized)
			return
		}
		allowed := slices.Contains(s.adminEmails, email)
		if !allowed && allowUpdater && s.updateSpecificEmail != "" {
			allowed = subtle.ConstantTimeCompare([]byte(email), []byte(s.updateSpecificEmail)) == 1
		}
		if !allowed {
			log.Ctx(ctx).WarnContext(ctx, "email not allowed", slog.String("email", email))
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}

	email, expires, err := s.authenticateToken(ctx, req.Token)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
		writeJSONError(w, "invalid id token", http.StatusUnauthorized)
		return
	}
	if email == "" {
		log.Ctx(ctx).WarnContext(ctx, "invalid email in id token")
		writeJSONError(w, "invalid oidc claims", http.StatusUnauthorized)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "login token validated successfully", slog.String("email", email))

	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    req.Token,
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearCookie(w)
	w.WriteHeader(http.StatusOK)
}

type authStatusResponse struct {
	LoggedIn     bool   `json:"loggedIn"`
	Email        string `json:"email"`
	Admin        bool   `json:"admin"`
	AuthRequired bool   `json:"authRequired"`
	ClientID     string `json:"clientID,omitempty"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	email := s.getEmail(r)
	writeJSON(w, authStatusResponse{
		LoggedIn:     email != "",
		Email:        email,
		Admin:        s.bypassAuth || (email != "" && slices.Contains(s.adminEmails, email)),
		AuthRequired: s.oidcVerifier != nil && !s.bypassAuth,
		ClientID:     s.oidcAudience,
	})
}

func (s *Server) authenticateToken(ctx context.Context, token string) (string, time.Time, error) {
	if s.oidcVerifier == nil {
		return "", time.Time{}, errors.New("no oidc audience configured")
	}
	idToken, err := s.oidcVerifier(ctx, token)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("verifier failed: %w", err)
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", time.Time{}, fmt.Errorf("invalid claims: %w", err)
	}
	return claims.Email, idToken.Expiry, nil
}
