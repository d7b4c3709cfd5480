package api

import (
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const adminUser = "admin"

func (s *ChatRelayApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware rejects requests without a valid identity token.
func (s *ChatRelayApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.identityFromRequest(r)
		if err != nil {
			s.log.Println("failed to verify identity token:", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithIdentity(r.Context(), identity)))
	}
}

// identityMiddleware attaches the token identity when one is presented. A
// missing token is only an error when identities are required; a token
// that fails verification always is.
func (s *ChatRelayApp) identityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hasToken(r) && !s.requireIdentity {
			next(w, r)
			return
		}

		s.authMiddleware(next)(w, r)
	}
}

// adminMiddleware checks HTTP basic credentials against the configured
// bcrypt hash. Admin endpoints are disabled when no hash is configured.
func (s *ChatRelayApp) adminMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.adminHash) == 0 {
			errResp := NewForbiddenError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		user, passwd, ok := r.BasicAuth()
		if !ok || user != adminUser || !verifyPassword(s.adminHash, passwd) {
			w.Header().Set("WWW-Authenticate", `Basic realm="chat-relay"`)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		next(w, r)
	}
}

func verifyPassword(passwdHash []byte, passwd string) bool {
	return bcrypt.CompareHashAndPassword(passwdHash, []byte(passwd)) == nil
}
