package httpserver

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// BasicAuth guards the admin endpoints. The configured password is a bcrypt
// hash; plaintext never touches configuration. Username comparison is
// constant-time so probing cannot distinguish a wrong user from a wrong
// password.
func BasicAuth(username, passwordBcrypt string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !verifyAdmin(user, pass, username, passwordBcrypt) {
				w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func verifyAdmin(user, pass, wantUser, wantBcrypt string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(wantBcrypt), []byte(pass)) == nil
	return userOK && passOK
}
