package middleware

import "net/http"

// AdminAuth enforces the shared-secret passcode header on the admin
// surface (§6). STRICT: fails fast on a missing or mismatched header,
// mirroring the teacher's fail-fast AuthMiddleware shape but validating a
// static passcode instead of a bearer JWT.
func AdminAuth(passcode string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("x-admin-passcode")
			if got == "" {
				http.Error(w, "Missing x-admin-passcode header", http.StatusUnauthorized)
				return
			}
			if got != passcode {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
