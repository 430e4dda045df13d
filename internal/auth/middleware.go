package auth

import (
	"errors"
	"log/slog"
	"net/http"

	loggerpkg "Monios-Control/pkg/logger"
)

// Middleware 返回一个 HTTP 中间件，把 Bearer 令牌解析为租户身份。
// v 为 nil 时认证关闭，请求原样放行。
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				next.ServeHTTP(w, r)
				return
			}
			token, err := bearerToken(r.Header.Get("Authorization"))
			var subject *Subject
			if err == nil {
				subject, err = v.Verify(token)
			}
			if err != nil {
				status := http.StatusUnauthorized
				http.Error(w, http.StatusText(status), status)
				reason := "invalid_token"
				if errors.Is(err, ErrMissingToken) {
					reason = "missing_token"
				}
				loggerpkg.Audit().Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("reason", reason),
				)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
