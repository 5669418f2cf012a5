package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gitlab-az1/ray/internal/auth"
	"github.com/gitlab-az1/ray/internal/config"
	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"go.uber.org/zap"
)

// BasicAuth enforces the auth section of the live configuration. Requests
// pass untouched while enable_authentication is off. The password is
// verified against auth.hashed_password peppered with pepper (HMAC_KEY).
func BasicAuth(live *config.Live, pepper []byte, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	errs := rayerrors.NewHandler(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := live.Load().Auth
			if !cfg.EnableAuthentication {
				next.ServeHTTP(w, r)
				return
			}

			if err := authenticate(r, cfg, pepper); err != nil {
				if rayerrors.Is(err, rayerrors.ErrCodeUnauthorized) {
					w.Header().Set("WWW-Authenticate", `Basic realm="ray", charset="UTF-8"`)
					logger.Debug("authentication rejected",
						zap.String("request_id", r.Header.Get(RequestIDHeader)),
						zap.String("remote_addr", r.RemoteAddr),
						zap.Error(err))
				}
				errs.HandleError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authenticate(r *http.Request, cfg config.AuthConfig, pepper []byte) error {
	if r.Header.Get("Authorization") == "" {
		return rayerrors.Unauthorized("no authorization header found")
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return rayerrors.Unauthorized("invalid authorization scheme").
			WithDetail("reason", "only the Basic authorization scheme is supported")
	}

	algorithm, err := auth.Algorithm(cfg.HashedPassword)
	if err != nil {
		return rayerrors.InternalError("invalid hashed password in configuration", err)
	}
	if algorithm != cfg.HashingAlgorithm {
		return rayerrors.InternalError("hashed password does not match the configured algorithm", nil).
			WithDetail("algorithm", cfg.HashingAlgorithm)
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.Username)) == 1
	passOK, err := auth.Verify(cfg.HashedPassword, password, pepper)
	if err != nil {
		return rayerrors.InternalError("invalid hashed password in configuration", err)
	}
	if !userOK || !passOK {
		return rayerrors.Unauthorized("invalid credentials provided")
	}
	return nil
}
