package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/SolaceLabs/taskwatch/internal/logging"
)

type contextKey struct{}

// ContextKey carries the authenticated Principal in the request context.
var ContextKey = contextKey{}

// Principal identifies who is calling the control API.
type Principal struct {
	Subject string // token name, OIDC subject, or "local" when auth is off
	Method  string // "none", "token", or "oidc"
	TokenID string // set for stored tokens
}

// Service validates control-API credentials for the configured mode.
type Service struct {
	Mode            string // "none", "token", or "oidc"
	BootstrapDigest string // SHA-256 of the static env token, "" if unset
	Tokens          TokenStore
	Verifier        BearerVerifier
	Log             *logging.Logger
}

// NewService builds the auth service. staticToken may be empty; stored
// tokens minted at runtime work either way.
func NewService(mode, staticToken string, tokens TokenStore, verifier BearerVerifier, log *logging.Logger) *Service {
	digest := ""
	if staticToken != "" {
		digest = HashToken(staticToken)
	}
	return &Service{
		Mode:            mode,
		BootstrapDigest: digest,
		Tokens:          tokens,
		Verifier:        verifier,
		Log:             log,
	}
}

// Authenticate resolves the caller of a request. Returns nil when the
// credentials are missing or invalid.
func (s *Service) Authenticate(r *http.Request) *Principal {
	switch s.Mode {
	case "", "none":
		return &Principal{Subject: "local", Method: "none"}
	case "token":
		bearer := ExtractBearerToken(r.Header.Get("Authorization"))
		if bearer == "" {
			return nil
		}
		return s.validateToken(bearer)
	case "oidc":
		bearer := ExtractBearerToken(r.Header.Get("Authorization"))
		if bearer == "" || s.Verifier == nil {
			return nil
		}
		subject, err := s.Verifier.VerifyBearer(r.Context(), bearer)
		if err != nil {
			s.Log.Debug("oidc bearer rejected", "error", err)
			return nil
		}
		return &Principal{Subject: subject, Method: "oidc"}
	default:
		return nil
	}
}

func (s *Service) validateToken(bearer string) *Principal {
	digest := HashToken(bearer)

	if s.BootstrapDigest != "" &&
		subtle.ConstantTimeCompare([]byte(digest), []byte(s.BootstrapDigest)) == 1 {
		return &Principal{Subject: "bootstrap", Method: "token"}
	}

	if s.Tokens == nil {
		return nil
	}
	token, err := s.Tokens.GetAPITokenByHash(digest)
	if err != nil {
		s.Log.Warn("token lookup failed", "error", err)
		return nil
	}
	if token == nil {
		return nil
	}
	if err := s.Tokens.TouchAPIToken(token.ID, time.Now().UTC()); err != nil {
		s.Log.Debug("token touch failed", "id", token.ID, "error", err)
	}
	return &Principal{Subject: token.Name, Method: "token", TokenID: token.ID}
}

// Middleware rejects unauthenticated API requests with a JSON 401.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := s.Authenticate(r)
		if p == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		ctx := context.WithValue(r.Context(), ContextKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetPrincipal extracts the Principal from a request context.
func GetPrincipal(ctx context.Context) *Principal {
	p, _ := ctx.Value(ContextKey).(*Principal)
	return p
}
