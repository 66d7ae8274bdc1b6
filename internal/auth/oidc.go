package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// BearerVerifier validates an OIDC-issued bearer token and returns its
// subject.
type BearerVerifier interface {
	VerifyBearer(ctx context.Context, raw string) (subject string, err error)
}

// OIDCVerifier verifies bearer JWTs against an external issuer discovered
// at startup.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier initialises the verifier via OIDC discovery. The audience
// is matched against the token's aud claim.
func NewOIDCVerifier(ctx context.Context, issuerURL, audience string) (*OIDCVerifier, error) {
	if issuerURL == "" || audience == "" {
		return nil, fmt.Errorf("oidc issuer and audience are required")
	}
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: audience}),
	}, nil
}

// VerifyBearer checks signature, issuer, audience, and expiry.
func (v *OIDCVerifier) VerifyBearer(ctx context.Context, raw string) (string, error) {
	token, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("verify bearer: %w", err)
	}
	return token.Subject, nil
}
